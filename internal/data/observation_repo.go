package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pagewatch/pagewatch/internal/domain/model"
)

// ObservationRepo stores the last stable normalized value per rule.
type ObservationRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewObservationRepo creates a new ObservationRepo.
func NewObservationRepo(db *sql.DB, tp TimeProvider) *ObservationRepo {
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &ObservationRepo{DB: db, timeProvider: tp}
}

// Get returns the observation for the rule, or nil when none exists yet.
func (r *ObservationRepo) Get(ctx context.Context, ruleID string) (*model.Observation, error) {
	obs := &model.Observation{}
	var value []byte

	err := r.DB.QueryRowContext(ctx, `
		SELECT rule_id, value, observed_at
		FROM observations
		WHERE rule_id = $1
	`, ruleID).Scan(&obs.RuleID, &value, &obs.ObservedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get observation: %w", err)
	}

	if len(value) > 0 {
		obs.Value = &model.NormalizedValue{}
		if err := json.Unmarshal(value, obs.Value); err != nil {
			return nil, fmt.Errorf("decode observation value: %w", err)
		}
	}
	return obs, nil
}

// Upsert writes the observation, replacing any previous value for the rule.
func (r *ObservationRepo) Upsert(ctx context.Context, obs *model.Observation) error {
	if obs == nil {
		return errors.New("observation is required")
	}
	if obs.RuleID == "" {
		return errors.New("observation rule_id is required")
	}

	observedAt := obs.ObservedAt
	if observedAt.IsZero() {
		observedAt = r.timeProvider.Now()
	}

	var value []byte
	if obs.Value != nil {
		encoded, err := json.Marshal(obs.Value)
		if err != nil {
			return fmt.Errorf("marshal observation value: %w", err)
		}
		value = encoded
	}

	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO observations(rule_id, value, observed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (rule_id) DO UPDATE
		SET value = EXCLUDED.value,
		    observed_at = EXCLUDED.observed_at
	`, obs.RuleID, value, observedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert observation: %w", err)
	}
	return nil
}
