package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pagewatch/pagewatch/internal/core"
	"github.com/pagewatch/pagewatch/internal/domain/model"
)

// RuleRepo reads monitor rules and maintains their run health. Rule CRUD
// lives in the external workspace surface; the worker never writes rule
// definitions.
type RuleRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewRuleRepo creates a new RuleRepo.
func NewRuleRepo(db *sql.DB, tp TimeProvider) *RuleRepo {
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &RuleRepo{DB: db, timeProvider: tp}
}

const ruleColumns = `
  id,
  workspace_id,
  name,
  rule_type,
  url,
  extraction,
  fetch,
  conditions,
  cooldown_seconds,
  tier,
  channels,
  interval_seconds,
  enabled,
  consecutive_failures,
  last_error,
  last_run_at,
  created_at,
  updated_at
`

// GetByID returns the rule, or nil when it does not exist.
func (r *RuleRepo) GetByID(ctx context.Context, id string) (*model.Rule, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE id = $1
	`, id)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return rule, nil
}

// ListDue returns enabled rules whose next check is due, ordered by how
// overdue they are. last_run_at IS NULL sorts first.
func (r *RuleRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Rule, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE enabled
		  AND (last_run_at IS NULL
		       OR last_run_at + make_interval(secs => interval_seconds) <= $1)
		ORDER BY last_run_at ASC NULLS FIRST
		LIMIT $2
	`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due rules: %w", err)
	}
	defer rows.Close()

	var rules []*model.Rule
	for rows.Next() {
		rule, scanErr := scanRule(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan due rule: %w", scanErr)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list due rules: %w", err)
	}
	return rules, nil
}

// RecordRunHealth updates last_run_at plus the consecutive-failure counter.
// A success clears the counter and last error.
func (r *RuleRepo) RecordRunHealth(ctx context.Context, params core.RecordRunHealthParams) error {
	runAt := params.RunAt
	if runAt.IsZero() {
		runAt = r.timeProvider.Now()
	}

	var err error
	if params.Success {
		_, err = r.DB.ExecContext(ctx, `
			UPDATE rules
			SET consecutive_failures = 0,
			    last_error = NULL,
			    last_run_at = $2,
			    updated_at = $2
			WHERE id = $1
		`, params.RuleID, runAt.UTC())
	} else {
		_, err = r.DB.ExecContext(ctx, `
			UPDATE rules
			SET consecutive_failures = consecutive_failures + 1,
			    last_error = $2,
			    last_run_at = $3,
			    updated_at = $3
			WHERE id = $1
		`, params.RuleID, params.Error, runAt.UTC())
	}
	if err != nil {
		return fmt.Errorf("record run health: %w", err)
	}
	return nil
}

type ruleRowScanner interface {
	Scan(dest ...any) error
}

func scanRule(scanner ruleRowScanner) (*model.Rule, error) {
	rule := &model.Rule{}
	var extraction, fetchProfile, conditions, channels []byte
	var lastError sql.NullString
	var lastRunAt sql.NullTime

	err := scanner.Scan(
		&rule.ID,
		&rule.WorkspaceID,
		&rule.Name,
		&rule.RuleType,
		&rule.URL,
		&extraction,
		&fetchProfile,
		&conditions,
		&rule.CooldownSeconds,
		&rule.Tier,
		&channels,
		&rule.IntervalSeconds,
		&rule.Enabled,
		&rule.ConsecutiveFailures,
		&lastError,
		&lastRunAt,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(extraction) > 0 {
		if err := json.Unmarshal(extraction, &rule.Extraction); err != nil {
			return nil, fmt.Errorf("decode extraction: %w", err)
		}
	}
	if len(fetchProfile) > 0 {
		if err := json.Unmarshal(fetchProfile, &rule.Fetch); err != nil {
			return nil, fmt.Errorf("decode fetch profile: %w", err)
		}
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &rule.Conditions); err != nil {
			return nil, fmt.Errorf("decode conditions: %w", err)
		}
	}
	if len(channels) > 0 {
		if err := json.Unmarshal(channels, &rule.Channels); err != nil {
			return nil, fmt.Errorf("decode channels: %w", err)
		}
	}
	rule.LastError = cloneNullableString(lastError)
	rule.LastRunAt = cloneNullableTime(lastRunAt)
	return rule, nil
}
