package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pagewatch/pagewatch/internal/domain/model"
)

// AlertRepo persists triggered alerts. The dedupe_key unique index is the
// last line of defence against concurrent runs raising the same alert twice.
type AlertRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewAlertRepo creates a new AlertRepo.
func NewAlertRepo(db *sql.DB, tp TimeProvider) *AlertRepo {
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &AlertRepo{DB: db, timeProvider: tp}
}

const alertColumns = `
  id,
  dedupe_key,
  rule_id,
  workspace_id,
  severity,
  title,
  body,
  triggered_at,
  current_value,
  previous_value,
  change_kind,
  diff_summary,
  conditions,
  channels,
  created_at
`

// Create inserts a new alert. A dedupe-key collision surfaces as
// model.ErrDuplicateAlert so callers can treat the race as benign.
func (r *AlertRepo) Create(ctx context.Context, req *model.CreateAlertRequest) (*model.Alert, error) {
	if req == nil {
		return nil, errors.New("create alert request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	currentValue, err := marshalNullable(req.CurrentValue)
	if err != nil {
		return nil, fmt.Errorf("marshal current value: %w", err)
	}
	previousValue, err := marshalNullable(req.PreviousValue)
	if err != nil {
		return nil, fmt.Errorf("marshal previous value: %w", err)
	}
	conditions, err := json.Marshal(req.Conditions)
	if err != nil {
		return nil, fmt.Errorf("marshal conditions: %w", err)
	}
	channels, err := json.Marshal(req.Channels)
	if err != nil {
		return nil, fmt.Errorf("marshal channels: %w", err)
	}

	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO alerts(
			dedupe_key, rule_id, workspace_id, severity, title, body,
			triggered_at, current_value, previous_value, change_kind,
			diff_summary, conditions, channels)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING `+alertColumns,
		req.DedupeKey, req.RuleID, req.WorkspaceID, req.Severity,
		req.Title, req.Body, req.TriggeredAt.UTC(),
		currentValue, previousValue,
		nullString(string(req.ChangeKind)), nullString(req.DiffSummary),
		conditions, channels)

	alert, err := scanAlert(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, model.ErrDuplicateAlert
		}
		return nil, fmt.Errorf("insert alert: %w", err)
	}
	return alert, nil
}

// GetByID returns the alert, or nil when it does not exist.
func (r *AlertRepo) GetByID(ctx context.Context, id string) (*model.Alert, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE id = $1
	`, id)

	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return alert, nil
}

// GetByDedupeKey returns the alert with the given dedupe key, or nil.
func (r *AlertRepo) GetByDedupeKey(ctx context.Context, dedupeKey string) (*model.Alert, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE dedupe_key = $1
	`, dedupeKey)

	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get alert by dedupe key: %w", err)
	}
	return alert, nil
}

// LastTriggeredAt returns the most recent triggered_at for the rule, or nil
// when the rule has never alerted.
func (r *AlertRepo) LastTriggeredAt(ctx context.Context, ruleID string) (*time.Time, error) {
	var triggeredAt time.Time
	err := r.DB.QueryRowContext(ctx, `
		SELECT triggered_at
		FROM alerts
		WHERE rule_id = $1
		ORDER BY triggered_at DESC
		LIMIT 1
	`, ruleID).Scan(&triggeredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last triggered at: %w", err)
	}
	utc := triggeredAt.UTC()
	return &utc, nil
}

func marshalNullable(v *model.NormalizedValue) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

type alertRowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(scanner alertRowScanner) (*model.Alert, error) {
	alert := &model.Alert{}
	var currentValue, previousValue, conditions, channels []byte
	var changeKind, diffSummary sql.NullString

	err := scanner.Scan(
		&alert.ID,
		&alert.DedupeKey,
		&alert.RuleID,
		&alert.WorkspaceID,
		&alert.Severity,
		&alert.Title,
		&alert.Body,
		&alert.TriggeredAt,
		&currentValue,
		&previousValue,
		&changeKind,
		&diffSummary,
		&conditions,
		&channels,
		&alert.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(currentValue) > 0 {
		alert.CurrentValue = &model.NormalizedValue{}
		if err := json.Unmarshal(currentValue, alert.CurrentValue); err != nil {
			return nil, fmt.Errorf("decode current value: %w", err)
		}
	}
	if len(previousValue) > 0 {
		alert.PreviousValue = &model.NormalizedValue{}
		if err := json.Unmarshal(previousValue, alert.PreviousValue); err != nil {
			return nil, fmt.Errorf("decode previous value: %w", err)
		}
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &alert.Conditions); err != nil {
			return nil, fmt.Errorf("decode conditions: %w", err)
		}
	}
	if len(channels) > 0 {
		if err := json.Unmarshal(channels, &alert.Channels); err != nil {
			return nil, fmt.Errorf("decode channels: %w", err)
		}
	}
	alert.ChangeKind = model.ChangeKind(changeKind.String)
	alert.DiffSummary = diffSummary.String
	return alert, nil
}
