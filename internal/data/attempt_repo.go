package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pagewatch/pagewatch/internal/domain/model"
)

// attemptRetentionLockMinor is the advisory minor key for attempt pruning.
const attemptRetentionLockMinor = 4

// AttemptRepo is the append-only fetch attempt ledger.
type AttemptRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewAttemptRepo creates a new AttemptRepo.
func NewAttemptRepo(db *sql.DB, tp TimeProvider) *AttemptRepo {
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &AttemptRepo{DB: db, timeProvider: tp}
}

// Insert appends one attempt row. ID and created_at default server-side when
// the attempt does not carry them.
func (r *AttemptRepo) Insert(ctx context.Context, attempt *model.FetchAttempt) error {
	if attempt == nil {
		return errors.New("attempt is required")
	}

	createdAt := attempt.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.timeProvider.Now()
	}

	signals, err := json.Marshal(attempt.Signals)
	if err != nil {
		return fmt.Errorf("marshal signals: %w", err)
	}

	_, err = r.DB.ExecContext(ctx, `
		INSERT INTO fetch_attempts(
			workspace_id, rule_id, url, hostname, provider, outcome, block_kind,
			http_status, final_url, body_bytes, content_type, latency_ms,
			signals, error_detail, cost_usd, cost_units, raw_sample, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`,
		attempt.WorkspaceID, attempt.RuleID, attempt.URL, attempt.Hostname,
		attempt.Provider, attempt.Outcome, nullString(string(attempt.BlockKind)),
		attempt.HTTPStatus, nullString(attempt.FinalURL), attempt.BodyBytes,
		nullString(attempt.ContentType), attempt.LatencyMs,
		signals, nullString(attempt.ErrorDetail), attempt.CostUSD,
		attempt.CostUnits, attempt.RawSample, createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert fetch attempt: %w", err)
	}
	return nil
}

// DeleteOldAttempts prunes attempt rows older than maxAge, up to batchSize
// per call.
func (r *AttemptRepo) DeleteOldAttempts(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if maxAge <= 0 {
		return 0, errors.New("max age must be greater than zero")
	}
	if batchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}

	cutoff := r.timeProvider.Now().Add(-maxAge).UTC()

	var locked bool
	if err := r.DB.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1, $2)", advisoryLockReaperMajor, attemptRetentionLockMinor).Scan(&locked); err != nil {
		return 0, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !locked {
		return 0, nil
	}
	defer func() {
		_, _ = r.DB.ExecContext(ctx, "SELECT pg_advisory_unlock($1, $2)", advisoryLockReaperMajor, attemptRetentionLockMinor)
	}()

	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM fetch_attempts
		USING (
			SELECT ctid
			FROM fetch_attempts
			WHERE created_at < $1
			ORDER BY created_at
			LIMIT $2
		) sub
		WHERE fetch_attempts.ctid = sub.ctid
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete old attempts: %w", err)
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
