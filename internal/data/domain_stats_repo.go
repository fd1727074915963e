package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pagewatch/pagewatch/internal/core"
	"github.com/pagewatch/pagewatch/internal/domain/model"
)

// DomainStatsRepo maintains the per (workspace, hostname, UTC day) fetch
// aggregates. Counters only move forward; Apply folds one attempt in with a
// single upsert so concurrent workers never lose increments.
type DomainStatsRepo struct {
	DB *sql.DB
}

// NewDomainStatsRepo creates a new DomainStatsRepo.
func NewDomainStatsRepo(db *sql.DB) *DomainStatsRepo {
	return &DomainStatsRepo{DB: db}
}

// Apply folds one attempt outcome into the daily aggregate row.
func (r *DomainStatsRepo) Apply(ctx context.Context, delta core.DomainStatsDelta) error {
	if delta.WorkspaceID == "" || delta.Hostname == "" {
		return errors.New("workspace id and hostname are required")
	}
	if delta.Day.IsZero() {
		return errors.New("day is required")
	}

	var okInc, blockedInc, emptyInc, timeoutInc int
	switch delta.Outcome {
	case model.OutcomeOK:
		okInc = 1
	case model.OutcomeBlocked, model.OutcomeCaptchaRequired, model.OutcomeInterstitialGeo:
		blockedInc = 1
	case model.OutcomeEmpty:
		emptyInc = 1
	case model.OutcomeTimeout:
		timeoutInc = 1
	}

	var latencyInc int
	if delta.LatencyMs > 0 {
		latencyInc = 1
	}

	day := delta.Day.UTC().Truncate(24 * time.Hour)

	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO domain_stats(
			workspace_id, hostname, day, attempts,
			ok_count, blocked_count, empty_count, timeout_count,
			cost_usd, latency_sum_ms, latency_count)
		VALUES ($1,$2,$3,1,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (workspace_id, hostname, day) DO UPDATE
		SET attempts       = domain_stats.attempts + 1,
		    ok_count       = domain_stats.ok_count + EXCLUDED.ok_count,
		    blocked_count  = domain_stats.blocked_count + EXCLUDED.blocked_count,
		    empty_count    = domain_stats.empty_count + EXCLUDED.empty_count,
		    timeout_count  = domain_stats.timeout_count + EXCLUDED.timeout_count,
		    cost_usd       = domain_stats.cost_usd + EXCLUDED.cost_usd,
		    latency_sum_ms = domain_stats.latency_sum_ms + EXCLUDED.latency_sum_ms,
		    latency_count  = domain_stats.latency_count + EXCLUDED.latency_count
	`, delta.WorkspaceID, delta.Hostname, day,
		okInc, blockedInc, emptyInc, timeoutInc,
		delta.CostUSD, delta.LatencyMs, latencyInc)
	if err != nil {
		return fmt.Errorf("apply domain stats: %w", err)
	}
	return nil
}

// Get returns the aggregate row for the key, or nil when no attempts have
// been recorded for that day.
func (r *DomainStatsRepo) Get(ctx context.Context, params core.DomainStatsKey) (*model.DomainStats, error) {
	stats := &model.DomainStats{}
	err := r.DB.QueryRowContext(ctx, `
		SELECT workspace_id, hostname, day, attempts,
		       ok_count, blocked_count, empty_count, timeout_count,
		       cost_usd, latency_sum_ms, latency_count
		FROM domain_stats
		WHERE workspace_id = $1 AND hostname = $2 AND day = $3
	`, params.WorkspaceID, params.Hostname, params.Day.UTC().Truncate(24*time.Hour)).Scan(
		&stats.WorkspaceID, &stats.Hostname, &stats.Day, &stats.Attempts,
		&stats.OKCount, &stats.BlockedCount, &stats.EmptyCount, &stats.TimeoutCount,
		&stats.CostUSD, &stats.LatencySumMs, &stats.LatencyCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get domain stats: %w", err)
	}
	return stats, nil
}

// CostSince sums paid spend since the given time. Workspace scope by default;
// a hostname narrows to one domain and a rule ID narrows further using the
// attempt ledger, which carries per-rule cost that the daily aggregate does not.
func (r *DomainStatsRepo) CostSince(ctx context.Context, params core.CostWindowParams) (float64, error) {
	if params.WorkspaceID == "" {
		return 0, errors.New("workspace id is required")
	}

	var total sql.NullFloat64
	var err error
	switch {
	case params.RuleID != "":
		err = r.DB.QueryRowContext(ctx, `
			SELECT SUM(cost_usd)
			FROM fetch_attempts
			WHERE workspace_id = $1 AND rule_id = $2 AND created_at >= $3
		`, params.WorkspaceID, params.RuleID, params.Since.UTC()).Scan(&total)
	case params.Hostname != "":
		err = r.DB.QueryRowContext(ctx, `
			SELECT SUM(cost_usd)
			FROM domain_stats
			WHERE workspace_id = $1 AND hostname = $2 AND day >= $3
		`, params.WorkspaceID, params.Hostname, params.Since.UTC().Truncate(24*time.Hour)).Scan(&total)
	default:
		err = r.DB.QueryRowContext(ctx, `
			SELECT SUM(cost_usd)
			FROM domain_stats
			WHERE workspace_id = $1 AND day >= $2
		`, params.WorkspaceID, params.Since.UTC().Truncate(24*time.Hour)).Scan(&total)
	}
	if err != nil {
		return 0, fmt.Errorf("cost since: %w", err)
	}
	if !total.Valid {
		return 0, nil
	}
	return total.Float64, nil
}
