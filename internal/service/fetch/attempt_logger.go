package fetch

import (
	"context"
	"log/slog"
	"time"

	"github.com/pagewatch/pagewatch/internal/core"
	"github.com/pagewatch/pagewatch/internal/domain/model"
)

// AttemptLogger writes the append-only fetch ledger and folds each attempt
// into the daily domain stats. The ledger insert is synchronous so the row
// exists before the orchestrator moves on; the stats upsert is fire-and-forget.
// LogAttempt never returns an error; everything is swallowed and logged.
type AttemptLogger struct {
	attempts core.FetchAttemptRepository
	stats    core.DomainStatsRepository
	logger   *slog.Logger
	now      func() time.Time
	// statsTimeout bounds the detached stats upsert.
	statsTimeout time.Duration
}

// AttemptLoggerOptions configures an AttemptLogger.
type AttemptLoggerOptions struct {
	Attempts core.FetchAttemptRepository
	Stats    core.DomainStatsRepository
	Logger   *slog.Logger
	Now      func() time.Time
}

// NewAttemptLogger creates an AttemptLogger.
func NewAttemptLogger(opts AttemptLoggerOptions) *AttemptLogger {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &AttemptLogger{
		attempts:     opts.Attempts,
		stats:        opts.Stats,
		logger:       logger,
		now:          now,
		statsTimeout: 5 * time.Second,
	}
}

// LogAttempt persists one attempt row and schedules the stats fold.
func (l *AttemptLogger) LogAttempt(ctx context.Context, attempt *model.FetchAttempt) {
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = l.now()
	}

	if err := l.attempts.Insert(ctx, attempt); err != nil {
		l.logger.ErrorContext(ctx, "fetch attempt insert failed",
			"rule_id", attempt.RuleID,
			"provider", attempt.Provider,
			"outcome", attempt.Outcome,
			"error", err)
	}

	delta := core.DomainStatsDelta{
		WorkspaceID: attempt.WorkspaceID,
		Hostname:    attempt.Hostname,
		Day:         attempt.CreatedAt.UTC().Truncate(24 * time.Hour),
		Outcome:     attempt.Outcome,
		CostUSD:     attempt.CostUSD,
		LatencyMs:   attempt.LatencyMs,
	}

	// Detached from the request context so a cancelled run still gets its
	// stats counted.
	go func() {
		statsCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.statsTimeout)
		defer cancel()
		if err := l.stats.Apply(statsCtx, delta); err != nil {
			l.logger.Warn("domain stats upsert failed",
				"workspace_id", delta.WorkspaceID,
				"hostname", delta.Hostname,
				"error", err)
		}
	}()
}
