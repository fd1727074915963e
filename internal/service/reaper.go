package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/pagewatch/pagewatch/config"
	"github.com/pagewatch/pagewatch/internal/core"
	"github.com/pagewatch/pagewatch/internal/domain/model"
	obserrors "github.com/pagewatch/pagewatch/internal/observability/errors"
	"github.com/pagewatch/pagewatch/internal/observability/metrics"
	"github.com/pagewatch/pagewatch/internal/observability/statsd"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Repo    core.ReaperRepository // Required: reaper repository
	Config  config.ReaperConfig   // Required: reaper configuration
	Logger  *slog.Logger          // Optional: structured logger
	Metrics statsd.Sink           // Optional: metrics sink (StatsD-compatible)
}

// ReaperService keeps the jobs table and the fetch attempt ledger bounded.
// On each tick it fails pending jobs nobody ever picked up, deletes
// completed and failed jobs past their retention, caps the completed
// backlog per job type, and prunes attempt rows past the ledger window.
type ReaperService struct {
	repo    core.ReaperRepository
	config  config.ReaperConfig
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ReaperRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reaper_service")
		logger.Debug("ReaperService initialized",
			"interval", opts.Config.Interval,
			"pending_max_age", opts.Config.PendingMaxAge,
			"completed_max_age", opts.Config.CompletedMaxAge,
			"failed_max_age", opts.Config.FailedMaxAge,
			"attempts_max_age", opts.Config.AttemptsMaxAge,
		)
	}

	return &ReaperService{
		repo:    opts.Repo,
		config:  opts.Config,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// Run starts the reaper loop and blocks until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)
	}

	// Stagger the first pass so replicas started together do not all hit
	// the delete queries at once.
	if jitter := s.startupJitter(); jitter > 0 {
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
		}
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if err := s.runCleanup(ctx); err != nil {
		s.logCleanupError(err, "initial cleanup")
	}

	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.runCleanup(ctx); err != nil {
				// Cleanup failures never stop the loop; the next tick retries.
				s.logCleanupError(err, "cleanup")
			}
		}
	}
}

// startupJitter returns a random delay up to 10% of the interval.
func (s *ReaperService) startupJitter() time.Duration {
	maxJitter := s.config.Interval / 10
	if maxJitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(maxJitter)))
}

// reapStep is one cleanup operation in the pass. Each step drains its
// batches to completion even when an earlier step failed.
type reapStep struct {
	op    string
	label string
	run   func(context.Context) (int64, error)
}

// reapResult records a finished step for metric emission.
type reapResult struct {
	op    string
	count int64
	err   error
}

func (s *ReaperService) steps() []reapStep {
	return []reapStep{
		{op: "fail_pending", label: "fail stale pending jobs", run: s.failStalePendingJobs},
		{op: "delete_completed", label: "delete old completed jobs", run: s.deleteOldCompletedJobs},
		{op: "trim_completed", label: "trim completed jobs", run: s.trimCompletedJobs},
		{op: "delete_failed", label: "delete old failed jobs", run: s.deleteOldFailedJobs},
		{op: "delete_attempts", label: "delete old fetch attempts", run: s.deleteOldAttempts},
	}
}

// runCleanup performs one full cleanup pass.
func (s *ReaperService) runCleanup(ctx context.Context) error {
	start := time.Now()

	var (
		results []reapResult
		errs    []error
	)
	for _, step := range s.steps() {
		count, err := step.run(ctx)
		results = append(results, reapResult{op: step.op, count: count, err: err})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.label, err))
		}
	}

	s.emitCleanupMetrics(results, time.Since(start))

	if len(errs) == 0 {
		return nil
	}
	joined := errors.Join(errs...)
	if allCanceled(results) && isContextCancellation(joined) {
		return context.Canceled
	}
	return fmt.Errorf("cleanup failed: %w", joined)
}

func allCanceled(results []reapResult) bool {
	for _, r := range results {
		if r.err != nil && !isContextCancellation(r.err) {
			return false
		}
	}
	return true
}

// drainBatches calls fetch until it reports an empty batch, summing the
// affected rows. Large backlogs are worked off without holding one long
// transaction, and the context is honored between batches.
func drainBatches(ctx context.Context, fetch func(context.Context) (int64, error)) (int64, error) {
	var total int64
	for {
		count, err := fetch(ctx)
		if err != nil {
			return total, err
		}
		total += count
		if count == 0 {
			return total, nil
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

// failStalePendingJobs marks pending jobs older than the configured max age
// as failed. These are jobs that were enqueued but never reserved, usually
// because no runner for their type was online.
func (s *ReaperService) failStalePendingJobs(ctx context.Context) (int64, error) {
	total, err := drainBatches(ctx, func(ctx context.Context) (int64, error) {
		return s.repo.FailStalePendingJobs(ctx, s.config.PendingMaxAge, s.config.BatchSize)
	})
	if err != nil {
		return total, err
	}

	if total > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "failed stale pending jobs",
			"count", total,
			"max_age", s.config.PendingMaxAge,
		)
	}
	return total, nil
}

func (s *ReaperService) deleteOldCompletedJobs(ctx context.Context) (int64, error) {
	return s.deleteOldJobsByStatus(ctx, model.JobStatusCompleted, s.config.CompletedMaxAge,
		"deleted old completed jobs")
}

func (s *ReaperService) deleteOldFailedJobs(ctx context.Context) (int64, error) {
	return s.deleteOldJobsByStatus(ctx, model.JobStatusFailed, s.config.FailedMaxAge,
		"deleted old failed jobs")
}

func (s *ReaperService) deleteOldJobsByStatus(
	ctx context.Context,
	status model.JobStatus,
	maxAge time.Duration,
	logMsg string,
) (int64, error) {
	total, err := drainBatches(ctx, func(ctx context.Context) (int64, error) {
		return s.repo.DeleteOldJobs(ctx, core.DeleteOldJobsParams{
			Status:    status,
			MaxAge:    maxAge,
			BatchSize: s.config.BatchSize,
		})
	})
	if err != nil {
		return total, err
	}

	if total > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, logMsg,
			"count", total,
			"max_age", maxAge,
		)
	}
	return total, nil
}

// trimCompletedJobs bounds the completed backlog per job type regardless of
// age, so a burst of runs cannot outgrow the age-based retention.
func (s *ReaperService) trimCompletedJobs(ctx context.Context) (int64, error) {
	total, err := drainBatches(ctx, func(ctx context.Context) (int64, error) {
		return s.repo.TrimCompletedJobs(ctx, s.config.CompletedKeep, s.config.BatchSize)
	})
	if err != nil {
		return total, err
	}

	if total > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "trimmed completed jobs",
			"count", total,
			"keep", s.config.CompletedKeep,
		)
	}
	return total, nil
}

// deleteOldAttempts prunes fetch attempt rows past the retention window.
func (s *ReaperService) deleteOldAttempts(ctx context.Context) (int64, error) {
	total, err := drainBatches(ctx, func(ctx context.Context) (int64, error) {
		return s.repo.DeleteOldAttempts(ctx, s.config.AttemptsMaxAge, s.config.BatchSize)
	})
	if err != nil {
		return total, err
	}

	if total > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "deleted old fetch attempts",
			"count", total,
			"max_age", s.config.AttemptsMaxAge,
		)
	}
	return total, nil
}

func (s *ReaperService) emitCleanupMetrics(results []reapResult, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}

	var (
		total    int64
		firstErr error
	)
	for _, r := range results {
		total += r.count
		if firstErr == nil && r.err != nil {
			firstErr = suppressContextCancellation(r.err)
		}
	}

	tags := map[string]string{
		"result": passResult(total, firstErr),
	}
	if firstErr != nil {
		if class := obserrors.Classify(firstErr); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.cleanup", 1, tags)
	if elapsed > 0 {
		s.metrics.Timing("reaper.cleanup_duration", elapsed, metrics.CloneTags(tags))
	}

	for _, r := range results {
		s.emitStepMetric(r)
	}

	if firstErr == nil {
		s.metrics.Gauge("reaper.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func (s *ReaperService) emitStepMetric(r reapResult) {
	err := suppressContextCancellation(r.err)
	tags := map[string]string{
		"operation": r.op,
		"result":    passResult(r.count, err),
	}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.cleanup_operation", 1, tags)
	if err == nil && r.count > 0 {
		s.metrics.Count("reaper.rows_processed", r.count, metrics.CloneTags(tags))
	}
}

func passResult(count int64, err error) string {
	switch {
	case err != nil:
		return metrics.ResultError
	case count == 0:
		return metrics.ResultNoop
	default:
		return metrics.ResultSuccess
	}
}

func (s *ReaperService) logCleanupError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}
	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}
	s.logger.Error(label+" failed", "error", err)
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
