package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pagewatch/pagewatch/config"
	"github.com/pagewatch/pagewatch/internal/core"
	"github.com/pagewatch/pagewatch/internal/domain/model"
	obserrors "github.com/pagewatch/pagewatch/internal/observability/errors"
	"github.com/pagewatch/pagewatch/internal/observability/metrics"
	"github.com/pagewatch/pagewatch/internal/observability/statsd"
)

// SchedulerServiceOptions groups dependencies for SchedulerService.
type SchedulerServiceOptions struct {
	Rules   core.RuleRepository    // Required: rule repository
	Jobs    core.JobRepository     // Required: job queue
	Config  config.SchedulerConfig // Required: scheduler configuration
	Logger  *slog.Logger           // Optional: structured logger
	Metrics statsd.Sink            // Optional: metrics sink
	Now     func() time.Time       // Optional: clock override for tests
}

// SchedulerService enqueues a rules:run job for every rule whose check
// interval has elapsed. The dedupe job key keeps one queued run per rule, so
// a rule that is slow or backed up is not enqueued again on the next tick.
type SchedulerService struct {
	rules   core.RuleRepository
	jobs    core.JobRepository
	config  config.SchedulerConfig
	logger  *slog.Logger
	metrics statsd.Sink
	now     func() time.Time
}

// NewSchedulerService constructs a new SchedulerService.
func NewSchedulerService(opts SchedulerServiceOptions) (*SchedulerService, error) {
	if opts.Rules == nil {
		return nil, errors.New("RuleRepository is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "scheduler_service")
	}

	return &SchedulerService{
		rules:   opts.Rules,
		jobs:    opts.Jobs,
		config:  opts.Config,
		logger:  logger,
		metrics: opts.Metrics,
		now:     now,
	}, nil
}

// Run starts the scheduler loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *SchedulerService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting scheduler service",
			"interval", s.config.Interval,
			"batch_size", s.config.BatchSize,
		)
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "scheduler service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				if isContextCancellation(err) {
					continue
				}
				if s.logger != nil {
					s.logger.ErrorContext(ctx, "scheduler tick failed", "error", err)
				}
				// Continue running despite errors
			}
		}
	}
}

// Tick enqueues runs for all currently due rules and returns how many
// enqueues succeeded. An enqueue that collapses onto an already-queued run
// for the same rule still counts as success; the queue holds one job either
// way.
func (s *SchedulerService) Tick(ctx context.Context) (int, error) {
	start := time.Now()
	now := s.now().UTC()

	due, err := s.rules.ListDue(ctx, now, s.config.BatchSize)
	if err != nil {
		s.emitTickMetrics(0, time.Since(start), err)
		return 0, fmt.Errorf("list due rules: %w", err)
	}

	var enqueued int
	var errs []error
	for _, rule := range due {
		if enqueueErr := s.enqueueRun(ctx, rule, now); enqueueErr != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, enqueueErr))
			if isContextCancellation(enqueueErr) {
				break
			}
			continue
		}
		enqueued++
	}

	joined := errors.Join(errs...)
	s.emitTickMetrics(enqueued, time.Since(start), joined)

	if enqueued > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "enqueued due rule runs",
			"due", len(due),
			"enqueued", enqueued,
		)
	}

	if joined != nil {
		return enqueued, fmt.Errorf("enqueue due rules: %w", joined)
	}
	return enqueued, nil
}

// enqueueRun enqueues one rules:run job. The per-rule dedupe job key makes
// the enqueue collapse onto an already-queued run when one exists.
func (s *SchedulerService) enqueueRun(ctx context.Context, rule *model.Rule, now time.Time) error {
	payload, err := json.Marshal(model.RunJobPayload{
		RuleID:      rule.ID,
		Trigger:     model.RunTriggerSchedule,
		ScheduledAt: now,
	})
	if err != nil {
		return fmt.Errorf("marshal run payload: %w", err)
	}

	jobKey := "run-" + rule.ID
	_, err = s.jobs.Create(ctx, &model.CreateJobRequest{
		Type:         model.JobTypeRuleRun,
		Payload:      payload,
		RuleID:       &rule.ID,
		WorkspaceID:  &rule.WorkspaceID,
		DedupeJobKey: &jobKey,
		MaxRetries:   model.JobTypeRuleRun.DefaultMaxRetries(),
	})
	return err
}

func (s *SchedulerService) emitTickMetrics(enqueued int, elapsed time.Duration, err error) {
	if s.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if enqueued == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{"result": result}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("scheduler.tick", 1, tags)
	if enqueued > 0 {
		s.metrics.Count("scheduler.runs_enqueued", int64(enqueued), metrics.CloneTags(tags))
	}
	if elapsed > 0 {
		s.metrics.Timing("scheduler.tick_duration", elapsed, metrics.CloneTags(tags))
	}
}
