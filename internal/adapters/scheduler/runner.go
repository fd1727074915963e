// Package scheduler provides an adapter for running the rule scheduler.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pagewatch/pagewatch/config"
	"github.com/pagewatch/pagewatch/internal/core"
	"github.com/pagewatch/pagewatch/internal/data"
	"github.com/pagewatch/pagewatch/internal/observability/statsd"
	"github.com/pagewatch/pagewatch/internal/service"
)

// Runner constructs the scheduler service and runs its tick loop.
type Runner struct {
	scheduler *service.SchedulerService
	logger    *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB     *sql.DB
	Config config.SchedulerConfig
	Logger *slog.Logger

	// Optional dependency injection for testing/decoupling
	Rules   core.RuleRepository
	Jobs    core.JobRepository
	Metrics statsd.Sink
}

// NewRunner creates a new scheduler runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.DB == nil && (opts.Rules == nil || opts.Jobs == nil) {
		return nil, errors.New("either DB or both Rules and Jobs must be provided")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	rules := opts.Rules
	if rules == nil {
		rules = data.NewRuleRepo(opts.DB, nil)
	}
	jobs := opts.Jobs
	if jobs == nil {
		jobs = data.NewJobRepo(opts.DB, data.RepoConfig{})
	}

	scheduler, err := service.NewSchedulerService(service.SchedulerServiceOptions{
		Rules:   rules,
		Jobs:    jobs,
		Config:  opts.Config,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("wire scheduler service: %w", err)
	}

	return &Runner{
		scheduler: scheduler,
		logger:    opts.Logger,
	}, nil
}

// Run starts the scheduler loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting scheduler runner")
	return r.scheduler.Run(ctx)
}
