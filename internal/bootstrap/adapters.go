package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/pagewatch/pagewatch/config"
	"github.com/pagewatch/pagewatch/internal/adapters/jobrunner"
	"github.com/pagewatch/pagewatch/internal/adapters/reaper"
	schedrunner "github.com/pagewatch/pagewatch/internal/adapters/scheduler"
	"github.com/pagewatch/pagewatch/internal/data"
	"github.com/pagewatch/pagewatch/internal/domain/model"
	"github.com/pagewatch/pagewatch/internal/observability/statsd"
)

// WorkerRuntimeConfig contains configuration for the worker service.
type WorkerRuntimeConfig struct {
	Services ServiceContainer
	Config   config.WorkerConfig
	Logger   *slog.Logger
	Metrics  statsd.Sink
}

// RunWorker starts the rule-run and alert-dispatch runners and blocks until
// both stop. Either runner failing stops the other.
func RunWorker(ctx context.Context, cfg WorkerRuntimeConfig) error {
	rulesRunner, err := jobrunner.NewRunner(jobrunner.RunnerOptions{
		Jobs:         cfg.Services.Repos.JobRepo,
		Handler:      cfg.Services.RunHandler.Handle,
		JobType:      model.JobTypeRuleRun,
		Notifier:     cfg.Services.Notifier,
		Lease:        cfg.Config.RulesJobLease,
		Concurrency:  cfg.Config.RulesConcurrency,
		PollInterval: cfg.Config.PollInterval,
		Logger:       cfg.Logger,
		Metrics:      cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create rules runner: %w", err)
	}

	alertsRunner, err := jobrunner.NewRunner(jobrunner.RunnerOptions{
		Jobs:         cfg.Services.Repos.JobRepo,
		Handler:      cfg.Services.Dispatch.Handle,
		JobType:      model.JobTypeAlertDispatch,
		Notifier:     cfg.Services.Notifier,
		Lease:        cfg.Config.AlertsJobLease,
		Concurrency:  cfg.Config.AlertsConcurrency,
		PollInterval: cfg.Config.PollInterval,
		Logger:       cfg.Logger,
		Metrics:      cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create alerts runner: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return rulesRunner.Run(groupCtx) })
	group.Go(func() error { return alertsRunner.Run(groupCtx) })
	return group.Wait()
}

// SchedulerRuntimeConfig contains configuration for the scheduler service.
type SchedulerRuntimeConfig struct {
	DB       *sql.DB
	Services ServiceContainer
	Config   config.SchedulerConfig
	Logger   *slog.Logger
	Metrics  statsd.Sink
}

// RunScheduler starts the scheduler service.
func RunScheduler(ctx context.Context, cfg SchedulerRuntimeConfig) error {
	opts := schedrunner.RunnerOptions{
		DB:      cfg.DB,
		Config:  cfg.Config,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	}
	if cfg.Services.Repos != nil {
		opts.Rules = cfg.Services.Repos.RuleRepo
		opts.Jobs = cfg.Services.Repos.JobRepo
	}

	runner, err := schedrunner.NewRunner(opts)
	if err != nil {
		return fmt.Errorf("create scheduler runner: %w", err)
	}

	return runner.Run(ctx)
}

// ReaperRuntimeConfig contains configuration for the reaper service.
type ReaperRuntimeConfig struct {
	DB       *sql.DB
	Services ServiceContainer
	Config   config.ReaperConfig
	Logger   *slog.Logger
	Metrics  statsd.Sink
}

// RunReaper starts the reaper service.
func RunReaper(ctx context.Context, cfg ReaperRuntimeConfig) error {
	opts := reaper.RunnerOptions{
		DB:      cfg.DB,
		Config:  cfg.Config,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	}
	if cfg.Services.Repos != nil && cfg.Services.Repos.JobRepo != nil && cfg.Services.Repos.AttemptRepo != nil {
		opts.Repo = data.NewReaperRepo(cfg.Services.Repos.JobRepo, cfg.Services.Repos.AttemptRepo)
	}

	runner, err := reaper.NewRunner(opts)
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}

	return runner.Run(ctx)
}
