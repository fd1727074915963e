package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeWorker runs the queue worker pools (rule runs + alert dispatch).
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeScheduler runs the due-rule scheduler.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeReaper runs the job reaper for cleanup.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeWorker,
		ServiceModeScheduler,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeWorker, ServiceModeScheduler, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: worker, scheduler, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WorkerConfig contains queue worker pool configuration.
type WorkerConfig struct {
	// RulesConcurrency is the number of goroutines consuming rules:run jobs.
	RulesConcurrency int `env:"WORKER_CONCURRENCY_RULES" envDefault:"5"`

	// AlertsConcurrency is the number of goroutines consuming alerts:dispatch jobs.
	AlertsConcurrency int `env:"WORKER_CONCURRENCY_ALERTS" envDefault:"10"`

	// RulesJobLease is the lease duration for a reserved rules:run job.
	RulesJobLease time.Duration `env:"WORKER_RULES_JOB_LEASE" envDefault:"2m"`

	// AlertsJobLease is the lease duration for a reserved alerts:dispatch job.
	AlertsJobLease time.Duration `env:"WORKER_ALERTS_JOB_LEASE" envDefault:"1m"`

	// PollInterval caps how long a worker waits between queue polls when no
	// notification arrives.
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"5s"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.RulesConcurrency < 1 {
		w.RulesConcurrency = 1
	}
	if w.AlertsConcurrency < 1 {
		w.AlertsConcurrency = 1
	}
	if w.RulesJobLease < 10*time.Second {
		w.RulesJobLease = 10 * time.Second
	}
	if w.AlertsJobLease < 10*time.Second {
		w.AlertsJobLease = 10 * time.Second
	}
	if w.PollInterval < time.Second {
		w.PollInterval = time.Second
	}
}

// SchedulerConfig contains scheduler service configuration.
type SchedulerConfig struct {
	// Interval is the scheduler tick interval.
	Interval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"15s"`

	// BatchSize is the maximum number of due rules to enqueue per tick.
	BatchSize int `env:"SCHEDULER_BATCH_SIZE" envDefault:"100"`
}

// Sanitize applies guardrails to scheduler configuration values.
func (s *SchedulerConfig) Sanitize() {
	if s.Interval < time.Second {
		s.Interval = time.Second
	}
	if s.BatchSize < 1 {
		s.BatchSize = 1
	}
}

// ReaperConfig contains job reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// PendingMaxAge is the maximum age for pending jobs before they are marked as failed.
	// Jobs stuck in pending status longer than this will be failed.
	PendingMaxAge time.Duration `env:"REAPER_PENDING_MAX_AGE" envDefault:"1h"`

	// CompletedMaxAge is the maximum age for completed jobs before deletion.
	CompletedMaxAge time.Duration `env:"REAPER_COMPLETED_MAX_AGE" envDefault:"24h"`

	// CompletedKeep bounds the completed backlog kept per job type regardless of age.
	CompletedKeep int `env:"REAPER_COMPLETED_KEEP" envDefault:"1000"`

	// FailedMaxAge is the maximum age for failed jobs before deletion.
	FailedMaxAge time.Duration `env:"REAPER_FAILED_MAX_AGE" envDefault:"168h"` // 7 days

	// AttemptsMaxAge is the retention window for the fetch attempt ledger.
	AttemptsMaxAge time.Duration `env:"REAPER_ATTEMPTS_MAX_AGE" envDefault:"720h"` // 30 days

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.PendingMaxAge < 5*time.Minute {
		r.PendingMaxAge = 5 * time.Minute
	}
	if r.CompletedMaxAge < 1*time.Hour {
		r.CompletedMaxAge = 1 * time.Hour
	}
	if r.CompletedKeep < 0 {
		r.CompletedKeep = 0
	}
	if r.FailedMaxAge < 1*time.Hour {
		r.FailedMaxAge = 1 * time.Hour
	}
	if r.AttemptsMaxAge < 24*time.Hour {
		r.AttemptsMaxAge = 24 * time.Hour
	}

	// Enforce batch size bounds to prevent excessive locks or inefficiency
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
