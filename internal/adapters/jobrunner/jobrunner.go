// Package jobrunner pulls jobs off the queue and executes them with a
// configurable worker pool, one runner per job type.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pagewatch/pagewatch/internal/core"
	domainjob "github.com/pagewatch/pagewatch/internal/domain/job"
	"github.com/pagewatch/pagewatch/internal/domain/model"
	obserrors "github.com/pagewatch/pagewatch/internal/observability/errors"
	"github.com/pagewatch/pagewatch/internal/observability/metrics"
	"github.com/pagewatch/pagewatch/internal/observability/statsd"
)

// HandlerFunc processes a reserved job. A returned error fails the job, which
// is retried per the job type's retry policy.
type HandlerFunc func(ctx context.Context, job *model.Job) error

// RunnerOptions configures a job runner for a single job type.
type RunnerOptions struct {
	Jobs    core.JobRepository // Required: job queue
	Handler HandlerFunc        // Required: job handler
	JobType model.JobType      // Required: which job type to process

	// Notifier wakes idle workers when new jobs arrive. Optional; without it
	// workers fall back to polling at PollInterval.
	Notifier domainjob.Notifier

	Lease        time.Duration // per-job lease duration; defaults to 30s
	Concurrency  int           // number of worker goroutines; defaults to 1
	PollInterval time.Duration // idle re-check interval; defaults to 5s

	Logger  *slog.Logger
	Metrics statsd.Sink
}

// Runner reserves jobs of one type and executes them on a pool of workers.
// While a handler runs, the runner heartbeats the job's lease so slow fetches
// are not reaped as stale.
type Runner struct {
	jobs     core.JobRepository
	handler  HandlerFunc
	jobType  model.JobType
	notifier domainjob.Notifier
	lease    time.Duration
	workers  int
	poll     time.Duration
	logger   *slog.Logger
	metrics  statsd.Sink
}

// NewRunner validates options and constructs a Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("Handler is required")
	}
	if !opts.JobType.Valid() {
		return nil, fmt.Errorf("invalid job type %q", opts.JobType)
	}

	lease := opts.Lease
	if lease <= 0 {
		lease = 30 * time.Second
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		jobs:     opts.Jobs,
		handler:  opts.Handler,
		jobType:  opts.JobType,
		notifier: opts.Notifier,
		lease:    lease,
		workers:  workers,
		poll:     poll,
		logger:   logger.With("component", componentLabel(opts.JobType)),
		metrics:  opts.Metrics,
	}, nil
}

func componentLabel(jobType model.JobType) string {
	switch jobType {
	case model.JobTypeRuleRun:
		return "rules_runner"
	case model.JobTypeAlertDispatch:
		return "alerts_runner"
	default:
		return "job_runner"
	}
}

// Run starts worker goroutines and processes jobs until the context is
// cancelled. The first fatal worker error cancels the remaining workers.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting job runner",
		"type", r.jobType,
		"workers", r.workers,
		"lease", r.lease,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var notify <-chan struct{}
	if r.notifier != nil {
		unsub, ch := r.notifier.Subscribe(r.jobType)
		defer unsub()
		notify = ch
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.workerLoop(ctx, notify); err != nil {
				// first error wins, cancels all workers
				select {
				case errCh <- err:
					cancel()
				default:
				}
			}
		}()
	}

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return ctx.Err()
	}
}

func (r *Runner) workerLoop(ctx context.Context, notify <-chan struct{}) error {
	for ctx.Err() == nil {
		job, err := r.jobs.ReserveNext(ctx, r.jobType, r.lease)
		switch {
		case err == nil:
			if job != nil {
				r.processJob(ctx, job)
			}
		case errors.Is(err, model.ErrNoJobsAvailable):
			if !r.waitForWork(ctx, notify) {
				return nil
			}
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("reserve next: %w", err)
		}
	}
	return nil
}

// waitForWork blocks until a notification arrives, the poll interval elapses,
// or the context is cancelled. Returns false when the worker should stop.
func (r *Runner) waitForWork(ctx context.Context, notify <-chan struct{}) bool {
	timer := time.NewTimer(r.poll)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-notify:
		return true
	case <-timer.C:
		return true
	}
}

func (r *Runner) processJob(ctx context.Context, job *model.Job) {
	start := time.Now()
	emit := func(transition, result string, err error) {
		metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
			JobType:    string(job.Type),
			Transition: transition,
			Result:     result,
			Duration:   time.Since(start),
			Err:        err,
		})
	}

	handlerCtx, stopHeartbeat := r.startHeartbeat(ctx, job.ID)
	err := r.handler(handlerCtx, job)
	stopHeartbeat()

	if err != nil {
		if _, failErr := r.jobs.Fail(ctx, job.ID, err.Error()); failErr != nil {
			r.logger.ErrorContext(ctx, "fail job error",
				"job_id", job.ID,
				"error", failErr,
				"original_error", err,
			)
		}
		r.logger.WarnContext(ctx, "job failed",
			"job_id", job.ID,
			"error", err,
			"error_class", obserrors.Classify(err),
		)
		emit("failed", metrics.ResultError, err)
		return
	}

	if completed, completeErr := r.jobs.Complete(ctx, job.ID); completeErr != nil {
		r.logger.ErrorContext(ctx, "complete job error", "job_id", job.ID, "error", completeErr)
		emit("completed", metrics.ResultError, completeErr)
	} else {
		result := metrics.ResultNoop
		if completed {
			result = metrics.ResultSuccess
		}
		emit("completed", result, nil)
	}
}

// startHeartbeat extends the job's lease at a third of the lease interval
// until the returned stop func is called. Losing the lease cancels the
// handler context so a superseded worker stops doing doomed work.
func (r *Runner) startHeartbeat(ctx context.Context, jobID string) (context.Context, func()) {
	handlerCtx, cancel := context.WithCancel(ctx)

	interval := r.lease / 3
	if interval < time.Second {
		interval = time.Second
	}

	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			cancel()
		})
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-handlerCtx.Done():
				return
			case <-ticker.C:
				extended, err := r.jobs.Heartbeat(handlerCtx, jobID, r.lease)
				if err != nil {
					if handlerCtx.Err() == nil {
						r.logger.WarnContext(handlerCtx, "heartbeat error", "job_id", jobID, "error", err)
					}
					continue
				}
				if !extended {
					r.logger.WarnContext(handlerCtx, "job lease lost, cancelling handler", "job_id", jobID)
					cancel()
					return
				}
			}
		}
	}()

	return handlerCtx, stop
}
