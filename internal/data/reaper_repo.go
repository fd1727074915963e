package data

import (
	"context"
	"time"

	"github.com/pagewatch/pagewatch/internal/core"
)

// ReaperRepo bundles the cleanup operations the reaper service runs. Job
// cleanup lives on JobRepo, attempt pruning on AttemptRepo; this composite
// satisfies core.ReaperRepository without forcing either repo to know about
// the other's tables.
type ReaperRepo struct {
	Jobs     *JobRepo
	Attempts *AttemptRepo
}

// NewReaperRepo creates a new ReaperRepo over the two underlying repos.
func NewReaperRepo(jobs *JobRepo, attempts *AttemptRepo) *ReaperRepo {
	return &ReaperRepo{Jobs: jobs, Attempts: attempts}
}

func (r *ReaperRepo) FailStalePendingJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	return r.Jobs.FailStalePendingJobs(ctx, maxAge, batchSize)
}

func (r *ReaperRepo) DeleteOldJobs(ctx context.Context, params core.DeleteOldJobsParams) (int64, error) {
	return r.Jobs.DeleteOldJobs(ctx, params)
}

func (r *ReaperRepo) TrimCompletedJobs(ctx context.Context, keep, batchSize int) (int64, error) {
	return r.Jobs.TrimCompletedJobs(ctx, keep, batchSize)
}

func (r *ReaperRepo) DeleteOldAttempts(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	return r.Attempts.DeleteOldAttempts(ctx, maxAge, batchSize)
}
