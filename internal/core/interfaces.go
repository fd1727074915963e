package core

import (
	"context"
	"time"

	"github.com/pagewatch/pagewatch/internal/domain/model"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// These interfaces define the contracts between the service layer and data layer.

// JobRepository defines the interface for queue operations.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	ReserveNext(ctx context.Context, jobType model.JobType, lease time.Duration) (*model.Job, error)
	Heartbeat(ctx context.Context, jobID string, lease time.Duration) (bool, error)
	Complete(ctx context.Context, id string) (bool, error)
	Fail(ctx context.Context, id, errMsg string) (bool, error)
	Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error)
}

// RuleRepository defines the read/health interface over rules. Rules are
// created by the external CRUD surface; the worker reads them and records
// run health.
type RuleRepository interface {
	GetByID(ctx context.Context, id string) (*model.Rule, error)
	// ListDue returns enabled rules whose next scheduled check is at or
	// before now, up to limit.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Rule, error)
	// RecordRunHealth updates the consecutive-failure counter and last error.
	RecordRunHealth(ctx context.Context, params RecordRunHealthParams) error
}

// RecordRunHealthParams groups parameters for RecordRunHealth.
type RecordRunHealthParams struct {
	RuleID  string
	Success bool
	Error   string
	RunAt   time.Time
}

// ObservationRepository stores the last stable normalized value per rule.
type ObservationRepository interface {
	Get(ctx context.Context, ruleID string) (*model.Observation, error)
	Upsert(ctx context.Context, obs *model.Observation) error
}

// FetchAttemptRepository is the append-only attempt ledger.
type FetchAttemptRepository interface {
	Insert(ctx context.Context, attempt *model.FetchAttempt) error
}

// DomainStatsRepository maintains the per (workspace, hostname, day) aggregates.
type DomainStatsRepository interface {
	Apply(ctx context.Context, delta DomainStatsDelta) error
	Get(ctx context.Context, params DomainStatsKey) (*model.DomainStats, error)
	// CostSince sums paid spend for the workspace/hostname pair over the
	// window ending now. Used by the budget guard.
	CostSince(ctx context.Context, params CostWindowParams) (float64, error)
}

// DomainStatsKey identifies one aggregate row.
type DomainStatsKey struct {
	WorkspaceID string
	Hostname    string
	Day         time.Time
}

// DomainStatsDelta is one attempt folded into the daily aggregate.
type DomainStatsDelta struct {
	WorkspaceID string
	Hostname    string
	Day         time.Time
	Outcome     model.Outcome
	CostUSD     float64
	LatencyMs   int64
}

// CostWindowParams groups parameters for CostSince.
type CostWindowParams struct {
	WorkspaceID string
	Hostname    string // empty sums across hosts
	RuleID      string // empty sums across rules
	Since       time.Time
}

// ReaperRepository defines the cleanup operations the reaper runs on a timer.
type ReaperRepository interface {
	// FailStalePendingJobs marks pending jobs older than maxAge as failed.
	FailStalePendingJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
	// DeleteOldJobs deletes terminal jobs older than the configured retention.
	DeleteOldJobs(ctx context.Context, params DeleteOldJobsParams) (int64, error)
	// TrimCompletedJobs bounds the completed backlog per job type.
	TrimCompletedJobs(ctx context.Context, keep, batchSize int) (int64, error)
	// DeleteOldAttempts prunes the fetch attempt ledger.
	DeleteOldAttempts(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
}

// DeleteOldJobsParams groups parameters for DeleteOldJobs.
type DeleteOldJobsParams struct {
	Status    model.JobStatus
	MaxAge    time.Duration
	BatchSize int
}

// AlertRepository defines the interface for alert persistence.
// Create must enforce dedupe-key uniqueness and surface violations as
// model.ErrDuplicateAlert.
type AlertRepository interface {
	Create(ctx context.Context, req *model.CreateAlertRequest) (*model.Alert, error)
	GetByID(ctx context.Context, id string) (*model.Alert, error)
	GetByDedupeKey(ctx context.Context, dedupeKey string) (*model.Alert, error)
	// LastTriggeredAt returns the most recent triggered_at for the rule, or
	// nil when the rule has never alerted.
	LastTriggeredAt(ctx context.Context, ruleID string) (*time.Time, error)
}

// ChannelConfigRepository resolves notification channel configurations for a
// workspace. Channel configs are managed by the external CRUD surface.
type ChannelConfigRepository interface {
	GetByName(ctx context.Context, params ChannelLookupParams) (*ChannelConfig, error)
}

// ChannelLookupParams groups parameters for channel lookup.
type ChannelLookupParams struct {
	WorkspaceID string
	Name        string
}

// ChannelConfig is one configured notification destination.
type ChannelConfig struct {
	Name    string            `json:"name"`
	Kind    string            `json:"kind"` // webhook, email, slack
	URL     string            `json:"url,omitempty"`
	Secret  string            `json:"secret,omitempty"` // HMAC signing secret for webhooks
	To      []string          `json:"to,omitempty"`     // email recipients
	Headers map[string]string `json:"headers,omitempty"`
}
