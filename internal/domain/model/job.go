// Package model defines the core data types and structures used throughout the pagewatch worker.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobType represents the queue a job belongs to.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobType string

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobTypeRuleRun is one scheduled check of a single rule.
	JobTypeRuleRun JobType = "rules:run"
	// JobTypeAlertDispatch fans an alert out to its notification channels.
	JobTypeAlertDispatch JobType = "alerts:dispatch"

	// JobStatusPending indicates a job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates a job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates a job has finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates a job has failed to complete.
	JobStatusFailed JobStatus = "failed"
)

// UnmarshalText implements encoding.TextUnmarshaler for JobType to allow env parsing.
func (t *JobType) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	jt := JobType(v)
	if jt.Valid() {
		*t = jt
		return nil
	}
	return fmt.Errorf("invalid JobType: %q", v)
}

// ErrNoJobsAvailable is returned when no jobs are available for reservation.
var ErrNoJobsAvailable = errors.New("no jobs available")

// Valid returns true if the JobType is valid.
func (t JobType) Valid() bool {
	return t == JobTypeRuleRun || t == JobTypeAlertDispatch
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	return s == JobStatusPending || s == JobStatusRunning || s == JobStatusCompleted ||
		s == JobStatusFailed
}

// RunTrigger records why a rule run was enqueued.
type RunTrigger string

const (
	RunTriggerSchedule RunTrigger = "schedule"
	RunTriggerManual   RunTrigger = "manual"
	RunTriggerDeferred RunTrigger = "deferred"
)

// Valid returns true if the trigger is one of the known values.
func (t RunTrigger) Valid() bool {
	return t == RunTriggerSchedule || t == RunTriggerManual || t == RunTriggerDeferred
}

// RunJobPayload is the payload of a rules:run job.
type RunJobPayload struct {
	RuleID      string     `json:"ruleId"`
	Trigger     RunTrigger `json:"trigger"`
	ScheduledAt time.Time  `json:"scheduledAt"`
}

// Validate validates the RunJobPayload fields.
func (p *RunJobPayload) Validate() error {
	if strings.TrimSpace(p.RuleID) == "" {
		return errors.New("ruleId is required")
	}
	if !p.Trigger.Valid() {
		return errors.New("invalid trigger")
	}
	return nil
}

/// AlertDispatchJobPayload is the payload of an alerts:dispatch job.
type AlertDispatchJobPayload struct {
	AlertID   string   `json:"alertId"`
	DedupeKey string   `json:"dedupeKey"`
	Channels  []string `json:"channels"`
}

// Validate validates the AlertDispatchJobPayload fields.
func (p *AlertDispatchJobPayload) Validate() error {
	if strings.TrimSpace(p.AlertID) == "" {
		return errors.New("alertId is required")
	}
	if strings.TrimSpace(p.DedupeKey) == "" {
		return errors.New("dedupeKey is required")
	}
	return nil
}

// Job represents a queued unit of work with lease-based reservation.
type Job struct {
	ID             string          `json:"id"                         db:"id"`
	Type           JobType         `json:"type"                       db:"type"`
	Status         JobStatus       `json:"status"                     db:"status"`
	Priority       int             `json:"priority"                   db:"priority"`
	Payload        json.RawMessage `json:"payload"                    db:"payload"`
	RuleID         *string         `json:"rule_id,omitempty"          db:"rule_id"`
	WorkspaceID    *string         `json:"workspace_id,omitempty"     db:"workspace_id"`
	DedupeJobKey   *string         `json:"dedupe_job_key,omitempty"   db:"dedupe_job_key"`
	ScheduledAt    time.Time       `json:"scheduled_at"               db:"scheduled_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"       db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"     db:"completed_at"`
	RetryCount     int             `json:"retry_count"                db:"retry_count"`
	MaxRetries     int             `json:"max_retries"                db:"max_retries"`
	LastError      *string         `json:"last_error,omitempty"       db:"last_error"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CreatedAt      time.Time       `json:"created_at"                 db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"                 db:"updated_at"`
}

// CreateJobRequest represents a request to enqueue a new job.
type CreateJobRequest struct {
	Type        JobType         `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority,omitempty"`
	RuleID      *string         `json:"rule_id,omitempty"`
	WorkspaceID *string         `json:"workspace_id,omitempty"`
	// DedupeJobKey, when set, collapses duplicate enqueues: a second pending
	// or running job with the same key is not created.
	DedupeJobKey *string    `json:"dedupe_job_key,omitempty"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	MaxRetries   int        `json:"max_retries"`
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if !r.Type.Valid() {
		return errors.New("invalid job type")
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	if r.Priority < 0 || r.Priority > 100 {
		return errors.New("priority must be between 0 and 100")
	}
	if r.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	return nil
}

// RetryBackoff returns the delay before the given retry attempt (1-based)
// for the job type, following the queue retry policies.
func (t JobType) RetryBackoff(attempt int) time.Duration {
	switch t {
	case JobTypeAlertDispatch:
		steps := []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second, 120 * time.Second, 300 * time.Second}
		if attempt < 1 {
			attempt = 1
		}
		if attempt > len(steps) {
			attempt = len(steps)
		}
		return steps[attempt-1]
	default:
		// rules:run backoff: 30s first retry, 2m after.
		if attempt <= 1 {
			return 30 * time.Second
		}
		return 2 * time.Minute
	}
}

// DefaultMaxRetries returns the retry attempt cap per queue.
func (t JobType) DefaultMaxRetries() int {
	if t == JobTypeAlertDispatch {
		return 4 // 5 attempts total
	}
	return 1 // 2 attempts total
}

// JobStats represents statistics about jobs in different states.
type JobStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
