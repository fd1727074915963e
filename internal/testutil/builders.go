// Package testutil provides testing utilities and helpers for the pagewatch job system.
package testutil

import (
	"encoding/json"
	"time"

	"github.com/pagewatch/pagewatch/internal/domain/model"
)

// JobRequestBuilder provides a fluent interface for building CreateJobRequest objects for testing.
type JobRequestBuilder struct {
	req *model.CreateJobRequest
}

// NewJobRequest creates a new JobRequestBuilder with sensible defaults.
func NewJobRequest() *JobRequestBuilder {
	return &JobRequestBuilder{
		req: &model.CreateJobRequest{
			Type:       model.JobTypeRuleRun,
			Priority:   50,
			Payload:    json.RawMessage(`{"ruleId": "rule-1", "trigger": "schedule", "scheduledAt": "2025-01-01T00:00:00Z"}`),
			MaxRetries: 1,
		},
	}
}

// WithType sets the job type.
func (b *JobRequestBuilder) WithType(jobType model.JobType) *JobRequestBuilder {
	b.req.Type = jobType
	return b
}

// WithPriority sets the job priority.
func (b *JobRequestBuilder) WithPriority(priority int) *JobRequestBuilder {
	b.req.Priority = priority
	return b
}

// WithPayload sets the job payload.
func (b *JobRequestBuilder) WithPayload(payload json.RawMessage) *JobRequestBuilder {
	b.req.Payload = payload
	return b
}

// WithPayloadString sets the job payload from a string.
func (b *JobRequestBuilder) WithPayloadString(payload string) *JobRequestBuilder {
	b.req.Payload = json.RawMessage(payload)
	return b
}

// WithRuleID sets the originating rule ID.
func (b *JobRequestBuilder) WithRuleID(ruleID string) *JobRequestBuilder {
	b.req.RuleID = &ruleID
	return b
}

// WithWorkspaceID sets the workspace ID.
func (b *JobRequestBuilder) WithWorkspaceID(workspaceID string) *JobRequestBuilder {
	b.req.WorkspaceID = &workspaceID
	return b
}

// WithDedupeJobKey sets the dedupe key that collapses duplicate enqueues.
func (b *JobRequestBuilder) WithDedupeJobKey(key string) *JobRequestBuilder {
	b.req.DedupeJobKey = &key
	return b
}

// WithScheduledAt sets the scheduled time.
func (b *JobRequestBuilder) WithScheduledAt(scheduledAt time.Time) *JobRequestBuilder {
	b.req.ScheduledAt = &scheduledAt
	return b
}

// WithMaxRetries sets the maximum number of retries.
func (b *JobRequestBuilder) WithMaxRetries(maxRetries int) *JobRequestBuilder {
	b.req.MaxRetries = maxRetries
	return b
}

// Build returns the constructed CreateJobRequest.
func (b *JobRequestBuilder) Build() *model.CreateJobRequest {
	return b.req
}

// Common test job request presets

// RuleRunJobRequest creates a rules:run job request for the given rule.
func RuleRunJobRequest(ruleID string) *model.CreateJobRequest {
	payload, _ := json.Marshal(model.RunJobPayload{
		RuleID:      ruleID,
		Trigger:     model.RunTriggerSchedule,
		ScheduledAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	return NewJobRequest().
		WithType(model.JobTypeRuleRun).
		WithRuleID(ruleID).
		WithDedupeJobKey("run-" + ruleID).
		WithPayload(payload).
		Build()
}

// AlertDispatchJobRequest creates an alerts:dispatch job request for the given alert.
func AlertDispatchJobRequest(alertID, dedupeKey string) *model.CreateJobRequest {
	payload, _ := json.Marshal(model.AlertDispatchJobPayload{
		AlertID:   alertID,
		DedupeKey: dedupeKey,
		Channels:  []string{"default-webhook"},
	})
	return NewJobRequest().
		WithType(model.JobTypeAlertDispatch).
		WithPayload(payload).
		WithMaxRetries(model.JobTypeAlertDispatch.DefaultMaxRetries()).
		Build()
}

// HighPriorityJobRequest creates a high priority job request.
func HighPriorityJobRequest() *model.CreateJobRequest {
	return NewJobRequest().
		WithPriority(100).
		Build()
}

// LowPriorityJobRequest creates a low priority job request.
func LowPriorityJobRequest() *model.CreateJobRequest {
	return NewJobRequest().
		WithPriority(10).
		Build()
}

// ScheduledJobRequest creates a job request scheduled for the future.
func ScheduledJobRequest(scheduledAt time.Time) *model.CreateJobRequest {
	return NewJobRequest().
		WithScheduledAt(scheduledAt).
		Build()
}

// RetryableJobRequest creates a job request with custom retry settings.
func RetryableJobRequest(maxRetries int) *model.CreateJobRequest {
	return NewJobRequest().
		WithMaxRetries(maxRetries).
		Build()
}
