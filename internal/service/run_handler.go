package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pagewatch/pagewatch/internal/core"
	"github.com/pagewatch/pagewatch/internal/domain/change"
	"github.com/pagewatch/pagewatch/internal/domain/model"
	"github.com/pagewatch/pagewatch/internal/service/fetch"
)

// Deferral bounds for rate-limited runs.
const (
	minDeferDelay = 30 * time.Second
	maxDeferDelay = 5 * time.Minute
)

// FetchOrchestrator is the fetch boundary the run handler calls.
type FetchOrchestrator interface {
	Fetch(ctx context.Context, req fetch.FetchRequest, cfg fetch.OrchestratorConfig) *fetch.FetchResult
}

// RunHandler processes one rules:run job end to end: fetch, extract, compare,
// evaluate conditions, gate, persist alert, enqueue dispatch.
type RunHandler struct {
	rules        core.RuleRepository
	observations core.ObservationRepository
	alerts       core.AlertRepository
	jobs         core.JobRepository
	orchestrator FetchOrchestrator
	extractor    Extractor
	policy       *TierPolicyResolver
	gate         *DedupeGate
	generator    *AlertGenerator
	logger       *slog.Logger
	now          func() time.Time
}

// RunHandlerOptions configures a RunHandler.
type RunHandlerOptions struct {
	Rules        core.RuleRepository
	Observations core.ObservationRepository
	Alerts       core.AlertRepository
	Jobs         core.JobRepository
	Orchestrator FetchOrchestrator
	Extractor    Extractor
	Policy       *TierPolicyResolver
	Gate         *DedupeGate
	Generator    *AlertGenerator
	Logger       *slog.Logger
	Now          func() time.Time
}

// NewRunHandler creates a RunHandler.
func NewRunHandler(opts RunHandlerOptions) *RunHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	policy := opts.Policy
	if policy == nil {
		policy = NewTierPolicyResolver(TierPolicyOptions{})
	}
	gate := opts.Gate
	if gate == nil {
		gate = NewDedupeGate(DedupeGateOptions{Alerts: opts.Alerts, Logger: logger, Now: now})
	}
	generator := opts.Generator
	if generator == nil {
		generator = NewAlertGenerator(now)
	}
	return &RunHandler{
		rules:        opts.Rules,
		observations: opts.Observations,
		alerts:       opts.Alerts,
		jobs:         opts.Jobs,
		orchestrator: opts.Orchestrator,
		extractor:    opts.Extractor,
		policy:       policy,
		gate:         gate,
		generator:    generator,
		logger:       logger,
		now:          now,
	}
}

// Handle runs one rules:run job. Returned errors count toward the job's
// retry budget; policy denials and failed fetches are recorded on the rule's
// health instead and complete the job.
func (h *RunHandler) Handle(ctx context.Context, job *model.Job) error {
	var payload model.RunJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("run handler: decode payload: %w", err)
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("run handler: invalid payload: %w", err)
	}

	rule, err := h.rules.GetByID(ctx, payload.RuleID)
	if err != nil {
		return fmt.Errorf("run handler: load rule %s: %w", payload.RuleID, err)
	}
	if rule == nil || !rule.Enabled {
		h.logger.InfoContext(ctx, "rule missing or disabled; skipping run", "rule_id", payload.RuleID)
		return nil
	}

	observation, err := h.observations.Get(ctx, rule.ID)
	if err != nil {
		return fmt.Errorf("run handler: load observation: %w", err)
	}

	result := h.fetchRule(ctx, rule)

	if result.Outcome == model.OutcomeRateLimited {
		return h.deferRun(ctx, rule, payload, result.SuggestedWaitMs)
	}
	if result.Outcome != model.OutcomeOK {
		h.recordFailure(ctx, rule, fmt.Sprintf("fetch %s: %s", result.Outcome, firstSignal(result.Signals)))
		return nil
	}

	extracted := h.extractor.Extract(ctx, ExtractInput{
		HTML:     result.Body,
		Spec:     rule.Extraction,
		RuleType: rule.RuleType,
		Country:  result.GeoCountry,
	})
	if extracted.Value == nil {
		h.recordFailure(ctx, rule, "extraction: "+extracted.Err)
		return nil
	}

	h.recordSuccess(ctx, rule)

	var oldValue *model.NormalizedValue
	if observation != nil {
		oldValue = observation.Value
	}
	detected := change.Detect(oldValue, extracted.Value, rule.RuleType)
	fired := EvaluateConditions(rule, oldValue, extracted.Value)

	if len(fired) == 0 {
		if detected.Kind != "" {
			h.logger.InfoContext(ctx, "change observed without firing conditions",
				"rule_id", rule.ID, "change_kind", detected.Kind, "diff", detected.DiffSummary)
		}
		return h.updateObservation(ctx, rule.ID, extracted.Value)
	}

	draft := h.generator.Generate(GenerateAlertParams{
		Rule:        rule,
		Fired:       fired,
		Value:       extracted.Value,
		DiffSummary: detected.DiffSummary,
	})

	if decision := h.gate.Decide(ctx, rule, draft.DedupeKey); !decision.Allowed {
		h.logger.InfoContext(ctx, "alert suppressed by dedupe gate",
			"rule_id", rule.ID, "dedupe_key", draft.DedupeKey, "reason", decision.Reason)
		return h.updateObservation(ctx, rule.ID, extracted.Value)
	}

	alert, err := h.persistAlert(ctx, persistAlertParams{
		rule:     rule,
		draft:    draft,
		fired:    fired,
		value:    extracted.Value,
		oldValue: oldValue,
		detected: detected,
	})
	if err != nil {
		return err
	}
	if alert == nil {
		// Lost the dedupe race to a concurrent run; the change itself is real.
		return h.updateObservation(ctx, rule.ID, extracted.Value)
	}

	if err := h.updateObservation(ctx, rule.ID, extracted.Value); err != nil {
		return err
	}
	return h.enqueueDispatch(ctx, rule, alert)
}

func (h *RunHandler) fetchRule(ctx context.Context, rule *model.Rule) *fetch.FetchResult {
	policy := h.policy.Resolve(rule)
	return h.orchestrator.Fetch(ctx, fetch.FetchRequest{
		WorkspaceID:               rule.WorkspaceID,
		RuleID:                    rule.ID,
		URL:                       rule.URL,
		Hostname:                  rule.Hostname(),
		Headers:                   rule.Fetch.Headers,
		UserAgent:                 rule.Fetch.UserAgent,
		Timeout:                   policy.Timeout,
		RenderWait:                time.Duration(rule.Fetch.RenderWaitMs) * time.Millisecond,
		FlareSolverrWait:          time.Duration(rule.Fetch.FlareSolverrWaitSeconds) * time.Second,
		PreferredProvider:         rule.Fetch.PreferredProvider,
		DisabledProviders:         rule.Fetch.DisabledProviders,
		StopAfterPreferredFailure: rule.Fetch.StopAfterPreferredFailed,
		GeoCountry:                rule.Fetch.GeoCountry,
	}, fetch.OrchestratorConfig{
		MaxAttemptsPerRun: policy.MaxAttemptsPerRun,
		AllowPaid:         policy.AllowPaid,
		BudgetPolicy:      policy.Budget,
	})
}

// deferRun enqueues a delayed follow-up run. No observation change, no alert,
// no health penalty.
func (h *RunHandler) deferRun(ctx context.Context, rule *model.Rule, payload model.RunJobPayload, waitMs int64) error {
	delay := time.Duration(waitMs) * time.Millisecond
	if delay < minDeferDelay {
		delay = minDeferDelay
	}
	if delay > maxDeferDelay {
		delay = maxDeferDelay
	}
	scheduledAt := h.now().Add(delay)

	body, err := json.Marshal(model.RunJobPayload{
		RuleID:      rule.ID,
		Trigger:     model.RunTriggerDeferred,
		ScheduledAt: scheduledAt,
	})
	if err != nil {
		return fmt.Errorf("run handler: encode deferred payload: %w", err)
	}

	dedupeKey := fmt.Sprintf("defer-%s", rule.ID)
	_, err = h.jobs.Create(ctx, &model.CreateJobRequest{
		Type:         model.JobTypeRuleRun,
		Payload:      body,
		RuleID:       &rule.ID,
		WorkspaceID:  &rule.WorkspaceID,
		DedupeJobKey: &dedupeKey,
		ScheduledAt:  &scheduledAt,
		MaxRetries:   model.JobTypeRuleRun.DefaultMaxRetries(),
	})
	if err != nil {
		return fmt.Errorf("run handler: enqueue deferred run: %w", err)
	}

	h.logger.InfoContext(ctx, "rate limited; deferred rule run",
		"rule_id", rule.ID, "delay", delay, "trigger", payload.Trigger)
	return nil
}

func (h *RunHandler) recordFailure(ctx context.Context, rule *model.Rule, detail string) {
	if err := h.rules.RecordRunHealth(ctx, core.RecordRunHealthParams{
		RuleID: rule.ID,
		Error:  detail,
		RunAt:  h.now(),
	}); err != nil {
		h.logger.WarnContext(ctx, "rule health update failed", "rule_id", rule.ID, "error", err)
	}
	h.logger.InfoContext(ctx, "rule run failed", "rule_id", rule.ID, "detail", detail)
}

func (h *RunHandler) recordSuccess(ctx context.Context, rule *model.Rule) {
	if err := h.rules.RecordRunHealth(ctx, core.RecordRunHealthParams{
		RuleID:  rule.ID,
		Success: true,
		RunAt:   h.now(),
	}); err != nil {
		h.logger.WarnContext(ctx, "rule health update failed", "rule_id", rule.ID, "error", err)
	}
}

func (h *RunHandler) updateObservation(ctx context.Context, ruleID string, value *model.NormalizedValue) error {
	err := h.observations.Upsert(ctx, &model.Observation{
		RuleID:     ruleID,
		Value:      value,
		ObservedAt: h.now(),
	})
	if err != nil {
		return fmt.Errorf("run handler: update observation: %w", err)
	}
	return nil
}

type persistAlertParams struct {
	rule     *model.Rule
	draft    AlertDraft
	fired    []model.AlertCondition
	value    *model.NormalizedValue
	oldValue *model.NormalizedValue
	detected change.Change
}

// persistAlert writes the alert, treating a dedupe-key unique violation as a
// benign concurrent duplicate (nil alert, nil error).
func (h *RunHandler) persistAlert(ctx context.Context, p persistAlertParams) (*model.Alert, error) {
	alert, err := h.alerts.Create(ctx, &model.CreateAlertRequest{
		DedupeKey:     p.draft.DedupeKey,
		RuleID:        p.rule.ID,
		WorkspaceID:   p.rule.WorkspaceID,
		Severity:      p.draft.Severity,
		Title:         p.draft.Title,
		Body:          p.draft.Body,
		TriggeredAt:   p.draft.TriggeredAt,
		CurrentValue:  p.value,
		PreviousValue: p.oldValue,
		ChangeKind:    p.detected.Kind,
		DiffSummary:   p.detected.DiffSummary,
		Conditions:    p.fired,
		Channels:      p.rule.Channels,
	})
	if err != nil {
		if errors.Is(err, model.ErrDuplicateAlert) {
			h.logger.InfoContext(ctx, "concurrent duplicate alert suppressed",
				"rule_id", p.rule.ID, "dedupe_key", p.draft.DedupeKey)
			return nil, nil
		}
		return nil, fmt.Errorf("run handler: persist alert: %w", err)
	}
	return alert, nil
}

func (h *RunHandler) enqueueDispatch(ctx context.Context, rule *model.Rule, alert *model.Alert) error {
	payload, err := json.Marshal(model.AlertDispatchJobPayload{
		AlertID:   alert.ID,
		DedupeKey: alert.DedupeKey,
		Channels:  rule.Channels,
	})
	if err != nil {
		return fmt.Errorf("run handler: encode dispatch payload: %w", err)
	}

	// Job key bucketed like the dedupe key so identical dispatches within the
	// window collapse to one enqueue.
	bucket := h.now().Unix() / int64(dedupeBucket.Seconds())
	jobKey := fmt.Sprintf("%s-%d", alert.DedupeKey, bucket)

	_, err = h.jobs.Create(ctx, &model.CreateJobRequest{
		Type:         model.JobTypeAlertDispatch,
		Payload:      payload,
		RuleID:       &rule.ID,
		WorkspaceID:  &rule.WorkspaceID,
		DedupeJobKey: &jobKey,
		MaxRetries:   model.JobTypeAlertDispatch.DefaultMaxRetries(),
	})
	if err != nil {
		return fmt.Errorf("run handler: enqueue dispatch: %w", err)
	}

	h.logger.InfoContext(ctx, "alert enqueued for dispatch",
		"rule_id", rule.ID,
		"alert_id", alert.ID,
		"severity", alert.Severity,
		"channels", len(rule.Channels))
	return nil
}

func firstSignal(signals []string) string {
	if len(signals) == 0 {
		return ""
	}
	return signals[0]
}
