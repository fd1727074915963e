package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagewatch/pagewatch/internal/core"
	"github.com/pagewatch/pagewatch/internal/domain/model"
	"github.com/pagewatch/pagewatch/internal/service/fetch"
)

var runTestTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testRule() *model.Rule {
	return &model.Rule{
		ID:          "rule-1",
		WorkspaceID: "ws-1",
		Name:        "Pixel 8 price",
		RuleType:    model.RuleTypePrice,
		URL:         "https://shop.example.com/pixel-8",
		Extraction:  model.ExtractionSpec{Selector: ".price"},
		Conditions: []model.AlertCondition{
			{ID: "c1", Type: model.ConditionPriceBelow, Value: 500, Severity: model.SeverityWarning},
		},
		Channels: []string{"slack-deals"},
		Tier:     TierPlus,
		Enabled:  true,
	}
}

type runFixture struct {
	rules        *mockRuleRepository
	observations *mockObservationRepository
	alerts       *mockAlertRepository
	jobs         *mockJobRepository
	orchestrator *mockOrchestrator
	extractor    *mockExtractor
	handler      *RunHandler
}

func newRunFixture(t *testing.T, rule *model.Rule) *runFixture {
	t.Helper()
	f := &runFixture{
		rules: &mockRuleRepository{
			getByIDFunc: func(ctx context.Context, id string) (*model.Rule, error) {
				if rule != nil && id == rule.ID {
					return rule, nil
				}
				return nil, nil
			},
		},
		observations: &mockObservationRepository{},
		alerts:       &mockAlertRepository{},
		jobs:         &mockJobRepository{},
		orchestrator: &mockOrchestrator{},
		extractor:    &mockExtractor{},
	}
	f.handler = NewRunHandler(RunHandlerOptions{
		Rules:        f.rules,
		Observations: f.observations,
		Alerts:       f.alerts,
		Jobs:         f.jobs,
		Orchestrator: f.orchestrator,
		Extractor:    f.extractor,
		Now:          func() time.Time { return runTestTime },
	})
	return f
}

func runJob(t *testing.T, ruleID string) *model.Job {
	t.Helper()
	payload, err := json.Marshal(model.RunJobPayload{RuleID: ruleID, Trigger: model.RunTriggerSchedule})
	require.NoError(t, err)
	return &model.Job{ID: "job-run-1", Type: model.JobTypeRuleRun, Payload: payload}
}

func okFetch(body string) *fetch.FetchResult {
	return &fetch.FetchResult{Outcome: model.OutcomeOK, HTTPStatus: 200, Body: []byte(body)}
}

func TestRunHandler_Handle_AlertPath(t *testing.T) {
	rule := testRule()
	f := newRunFixture(t, rule)

	f.observations.getFunc = func(ctx context.Context, ruleID string) (*model.Observation, error) {
		return &model.Observation{RuleID: ruleID, Value: model.PriceValue(549, "USD")}, nil
	}
	f.orchestrator.fetchFunc = func(ctx context.Context, req fetch.FetchRequest, cfg fetch.OrchestratorConfig) *fetch.FetchResult {
		return okFetch("<span class=price>$449.00</span>")
	}
	f.extractor.extractFunc = func(ctx context.Context, in ExtractInput) ExtractOutput {
		return ExtractOutput{Value: model.PriceValue(449, "USD")}
	}

	require.NoError(t, f.handler.Handle(context.Background(), runJob(t, rule.ID)))

	created := f.alerts.allCreated()
	require.Len(t, created, 1)
	assert.Equal(t, model.SeverityWarning, created[0].Severity)
	assert.Equal(t, model.ChangeKindValueChanged, created[0].ChangeKind)
	assert.Contains(t, created[0].Title, "Price below 500")
	assert.Equal(t, []string{"slack-deals"}, created[0].Channels)

	obs := f.observations.all()
	require.Len(t, obs, 1)
	low, ok := obs[0].Value.PriceLow()
	require.True(t, ok)
	assert.InDelta(t, 449.0, low, 0.001)

	jobs := f.jobs.allCreated()
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobTypeAlertDispatch, jobs[0].Type)
	require.NotNil(t, jobs[0].DedupeJobKey)
	assert.Contains(t, *jobs[0].DedupeJobKey, created[0].DedupeKey)

	var dispatch model.AlertDispatchJobPayload
	require.NoError(t, json.Unmarshal(jobs[0].Payload, &dispatch))
	assert.Equal(t, created[0].DedupeKey, dispatch.DedupeKey)
	assert.Equal(t, []string{"slack-deals"}, dispatch.Channels)

	health := f.rules.healthRecords()
	require.Len(t, health, 1)
	assert.True(t, health[0].Success)
}

func TestRunHandler_Handle_NoConditionsFired(t *testing.T) {
	rule := testRule()
	f := newRunFixture(t, rule)

	f.observations.getFunc = func(ctx context.Context, ruleID string) (*model.Observation, error) {
		return &model.Observation{RuleID: ruleID, Value: model.PriceValue(549, "USD")}, nil
	}
	f.orchestrator.fetchFunc = func(ctx context.Context, req fetch.FetchRequest, cfg fetch.OrchestratorConfig) *fetch.FetchResult {
		return okFetch("<span class=price>$549.00</span>")
	}
	f.extractor.extractFunc = func(ctx context.Context, in ExtractInput) ExtractOutput {
		return ExtractOutput{Value: model.PriceValue(549, "USD")}
	}

	require.NoError(t, f.handler.Handle(context.Background(), runJob(t, rule.ID)))

	assert.Empty(t, f.alerts.allCreated())
	assert.Empty(t, f.jobs.allCreated())
	assert.Len(t, f.observations.all(), 1)
}

func TestRunHandler_Handle_RateLimitedDefers(t *testing.T) {
	rule := testRule()
	f := newRunFixture(t, rule)

	f.orchestrator.fetchFunc = func(ctx context.Context, req fetch.FetchRequest, cfg fetch.OrchestratorConfig) *fetch.FetchResult {
		return &fetch.FetchResult{Outcome: model.OutcomeRateLimited, SuggestedWaitMs: 45000}
	}

	require.NoError(t, f.handler.Handle(context.Background(), runJob(t, rule.ID)))

	jobs := f.jobs.allCreated()
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobTypeRuleRun, jobs[0].Type)
	require.NotNil(t, jobs[0].ScheduledAt)
	assert.Equal(t, runTestTime.Add(45*time.Second), *jobs[0].ScheduledAt)

	var deferred model.RunJobPayload
	require.NoError(t, json.Unmarshal(jobs[0].Payload, &deferred))
	assert.Equal(t, model.RunTriggerDeferred, deferred.Trigger)
	assert.Equal(t, rule.ID, deferred.RuleID)

	assert.Empty(t, f.observations.all())
	assert.Empty(t, f.rules.healthRecords())
}

func TestRunHandler_Handle_DeferDelayBounds(t *testing.T) {
	tests := []struct {
		name   string
		waitMs int64
		want   time.Duration
	}{
		{name: "below floor", waitMs: 5000, want: 30 * time.Second},
		{name: "in range", waitMs: 120000, want: 2 * time.Minute},
		{name: "above ceiling", waitMs: 3600000, want: 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := testRule()
			f := newRunFixture(t, rule)
			f.orchestrator.fetchFunc = func(ctx context.Context, req fetch.FetchRequest, cfg fetch.OrchestratorConfig) *fetch.FetchResult {
				return &fetch.FetchResult{Outcome: model.OutcomeRateLimited, SuggestedWaitMs: tt.waitMs}
			}

			require.NoError(t, f.handler.Handle(context.Background(), runJob(t, rule.ID)))

			jobs := f.jobs.allCreated()
			require.Len(t, jobs, 1)
			require.NotNil(t, jobs[0].ScheduledAt)
			assert.Equal(t, runTestTime.Add(tt.want), *jobs[0].ScheduledAt)
		})
	}
}

func TestRunHandler_Handle_FetchFailureRecordsHealth(t *testing.T) {
	rule := testRule()
	f := newRunFixture(t, rule)

	f.orchestrator.fetchFunc = func(ctx context.Context, req fetch.FetchRequest, cfg fetch.OrchestratorConfig) *fetch.FetchResult {
		return &fetch.FetchResult{Outcome: model.OutcomeBlocked, BlockKind: model.BlockKindCloudflare}
	}

	require.NoError(t, f.handler.Handle(context.Background(), runJob(t, rule.ID)))

	health := f.rules.healthRecords()
	require.Len(t, health, 1)
	assert.False(t, health[0].Success)
	assert.Contains(t, health[0].Error, "blocked")

	assert.Empty(t, f.observations.all())
	assert.Empty(t, f.alerts.allCreated())
}

func TestRunHandler_Handle_ExtractionFailure(t *testing.T) {
	rule := testRule()
	f := newRunFixture(t, rule)

	f.orchestrator.fetchFunc = func(ctx context.Context, req fetch.FetchRequest, cfg fetch.OrchestratorConfig) *fetch.FetchResult {
		return okFetch("<html><body>redesigned page</body></html>")
	}
	f.extractor.extractFunc = func(ctx context.Context, in ExtractInput) ExtractOutput {
		return ExtractOutput{Err: "no selector matched: .price"}
	}

	require.NoError(t, f.handler.Handle(context.Background(), runJob(t, rule.ID)))

	health := f.rules.healthRecords()
	require.Len(t, health, 1)
	assert.False(t, health[0].Success)
	assert.Contains(t, health[0].Error, "extraction")

	// The last stable observation must survive a failed extraction.
	assert.Empty(t, f.observations.all())
}

func TestRunHandler_Handle_DedupeSuppression(t *testing.T) {
	rule := testRule()
	f := newRunFixture(t, rule)

	f.observations.getFunc = func(ctx context.Context, ruleID string) (*model.Observation, error) {
		return &model.Observation{RuleID: ruleID, Value: model.PriceValue(549, "USD")}, nil
	}
	f.orchestrator.fetchFunc = func(ctx context.Context, req fetch.FetchRequest, cfg fetch.OrchestratorConfig) *fetch.FetchResult {
		return okFetch("<span class=price>$449.00</span>")
	}
	f.extractor.extractFunc = func(ctx context.Context, in ExtractInput) ExtractOutput {
		return ExtractOutput{Value: model.PriceValue(449, "USD")}
	}
	f.alerts.getByDedupeKeyFunc = func(ctx context.Context, dedupeKey string) (*model.Alert, error) {
		return &model.Alert{ID: "existing", DedupeKey: dedupeKey, TriggeredAt: runTestTime.Add(-time.Minute)}, nil
	}

	require.NoError(t, f.handler.Handle(context.Background(), runJob(t, rule.ID)))

	assert.Empty(t, f.alerts.allCreated())
	assert.Empty(t, f.jobs.allCreated())
	assert.Len(t, f.observations.all(), 1)
}

func TestRunHandler_Handle_DuplicateRace(t *testing.T) {
	rule := testRule()
	f := newRunFixture(t, rule)

	f.observations.getFunc = func(ctx context.Context, ruleID string) (*model.Observation, error) {
		return &model.Observation{RuleID: ruleID, Value: model.PriceValue(549, "USD")}, nil
	}
	f.orchestrator.fetchFunc = func(ctx context.Context, req fetch.FetchRequest, cfg fetch.OrchestratorConfig) *fetch.FetchResult {
		return okFetch("<span class=price>$449.00</span>")
	}
	f.extractor.extractFunc = func(ctx context.Context, in ExtractInput) ExtractOutput {
		return ExtractOutput{Value: model.PriceValue(449, "USD")}
	}
	f.alerts.createFunc = func(ctx context.Context, req *model.CreateAlertRequest) (*model.Alert, error) {
		return nil, model.ErrDuplicateAlert
	}

	require.NoError(t, f.handler.Handle(context.Background(), runJob(t, rule.ID)))

	assert.Empty(t, f.jobs.allCreated())
	assert.Len(t, f.observations.all(), 1)
}

func TestRunHandler_Handle_DisabledRuleSkips(t *testing.T) {
	rule := testRule()
	rule.Enabled = false
	f := newRunFixture(t, rule)

	require.NoError(t, f.handler.Handle(context.Background(), runJob(t, rule.ID)))

	assert.Empty(t, f.orchestrator.requests)
	assert.Empty(t, f.observations.all())
}

func TestRunHandler_Handle_PolicyFlowsToOrchestrator(t *testing.T) {
	rule := testRule()
	rule.Tier = TierFree
	f := newRunFixture(t, rule)
	f.handler = NewRunHandler(RunHandlerOptions{
		Rules:        f.rules,
		Observations: f.observations,
		Alerts:       f.alerts,
		Jobs:         f.jobs,
		Orchestrator: f.orchestrator,
		Extractor:    f.extractor,
		Policy:       NewTierPolicyResolver(TierPolicyOptions{Enabled: true}),
		Now:          func() time.Time { return runTestTime },
	})
	f.extractor.extractFunc = func(ctx context.Context, in ExtractInput) ExtractOutput {
		return ExtractOutput{Value: model.PriceValue(549, "USD")}
	}
	f.orchestrator.fetchFunc = func(ctx context.Context, req fetch.FetchRequest, cfg fetch.OrchestratorConfig) *fetch.FetchResult {
		return okFetch("<span class=price>$549.00</span>")
	}

	require.NoError(t, f.handler.Handle(context.Background(), runJob(t, rule.ID)))

	require.Len(t, f.orchestrator.configs, 1)
	assert.False(t, f.orchestrator.configs[0].AllowPaid)
	assert.Equal(t, 2, f.orchestrator.configs[0].MaxAttemptsPerRun)
	require.Len(t, f.orchestrator.requests, 1)
	assert.Equal(t, "shop.example.com", f.orchestrator.requests[0].Hostname)
	assert.Equal(t, "ws-1", f.orchestrator.requests[0].WorkspaceID)
}

func TestRunHandler_Handle_FirstObservationNoAlert(t *testing.T) {
	rule := testRule()
	rule.Conditions = []model.AlertCondition{
		{ID: "c1", Type: model.ConditionPriceDropPercent, Value: 10, Severity: model.SeverityInfo},
	}
	f := newRunFixture(t, rule)

	f.orchestrator.fetchFunc = func(ctx context.Context, req fetch.FetchRequest, cfg fetch.OrchestratorConfig) *fetch.FetchResult {
		return okFetch("<span class=price>$449.00</span>")
	}
	f.extractor.extractFunc = func(ctx context.Context, in ExtractInput) ExtractOutput {
		return ExtractOutput{Value: model.PriceValue(449, "USD")}
	}

	require.NoError(t, f.handler.Handle(context.Background(), runJob(t, rule.ID)))

	// Percent conditions need a prior observation; the first run only seeds it.
	assert.Empty(t, f.alerts.allCreated())
	require.Len(t, f.observations.all(), 1)
}

func TestRunHandler_Handle_ObservationUpsertFailureRetries(t *testing.T) {
	rule := testRule()
	f := newRunFixture(t, rule)

	f.orchestrator.fetchFunc = func(ctx context.Context, req fetch.FetchRequest, cfg fetch.OrchestratorConfig) *fetch.FetchResult {
		return okFetch("<span class=price>$549.00</span>")
	}
	f.extractor.extractFunc = func(ctx context.Context, in ExtractInput) ExtractOutput {
		return ExtractOutput{Value: model.PriceValue(549, "USD")}
	}
	f.observations.upsertFn = func(ctx context.Context, obs *model.Observation) error {
		return assert.AnError
	}

	err := f.handler.Handle(context.Background(), runJob(t, rule.ID))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "update observation")
}

func TestRunHandler_Handle_RecordRunHealthParams(t *testing.T) {
	rule := testRule()
	f := newRunFixture(t, rule)

	f.orchestrator.fetchFunc = func(ctx context.Context, req fetch.FetchRequest, cfg fetch.OrchestratorConfig) *fetch.FetchResult {
		return &fetch.FetchResult{Outcome: model.OutcomeNetworkError, Signals: []string{"no_providers_available"}}
	}

	require.NoError(t, f.handler.Handle(context.Background(), runJob(t, rule.ID)))

	health := f.rules.healthRecords()
	require.Len(t, health, 1)
	assert.Equal(t, core.RecordRunHealthParams{
		RuleID: rule.ID,
		Error:  "fetch network_error: no_providers_available",
		RunAt:  runTestTime,
	}, health[0])
}
