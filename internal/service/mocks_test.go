package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pagewatch/pagewatch/internal/core"
	"github.com/pagewatch/pagewatch/internal/domain/model"
	"github.com/pagewatch/pagewatch/internal/service/fetch"
)

// Shared func-field mocks for the service package tests.

type mockRuleRepository struct {
	getByIDFunc         func(ctx context.Context, id string) (*model.Rule, error)
	listDueFunc         func(ctx context.Context, now time.Time, limit int) ([]*model.Rule, error)
	recordRunHealthFunc func(ctx context.Context, params core.RecordRunHealthParams) error

	mu     sync.Mutex
	health []core.RecordRunHealthParams
}

func (m *mockRuleRepository) GetByID(ctx context.Context, id string) (*model.Rule, error) {
	if m.getByIDFunc != nil {
		return m.getByIDFunc(ctx, id)
	}
	return nil, errors.New("not implemented")
}

func (m *mockRuleRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Rule, error) {
	if m.listDueFunc != nil {
		return m.listDueFunc(ctx, now, limit)
	}
	return nil, errors.New("not implemented")
}

func (m *mockRuleRepository) RecordRunHealth(ctx context.Context, params core.RecordRunHealthParams) error {
	m.mu.Lock()
	m.health = append(m.health, params)
	m.mu.Unlock()
	if m.recordRunHealthFunc != nil {
		return m.recordRunHealthFunc(ctx, params)
	}
	return nil
}

func (m *mockRuleRepository) healthRecords() []core.RecordRunHealthParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.RecordRunHealthParams(nil), m.health...)
}

type mockObservationRepository struct {
	getFunc func(ctx context.Context, ruleID string) (*model.Observation, error)

	mu       sync.Mutex
	upserted []*model.Observation
	upsertFn func(ctx context.Context, obs *model.Observation) error
}

func (m *mockObservationRepository) Get(ctx context.Context, ruleID string) (*model.Observation, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, ruleID)
	}
	return nil, nil
}

func (m *mockObservationRepository) Upsert(ctx context.Context, obs *model.Observation) error {
	m.mu.Lock()
	m.upserted = append(m.upserted, obs)
	m.mu.Unlock()
	if m.upsertFn != nil {
		return m.upsertFn(ctx, obs)
	}
	return nil
}

func (m *mockObservationRepository) all() []*model.Observation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.Observation(nil), m.upserted...)
}

type mockAlertRepository struct {
	createFunc          func(ctx context.Context, req *model.CreateAlertRequest) (*model.Alert, error)
	getByIDFunc         func(ctx context.Context, id string) (*model.Alert, error)
	getByDedupeKeyFunc  func(ctx context.Context, dedupeKey string) (*model.Alert, error)
	lastTriggeredAtFunc func(ctx context.Context, ruleID string) (*time.Time, error)

	mu      sync.Mutex
	created []*model.CreateAlertRequest
}

func (m *mockAlertRepository) Create(ctx context.Context, req *model.CreateAlertRequest) (*model.Alert, error) {
	m.mu.Lock()
	m.created = append(m.created, req)
	m.mu.Unlock()
	if m.createFunc != nil {
		return m.createFunc(ctx, req)
	}
	return &model.Alert{
		ID:          "alert-" + req.DedupeKey,
		DedupeKey:   req.DedupeKey,
		RuleID:      req.RuleID,
		WorkspaceID: req.WorkspaceID,
		Severity:    req.Severity,
		Title:       req.Title,
		Body:        req.Body,
		TriggeredAt: req.TriggeredAt,
		Channels:    req.Channels,
	}, nil
}

func (m *mockAlertRepository) GetByID(ctx context.Context, id string) (*model.Alert, error) {
	if m.getByIDFunc != nil {
		return m.getByIDFunc(ctx, id)
	}
	return nil, errors.New("not implemented")
}

func (m *mockAlertRepository) GetByDedupeKey(ctx context.Context, dedupeKey string) (*model.Alert, error) {
	if m.getByDedupeKeyFunc != nil {
		return m.getByDedupeKeyFunc(ctx, dedupeKey)
	}
	return nil, nil
}

func (m *mockAlertRepository) LastTriggeredAt(ctx context.Context, ruleID string) (*time.Time, error) {
	if m.lastTriggeredAtFunc != nil {
		return m.lastTriggeredAtFunc(ctx, ruleID)
	}
	return nil, nil
}

func (m *mockAlertRepository) allCreated() []*model.CreateAlertRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.CreateAlertRequest(nil), m.created...)
}

type mockJobRepository struct {
	createFunc func(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)

	mu      sync.Mutex
	created []*model.CreateJobRequest
}

func (m *mockJobRepository) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	m.mu.Lock()
	m.created = append(m.created, req)
	m.mu.Unlock()
	if m.createFunc != nil {
		return m.createFunc(ctx, req)
	}
	return &model.Job{ID: "job-1", Type: req.Type, Payload: req.Payload}, nil
}

func (m *mockJobRepository) GetByID(ctx context.Context, id string) (*model.Job, error) {
	return nil, errors.New("not implemented")
}

func (m *mockJobRepository) ReserveNext(ctx context.Context, jobType model.JobType, lease time.Duration) (*model.Job, error) {
	return nil, model.ErrNoJobsAvailable
}

func (m *mockJobRepository) Heartbeat(ctx context.Context, jobID string, lease time.Duration) (bool, error) {
	return true, nil
}

func (m *mockJobRepository) Complete(ctx context.Context, id string) (bool, error) {
	return true, nil
}

func (m *mockJobRepository) Fail(ctx context.Context, id, errMsg string) (bool, error) {
	return true, nil
}

func (m *mockJobRepository) Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error) {
	return &model.JobStats{}, nil
}

func (m *mockJobRepository) allCreated() []*model.CreateJobRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.CreateJobRequest(nil), m.created...)
}

type mockChannelConfigRepository struct {
	getByNameFunc func(ctx context.Context, params core.ChannelLookupParams) (*core.ChannelConfig, error)
}

func (m *mockChannelConfigRepository) GetByName(ctx context.Context, params core.ChannelLookupParams) (*core.ChannelConfig, error) {
	if m.getByNameFunc != nil {
		return m.getByNameFunc(ctx, params)
	}
	return nil, errors.New("not implemented")
}

type mockOrchestrator struct {
	fetchFunc func(ctx context.Context, req fetch.FetchRequest, cfg fetch.OrchestratorConfig) *fetch.FetchResult

	mu       sync.Mutex
	requests []fetch.FetchRequest
	configs  []fetch.OrchestratorConfig
}

func (m *mockOrchestrator) Fetch(ctx context.Context, req fetch.FetchRequest, cfg fetch.OrchestratorConfig) *fetch.FetchResult {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.configs = append(m.configs, cfg)
	m.mu.Unlock()
	if m.fetchFunc != nil {
		return m.fetchFunc(ctx, req, cfg)
	}
	return &fetch.FetchResult{Outcome: model.OutcomeOK}
}

type mockExtractor struct {
	extractFunc func(ctx context.Context, in ExtractInput) ExtractOutput
}

func (m *mockExtractor) Extract(ctx context.Context, in ExtractInput) ExtractOutput {
	if m.extractFunc != nil {
		return m.extractFunc(ctx, in)
	}
	return ExtractOutput{Err: "not implemented"}
}
