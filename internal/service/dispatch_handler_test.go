package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/pagewatch/pagewatch/internal/core"
	"github.com/pagewatch/pagewatch/internal/domain/model"
	"github.com/pagewatch/pagewatch/internal/notify"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []notify.Message
	errs map[string]error
}

func (s *recordingSender) Send(ctx context.Context, cfg *core.ChannelConfig, msg notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.errs[cfg.Name]; ok {
		return err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func testAlert() *model.Alert {
	return &model.Alert{
		ID:          "alert-1",
		DedupeKey:   "abcd1234",
		RuleID:      "rule-1",
		WorkspaceID: "ws-1",
		Severity:    model.SeverityWarning,
		Title:       "Price below 500: Pixel 8 price",
		Body:        "Rule: Pixel 8 price",
		TriggeredAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Channels:    []string{"slack-deals"},
	}
}

func dispatchJob(t *testing.T, alertID string, channels []string) *model.Job {
	t.Helper()
	payload, err := json.Marshal(model.AlertDispatchJobPayload{
		AlertID:   alertID,
		DedupeKey: "abcd1234",
		Channels:  channels,
	})
	require.NoError(t, err)
	return &model.Job{ID: "job-dispatch-1", Type: model.JobTypeAlertDispatch, Payload: payload}
}

type dispatchFixture struct {
	alerts   *mockAlertRepository
	rules    *mockRuleRepository
	channels *mockChannelConfigRepository
	sender   *recordingSender
	handler  *DispatchHandler
}

func newDispatchFixture(t *testing.T, alert *model.Alert, configs map[string]*core.ChannelConfig) *dispatchFixture {
	t.Helper()
	f := &dispatchFixture{
		alerts: &mockAlertRepository{
			getByIDFunc: func(ctx context.Context, id string) (*model.Alert, error) {
				if alert != nil && id == alert.ID {
					return alert, nil
				}
				return nil, nil
			},
		},
		rules: &mockRuleRepository{
			getByIDFunc: func(ctx context.Context, id string) (*model.Rule, error) {
				return &model.Rule{ID: id, Name: "Pixel 8 price", URL: "https://shop.example.com/pixel-8"}, nil
			},
		},
		channels: &mockChannelConfigRepository{
			getByNameFunc: func(ctx context.Context, params core.ChannelLookupParams) (*core.ChannelConfig, error) {
				return configs[params.Name], nil
			},
		},
		sender: &recordingSender{errs: map[string]error{}},
	}

	registry := notify.NewRegistry()
	registry.Register("slack", f.sender)
	registry.Register("webhook", f.sender)

	f.handler = NewDispatchHandler(DispatchHandlerOptions{
		Alerts:   f.alerts,
		Rules:    f.rules,
		Channels: f.channels,
		Registry: registry,
	})
	return f
}

func TestDispatchHandler_Handle_Success(t *testing.T) {
	alert := testAlert()
	f := newDispatchFixture(t, alert, map[string]*core.ChannelConfig{
		"slack-deals": {Name: "slack-deals", Kind: "slack", URL: "https://hooks.slack.test/x"},
	})

	require.NoError(t, f.handler.Handle(context.Background(), dispatchJob(t, alert.ID, []string{"slack-deals"})))

	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, alert.ID, f.sender.sent[0].AlertID)
	assert.Equal(t, "Pixel 8 price", f.sender.sent[0].RuleName)
	assert.Equal(t, "https://shop.example.com/pixel-8", f.sender.sent[0].URL)
}

func TestDispatchHandler_Handle_PartialFailureCompletes(t *testing.T) {
	alert := testAlert()
	f := newDispatchFixture(t, alert, map[string]*core.ChannelConfig{
		"slack-deals": {Name: "slack-deals", Kind: "slack", URL: "https://hooks.slack.test/x"},
		"ops-hook":    {Name: "ops-hook", Kind: "webhook", URL: "https://hooks.example.test/y"},
	})
	f.sender.errs["ops-hook"] = errors.New("503 service unavailable")

	err := f.handler.Handle(context.Background(), dispatchJob(t, alert.ID, []string{"slack-deals", "ops-hook"}))
	require.NoError(t, err)
	assert.Len(t, f.sender.sent, 1)
}

func TestDispatchHandler_Handle_AllChannelsFailed(t *testing.T) {
	alert := testAlert()
	f := newDispatchFixture(t, alert, map[string]*core.ChannelConfig{
		"slack-deals": {Name: "slack-deals", Kind: "slack", URL: "https://hooks.slack.test/x"},
	})
	f.sender.errs["slack-deals"] = errors.New("connection refused")

	err := f.handler.Handle(context.Background(), dispatchJob(t, alert.ID, []string{"slack-deals"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 1 channels failed")
}

func TestDispatchHandler_Handle_UnknownChannelFails(t *testing.T) {
	alert := testAlert()
	f := newDispatchFixture(t, alert, map[string]*core.ChannelConfig{})

	err := f.handler.Handle(context.Background(), dispatchJob(t, alert.ID, []string{"nope"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 1 channels failed")
}

func TestDispatchHandler_Handle_MissingAlertCompletes(t *testing.T) {
	f := newDispatchFixture(t, nil, nil)

	require.NoError(t, f.handler.Handle(context.Background(), dispatchJob(t, "gone", []string{"slack-deals"})))
	assert.Empty(t, f.sender.sent)
}

func TestDispatchHandler_Handle_FallsBackToAlertChannels(t *testing.T) {
	alert := testAlert()
	f := newDispatchFixture(t, alert, map[string]*core.ChannelConfig{
		"slack-deals": {Name: "slack-deals", Kind: "slack", URL: "https://hooks.slack.test/x"},
	})

	require.NoError(t, f.handler.Handle(context.Background(), dispatchJob(t, alert.ID, nil)))
	assert.Len(t, f.sender.sent, 1)
}

func TestDispatchHandler_Handle_RuleGoneStillDelivers(t *testing.T) {
	alert := testAlert()
	f := newDispatchFixture(t, alert, map[string]*core.ChannelConfig{
		"slack-deals": {Name: "slack-deals", Kind: "slack", URL: "https://hooks.slack.test/x"},
	})
	f.rules.getByIDFunc = func(ctx context.Context, id string) (*model.Rule, error) {
		return nil, nil
	}

	require.NoError(t, f.handler.Handle(context.Background(), dispatchJob(t, alert.ID, []string{"slack-deals"})))
	require.Len(t, f.sender.sent, 1)
	assert.Empty(t, f.sender.sent[0].RuleName)
}

func withDeliveryCache(f *dispatchFixture, cache core.CacheRepository) {
	f.handler.cache = cache
}

func TestDispatchHandler_Handle_SkipsAlreadyDeliveredChannel(t *testing.T) {
	ctrl := gomock.NewController(t)
	alert := testAlert()
	f := newDispatchFixture(t, alert, map[string]*core.ChannelConfig{
		"slack-deals": {Name: "slack-deals", Kind: "slack", URL: "https://hooks.slack.test/x"},
	})

	cache := core.NewMockCacheRepository(ctrl)
	cache.EXPECT().
		SetIfNotExists(gomock.Any(), "pagewatch:dispatch:abcd1234:slack-deals", gomock.Any(), gomock.Any()).
		Return(false, nil)
	withDeliveryCache(f, cache)

	require.NoError(t, f.handler.Handle(context.Background(), dispatchJob(t, alert.ID, []string{"slack-deals"})))
	assert.Empty(t, f.sender.sent)
}

func TestDispatchHandler_Handle_ReleasesClaimOnSendFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	alert := testAlert()
	f := newDispatchFixture(t, alert, map[string]*core.ChannelConfig{
		"slack-deals": {Name: "slack-deals", Kind: "slack", URL: "https://hooks.slack.test/x"},
	})
	f.sender.errs["slack-deals"] = errors.New("connection refused")

	cache := core.NewMockCacheRepository(ctrl)
	cache.EXPECT().
		SetIfNotExists(gomock.Any(), "pagewatch:dispatch:abcd1234:slack-deals", gomock.Any(), gomock.Any()).
		Return(true, nil)
	cache.EXPECT().
		Delete(gomock.Any(), "pagewatch:dispatch:abcd1234:slack-deals").
		Return(true, nil)
	withDeliveryCache(f, cache)

	err := f.handler.Handle(context.Background(), dispatchJob(t, alert.ID, []string{"slack-deals"}))
	require.Error(t, err)
}

func TestDispatchHandler_Handle_CacheErrorFailsOpen(t *testing.T) {
	ctrl := gomock.NewController(t)
	alert := testAlert()
	f := newDispatchFixture(t, alert, map[string]*core.ChannelConfig{
		"slack-deals": {Name: "slack-deals", Kind: "slack", URL: "https://hooks.slack.test/x"},
	})

	cache := core.NewMockCacheRepository(ctrl)
	cache.EXPECT().
		SetIfNotExists(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(false, errors.New("redis down"))
	withDeliveryCache(f, cache)

	require.NoError(t, f.handler.Handle(context.Background(), dispatchJob(t, alert.ID, []string{"slack-deals"})))
	assert.Len(t, f.sender.sent, 1)
}
