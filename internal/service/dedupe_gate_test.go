package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pagewatch/pagewatch/internal/domain/model"
)

var gateTestTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newGate(alerts *mockAlertRepository) *DedupeGate {
	return NewDedupeGate(DedupeGateOptions{
		Alerts: alerts,
		Now:    func() time.Time { return gateTestTime },
	})
}

func TestDedupeGate_Decide_Allows(t *testing.T) {
	gate := newGate(&mockAlertRepository{})
	rule := &model.Rule{ID: "rule-1"}

	decision := gate.Decide(context.Background(), rule, "key-1")
	assert.True(t, decision.Allowed)
}

func TestDedupeGate_Decide_DuplicateKey(t *testing.T) {
	alerts := &mockAlertRepository{
		getByDedupeKeyFunc: func(ctx context.Context, dedupeKey string) (*model.Alert, error) {
			return &model.Alert{ID: "a1", DedupeKey: dedupeKey, TriggeredAt: gateTestTime.Add(-90 * time.Second)}, nil
		},
	}
	gate := newGate(alerts)

	decision := gate.Decide(context.Background(), &model.Rule{ID: "rule-1"}, "key-1")
	assert.False(t, decision.Allowed)
	assert.Equal(t, "duplicate (age: 90s)", decision.Reason)
}

func TestDedupeGate_Decide_CooldownActive(t *testing.T) {
	last := gateTestTime.Add(-10 * time.Minute)
	alerts := &mockAlertRepository{
		lastTriggeredAtFunc: func(ctx context.Context, ruleID string) (*time.Time, error) {
			return &last, nil
		},
	}
	gate := newGate(alerts)
	rule := &model.Rule{ID: "rule-1", CooldownSeconds: 1800}

	decision := gate.Decide(context.Background(), rule, "key-2")
	assert.False(t, decision.Allowed)
	assert.Equal(t, "cooldown active (1200s remaining)", decision.Reason)
}

func TestDedupeGate_Decide_CooldownExpired(t *testing.T) {
	last := gateTestTime.Add(-time.Hour)
	alerts := &mockAlertRepository{
		lastTriggeredAtFunc: func(ctx context.Context, ruleID string) (*time.Time, error) {
			return &last, nil
		},
	}
	gate := newGate(alerts)
	rule := &model.Rule{ID: "rule-1", CooldownSeconds: 1800}

	decision := gate.Decide(context.Background(), rule, "key-3")
	assert.True(t, decision.Allowed)
}

func TestDedupeGate_Decide_LookupErrorAllows(t *testing.T) {
	alerts := &mockAlertRepository{
		getByDedupeKeyFunc: func(ctx context.Context, dedupeKey string) (*model.Alert, error) {
			return nil, assert.AnError
		},
		lastTriggeredAtFunc: func(ctx context.Context, ruleID string) (*time.Time, error) {
			return nil, assert.AnError
		},
	}
	gate := newGate(alerts)
	rule := &model.Rule{ID: "rule-1", CooldownSeconds: 1800}

	// The unique constraint on dedupe_key is the backstop when lookups fail.
	decision := gate.Decide(context.Background(), rule, "key-4")
	assert.True(t, decision.Allowed)
}

func TestDedupeGate_Decide_NoCooldownSkipsLookup(t *testing.T) {
	alerts := &mockAlertRepository{
		lastTriggeredAtFunc: func(ctx context.Context, ruleID string) (*time.Time, error) {
			t.Fatal("cooldown lookup should not run when cooldown is zero")
			return nil, nil
		},
	}
	gate := newGate(alerts)

	decision := gate.Decide(context.Background(), &model.Rule{ID: "rule-1"}, "key-5")
	assert.True(t, decision.Allowed)
}
