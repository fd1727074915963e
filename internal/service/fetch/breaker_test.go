package fetch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagewatch/pagewatch/internal/domain/model"
)

func newTestBreaker(t *testing.T) (*CircuitBreaker, *testClock) {
	t.Helper()
	_, client := newTestRedis(t)
	clock := newTestClock()
	return NewCircuitBreaker(CircuitBreakerOptions{Client: client, Now: clock.Now}), clock
}

func testCircuitKey() CircuitKey {
	return CircuitKey{WorkspaceID: "ws1", Hostname: "etsy.com", Provider: model.ProviderBrightData}
}

func TestBreakerOpensAfterThreeFailuresInWindow(t *testing.T) {
	breaker, clock := newTestBreaker(t)
	ctx := context.Background()
	key := testCircuitKey()

	// Three blocks within six minutes.
	breaker.RecordOutcome(ctx, key, model.OutcomeBlocked)
	clock.Advance(3 * time.Minute)
	breaker.RecordOutcome(ctx, key, model.OutcomeBlocked)
	clock.Advance(3 * time.Minute)
	breaker.RecordOutcome(ctx, key, model.OutcomeBlocked)

	state, err := breaker.State(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, CircuitOpen, state.State)
	assert.Equal(t, 1, state.OpenCount)

	decision := breaker.CanExecute(ctx, key)
	assert.False(t, decision.Allowed)
	assert.Equal(t, CircuitOpen, decision.State)
	assert.Greater(t, decision.RemainingMs, int64(0))

	// Still rejected just before the 15 min cooldown elapses.
	clock.Advance(14 * time.Minute)
	assert.False(t, breaker.CanExecute(ctx, key).Allowed)
}

func TestBreakerWindowExpiryResetsCounter(t *testing.T) {
	breaker, clock := newTestBreaker(t)
	ctx := context.Background()
	key := testCircuitKey()

	breaker.RecordOutcome(ctx, key, model.OutcomeBlocked)
	breaker.RecordOutcome(ctx, key, model.OutcomeBlocked)

	// Third failure lands outside the 10 min window; counter restarts at 1.
	clock.Advance(11 * time.Minute)
	breaker.RecordOutcome(ctx, key, model.OutcomeBlocked)

	state, err := breaker.State(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, state.State)
	assert.Equal(t, 1, state.Failures)
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	breaker, _ := newTestBreaker(t)
	ctx := context.Background()
	key := testCircuitKey()

	breaker.RecordOutcome(ctx, key, model.OutcomeBlocked)
	breaker.RecordOutcome(ctx, key, model.OutcomeBlocked)
	breaker.RecordOutcome(ctx, key, model.OutcomeOK)
	breaker.RecordOutcome(ctx, key, model.OutcomeBlocked)
	breaker.RecordOutcome(ctx, key, model.OutcomeBlocked)

	state, err := breaker.State(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, state.State)
	assert.Equal(t, 2, state.Failures)
}

func TestBreakerNonFailureOutcomesIgnored(t *testing.T) {
	breaker, _ := newTestBreaker(t)
	ctx := context.Background()
	key := testCircuitKey()

	breaker.RecordOutcome(ctx, key, model.OutcomeRateLimited)
	breaker.RecordOutcome(ctx, key, model.OutcomePreferredUnavailable)
	breaker.RecordOutcome(ctx, key, model.OutcomeInterstitialGeo)

	state, err := breaker.State(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, state.State)
	assert.Equal(t, 0, state.Failures)
}

func openBreaker(ctx context.Context, breaker *CircuitBreaker, key CircuitKey) {
	breaker.RecordOutcome(ctx, key, model.OutcomeBlocked)
	breaker.RecordOutcome(ctx, key, model.OutcomeBlocked)
	breaker.RecordOutcome(ctx, key, model.OutcomeBlocked)
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	breaker, clock := newTestBreaker(t)
	ctx := context.Background()
	key := testCircuitKey()

	openBreaker(ctx, breaker, key)
	clock.Advance(16 * time.Minute)

	probe := breaker.CanExecute(ctx, key)
	assert.True(t, probe.Allowed)
	assert.Equal(t, CircuitHalfOpen, probe.State)

	// A concurrent caller is rejected while the probe is in flight.
	second := breaker.CanExecute(ctx, key)
	assert.False(t, second.Allowed)
	assert.Equal(t, CircuitHalfOpen, second.State)
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	breaker, clock := newTestBreaker(t)
	ctx := context.Background()
	key := testCircuitKey()

	openBreaker(ctx, breaker, key)
	clock.Advance(16 * time.Minute)
	require.True(t, breaker.CanExecute(ctx, key).Allowed)

	breaker.RecordOutcome(ctx, key, model.OutcomeOK)

	state, err := breaker.State(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, state.State)
	assert.Equal(t, 0, state.Failures)
	assert.Equal(t, 1, state.OpenCount, "open count is retained")
	assert.True(t, breaker.CanExecute(ctx, key).Allowed)
}

func TestBreakerHalfOpenFailureEscalatesCooldown(t *testing.T) {
	breaker, clock := newTestBreaker(t)
	ctx := context.Background()
	key := testCircuitKey()

	openBreaker(ctx, breaker, key)
	clock.Advance(16 * time.Minute)
	require.True(t, breaker.CanExecute(ctx, key).Allowed)

	breaker.RecordOutcome(ctx, key, model.OutcomeBlocked)

	state, err := breaker.State(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, CircuitOpen, state.State)
	assert.Equal(t, 2, state.OpenCount)

	// Second tier cooldown is one hour; 16 minutes is not enough now.
	clock.Advance(16 * time.Minute)
	assert.False(t, breaker.CanExecute(ctx, key).Allowed)

	clock.Advance(45 * time.Minute)
	assert.True(t, breaker.CanExecute(ctx, key).Allowed)
}

func TestBreakerCooldownTiers(t *testing.T) {
	assert.Equal(t, 15*time.Minute, CooldownFor(1))
	assert.Equal(t, time.Hour, CooldownFor(2))
	assert.Equal(t, 6*time.Hour, CooldownFor(3))
	assert.Equal(t, 6*time.Hour, CooldownFor(7))
}

func TestBreakerIsolatesKeys(t *testing.T) {
	breaker, _ := newTestBreaker(t)
	ctx := context.Background()

	openBreaker(ctx, breaker, testCircuitKey())

	otherProvider := CircuitKey{WorkspaceID: "ws1", Hostname: "etsy.com", Provider: model.ProviderHTTP}
	otherWorkspace := CircuitKey{WorkspaceID: "ws2", Hostname: "etsy.com", Provider: model.ProviderBrightData}
	assert.True(t, breaker.CanExecute(ctx, otherProvider).Allowed)
	assert.True(t, breaker.CanExecute(ctx, otherWorkspace).Allowed)
}

func TestBreakerFailsOpenWhenCacheDown(t *testing.T) {
	client := brokenRedis(t)
	breaker := NewCircuitBreaker(CircuitBreakerOptions{Client: client})
	ctx := context.Background()

	decision := breaker.CanExecute(ctx, testCircuitKey())
	assert.True(t, decision.Allowed)
}
