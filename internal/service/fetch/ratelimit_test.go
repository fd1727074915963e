package fetch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagewatch/pagewatch/internal/domain/model"
)

func newTestRateLimiter(t *testing.T) (*RateLimiter, *testClock) {
	t.Helper()
	_, client := newTestRedis(t)
	clock := newTestClock()
	return NewRateLimiter(RateLimiterOptions{Client: client, Now: clock.Now}), clock
}

func TestRateLimiterBurstThenDeny(t *testing.T) {
	limiter, _ := newTestRateLimiter(t)
	ctx := context.Background()

	// http burst is 3.
	for i := 0; i < 3; i++ {
		decision := limiter.Consume(ctx, model.ProviderHTTP, "shop.example")
		require.True(t, decision.Allowed, "consume %d should be allowed", i+1)
	}

	decision := limiter.Consume(ctx, model.ProviderHTTP, "shop.example")
	assert.False(t, decision.Allowed)
	assert.Greater(t, decision.WaitMs, int64(0))
}

func TestRateLimiterRefill(t *testing.T) {
	limiter, clock := newTestRateLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, limiter.Consume(ctx, model.ProviderHTTP, "shop.example").Allowed)
	}
	require.False(t, limiter.Consume(ctx, model.ProviderHTTP, "shop.example").Allowed)

	// 0.2 tokens/s; one token back after 5 s.
	clock.Advance(5 * time.Second)
	assert.True(t, limiter.Consume(ctx, model.ProviderHTTP, "shop.example").Allowed)
	assert.False(t, limiter.Consume(ctx, model.ProviderHTTP, "shop.example").Allowed)
}

func TestRateLimiterDenyWaitSuggestion(t *testing.T) {
	limiter, _ := newTestRateLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, limiter.Consume(ctx, model.ProviderHTTP, "shop.example").Allowed)
	}

	decision := limiter.Consume(ctx, model.ProviderHTTP, "shop.example")
	require.False(t, decision.Allowed)
	// Empty bucket at 0.2/s refill means roughly 5 s to the next token.
	assert.InDelta(t, 5000, decision.WaitMs, 100)
}

func TestRateLimiterCheckDoesNotConsume(t *testing.T) {
	limiter, _ := newTestRateLimiter(t)
	ctx := context.Background()

	// Paid burst is 1; check must not spend it.
	for i := 0; i < 5; i++ {
		require.True(t, limiter.Check(ctx, model.ProviderBrightData, "shop.example").Allowed)
	}
	assert.True(t, limiter.Consume(ctx, model.ProviderBrightData, "shop.example").Allowed)
	assert.False(t, limiter.Consume(ctx, model.ProviderBrightData, "shop.example").Allowed)
}

func TestRateLimiterSeparateBuckets(t *testing.T) {
	limiter, _ := newTestRateLimiter(t)
	ctx := context.Background()

	require.True(t, limiter.Consume(ctx, model.ProviderBrightData, "a.example").Allowed)
	require.False(t, limiter.Consume(ctx, model.ProviderBrightData, "a.example").Allowed)

	// Other hostname and other provider are untouched.
	assert.True(t, limiter.Consume(ctx, model.ProviderBrightData, "b.example").Allowed)
	assert.True(t, limiter.Consume(ctx, model.ProviderHTTP, "a.example").Allowed)
}

func TestRateLimiterHostnameOverride(t *testing.T) {
	mr, client := newTestRedis(t)
	clock := newTestClock()
	limiter := NewRateLimiter(RateLimiterOptions{Client: client, Now: clock.Now})
	ctx := context.Background()

	require.NoError(t, mr.Set("ratelimit:config:slow.example", `{"refillPerSec":0.01,"burst":1}`))

	require.True(t, limiter.Consume(ctx, model.ProviderHTTP, "slow.example").Allowed)
	decision := limiter.Consume(ctx, model.ProviderHTTP, "slow.example")
	require.False(t, decision.Allowed)
	// Empty bucket at 0.01/s refill: next token is ~100 s away.
	assert.Greater(t, decision.WaitMs, int64(60_000))
}

func TestRateLimiterFailurePolicy(t *testing.T) {
	client := brokenRedis(t)
	limiter := NewRateLimiter(RateLimiterOptions{Client: client})
	ctx := context.Background()

	paid := limiter.Consume(ctx, model.ProviderBrightData, "shop.example")
	assert.False(t, paid.Allowed, "paid providers fail closed")
	assert.Equal(t, int64(60_000), paid.WaitMs)

	free := limiter.Consume(ctx, model.ProviderHTTP, "shop.example")
	assert.True(t, free.Allowed, "free providers fail open")
	assert.True(t, free.FailOpen)
}
