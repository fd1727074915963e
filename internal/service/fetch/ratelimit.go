package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pagewatch/pagewatch/internal/domain/model"
)

// RateLimitDecision is the result of a token-bucket consume or check.
type RateLimitDecision struct {
	Allowed   bool
	Remaining float64
	WaitMs    int64
	// FailOpen is set when the cache was unreachable and the free-provider
	// policy let the request through.
	FailOpen bool
}

// BucketConfig is the refill/burst pair for one (provider, hostname) bucket.
type BucketConfig struct {
	RefillPerSec float64 `json:"refillPerSec"`
	Burst        float64 `json:"burst"`
}

const (
	rateLimitKeyPrefix       = "ratelimit:"
	rateLimitConfigKeyPrefix = "ratelimit:config:"
	rateLimitTTL             = time.Hour
	paidRetryAfter           = 60 * time.Second
)

// DefaultBucketConfig returns the default refill/burst for a provider class.
func DefaultBucketConfig(provider model.ProviderID) BucketConfig {
	switch provider {
	case model.ProviderHTTP:
		return BucketConfig{RefillPerSec: 12.0 / 60.0, Burst: 3}
	case model.ProviderFlareSolverr, model.ProviderHeadless:
		return BucketConfig{RefillPerSec: 4.0 / 60.0, Burst: 3}
	default:
		// Paid providers.
		return BucketConfig{RefillPerSec: 2.0 / 60.0, Burst: 1}
	}
}

// consumeTokenScript atomically refills and decrements a bucket. The bucket
// hash stores fractional tokens and the last refill timestamp in ms.
//
//nolint:gochecknoglobals // script handles are shared by design
var consumeTokenScript = redis.NewScript(`
local key = KEYS[1]
local refill = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local consume = tonumber(ARGV[5])

local data = redis.call('HMGET', key, 'tokens', 'lastRefill')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil or last == nil then
  tokens = burst
  last = now
end
local elapsed = now - last
if elapsed < 0 then elapsed = 0 end
tokens = tokens + (elapsed / 1000.0) * refill
if tokens > burst then tokens = burst end

local allowed = 0
if consume == 1 and tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
elseif consume == 0 and tokens >= 1 then
  allowed = 1
end

if consume == 1 then
  redis.call('HSET', key, 'tokens', tostring(tokens), 'lastRefill', tostring(now))
  redis.call('EXPIRE', key, ttl)
end
return {allowed, tostring(tokens)}
`)

// RateLimiter is the per (provider, hostname) token bucket backed by the
// shared cache. Paid providers fail closed when the cache is unreachable;
// free providers fail open.
type RateLimiter struct {
	client redis.UniversalClient
	logger *slog.Logger
	now    func() time.Time
}

// RateLimiterOptions configures a RateLimiter.
type RateLimiterOptions struct {
	Client redis.UniversalClient
	Logger *slog.Logger
	Now    func() time.Time
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(opts RateLimiterOptions) *RateLimiter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{client: opts.Client, logger: logger, now: now}
}

// Consume atomically takes one token for (provider, hostname).
func (l *RateLimiter) Consume(ctx context.Context, provider model.ProviderID, hostname string) RateLimitDecision {
	return l.run(ctx, provider, hostname, true)
}

// Check reads the bucket without consuming.
func (l *RateLimiter) Check(ctx context.Context, provider model.ProviderID, hostname string) RateLimitDecision {
	return l.run(ctx, provider, hostname, false)
}

func (l *RateLimiter) run(ctx context.Context, provider model.ProviderID, hostname string, consume bool) RateLimitDecision {
	cfg := l.bucketConfig(ctx, provider, hostname)
	key := rateLimitKeyPrefix + provider.String() + ":" + hostname

	consumeFlag := 0
	if consume {
		consumeFlag = 1
	}
	nowMs := l.now().UnixMilli()
	res, err := consumeTokenScript.Run(ctx, l.client, []string{key},
		cfg.RefillPerSec, cfg.Burst, nowMs, int(rateLimitTTL.Seconds()), consumeFlag).Slice()
	if err != nil {
		return l.failPolicy(provider, hostname, err)
	}

	decision, parseErr := parseBucketReply(res, cfg)
	if parseErr != nil {
		return l.failPolicy(provider, hostname, parseErr)
	}
	return decision
}

func parseBucketReply(res []any, cfg BucketConfig) (RateLimitDecision, error) {
	if len(res) != 2 {
		return RateLimitDecision{}, fmt.Errorf("unexpected bucket reply length %d", len(res))
	}
	allowed, ok := res[0].(int64)
	if !ok {
		return RateLimitDecision{}, fmt.Errorf("unexpected bucket reply type %T", res[0])
	}
	var remaining float64
	if s, isStr := res[1].(string); isStr {
		if _, scanErr := fmt.Sscanf(s, "%g", &remaining); scanErr != nil {
			remaining = 0
		}
	}

	d := RateLimitDecision{Allowed: allowed == 1, Remaining: remaining}
	if !d.Allowed && cfg.RefillPerSec > 0 {
		d.WaitMs = int64((1 - remaining) / cfg.RefillPerSec * 1000)
		if d.WaitMs < 0 {
			d.WaitMs = 0
		}
	}
	return d, nil
}

// failPolicy decides a bucket outcome when the cache is unreachable:
// deny paid providers for cost containment, admit free ones.
func (l *RateLimiter) failPolicy(provider model.ProviderID, hostname string, err error) RateLimitDecision {
	l.logger.Warn("rate limiter cache unavailable",
		"provider", provider,
		"hostname", hostname,
		"error", err)
	if provider.Paid() {
		return RateLimitDecision{Allowed: false, WaitMs: paidRetryAfter.Milliseconds()}
	}
	return RateLimitDecision{Allowed: true, FailOpen: true}
}

// bucketConfig resolves per-hostname overrides, falling back to provider
// class defaults.
func (l *RateLimiter) bucketConfig(ctx context.Context, provider model.ProviderID, hostname string) BucketConfig {
	def := DefaultBucketConfig(provider)

	raw, err := l.client.Get(ctx, rateLimitConfigKeyPrefix+hostname).Bytes()
	if err != nil || len(raw) == 0 {
		return def
	}
	var override BucketConfig
	if jsonErr := json.Unmarshal(raw, &override); jsonErr != nil {
		l.logger.Warn("invalid rate limit override", "hostname", hostname, "error", jsonErr)
		return def
	}
	if override.RefillPerSec > 0 {
		def.RefillPerSec = override.RefillPerSec
	}
	if override.Burst > 0 {
		def.Burst = override.Burst
	}
	return def
}
