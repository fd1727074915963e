package fetch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pagewatch/pagewatch/internal/domain/model"
)

const (
	concurrencyKeyPrefix = "concurrency:"
	globalBucketName     = "__global__"
)

// SemaphoreLimits is the in-flight cap configuration for one paid provider.
// A zero value for either limit means unlimited for that bucket.
type SemaphoreLimits struct {
	Global      int
	PerHostname int
	LeaseTTL    time.Duration
}

// DefaultSemaphoreLimits returns the shipped limits per paid provider.
// Lease TTLs always exceed the provider timeout plus a buffer so leases held
// by crashed workers self-release.
func DefaultSemaphoreLimits(provider model.ProviderID) SemaphoreLimits {
	switch provider {
	case model.ProviderBrightData:
		return SemaphoreLimits{Global: 2, PerHostname: 2, LeaseTTL: 180 * time.Second}
	case model.ProviderScrapingBrowser:
		return SemaphoreLimits{PerHostname: 1, LeaseTTL: 210 * time.Second}
	case model.ProviderTwoCaptchaProxy, model.ProviderTwoCaptchaDatad:
		return SemaphoreLimits{PerHostname: 1, LeaseTTL: 270 * time.Second}
	default:
		return SemaphoreLimits{}
	}
}

// HasLimits reports whether any cap is configured.
func (s SemaphoreLimits) HasLimits() bool {
	return s.Global > 0 || s.PerHostname > 0
}

// AcquireResult is the outcome of a semaphore acquire.
type AcquireResult struct {
	Acquired     bool
	CurrentCount int64
	WaitMs       int64
	Lease        *Lease
	// FailOpen is set when the cache was unreachable; the budget guard
	// remains the cost backstop in that case.
	FailOpen bool
}

// Lease is a held concurrency slot. Release must run in a finally-style
// guard so cancelled runs return their slots.
type Lease struct {
	sem      *Semaphore
	provider model.ProviderID
	hostname string
	id       string
	global   bool
}

// acquireLeaseScript evicts expired members, then adds the lease when under
// the limit. Returns {acquired, cardinality, waitMs}.
//
//nolint:gochecknoglobals // script handles are shared by design
var acquireLeaseScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local member = ARGV[3]
local expiry = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. now)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, expiry, member)
  return {1, count + 1, 0}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local wait = 0
if oldest[2] ~= nil then
  wait = tonumber(oldest[2]) - now
  if wait < 0 then wait = 0 end
end
return {0, count, wait}
`)

// Semaphore enforces paid-provider in-flight limits with TTL leases in
// sorted sets, one per (provider, hostname) plus a per-provider global set.
// Unlike the rate limiter it fails open: the semaphore exists for crash
// recovery, not cost control.
type Semaphore struct {
	client redis.UniversalClient
	logger *slog.Logger
	now    func() time.Time
	limits func(model.ProviderID) SemaphoreLimits
}

// SemaphoreOptions configures a Semaphore.
type SemaphoreOptions struct {
	Client redis.UniversalClient
	Logger *slog.Logger
	Now    func() time.Time
	// Limits overrides the default per-provider limits (tests, config).
	Limits func(model.ProviderID) SemaphoreLimits
}

// NewSemaphore creates a Semaphore.
func NewSemaphore(opts SemaphoreOptions) *Semaphore {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	limits := opts.Limits
	if limits == nil {
		limits = DefaultSemaphoreLimits
	}
	return &Semaphore{client: opts.Client, logger: logger, now: now, limits: limits}
}

// Limits returns the configured limits for the provider.
func (s *Semaphore) Limits(provider model.ProviderID) SemaphoreLimits {
	return s.limits(provider)
}

// TryAcquire attempts to take the global slot first, then the per-hostname
// slot. If the global slot is granted but the hostname slot is not, the
// global slot is released before returning.
func (s *Semaphore) TryAcquire(ctx context.Context, provider model.ProviderID, hostname string) AcquireResult {
	limits := s.limits(provider)
	if !limits.HasLimits() {
		return AcquireResult{Acquired: true}
	}

	leaseID := uuid.NewString()

	var globalLease *Lease
	if limits.Global > 0 {
		res := s.acquireBucket(ctx, acquireBucketParams{
			provider: provider,
			bucket:   globalBucketName,
			leaseID:  leaseID,
			limit:    limits.Global,
			ttl:      limits.LeaseTTL,
		})
		if res.FailOpen {
			return res
		}
		if !res.Acquired {
			return res
		}
		globalLease = &Lease{sem: s, provider: provider, hostname: globalBucketName, id: leaseID, global: true}
	}

	if limits.PerHostname > 0 {
		res := s.acquireBucket(ctx, acquireBucketParams{
			provider: provider,
			bucket:   hostname,
			leaseID:  leaseID,
			limit:    limits.PerHostname,
			ttl:      limits.LeaseTTL,
		})
		if res.FailOpen {
			return res
		}
		if !res.Acquired {
			if globalLease != nil {
				globalLease.release(ctx)
			}
			return res
		}
	}

	return AcquireResult{
		Acquired: true,
		Lease:    &Lease{sem: s, provider: provider, hostname: hostname, id: leaseID},
	}
}

type acquireBucketParams struct {
	provider model.ProviderID
	bucket   string
	leaseID  string
	limit    int
	ttl      time.Duration
}

func (s *Semaphore) acquireBucket(ctx context.Context, p acquireBucketParams) AcquireResult {
	key := concurrencyKey(p.provider, p.bucket)
	nowMs := s.now().UnixMilli()
	expiry := nowMs + p.ttl.Milliseconds()

	res, err := acquireLeaseScript.Run(ctx, s.client, []string{key},
		nowMs, p.limit, p.leaseID, expiry).Slice()
	if err != nil {
		s.logger.Warn("semaphore cache unavailable; failing open",
			"provider", p.provider,
			"bucket", p.bucket,
			"error", err)
		return AcquireResult{Acquired: true, FailOpen: true}
	}
	if len(res) != 3 {
		return AcquireResult{Acquired: true, FailOpen: true}
	}

	acquired, _ := res[0].(int64)
	count, _ := res[1].(int64)
	wait, _ := res[2].(int64)
	return AcquireResult{Acquired: acquired == 1, CurrentCount: count, WaitMs: wait}
}

// Release removes the lease from both the per-hostname and global sets.
func (l *Lease) Release(ctx context.Context) {
	if l == nil {
		return
	}
	l.release(ctx)
}

func (l *Lease) release(ctx context.Context) {
	keys := []string{concurrencyKey(l.provider, l.hostname)}
	if !l.global {
		keys = append(keys, concurrencyKey(l.provider, globalBucketName))
	}
	for _, key := range keys {
		if err := l.sem.client.ZRem(ctx, key, l.id).Err(); err != nil {
			l.sem.logger.Warn("lease release failed; lease will expire by TTL",
				"key", key,
				"lease_id", l.id,
				"error", err)
		}
	}
}

func concurrencyKey(provider model.ProviderID, bucket string) string {
	return concurrencyKeyPrefix + provider.String() + ":" + bucket
}
