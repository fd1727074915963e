package fetch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pagewatch/pagewatch/internal/domain/model"
)

// CircuitStateName is the breaker state machine position.
type CircuitStateName string

const (
	CircuitClosed   CircuitStateName = "closed"
	CircuitOpen     CircuitStateName = "open"
	CircuitHalfOpen CircuitStateName = "half_open"
)

// CircuitState is the persisted breaker document for one
// (workspace, hostname, provider) triple.
type CircuitState struct {
	State CircuitStateName `json:"state"`
	// Failures counts failures inside the current sliding window.
	Failures int `json:"failures"`
	// LastFailureAt is ms since epoch; zero when never failed.
	LastFailureAt int64 `json:"lastFailureAt"`
	// OpenCount is how many times this circuit has ever opened; it selects
	// the cooldown tier and is never rolled back, so a chronically hostile
	// hostname settles at the longest cooldown.
	OpenCount int `json:"openCount"`
}

// CircuitDecision is the CanExecute verdict.
type CircuitDecision struct {
	Allowed     bool
	State       CircuitStateName
	RemainingMs int64
}

const (
	breakerKeyPrefix       = "cb:"
	breakerTTL             = 24 * time.Hour
	breakerFailureWindow   = 10 * time.Minute
	breakerFailureThreshold = 3
)

// breakerCooldowns are the escalating cooldown tiers indexed by
// min(openCount-1, 2).
//
//nolint:gochecknoglobals // fixed policy table
var breakerCooldowns = []time.Duration{15 * time.Minute, time.Hour, 6 * time.Hour}

// CooldownFor returns the cooldown for a given open count.
func CooldownFor(openCount int) time.Duration {
	if openCount < 1 {
		openCount = 1
	}
	idx := openCount - 1
	if idx >= len(breakerCooldowns) {
		idx = len(breakerCooldowns) - 1
	}
	return breakerCooldowns[idx]
}

// canExecuteScript checks the circuit and performs the open → half-open
// transition atomically so exactly one worker across replicas gets the probe.
// Returns {allowed, state, remainingMs}.
//
//nolint:gochecknoglobals // script handles are shared by design
var canExecuteScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cd1 = tonumber(ARGV[2])
local cd2 = tonumber(ARGV[3])
local cd3 = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local raw = redis.call('GET', key)
if not raw then
  return {1, 'closed', 0}
end
local st = cjson.decode(raw)
if st.state == 'closed' then
  return {1, 'closed', 0}
end
if st.state == 'half_open' then
  return {0, 'half_open', 0}
end

local cooldowns = {cd1, cd2, cd3}
local idx = st.openCount
if idx < 1 then idx = 1 end
if idx > 3 then idx = 3 end
local remaining = st.lastFailureAt + cooldowns[idx] - now
if remaining > 0 then
  return {0, 'open', remaining}
end
st.state = 'half_open'
redis.call('SET', key, cjson.encode(st), 'EX', ttl)
return {1, 'half_open', 0}
`)

// recordResultScript folds a success or failure into the state machine.
// Returns the updated state document.
//
//nolint:gochecknoglobals // script handles are shared by design
var recordResultScript = redis.NewScript(`
local key = KEYS[1]
local success = ARGV[1] == '1'
local now = tonumber(ARGV[2])
local windowMs = tonumber(ARGV[3])
local threshold = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local raw = redis.call('GET', key)
local st
if raw then
  st = cjson.decode(raw)
else
  st = {state='closed', failures=0, lastFailureAt=0, openCount=0}
end

if success then
  if st.state == 'half_open' then
    st.state = 'closed'
    st.failures = 0
  elseif st.state == 'closed' and st.failures ~= 0 then
    st.failures = 0
  end
else
  if st.state == 'half_open' then
    st.state = 'open'
    st.openCount = st.openCount + 1
    st.lastFailureAt = now
  elseif st.state == 'closed' then
    if st.lastFailureAt > 0 and (now - st.lastFailureAt) > windowMs then
      st.failures = 1
    else
      st.failures = st.failures + 1
    end
    st.lastFailureAt = now
    if st.failures >= threshold then
      st.state = 'open'
      st.openCount = st.openCount + 1
    end
  end
end

local encoded = cjson.encode(st)
redis.call('SET', key, encoded, 'EX', ttl)
return encoded
`)

// CircuitBreaker tracks blocked/failing (workspace, hostname, provider)
// triples in the shared cache with escalating cooldown tiers. It fails open
// when the cache is unreachable.
type CircuitBreaker struct {
	client redis.UniversalClient
	logger *slog.Logger
	now    func() time.Time
}

// CircuitBreakerOptions configures a CircuitBreaker.
type CircuitBreakerOptions struct {
	Client redis.UniversalClient
	Logger *slog.Logger
	Now    func() time.Time
}

// NewCircuitBreaker creates a CircuitBreaker.
func NewCircuitBreaker(opts CircuitBreakerOptions) *CircuitBreaker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{client: opts.Client, logger: logger, now: now}
}

// CircuitKey identifies one breaker.
type CircuitKey struct {
	WorkspaceID string
	Hostname    string
	Provider    model.ProviderID
}

func (k CircuitKey) cacheKey() string {
	return breakerKeyPrefix + k.WorkspaceID + ":" + k.Hostname + ":" + k.Provider.String()
}

// CanExecute reports whether a fetch may proceed. When an open circuit's
// cooldown has elapsed, the transition to half-open happens here and exactly
// one caller receives the probe.
func (b *CircuitBreaker) CanExecute(ctx context.Context, key CircuitKey) CircuitDecision {
	res, err := canExecuteScript.Run(ctx, b.client, []string{key.cacheKey()},
		b.now().UnixMilli(),
		breakerCooldowns[0].Milliseconds(),
		breakerCooldowns[1].Milliseconds(),
		breakerCooldowns[2].Milliseconds(),
		int(breakerTTL.Seconds()),
	).Slice()
	if err != nil {
		b.logger.Warn("circuit breaker cache unavailable; failing open",
			"workspace_id", key.WorkspaceID,
			"hostname", key.Hostname,
			"provider", key.Provider,
			"error", err)
		return CircuitDecision{Allowed: true, State: CircuitClosed}
	}
	if len(res) != 3 {
		return CircuitDecision{Allowed: true, State: CircuitClosed}
	}

	allowed, _ := res[0].(int64)
	stateName, _ := res[1].(string)
	remaining, _ := res[2].(int64)

	d := CircuitDecision{Allowed: allowed == 1, State: CircuitStateName(stateName), RemainingMs: remaining}
	if !d.Allowed && d.State == CircuitOpen {
		b.logger.Debug("circuit open; rejecting fetch",
			"workspace_id", key.WorkspaceID,
			"hostname", key.Hostname,
			"provider", key.Provider,
			"remaining_s", remaining/1000)
	}
	return d
}

// RecordOutcome feeds a fetch outcome to the breaker. Outcomes outside the
// failure set (ok, rate_limited, preferred_unavailable, interstitial_geo and
// anything unknown) count as successes or are ignored.
func (b *CircuitBreaker) RecordOutcome(ctx context.Context, key CircuitKey, outcome model.Outcome) {
	if outcome == model.OutcomeOK {
		b.record(ctx, key, true)
		return
	}
	if outcome.CountsAsBreakerFailure() {
		b.record(ctx, key, false)
	}
}

func (b *CircuitBreaker) record(ctx context.Context, key CircuitKey, success bool) {
	successFlag := "0"
	if success {
		successFlag = "1"
	}
	raw, err := recordResultScript.Run(ctx, b.client, []string{key.cacheKey()},
		successFlag,
		b.now().UnixMilli(),
		breakerFailureWindow.Milliseconds(),
		breakerFailureThreshold,
		int(breakerTTL.Seconds()),
	).Text()
	if err != nil {
		b.logger.Warn("circuit breaker record failed",
			"workspace_id", key.WorkspaceID,
			"hostname", key.Hostname,
			"provider", key.Provider,
			"error", err)
		return
	}

	var st CircuitState
	if jsonErr := json.Unmarshal([]byte(raw), &st); jsonErr == nil && st.State == CircuitOpen && !success {
		b.logger.Info("circuit opened",
			"workspace_id", key.WorkspaceID,
			"hostname", key.Hostname,
			"provider", key.Provider,
			"open_count", st.OpenCount,
			"cooldown", CooldownFor(st.OpenCount))
	}
}

// State reads the persisted state for observability and tests.
func (b *CircuitBreaker) State(ctx context.Context, key CircuitKey) (*CircuitState, error) {
	raw, err := b.client.Get(ctx, key.cacheKey()).Bytes()
	if err != nil {
		if err == redis.Nil {
			return &CircuitState{State: CircuitClosed}, nil
		}
		return nil, err
	}
	var st CircuitState
	if jsonErr := json.Unmarshal(raw, &st); jsonErr != nil {
		return nil, jsonErr
	}
	return &st, nil
}
