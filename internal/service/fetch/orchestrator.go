package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pagewatch/pagewatch/internal/domain/classify"
	"github.com/pagewatch/pagewatch/internal/domain/model"
)

const (
	// rawSampleBytes is how much of a problem response we keep for debugging.
	rawSampleBytes = 50 << 10

	defaultMaxAttemptsPerRun = 3
)

// SignalBudgetExceeded and friends tag synthesized results when no provider ran.
const (
	SignalBudgetExceeded       = "budget_exceeded"
	SignalCircuitBreakerOpen   = "circuit_breaker_open"
	SignalNoProvidersAvailable = "no_providers_available"
)

// FetchRequest is the orchestrator input for one rule run.
type FetchRequest struct {
	WorkspaceID string
	RuleID      string
	URL         string
	Hostname    string

	Headers          map[string]string
	UserAgent        string
	Timeout          time.Duration
	RenderWait       time.Duration
	FlareSolverrWait time.Duration

	PreferredProvider         model.ProviderID
	DisabledProviders         []model.ProviderID
	StopAfterPreferredFailure bool
	GeoCountry                string
}

// OrchestratorConfig is the per-run policy envelope.
type OrchestratorConfig struct {
	MaxAttemptsPerRun int
	AllowPaid         bool
	BudgetPolicy      *BudgetPolicy
}

// FetchResult is the synthesized outcome of one orchestrated run. When at
// least one provider ran, it mirrors the last attempt; otherwise it is
// synthesized from the skip reasons.
type FetchResult struct {
	Outcome     model.Outcome
	BlockKind   model.BlockKind
	Signals     []string
	HTTPStatus  int
	Body        []byte
	ContentType string
	FinalURL    string
	LatencyMs   int64
	// GeoCountry is the exit country of the successful attempt, for
	// currency-stable extraction downstream.
	GeoCountry string
	// SuggestedWaitMs accompanies a synthesized rate_limited outcome.
	SuggestedWaitMs int64
	// RawSample is the first part of the first problem body, for debugging.
	RawSample []byte
	Attempts  []*model.FetchAttempt
}

// skipTally records why candidates were passed over without running.
type skipTally struct {
	rateLimit      int
	concurrency    int
	budget         int
	circuitBreaker int
	maxWaitMs      int64
}

func (s *skipTally) noteWait(waitMs int64) {
	if waitMs > s.maxWaitMs {
		s.maxWaitMs = waitMs
	}
}

// Orchestrator walks the provider candidate list for one fetch, applying the
// breaker, rate limit, budget and concurrency gates in order, classifying
// each raw result and recording every attempt in the ledger.
type Orchestrator struct {
	registry  *ProviderRegistry
	breaker   *CircuitBreaker
	limiter   *RateLimiter
	budget    *BudgetGuard
	semaphore *Semaphore
	attempts  *AttemptLogger
	logger    *slog.Logger
	now       func() time.Time
}

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	Registry  *ProviderRegistry
	Breaker   *CircuitBreaker
	Limiter   *RateLimiter
	Budget    *BudgetGuard
	Semaphore *Semaphore
	Attempts  *AttemptLogger
	Logger    *slog.Logger
	Now       func() time.Time
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		registry:  opts.Registry,
		breaker:   opts.Breaker,
		limiter:   opts.Limiter,
		budget:    opts.Budget,
		semaphore: opts.Semaphore,
		attempts:  opts.Attempts,
		logger:    logger,
		now:       now,
	}
}

// Fetch runs the candidate loop for one rule and returns the synthesized
// result. Provider calls are sequential; the candidate order is the policy.
func (o *Orchestrator) Fetch(ctx context.Context, req FetchRequest, cfg OrchestratorConfig) *FetchResult {
	maxAttempts := cfg.MaxAttemptsPerRun
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttemptsPerRun
	}

	candidates := o.candidates(req, cfg)

	if req.StopAfterPreferredFailure && req.PreferredProvider != "" && !containsProvider(candidates, req.PreferredProvider) {
		return o.preferredUnavailable(ctx, req)
	}

	result := &FetchResult{}
	var tally skipTally

	for _, provider := range candidates {
		if len(result.Attempts) >= maxAttempts {
			break
		}

		proceed := o.applyGates(ctx, req, cfg, provider.ID(), &tally)
		if !proceed.allowed {
			continue
		}

		attempt := o.invoke(ctx, req, provider)
		if proceed.lease != nil {
			proceed.lease.Release(ctx)
		}

		result.Attempts = append(result.Attempts, attempt.row)
		o.fold(result, attempt)

		if attempt.row.Outcome == model.OutcomeOK && len(attempt.body) > 0 {
			break
		}
		if req.StopAfterPreferredFailure && provider.ID() == req.PreferredProvider {
			break
		}
	}

	if len(result.Attempts) == 0 {
		o.synthesize(result, tally)
	}
	return result
}

// gateDecision is the outcome of the pre-invoke gate chain.
type gateDecision struct {
	allowed bool
	lease   *Lease
}

// applyGates runs the four admission gates in their fixed order, updating
// the tally on every denial.
func (o *Orchestrator) applyGates(ctx context.Context, req FetchRequest, cfg OrchestratorConfig, provider model.ProviderID, tally *skipTally) gateDecision {
	cbKey := CircuitKey{WorkspaceID: req.WorkspaceID, Hostname: req.Hostname, Provider: provider}
	if decision := o.breaker.CanExecute(ctx, cbKey); !decision.Allowed {
		tally.circuitBreaker++
		o.logger.DebugContext(ctx, "candidate skipped by circuit breaker",
			"rule_id", req.RuleID, "provider", provider, "remaining_ms", decision.RemainingMs)
		return gateDecision{}
	}

	if decision := o.limiter.Consume(ctx, provider, req.Hostname); !decision.Allowed {
		tally.rateLimit++
		tally.noteWait(decision.WaitMs)
		o.logger.DebugContext(ctx, "candidate skipped by rate limit",
			"rule_id", req.RuleID, "provider", provider, "wait_ms", decision.WaitMs)
		return gateDecision{}
	}

	if provider.Paid() {
		budget := o.budget.CanSpend(ctx, BudgetCheckParams{
			WorkspaceID: req.WorkspaceID,
			Hostname:    req.Hostname,
			RuleID:      req.RuleID,
			Provider:    provider,
			Policy:      cfg.BudgetPolicy,
		})
		if !budget.CanSpendPaid {
			tally.budget++
			o.logger.InfoContext(ctx, "candidate skipped by budget guard",
				"rule_id", req.RuleID, "provider", provider, "reason", budget.Reason)
			return gateDecision{}
		}

		if o.semaphore.Limits(provider).HasLimits() {
			acquired := o.semaphore.TryAcquire(ctx, provider, req.Hostname)
			if !acquired.Acquired {
				tally.concurrency++
				tally.noteWait(acquired.WaitMs)
				o.logger.DebugContext(ctx, "candidate skipped by concurrency limit",
					"rule_id", req.RuleID, "provider", provider, "in_flight", acquired.CurrentCount)
				return gateDecision{}
			}
			return gateDecision{allowed: true, lease: acquired.Lease}
		}
	}

	return gateDecision{allowed: true}
}

// invokedAttempt pairs the persisted ledger row with the transient body.
type invokedAttempt struct {
	row     *model.FetchAttempt
	body    []byte
	geo     string
	status  int
	ctype   string
	final   string
	signals []string
}

// invoke calls one provider, classifies the raw result, records the attempt
// and feeds the breaker. Panics inside a provider adapter become
// provider_error attempts.
func (o *Orchestrator) invoke(ctx context.Context, req FetchRequest, provider Provider) invokedAttempt {
	start := o.now()

	raw, err := o.safeFetch(ctx, req, provider)
	latency := o.now().Sub(start).Milliseconds()
	if err != nil {
		raw = &ProviderResult{ErrorDetail: fmt.Sprintf("provider panic or failure: %v", err)}
	}

	classified := classify.Classify(classify.Input{
		HTTPStatus:  raw.HTTPStatus,
		Body:        string(raw.Body),
		ContentType: raw.ContentType,
		ErrorDetail: raw.ErrorDetail,
	})

	row := &model.FetchAttempt{
		WorkspaceID: req.WorkspaceID,
		RuleID:      req.RuleID,
		URL:         req.URL,
		Hostname:    req.Hostname,
		Provider:    provider.ID(),
		Outcome:     classified.Outcome,
		BlockKind:   classified.BlockKind,
		HTTPStatus:  raw.HTTPStatus,
		FinalURL:    raw.FinalURL,
		BodyBytes:   len(raw.Body),
		ContentType: raw.ContentType,
		LatencyMs:   latency,
		Signals:     classified.Signals,
		ErrorDetail: raw.ErrorDetail,
		CostUSD:     raw.CostUSD,
		CostUnits:   raw.CostUnits,
		CreatedAt:   start,
	}
	if classified.Outcome.Problem() && len(raw.Body) > 0 {
		row.RawSample = sampleBody(raw.Body)
	}

	o.attempts.LogAttempt(ctx, row)
	o.breaker.RecordOutcome(ctx, CircuitKey{
		WorkspaceID: req.WorkspaceID,
		Hostname:    req.Hostname,
		Provider:    provider.ID(),
	}, classified.Outcome)

	return invokedAttempt{
		row:     row,
		body:    raw.Body,
		geo:     raw.GeoCountry,
		status:  raw.HTTPStatus,
		ctype:   raw.ContentType,
		final:   raw.FinalURL,
		signals: classified.Signals,
	}
}

func (o *Orchestrator) safeFetch(ctx context.Context, req FetchRequest, provider Provider) (result *ProviderResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("panic in provider %s: %v", provider.ID(), r)
			o.logger.ErrorContext(ctx, "provider panicked",
				"provider", provider.ID(), "rule_id", req.RuleID, "panic", r)
		}
	}()

	result, err = provider.Fetch(ctx, Request{
		URL:              req.URL,
		Hostname:         req.Hostname,
		Headers:          req.Headers,
		UserAgent:        req.UserAgent,
		Timeout:          req.Timeout,
		RenderWait:       req.RenderWait,
		FlareSolverrWait: req.FlareSolverrWait,
		GeoCountry:       req.GeoCountry,
	})
	if result == nil && err == nil {
		err = fmt.Errorf("provider %s returned no result", provider.ID())
	}
	return result, err
}

// fold mirrors the latest attempt onto the running result.
func (o *Orchestrator) fold(result *FetchResult, attempt invokedAttempt) {
	result.Outcome = attempt.row.Outcome
	result.BlockKind = attempt.row.BlockKind
	result.Signals = attempt.signals
	result.HTTPStatus = attempt.status
	result.ContentType = attempt.ctype
	result.FinalURL = attempt.final
	result.LatencyMs = attempt.row.LatencyMs

	if attempt.row.Outcome == model.OutcomeOK {
		result.Body = attempt.body
		result.GeoCountry = attempt.geo
		return
	}
	if len(attempt.body) > 0 && result.RawSample == nil {
		result.RawSample = sampleBody(attempt.body)
	}
}

// synthesize builds the final result when no provider ran at all.
func (o *Orchestrator) synthesize(result *FetchResult, tally skipTally) {
	switch {
	case tally.rateLimit > 0 || tally.concurrency > 0:
		result.Outcome = model.OutcomeRateLimited
		result.SuggestedWaitMs = tally.maxWaitMs
	case tally.budget > 0:
		result.Outcome = model.OutcomeNetworkError
		result.Signals = []string{SignalBudgetExceeded}
	case tally.circuitBreaker > 0:
		result.Outcome = model.OutcomeNetworkError
		result.Signals = []string{SignalCircuitBreakerOpen}
	default:
		result.Outcome = model.OutcomeNetworkError
		result.Signals = []string{SignalNoProvidersAvailable}
	}
}

// preferredUnavailable synthesizes and logs the single early-exit attempt.
func (o *Orchestrator) preferredUnavailable(ctx context.Context, req FetchRequest) *FetchResult {
	row := &model.FetchAttempt{
		WorkspaceID: req.WorkspaceID,
		RuleID:      req.RuleID,
		URL:         req.URL,
		Hostname:    req.Hostname,
		Provider:    req.PreferredProvider,
		Outcome:     model.OutcomePreferredUnavailable,
		CreatedAt:   o.now(),
	}
	o.attempts.LogAttempt(ctx, row)
	return &FetchResult{
		Outcome:  model.OutcomePreferredUnavailable,
		Attempts: []*model.FetchAttempt{row},
	}
}

// candidates builds the ordered, filtered provider list: free providers in
// fixed order, then paid by cost-effectiveness, preferred moved to the front
// when paid access is allowed.
func (o *Orchestrator) candidates(req FetchRequest, cfg OrchestratorConfig) []Provider {
	disabled := make(map[model.ProviderID]bool, len(req.DisabledProviders))
	for _, id := range req.DisabledProviders {
		disabled[id] = true
	}

	ordered := make([]model.ProviderID, 0, len(model.FreeProviderOrder)+len(model.PaidProviderOrder))
	ordered = append(ordered, model.FreeProviderOrder...)
	if cfg.AllowPaid {
		ordered = append(ordered, model.PaidProviderOrder...)
	}

	if req.PreferredProvider != "" && cfg.AllowPaid {
		front := []model.ProviderID{req.PreferredProvider}
		for _, id := range ordered {
			if id != req.PreferredProvider {
				front = append(front, id)
			}
		}
		ordered = front
	}

	candidates := make([]Provider, 0, len(ordered))
	for _, id := range ordered {
		if disabled[id] || !o.registry.Has(id) {
			continue
		}
		candidates = append(candidates, o.registry.Get(id))
	}
	return candidates
}

func containsProvider(providers []Provider, id model.ProviderID) bool {
	for _, p := range providers {
		if p.ID() == id {
			return true
		}
	}
	return false
}

func sampleBody(body []byte) []byte {
	if len(body) <= rawSampleBytes {
		sample := make([]byte, len(body))
		copy(sample, body)
		return sample
	}
	sample := make([]byte, rawSampleBytes)
	copy(sample, body[:rawSampleBytes])
	return sample
}
