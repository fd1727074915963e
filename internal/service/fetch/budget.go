package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pagewatch/pagewatch/internal/core"
	"github.com/pagewatch/pagewatch/internal/domain/model"
)

// BudgetPolicy is the advisory cap set for paid spend over a rolling 24h
// window. Zero caps mean unlimited.
type BudgetPolicy struct {
	WorkspaceDailyUSD float64
	HostnameDailyUSD  float64
	RuleDailyUSD      float64
}

// DefaultBudgetPolicy is the shipped cap set for workspaces without an
// explicit policy.
func DefaultBudgetPolicy() BudgetPolicy {
	return BudgetPolicy{
		WorkspaceDailyUSD: 5.0,
		HostnameDailyUSD:  2.0,
		RuleDailyUSD:      1.0,
	}
}

// ProviderCostUSD is the projected spend of one attempt per paid provider.
//
//nolint:gochecknoglobals // fixed cost table
var ProviderCostUSD = map[model.ProviderID]float64{
	model.ProviderBrightData:       0.0015,
	model.ProviderScrapingBrowser:  0.01,
	model.ProviderTwoCaptchaProxy:  0.003,
	model.ProviderTwoCaptchaDatad:  0.003,
}

// BudgetDecision reports whether a paid attempt may spend now.
type BudgetDecision struct {
	CanSpendPaid bool
	Reason       string
}

// BudgetGuard denies paid attempts whose projected spend would exceed a
// workspace, hostname or rule cap over the rolling window. Free providers
// bypass it entirely.
type BudgetGuard struct {
	stats  core.DomainStatsRepository
	logger *slog.Logger
	now    func() time.Time
	window time.Duration
}

// BudgetGuardOptions configures a BudgetGuard.
type BudgetGuardOptions struct {
	Stats  core.DomainStatsRepository
	Logger *slog.Logger
	Now    func() time.Time
	// Window overrides the rolling 24h spend window (tests).
	Window time.Duration
}

// NewBudgetGuard creates a BudgetGuard.
func NewBudgetGuard(opts BudgetGuardOptions) *BudgetGuard {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	window := opts.Window
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &BudgetGuard{stats: opts.Stats, logger: logger, now: now, window: window}
}

// BudgetCheckParams groups parameters for CanSpend.
type BudgetCheckParams struct {
	WorkspaceID string
	Hostname    string
	RuleID      string
	Provider    model.ProviderID
	Policy      *BudgetPolicy
}

// CanSpend returns whether the next attempt on the paid provider fits under
// every configured cap. A read error denies: the guard is the cost backstop
// behind the fail-open semaphore, so it errs on the side of not spending.
func (g *BudgetGuard) CanSpend(ctx context.Context, params BudgetCheckParams) BudgetDecision {
	if !params.Provider.Paid() {
		return BudgetDecision{CanSpendPaid: true}
	}

	policy := DefaultBudgetPolicy()
	if params.Policy != nil {
		policy = *params.Policy
	}

	projected := ProviderCostUSD[params.Provider]
	since := g.now().Add(-g.window)

	if policy.WorkspaceDailyUSD > 0 {
		spent, err := g.stats.CostSince(ctx, core.CostWindowParams{
			WorkspaceID: params.WorkspaceID,
			Since:       since,
		})
		if err != nil {
			return g.denyOnError(params, err)
		}
		if spent+projected > policy.WorkspaceDailyUSD {
			return BudgetDecision{Reason: fmt.Sprintf("workspace daily cap %.2f USD reached (spent %.4f)", policy.WorkspaceDailyUSD, spent)}
		}
	}

	if policy.HostnameDailyUSD > 0 {
		spent, err := g.stats.CostSince(ctx, core.CostWindowParams{
			WorkspaceID: params.WorkspaceID,
			Hostname:    params.Hostname,
			Since:       since,
		})
		if err != nil {
			return g.denyOnError(params, err)
		}
		if spent+projected > policy.HostnameDailyUSD {
			return BudgetDecision{Reason: fmt.Sprintf("hostname daily cap %.2f USD reached for %s (spent %.4f)", policy.HostnameDailyUSD, params.Hostname, spent)}
		}
	}

	if policy.RuleDailyUSD > 0 {
		spent, err := g.stats.CostSince(ctx, core.CostWindowParams{
			WorkspaceID: params.WorkspaceID,
			RuleID:      params.RuleID,
			Since:       since,
		})
		if err != nil {
			return g.denyOnError(params, err)
		}
		if spent+projected > policy.RuleDailyUSD {
			return BudgetDecision{Reason: fmt.Sprintf("rule daily cap %.2f USD reached (spent %.4f)", policy.RuleDailyUSD, spent)}
		}
	}

	return BudgetDecision{CanSpendPaid: true}
}

func (g *BudgetGuard) denyOnError(params BudgetCheckParams, err error) BudgetDecision {
	g.logger.Warn("budget read failed; denying paid spend",
		"workspace_id", params.WorkspaceID,
		"hostname", params.Hostname,
		"provider", params.Provider,
		"error", err)
	return BudgetDecision{Reason: "budget unavailable"}
}
