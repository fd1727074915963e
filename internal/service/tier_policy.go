package service

import (
	"time"

	"github.com/pagewatch/pagewatch/internal/domain/model"
	"github.com/pagewatch/pagewatch/internal/service/fetch"
)

// Tier names carried on rules.
const (
	TierFree = "free"
	TierPlus = "plus"
	TierPro  = "pro"
)

// FetchPolicy is the resolved per-run fetch envelope handed to the
// orchestrator.
type FetchPolicy struct {
	AllowPaid         bool
	MaxAttemptsPerRun int
	Timeout           time.Duration
	Budget            *fetch.BudgetPolicy
}

// TierPolicyResolver maps a rule's tier onto a fetch policy. Behind the
// TIER_POLICY_ENABLED flag; when the canary list is non-empty only those
// workspaces get tiered policies and everyone else keeps the legacy default.
type TierPolicyResolver struct {
	enabled  bool
	canaryWS map[string]bool
}

// TierPolicyOptions configures a TierPolicyResolver.
type TierPolicyOptions struct {
	Enabled            bool
	CanaryWorkspaceIDs []string
}

// NewTierPolicyResolver creates a TierPolicyResolver.
func NewTierPolicyResolver(opts TierPolicyOptions) *TierPolicyResolver {
	canary := make(map[string]bool, len(opts.CanaryWorkspaceIDs))
	for _, id := range opts.CanaryWorkspaceIDs {
		if id != "" {
			canary[id] = true
		}
	}
	return &TierPolicyResolver{enabled: opts.Enabled, canaryWS: canary}
}

// Resolve returns the fetch policy for one rule, merging tier defaults with
// the rule's own fetch profile.
func (r *TierPolicyResolver) Resolve(rule *model.Rule) FetchPolicy {
	policy := legacyPolicy()
	if r.enabled && (len(r.canaryWS) == 0 || r.canaryWS[rule.WorkspaceID]) {
		policy = tierPolicy(rule.Tier)
	}

	if rule.Fetch.TimeoutMs > 0 {
		policy.Timeout = time.Duration(rule.Fetch.TimeoutMs) * time.Millisecond
	}
	return policy
}

// legacyPolicy is the pre-tier behavior: paid access for everyone.
func legacyPolicy() FetchPolicy {
	return FetchPolicy{
		AllowPaid:         true,
		MaxAttemptsPerRun: 3,
		Timeout:           30 * time.Second,
	}
}

func tierPolicy(tier string) FetchPolicy {
	switch tier {
	case TierPro:
		return FetchPolicy{
			AllowPaid:         true,
			MaxAttemptsPerRun: 4,
			Timeout:           45 * time.Second,
			Budget: &fetch.BudgetPolicy{
				WorkspaceDailyUSD: 20.0,
				HostnameDailyUSD:  8.0,
				RuleDailyUSD:      4.0,
			},
		}
	case TierPlus:
		return FetchPolicy{
			AllowPaid:         true,
			MaxAttemptsPerRun: 3,
			Timeout:           30 * time.Second,
			Budget: &fetch.BudgetPolicy{
				WorkspaceDailyUSD: 5.0,
				HostnameDailyUSD:  2.0,
				RuleDailyUSD:      1.0,
			},
		}
	default:
		// Free tier stays on free providers.
		return FetchPolicy{
			AllowPaid:         false,
			MaxAttemptsPerRun: 2,
			Timeout:           30 * time.Second,
		}
	}
}
