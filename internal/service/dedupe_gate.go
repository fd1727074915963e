package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pagewatch/pagewatch/internal/core"
	"github.com/pagewatch/pagewatch/internal/domain/model"
)

// DedupeDecision is the gate verdict for one candidate alert.
type DedupeDecision struct {
	Allowed bool
	Reason  string
}

// DedupeGate decides whether a triggered condition set becomes an alert:
// key uniqueness first, then the per-rule cooldown.
type DedupeGate struct {
	alerts core.AlertRepository
	logger *slog.Logger
	now    func() time.Time
}

// DedupeGateOptions configures a DedupeGate.
type DedupeGateOptions struct {
	Alerts core.AlertRepository
	Logger *slog.Logger
	Now    func() time.Time
}

// NewDedupeGate creates a DedupeGate.
func NewDedupeGate(opts DedupeGateOptions) *DedupeGate {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &DedupeGate{alerts: opts.Alerts, logger: logger, now: now}
}

// Decide runs the two checks, short-circuiting on the first denial. Lookup
// errors allow: the unique constraint on dedupe_key is the hard backstop.
func (g *DedupeGate) Decide(ctx context.Context, rule *model.Rule, dedupeKey string) DedupeDecision {
	now := g.now()

	existing, err := g.alerts.GetByDedupeKey(ctx, dedupeKey)
	if err != nil {
		g.logger.WarnContext(ctx, "dedupe key lookup failed; allowing",
			"rule_id", rule.ID, "dedupe_key", dedupeKey, "error", err)
	} else if existing != nil {
		age := now.Sub(existing.TriggeredAt).Round(time.Second)
		return DedupeDecision{Reason: fmt.Sprintf("duplicate (age: %ds)", int(age.Seconds()))}
	}

	if rule.CooldownSeconds > 0 {
		last, err := g.alerts.LastTriggeredAt(ctx, rule.ID)
		if err != nil {
			g.logger.WarnContext(ctx, "cooldown lookup failed; allowing",
				"rule_id", rule.ID, "error", err)
		} else if last != nil {
			cooldown := time.Duration(rule.CooldownSeconds) * time.Second
			elapsed := now.Sub(*last)
			if elapsed < cooldown {
				remaining := cooldown - elapsed
				return DedupeDecision{Reason: fmt.Sprintf("cooldown active (%ds remaining)", int(remaining.Seconds()))}
			}
		}
	}

	return DedupeDecision{Allowed: true}
}
