package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pagewatch/pagewatch/internal/domain/model"
)

// dedupeBucket is the collapse window for identical alerts.
const dedupeBucket = 5 * time.Minute

// AlertDraft is the composed alert content before persistence.
type AlertDraft struct {
	DedupeKey   string
	Severity    model.Severity
	Title       string
	Body        string
	TriggeredAt time.Time
}

// AlertGenerator composes alert title, body, severity rollup and the
// canonical dedupe key.
type AlertGenerator struct {
	now func() time.Time
}

// NewAlertGenerator creates an AlertGenerator.
func NewAlertGenerator(now func() time.Time) *AlertGenerator {
	if now == nil {
		now = time.Now
	}
	return &AlertGenerator{now: now}
}

// GenerateAlertParams groups the inputs to Generate.
type GenerateAlertParams struct {
	Rule        *model.Rule
	Fired       []model.AlertCondition
	Value       *model.NormalizedValue
	DiffSummary string
}

// Generate builds the draft for one triggered alert.
func (g *AlertGenerator) Generate(params GenerateAlertParams) AlertDraft {
	now := g.now()
	return AlertDraft{
		DedupeKey:   DedupeKey(params.Rule.ID, params.Fired, params.Value, now),
		Severity:    rollupSeverity(params.Fired),
		Title:       alertTitle(params.Rule, params.Fired),
		Body:        alertBody(params, now),
		TriggeredAt: now,
	}
}

// DedupeKey is sha256(ruleId | sortedConditionTypes | stableJSON(value) |
// floor(now/300s)), truncated to 16 hex chars. Deterministic for identical
// inputs within one 5-minute bucket.
func DedupeKey(ruleID string, fired []model.AlertCondition, value *model.NormalizedValue, now time.Time) string {
	types := make([]string, 0, len(fired))
	for _, c := range fired {
		types = append(types, string(c.Type))
	}
	sort.Strings(types)

	stable := value.CanonicalJSON()

	bucket := now.Unix() / int64(dedupeBucket.Seconds())
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%d", ruleID, strings.Join(types, ","), stable, bucket))
	return hex.EncodeToString(sum[:])[:16]
}

// rollupSeverity returns the highest severity among the fired conditions,
// defaulting to info.
func rollupSeverity(fired []model.AlertCondition) model.Severity {
	highest := model.SeverityInfo
	for _, c := range fired {
		if c.Severity.Rank() > highest.Rank() {
			highest = c.Severity
		}
	}
	return highest
}

// alertTitle picks a short phrase by the primary (first fired) condition type.
func alertTitle(rule *model.Rule, fired []model.AlertCondition) string {
	name := rule.Name
	if name == "" {
		name = rule.URL
	}
	if len(fired) == 0 {
		return fmt.Sprintf("Change detected: %s", name)
	}

	switch fired[0].Type {
	case model.ConditionPriceBelow:
		return fmt.Sprintf("Price below %s: %s", formatThreshold(fired[0].Value), name)
	case model.ConditionPriceAbove:
		return fmt.Sprintf("Price above %s: %s", formatThreshold(fired[0].Value), name)
	case model.ConditionPriceDropPercent:
		return fmt.Sprintf("Price dropped over %s%%: %s", formatThreshold(fired[0].Value), name)
	case model.ConditionPriceIncreasePercent:
		return fmt.Sprintf("Price rose over %s%%: %s", formatThreshold(fired[0].Value), name)
	case model.ConditionBackInStock:
		return fmt.Sprintf("Back in stock: %s", name)
	case model.ConditionAvailabilityChanged:
		return fmt.Sprintf("Availability changed: %s", name)
	case model.ConditionNumberAbove:
		return fmt.Sprintf("Value above %s: %s", formatThreshold(fired[0].Value), name)
	case model.ConditionNumberBelow:
		return fmt.Sprintf("Value below %s: %s", formatThreshold(fired[0].Value), name)
	case model.ConditionNumberChangePercent:
		return fmt.Sprintf("Value changed over %s%%: %s", formatThreshold(fired[0].Value), name)
	case model.ConditionTextChanged:
		return fmt.Sprintf("Text changed: %s", name)
	case model.ConditionJSONChanged:
		return fmt.Sprintf("Field changed: %s", name)
	default:
		return fmt.Sprintf("Alert: %s", name)
	}
}

func formatThreshold(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}

// alertBody is a plain-text multi-line composition for notification channels.
func alertBody(params GenerateAlertParams, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Rule: %s\n", params.Rule.Name)
	fmt.Fprintf(&b, "URL: %s\n", params.Rule.URL)
	if params.DiffSummary != "" {
		fmt.Fprintf(&b, "Change: %s\n", params.DiffSummary)
	}
	if params.Value != nil {
		fmt.Fprintf(&b, "Current value: %s\n", params.Value.Format())
	}

	if len(params.Fired) > 0 {
		b.WriteString("Triggered conditions:\n")
		for _, c := range params.Fired {
			fmt.Fprintf(&b, "  - %s (%s)\n", conditionLabel(c), c.Severity)
		}
	}

	fmt.Fprintf(&b, "Time: %s\n", now.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Rule ID: %s", params.Rule.ID)
	return b.String()
}

func conditionLabel(c model.AlertCondition) string {
	switch c.Type {
	case model.ConditionPriceBelow, model.ConditionNumberBelow:
		return fmt.Sprintf("%s %s", c.Type, formatThreshold(c.Value))
	case model.ConditionPriceAbove, model.ConditionNumberAbove:
		return fmt.Sprintf("%s %s", c.Type, formatThreshold(c.Value))
	case model.ConditionPriceDropPercent, model.ConditionPriceIncreasePercent, model.ConditionNumberChangePercent:
		return fmt.Sprintf("%s %s%%", c.Type, formatThreshold(c.Value))
	default:
		return string(c.Type)
	}
}
