// Package change compares the last stable observation with a freshly
// extracted value and produces a change kind plus a human-readable diff.
package change

import (
	"fmt"
	"strings"

	"github.com/pagewatch/pagewatch/internal/domain/model"
)

// Change is the detector output. Kind is empty when the change is not
// alert-worthy; DiffSummary may still be set for logging (range-only price
// movement).
type Change struct {
	Kind        model.ChangeKind
	DiffSummary string
}

const textPreviewLen = 50

// Detect dispatches on the rule type. A nil old value yields new_value;
// a nil new value with a non-nil old yields value_disappeared.
func Detect(oldValue, newValue *model.NormalizedValue, ruleType model.RuleType) Change {
	if oldValue == nil {
		if newValue == nil {
			return Change{}
		}
		return Change{
			Kind:        model.ChangeKindNewValue,
			DiffSummary: "Initial value: " + newValue.Format(),
		}
	}
	if newValue == nil {
		return Change{
			Kind:        model.ChangeKindValueDisappeared,
			DiffSummary: "Value disappeared (was " + oldValue.Format() + ")",
		}
	}

	switch ruleType {
	case model.RuleTypePrice:
		return detectPrice(oldValue, newValue)
	case model.RuleTypeAvailability:
		return detectAvailability(oldValue, newValue)
	case model.RuleTypeNumber:
		return detectNumber(oldValue, newValue)
	case model.RuleTypeText:
		return detectText(oldValue, newValue)
	case model.RuleTypeJSONField:
		return detectJSON(oldValue, newValue)
	default:
		return Change{}
	}
}

// detectPrice applies low-price-first semantics: the low value drives
// alerting, the high value only annotates the diff.
func detectPrice(oldValue, newValue *model.NormalizedValue) Change {
	oldLow, oldOK := oldValue.PriceLow()
	newLow, newOK := newValue.PriceLow()

	// A currency flip is a different market context; always worth alerting.
	if oldValue.Currency != "" && newValue.Currency != "" && oldValue.Currency != newValue.Currency {
		return Change{
			Kind: model.ChangeKindFormatChanged,
			DiffSummary: fmt.Sprintf("Currency changed: %s %s → %s %s",
				formatPrice(oldLow, oldOK), oldValue.Currency,
				formatPrice(newLow, newOK), newValue.Currency),
		}
	}

	if !oldOK || !newOK {
		return Change{
			Kind:        model.ChangeKindFormatChanged,
			DiffSummary: fmt.Sprintf("Price format changed: %s → %s", oldValue.Format(), newValue.Format()),
		}
	}

	if newLow != oldLow {
		return Change{
			Kind:        model.ChangeKindValueChanged,
			DiffSummary: priceDiffSummary(oldValue, newValue, oldLow, newLow),
		}
	}

	if rangeHighDiffers(oldValue, newValue) {
		// Range-only movement is informational, never alert-worthy.
		return Change{
			DiffSummary: fmt.Sprintf("Price range changed: %s → %s", oldValue.Format(), newValue.Format()),
		}
	}

	return Change{}
}

func priceDiffSummary(oldValue, newValue *model.NormalizedValue, oldLow, newLow float64) string {
	direction := "increased"
	if newLow < oldLow {
		direction = "decreased"
	}
	currency := newValue.Currency
	if currency == "" {
		currency = oldValue.Currency
	}
	summary := fmt.Sprintf("Price %s: %s → %s (%s)",
		direction,
		amountWithCurrency(oldLow, currency),
		amountWithCurrency(newLow, currency),
		percentDelta(oldLow, newLow))
	if rangeHighDiffers(oldValue, newValue) {
		summary += " [range also changed]"
	}
	return summary
}

func rangeHighDiffers(oldValue, newValue *model.NormalizedValue) bool {
	switch {
	case oldValue.ValueHigh == nil && newValue.ValueHigh == nil:
		return false
	case oldValue.ValueHigh == nil || newValue.ValueHigh == nil:
		return true
	default:
		return *oldValue.ValueHigh != *newValue.ValueHigh
	}
}

func detectAvailability(oldValue, newValue *model.NormalizedValue) Change {
	statusChanged := oldValue.Status != newValue.Status
	leadChanged := !intPtrEqual(oldValue.LeadTimeDays, newValue.LeadTimeDays)
	if !statusChanged && !leadChanged {
		return Change{}
	}
	return Change{
		Kind:        model.ChangeKindValueChanged,
		DiffSummary: fmt.Sprintf("Availability changed: %s → %s", oldValue.Format(), newValue.Format()),
	}
}

func detectNumber(oldValue, newValue *model.NormalizedValue) Change {
	if oldValue.Number == nil || newValue.Number == nil {
		return Change{
			Kind:        model.ChangeKindFormatChanged,
			DiffSummary: fmt.Sprintf("Value is no longer numeric: %s → %s", oldValue.Format(), newValue.Format()),
		}
	}
	oldNum, newNum := *oldValue.Number, *newValue.Number
	if oldNum == newNum {
		return Change{}
	}
	return Change{
		Kind: model.ChangeKindValueChanged,
		DiffSummary: fmt.Sprintf("Value changed: %s → %s (%s)",
			oldValue.Format(), newValue.Format(), percentDelta(oldNum, newNum)),
	}
}

func detectText(oldValue, newValue *model.NormalizedValue) Change {
	if newValue.Kind != model.ValueKindText {
		return Change{
			Kind:        model.ChangeKindFormatChanged,
			DiffSummary: "Text value changed shape",
		}
	}
	if oldValue.Snippet == newValue.Snippet {
		return Change{}
	}
	oldWords := len(strings.Fields(oldValue.Snippet))
	newWords := len(strings.Fields(newValue.Snippet))
	return Change{
		Kind: model.ChangeKindValueChanged,
		DiffSummary: fmt.Sprintf("Text changed (%+d words): %q",
			newWords-oldWords, preview(newValue.Snippet)),
	}
}

func detectJSON(oldValue, newValue *model.NormalizedValue) Change {
	if oldValue.CanonicalJSON() == newValue.CanonicalJSON() {
		return Change{}
	}
	return Change{
		Kind: model.ChangeKindValueChanged,
		DiffSummary: fmt.Sprintf("JSON value: %s → %s",
			preview(string(oldValue.Raw)), preview(string(newValue.Raw))),
	}
}

func percentDelta(oldNum, newNum float64) string {
	if oldNum == 0 {
		return "n/a"
	}
	pct := (newNum - oldNum) / oldNum * 100
	return fmt.Sprintf("%+.1f%%", pct)
}

func amountWithCurrency(amount float64, currency string) string {
	s := formatAmount(amount)
	if currency != "" {
		s += " " + currency
	}
	return s
}

func formatPrice(amount float64, ok bool) string {
	if !ok {
		return "(unpriced)"
	}
	return formatAmount(amount)
}

func formatAmount(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%.2f", f)
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= textPreviewLen {
		return s
	}
	return s[:textPreviewLen] + "…"
}

func intPtrEqual(a, b *int) bool {
	switch {
	case a == nil && b == nil:
		return true
	case a == nil || b == nil:
		return false
	default:
		return *a == *b
	}
}
