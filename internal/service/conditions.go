package service

import (
	"github.com/pagewatch/pagewatch/internal/domain/model"
)

// EvaluateConditions returns the rule conditions that fire for the new value.
// Diff-relative conditions (percent deltas, availability transitions) need the
// old value and stay silent when there is none.
func EvaluateConditions(rule *model.Rule, oldValue, newValue *model.NormalizedValue) []model.AlertCondition {
	if newValue == nil {
		return nil
	}

	var fired []model.AlertCondition
	for _, cond := range rule.Conditions {
		if conditionFires(cond, oldValue, newValue) {
			fired = append(fired, cond)
		}
	}
	return fired
}

func conditionFires(cond model.AlertCondition, oldValue, newValue *model.NormalizedValue) bool {
	switch cond.Type {
	case model.ConditionPriceBelow:
		low, ok := priceLow(newValue)
		return ok && low < cond.Value
	case model.ConditionPriceAbove:
		low, ok := priceLow(newValue)
		return ok && low > cond.Value
	case model.ConditionPriceDropPercent:
		return percentDelta(oldValue, newValue, priceLow, -cond.Value)
	case model.ConditionPriceIncreasePercent:
		return percentDelta(oldValue, newValue, priceLow, cond.Value)
	case model.ConditionAvailabilityChanged:
		return oldValue != nil && oldValue.Status != newValue.Status
	case model.ConditionBackInStock:
		return newValue.Status == model.AvailabilityInStock &&
			oldValue != nil && oldValue.Status != model.AvailabilityInStock
	case model.ConditionNumberAbove:
		n, ok := numberOf(newValue)
		return ok && n > cond.Value
	case model.ConditionNumberBelow:
		n, ok := numberOf(newValue)
		return ok && n < cond.Value
	case model.ConditionNumberChangePercent:
		return percentMagnitude(oldValue, newValue, numberOf, cond.Value)
	case model.ConditionTextChanged:
		return oldValue != nil && oldValue.Snippet != newValue.Snippet
	case model.ConditionJSONChanged:
		return jsonDiffers(oldValue, newValue)
	default:
		return false
	}
}

func priceLow(v *model.NormalizedValue) (float64, bool) {
	return v.PriceLow()
}

func numberOf(v *model.NormalizedValue) (float64, bool) {
	if v == nil || v.Number == nil {
		return 0, false
	}
	return *v.Number, true
}

// percentDelta fires when the signed percent change from old to new crosses
// threshold: negative thresholds catch drops, positive catch increases.
func percentDelta(oldValue, newValue *model.NormalizedValue, extract func(*model.NormalizedValue) (float64, bool), threshold float64) bool {
	oldN, okOld := extract(oldValue)
	newN, okNew := extract(newValue)
	if !okOld || !okNew || oldN == 0 {
		return false
	}
	change := (newN - oldN) / oldN * 100
	if threshold < 0 {
		return change <= threshold
	}
	return change >= threshold
}

// percentMagnitude fires when the absolute percent change reaches threshold.
func percentMagnitude(oldValue, newValue *model.NormalizedValue, extract func(*model.NormalizedValue) (float64, bool), threshold float64) bool {
	oldN, okOld := extract(oldValue)
	newN, okNew := extract(newValue)
	if !okOld || !okNew || oldN == 0 {
		return false
	}
	change := (newN - oldN) / oldN * 100
	if change < 0 {
		change = -change
	}
	return change >= threshold
}

func jsonDiffers(oldValue, newValue *model.NormalizedValue) bool {
	if oldValue == nil {
		return false
	}
	return oldValue.CanonicalJSON() != newValue.CanonicalJSON()
}
