package service

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pagewatch/pagewatch/internal/domain/model"
)

func availValue(status string) *model.NormalizedValue {
	return &model.NormalizedValue{Kind: model.ValueKindAvailability, Status: status}
}

func TestEvaluateConditions_Price(t *testing.T) {
	rule := &model.Rule{Conditions: []model.AlertCondition{
		{ID: "below", Type: model.ConditionPriceBelow, Value: 500, Severity: model.SeverityWarning},
		{ID: "above", Type: model.ConditionPriceAbove, Value: 1000, Severity: model.SeverityInfo},
		{ID: "drop", Type: model.ConditionPriceDropPercent, Value: 10, Severity: model.SeverityInfo},
		{ID: "rise", Type: model.ConditionPriceIncreasePercent, Value: 10, Severity: model.SeverityInfo},
	}}

	tests := []struct {
		name     string
		oldValue *model.NormalizedValue
		newValue *model.NormalizedValue
		wantIDs  []string
	}{
		{
			name:     "below threshold with big drop",
			oldValue: model.PriceValue(549, "USD"),
			newValue: model.PriceValue(449, "USD"),
			wantIDs:  []string{"below", "drop"},
		},
		{
			name:     "above threshold with big rise",
			oldValue: model.PriceValue(900, "USD"),
			newValue: model.PriceValue(1100, "USD"),
			wantIDs:  []string{"above", "rise"},
		},
		{
			name:     "small move fires nothing",
			oldValue: model.PriceValue(600, "USD"),
			newValue: model.PriceValue(590, "USD"),
			wantIDs:  nil,
		},
		{
			name:     "percent conditions silent without history",
			oldValue: nil,
			newValue: model.PriceValue(449, "USD"),
			wantIDs:  []string{"below"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fired := EvaluateConditions(rule, tt.oldValue, tt.newValue)
			var ids []string
			for _, c := range fired {
				ids = append(ids, c.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestEvaluateConditions_ExactThresholdDoesNotFire(t *testing.T) {
	rule := &model.Rule{Conditions: []model.AlertCondition{
		{ID: "below", Type: model.ConditionPriceBelow, Value: 500, Severity: model.SeverityInfo},
	}}

	fired := EvaluateConditions(rule, nil, model.PriceValue(500, "USD"))
	assert.Empty(t, fired)
}

func TestEvaluateConditions_Availability(t *testing.T) {
	rule := &model.Rule{Conditions: []model.AlertCondition{
		{ID: "changed", Type: model.ConditionAvailabilityChanged, Severity: model.SeverityInfo},
		{ID: "restock", Type: model.ConditionBackInStock, Severity: model.SeverityCritical},
	}}

	fired := EvaluateConditions(rule,
		availValue(model.AvailabilityOutOfStock),
		availValue(model.AvailabilityInStock))
	assert.Len(t, fired, 2)

	fired = EvaluateConditions(rule,
		availValue(model.AvailabilityInStock),
		availValue(model.AvailabilityOutOfStock))
	assert.Len(t, fired, 1)
	assert.Equal(t, "changed", fired[0].ID)

	// Already in stock is not a restock.
	fired = EvaluateConditions(rule,
		availValue(model.AvailabilityInStock),
		availValue(model.AvailabilityInStock))
	assert.Empty(t, fired)

	// First observation has no transition to report.
	fired = EvaluateConditions(rule, nil, availValue(model.AvailabilityInStock))
	assert.Empty(t, fired)
}

func TestEvaluateConditions_Number(t *testing.T) {
	rule := &model.Rule{Conditions: []model.AlertCondition{
		{ID: "above", Type: model.ConditionNumberAbove, Value: 100, Severity: model.SeverityInfo},
		{ID: "pct", Type: model.ConditionNumberChangePercent, Value: 25, Severity: model.SeverityInfo},
	}}

	fired := EvaluateConditions(rule, model.NumberValue(80), model.NumberValue(120))
	assert.Len(t, fired, 2)

	// Magnitude check catches drops too.
	fired = EvaluateConditions(rule, model.NumberValue(80), model.NumberValue(50))
	assert.Len(t, fired, 1)
	assert.Equal(t, "pct", fired[0].ID)
}

func TestEvaluateConditions_TextAndJSON(t *testing.T) {
	textRule := &model.Rule{Conditions: []model.AlertCondition{
		{ID: "text", Type: model.ConditionTextChanged, Severity: model.SeverityInfo},
	}}

	fired := EvaluateConditions(textRule, model.TextValue("old terms"), model.TextValue("new terms"))
	assert.Len(t, fired, 1)

	fired = EvaluateConditions(textRule, model.TextValue("same"), model.TextValue("same"))
	assert.Empty(t, fired)

	jsonRule := &model.Rule{Conditions: []model.AlertCondition{
		{ID: "json", Type: model.ConditionJSONChanged, Severity: model.SeverityInfo},
	}}
	oldJSON := &model.NormalizedValue{Kind: model.ValueKindJSON, Raw: json.RawMessage(`{"a":1,"b":2}`)}
	sameJSON := &model.NormalizedValue{Kind: model.ValueKindJSON, Raw: json.RawMessage(`{"b": 2, "a": 1}`)}
	newJSON := &model.NormalizedValue{Kind: model.ValueKindJSON, Raw: json.RawMessage(`{"a":1,"b":3}`)}

	// Key order does not count as a change.
	assert.Empty(t, EvaluateConditions(jsonRule, oldJSON, sameJSON))
	assert.Len(t, EvaluateConditions(jsonRule, oldJSON, newJSON), 1)
	assert.Empty(t, EvaluateConditions(jsonRule, nil, newJSON))
}

func TestEvaluateConditions_NilNewValue(t *testing.T) {
	rule := &model.Rule{Conditions: []model.AlertCondition{
		{ID: "text", Type: model.ConditionTextChanged, Severity: model.SeverityInfo},
	}}
	assert.Nil(t, EvaluateConditions(rule, model.TextValue("x"), nil))
}
