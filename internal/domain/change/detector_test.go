package change

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pagewatch/pagewatch/internal/domain/model"
)

func price(low float64, currency string) *model.NormalizedValue {
	return model.PriceValue(low, currency)
}

func priceRange(low, high float64, currency string) *model.NormalizedValue {
	v := model.PriceValue(low, currency)
	v.ValueHigh = model.Float64Ptr(high)
	return v
}

func TestDetectNullTransitions(t *testing.T) {
	t.Run("nil old yields new_value", func(t *testing.T) {
		c := Detect(nil, price(999, "USD"), model.RuleTypePrice)
		assert.Equal(t, model.ChangeKindNewValue, c.Kind)
		assert.Contains(t, c.DiffSummary, "Initial value")
	})

	t.Run("nil new yields value_disappeared", func(t *testing.T) {
		c := Detect(price(999, "USD"), nil, model.RuleTypePrice)
		assert.Equal(t, model.ChangeKindValueDisappeared, c.Kind)
	})

	t.Run("both nil yields nothing", func(t *testing.T) {
		c := Detect(nil, nil, model.RuleTypePrice)
		assert.Empty(t, c.Kind)
		assert.Empty(t, c.DiffSummary)
	})
}

func TestDetectPrice(t *testing.T) {
	t.Run("price drop with percent", func(t *testing.T) {
		c := Detect(price(999, "USD"), price(799, "USD"), model.RuleTypePrice)
		assert.Equal(t, model.ChangeKindValueChanged, c.Kind)
		assert.Equal(t, "Price decreased: 999 USD → 799 USD (-20.0%)", c.DiffSummary)
	})

	t.Run("price increase", func(t *testing.T) {
		c := Detect(price(100, "USD"), price(110, "USD"), model.RuleTypePrice)
		assert.Equal(t, model.ChangeKindValueChanged, c.Kind)
		assert.Equal(t, "Price increased: 100 USD → 110 USD (+10.0%)", c.DiffSummary)
	})

	t.Run("currency flip beats numeric comparison", func(t *testing.T) {
		c := Detect(price(100, "EUR"), price(100, "USD"), model.RuleTypePrice)
		assert.Equal(t, model.ChangeKindFormatChanged, c.Kind)
		assert.Contains(t, c.DiffSummary, "EUR")
		assert.Contains(t, c.DiffSummary, "USD")
	})

	t.Run("missing low is format change", func(t *testing.T) {
		broken := &model.NormalizedValue{Kind: model.ValueKindPrice, Currency: "USD"}
		c := Detect(price(100, "USD"), broken, model.RuleTypePrice)
		assert.Equal(t, model.ChangeKindFormatChanged, c.Kind)
	})

	t.Run("range-only change has summary but no kind", func(t *testing.T) {
		c := Detect(priceRange(100, 150, "USD"), priceRange(100, 180, "USD"), model.RuleTypePrice)
		assert.Empty(t, c.Kind)
		assert.NotEmpty(t, c.DiffSummary)
	})

	t.Run("low change with range change annotates", func(t *testing.T) {
		c := Detect(priceRange(100, 150, "USD"), priceRange(90, 180, "USD"), model.RuleTypePrice)
		assert.Equal(t, model.ChangeKindValueChanged, c.Kind)
		assert.Contains(t, c.DiffSummary, "[range also changed]")
	})

	t.Run("no change", func(t *testing.T) {
		c := Detect(price(100, "USD"), price(100, "USD"), model.RuleTypePrice)
		assert.Empty(t, c.Kind)
		assert.Empty(t, c.DiffSummary)
	})

	t.Run("value fallback when value_low missing", func(t *testing.T) {
		legacy := &model.NormalizedValue{Kind: model.ValueKindPrice, Value: model.Float64Ptr(50), Currency: "USD"}
		c := Detect(legacy, price(45, "USD"), model.RuleTypePrice)
		assert.Equal(t, model.ChangeKindValueChanged, c.Kind)
		assert.Contains(t, c.DiffSummary, "decreased")
	})
}

func TestDetectAvailability(t *testing.T) {
	inStock := &model.NormalizedValue{Kind: model.ValueKindAvailability, Status: "in_stock"}
	outOfStock := &model.NormalizedValue{Kind: model.ValueKindAvailability, Status: "out_of_stock"}

	c := Detect(inStock, outOfStock, model.RuleTypeAvailability)
	assert.Equal(t, model.ChangeKindValueChanged, c.Kind)

	c = Detect(inStock, inStock, model.RuleTypeAvailability)
	assert.Empty(t, c.Kind)

	withLead := &model.NormalizedValue{Kind: model.ValueKindAvailability, Status: "in_stock", LeadTimeDays: model.IntPtr(5)}
	c = Detect(inStock, withLead, model.RuleTypeAvailability)
	assert.Equal(t, model.ChangeKindValueChanged, c.Kind)
}

func TestDetectNumber(t *testing.T) {
	t.Run("delta with percent", func(t *testing.T) {
		c := Detect(model.NumberValue(200), model.NumberValue(150), model.RuleTypeNumber)
		assert.Equal(t, model.ChangeKindValueChanged, c.Kind)
		assert.Contains(t, c.DiffSummary, "-25.0%")
	})

	t.Run("non-numeric is format change", func(t *testing.T) {
		c := Detect(model.NumberValue(200), &model.NormalizedValue{Kind: model.ValueKindNumber}, model.RuleTypeNumber)
		assert.Equal(t, model.ChangeKindFormatChanged, c.Kind)
	})

	t.Run("zero delta is no change", func(t *testing.T) {
		c := Detect(model.NumberValue(7), model.NumberValue(7), model.RuleTypeNumber)
		assert.Empty(t, c.Kind)
	})
}

func TestDetectText(t *testing.T) {
	c := Detect(model.TextValue("in stock now"), model.TextValue("sold out until further notice"), model.RuleTypeText)
	assert.Equal(t, model.ChangeKindValueChanged, c.Kind)
	assert.Contains(t, c.DiffSummary, "words")

	c = Detect(model.TextValue("same"), model.TextValue("same"), model.RuleTypeText)
	assert.Empty(t, c.Kind)
}

func TestDetectJSON(t *testing.T) {
	oldValue := &model.NormalizedValue{Kind: model.ValueKindJSON, Raw: json.RawMessage(`{"a":1}`)}
	newValue := &model.NormalizedValue{Kind: model.ValueKindJSON, Raw: json.RawMessage(`{"a":2}`)}
	c := Detect(oldValue, newValue, model.RuleTypeJSONField)
	assert.Equal(t, model.ChangeKindValueChanged, c.Kind)
	assert.NotEmpty(t, c.DiffSummary)

	reordered := &model.NormalizedValue{Kind: model.ValueKindJSON, Raw: json.RawMessage(`{"a": 1}`)}
	c = Detect(oldValue, reordered, model.RuleTypeJSONField)
	assert.Empty(t, c.Kind)
}
