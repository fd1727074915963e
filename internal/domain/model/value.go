package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ValueKind tags the variant of a NormalizedValue.
type ValueKind string

const (
	// ValueKindPrice is a monetary value with optional range and currency.
	ValueKindPrice ValueKind = "price"
	// ValueKindAvailability is a stock/availability status.
	ValueKindAvailability ValueKind = "availability"
	// ValueKindNumber is a plain numeric value.
	ValueKindNumber ValueKind = "number"
	// ValueKindText is a text snippet.
	ValueKindText ValueKind = "text"
	// ValueKindJSON is an opaque JSON document.
	ValueKindJSON ValueKind = "json"
)

// Availability statuses produced by extraction.
const (
	AvailabilityInStock    = "in_stock"
	AvailabilityOutOfStock = "out_of_stock"
	AvailabilityPreorder   = "preorder"
	AvailabilityUnknown    = "unknown"
)

// NormalizedValue is the tagged union produced by extraction and stored on
// observations. Exactly the fields for the tagged kind are meaningful.
type NormalizedValue struct {
	Kind ValueKind `json:"kind"`

	// Price fields. ValueLow is the primary comparison value; Value is a
	// legacy single-price fallback populated by some extraction paths.
	ValueLow  *float64 `json:"value_low,omitempty"`
	ValueHigh *float64 `json:"value_high,omitempty"`
	Currency  string   `json:"currency,omitempty"`
	Value     *float64 `json:"value,omitempty"`

	// Availability fields. Status is one of the Availability* constants.
	Status       string `json:"status,omitempty"`
	LeadTimeDays *int   `json:"lead_time_days,omitempty"`

	// Number field.
	Number *float64 `json:"number,omitempty"`

	// Text field.
	Snippet string `json:"snippet,omitempty"`

	// JSON field.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// PriceLow returns the primary price for comparison, preferring ValueLow and
// falling back to Value. The second return reports whether a numeric price
// was present at all.
func (v *NormalizedValue) PriceLow() (float64, bool) {
	if v == nil {
		return 0, false
	}
	if v.ValueLow != nil {
		return *v.ValueLow, true
	}
	if v.Value != nil {
		return *v.Value, true
	}
	return 0, false
}

// Format renders the value for alert bodies and diff summaries.
func (v *NormalizedValue) Format() string {
	if v == nil {
		return "(none)"
	}
	switch v.Kind {
	case ValueKindPrice:
		low, ok := v.PriceLow()
		if !ok {
			return "(unpriced)"
		}
		s := formatAmount(low)
		if v.ValueHigh != nil && *v.ValueHigh != low {
			s += "–" + formatAmount(*v.ValueHigh)
		}
		if v.Currency != "" {
			s += " " + v.Currency
		}
		return s
	case ValueKindAvailability:
		if v.LeadTimeDays != nil {
			return fmt.Sprintf("%s (lead time %dd)", v.Status, *v.LeadTimeDays)
		}
		return v.Status
	case ValueKindNumber:
		if v.Number == nil {
			return "(no number)"
		}
		return formatAmount(*v.Number)
	case ValueKindText:
		return v.Snippet
	case ValueKindJSON:
		return truncateString(string(v.Raw), 200)
	default:
		return "(unknown)"
	}
}

// CanonicalJSON returns a stable JSON encoding of the value used for dedupe
// key derivation. Object keys are sorted recursively so byte-identical output
// is guaranteed for semantically identical values.
func (v *NormalizedValue) CanonicalJSON() string {
	if v == nil {
		return "null"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return string(raw)
	}
	var sb strings.Builder
	writeCanonical(&sb, generic)
	return sb.String()
}

func writeCanonical(sb *strings.Builder, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			keyJSON, _ := json.Marshal(k)
			sb.Write(keyJSON)
			sb.WriteByte(':')
			writeCanonical(sb, t[k])
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, el)
		}
		sb.WriteByte(']')
	default:
		enc, _ := json.Marshal(t)
		sb.Write(enc)
	}
}

func formatAmount(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%.2f", f)
}

func truncateString(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}

// Float64Ptr is a convenience constructor used by extraction and tests.
func Float64Ptr(f float64) *float64 { return &f }

// IntPtr is a convenience constructor used by extraction and tests.
func IntPtr(i int) *int { return &i }

// PriceValue builds a price-kind NormalizedValue.
func PriceValue(low float64, currency string) *NormalizedValue {
	return &NormalizedValue{Kind: ValueKindPrice, ValueLow: Float64Ptr(low), Currency: currency}
}

// NumberValue builds a number-kind NormalizedValue.
func NumberValue(n float64) *NormalizedValue {
	return &NormalizedValue{Kind: ValueKindNumber, Number: Float64Ptr(n)}
}

// TextValue builds a text-kind NormalizedValue.
func TextValue(snippet string) *NormalizedValue {
	return &NormalizedValue{Kind: ValueKindText, Snippet: snippet}
}
