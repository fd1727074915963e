//revive:disable-next-line:var-naming // legacy package name widely used across the project
package model

import (
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"
)

// RuleType represents the kind of value a monitor rule tracks.
type RuleType string

const (
	RuleTypePrice        RuleType = "price"
	RuleTypeAvailability RuleType = "availability"
	RuleTypeNumber       RuleType = "number"
	RuleTypeText         RuleType = "text"
	RuleTypeJSONField    RuleType = "json_field"
)

// Valid returns true if the rule type is valid.
func (t RuleType) Valid() bool {
	switch t {
	case RuleTypePrice, RuleTypeAvailability, RuleTypeNumber, RuleTypeText, RuleTypeJSONField:
		return true
	default:
		return false
	}
}

// String returns the string representation of the rule type.
func (t RuleType) String() string {
	return string(t)
}

// ValueKindFor maps a rule type to the NormalizedValue variant it produces.
func (t RuleType) ValueKindFor() ValueKind {
	switch t {
	case RuleTypePrice:
		return ValueKindPrice
	case RuleTypeAvailability:
		return ValueKindAvailability
	case RuleTypeNumber:
		return ValueKindNumber
	case RuleTypeText:
		return ValueKindText
	case RuleTypeJSONField:
		return ValueKindJSON
	default:
		return ValueKindText
	}
}

// ExtractionSpec describes how to pull a value out of fetched content.
// The fetch pipeline treats it as opaque; only the extractor interprets it.
type ExtractionSpec struct {
	Selector          string   `json:"selector"`
	Attribute         string   `json:"attribute,omitempty"`
	FallbackSelectors []string `json:"fallback_selectors,omitempty"`
	Fingerprint       string   `json:"fingerprint,omitempty"`
	// JMESPath expression for json_field rules.
	JSONPath string `json:"json_path,omitempty"`
}

// FetchProfile carries the per-rule fetch tuning consumed by the orchestrator.
type FetchProfile struct {
	PreferredProvider        ProviderID        `json:"preferred_provider,omitempty"`
	DisabledProviders        []ProviderID      `json:"disabled_providers,omitempty"`
	StopAfterPreferredFailed bool              `json:"stop_after_preferred_failure,omitempty"`
	GeoCountry               string            `json:"geo_country,omitempty"`
	TimeoutMs                int               `json:"timeout_ms,omitempty"`
	Headers                  map[string]string `json:"headers,omitempty"`
	UserAgent                string            `json:"user_agent,omitempty"`
	RenderWaitMs             int               `json:"render_wait_ms,omitempty"`
	FlareSolverrWaitSeconds  int               `json:"flaresolverr_wait_seconds,omitempty"`
}

// Severity orders alert severities; critical > warning > info.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank returns the total-order rank of the severity for rollup comparisons.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// Valid returns true if the severity is one of the known levels.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// ConditionType identifies the comparison a user-defined condition performs.
type ConditionType string

const (
	ConditionPriceBelow           ConditionType = "price_below"
	ConditionPriceAbove           ConditionType = "price_above"
	ConditionPriceDropPercent     ConditionType = "price_drop_percent"
	ConditionPriceIncreasePercent ConditionType = "price_increase_percent"
	ConditionAvailabilityChanged  ConditionType = "availability_changed"
	ConditionBackInStock          ConditionType = "back_in_stock"
	ConditionNumberAbove          ConditionType = "number_above"
	ConditionNumberBelow          ConditionType = "number_below"
	ConditionNumberChangePercent  ConditionType = "number_change_percent"
	ConditionTextChanged          ConditionType = "text_changed"
	ConditionJSONChanged          ConditionType = "json_changed"
)

// AlertCondition is one user-defined trigger on a rule.
type AlertCondition struct {
	ID       string        `json:"id"`
	Type     ConditionType `json:"type"`
	Value    float64       `json:"value,omitempty"`
	Severity Severity      `json:"severity"`
}

// Rule is a tenant-defined monitor: URL + extraction spec + conditions.
// Rules are created by the workspace CRUD surface; this worker only reads them.
type Rule struct {
	ID              string           `json:"id"               db:"id"`
	WorkspaceID     string           `json:"workspace_id"     db:"workspace_id"`
	Name            string           `json:"name"             db:"name"`
	RuleType        RuleType         `json:"rule_type"        db:"rule_type"`
	URL             string           `json:"url"              db:"url"`
	Extraction      ExtractionSpec   `json:"extraction"       db:"extraction"`
	Fetch           FetchProfile     `json:"fetch"            db:"fetch"`
	Conditions      []AlertCondition `json:"conditions"       db:"conditions"`
	CooldownSeconds int              `json:"cooldown_seconds" db:"cooldown_seconds"`
	Tier            string           `json:"tier"             db:"tier"`
	Channels        []string         `json:"channels"         db:"channels"`
	IntervalSeconds int              `json:"interval_seconds" db:"interval_seconds"`
	Enabled         bool             `json:"enabled"          db:"enabled"`

	// Health bookkeeping maintained by the run handler.
	ConsecutiveFailures int        `json:"consecutive_failures"  db:"consecutive_failures"`
	LastError           *string    `json:"last_error,omitempty"  db:"last_error"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty" db:"last_run_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Hostname returns the lowercased host of the rule's URL.
func (r *Rule) Hostname() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Condition returns the condition with the given id, if present.
func (r *Rule) Condition(id string) (AlertCondition, bool) {
	for _, c := range r.Conditions {
		if c.ID == id {
			return c, true
		}
	}
	return AlertCondition{}, false
}

// Validate checks the invariants the worker relies on before running a rule.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("rule id is required")
	}
	if strings.TrimSpace(r.WorkspaceID) == "" {
		return errors.New("workspace id is required")
	}
	if !r.RuleType.Valid() {
		return errors.New("invalid rule_type")
	}
	u, err := url.Parse(r.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.New("rule url must be an absolute http(s) URL")
	}
	if r.CooldownSeconds < 0 {
		return errors.New("cooldown_seconds must be >= 0")
	}
	for i := range r.Conditions {
		if r.Conditions[i].ID == "" {
			return errors.New("condition id is required")
		}
		if !r.Conditions[i].Severity.Valid() {
			return errors.New("condition severity is required")
		}
	}
	return nil
}

// MarshalConditions serialises conditions for storage.
func (r *Rule) MarshalConditions() ([]byte, error) {
	return json.Marshal(r.Conditions)
}
