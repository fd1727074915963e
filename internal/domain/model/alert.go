package model

import (
	"errors"
	"strings"
	"time"
)

// ChangeKind classifies what the change detector observed between two values.
type ChangeKind string

const (
	ChangeKindNewValue         ChangeKind = "new_value"
	ChangeKindValueChanged     ChangeKind = "value_changed"
	ChangeKindFormatChanged    ChangeKind = "format_changed"
	ChangeKindValueDisappeared ChangeKind = "value_disappeared"
)

// String returns the string form of the change kind.
func (k ChangeKind) String() string { return string(k) }

// Alert is a persisted, deduplicated notification of a triggered rule.
// DedupeKey is unique across all alerts.
type Alert struct {
	ID            string           `json:"id"             db:"id"`
	DedupeKey     string           `json:"dedupe_key"     db:"dedupe_key"`
	RuleID        string           `json:"rule_id"        db:"rule_id"`
	WorkspaceID   string           `json:"workspace_id"   db:"workspace_id"`
	Severity      Severity         `json:"severity"       db:"severity"`
	Title         string           `json:"title"          db:"title"`
	Body          string           `json:"body"           db:"body"`
	TriggeredAt   time.Time        `json:"triggered_at"   db:"triggered_at"`
	CurrentValue  *NormalizedValue `json:"current_value"  db:"current_value"`
	PreviousValue *NormalizedValue `json:"previous_value,omitempty" db:"previous_value"`
	ChangeKind    ChangeKind       `json:"change_kind,omitempty"    db:"change_kind"`
	DiffSummary   string           `json:"diff_summary,omitempty"   db:"diff_summary"`
	Conditions    []AlertCondition `json:"conditions"     db:"conditions"`
	Channels      []string         `json:"channels"       db:"channels"`
	CreatedAt     time.Time        `json:"created_at"     db:"created_at"`
}

// CreateAlertRequest carries the fields the run handler persists for a new alert.
type CreateAlertRequest struct {
	DedupeKey     string           `json:"dedupe_key"`
	RuleID        string           `json:"rule_id"`
	WorkspaceID   string           `json:"workspace_id"`
	Severity      Severity         `json:"severity"`
	Title         string           `json:"title"`
	Body          string           `json:"body"`
	TriggeredAt   time.Time        `json:"triggered_at"`
	CurrentValue  *NormalizedValue `json:"current_value"`
	PreviousValue *NormalizedValue `json:"previous_value,omitempty"`
	ChangeKind    ChangeKind       `json:"change_kind,omitempty"`
	DiffSummary   string           `json:"diff_summary,omitempty"`
	Conditions    []AlertCondition `json:"conditions"`
	Channels      []string         `json:"channels"`
}

// Validate validates the CreateAlertRequest fields.
func (r *CreateAlertRequest) Validate() error {
	if strings.TrimSpace(r.DedupeKey) == "" {
		return errors.New("dedupe_key is required")
	}
	if strings.TrimSpace(r.RuleID) == "" {
		return errors.New("rule_id is required")
	}
	if strings.TrimSpace(r.WorkspaceID) == "" {
		return errors.New("workspace_id is required")
	}
	if !r.Severity.Valid() {
		return errors.New("invalid severity")
	}
	if r.TriggeredAt.IsZero() {
		return errors.New("triggered_at is required")
	}
	return nil
}

// ErrDuplicateAlert indicates an alert with the same dedupe key already exists.
var ErrDuplicateAlert = errors.New("duplicate alert dedupe key")
