package model

import "time"

// Outcome is the terminal classification of a fetch attempt.
type Outcome string

const (
	OutcomeOK                   Outcome = "ok"
	OutcomeEmpty                Outcome = "empty"
	OutcomeBlocked              Outcome = "blocked"
	OutcomeCaptchaRequired      Outcome = "captcha_required"
	OutcomeRateLimited          Outcome = "rate_limited"
	OutcomeTimeout              Outcome = "timeout"
	OutcomeNetworkError         Outcome = "network_error"
	OutcomeProviderError        Outcome = "provider_error"
	OutcomePreferredUnavailable Outcome = "preferred_unavailable"
	OutcomeInterstitialGeo      Outcome = "interstitial_geo"
)

// CountsAsBreakerFailure reports whether the outcome feeds the circuit
// breaker's failure window. Unknown outcomes are treated as non-failures.
func (o Outcome) CountsAsBreakerFailure() bool {
	switch o {
	case OutcomeBlocked, OutcomeCaptchaRequired, OutcomeEmpty,
		OutcomeTimeout, OutcomeProviderError, OutcomeNetworkError:
		return true
	default:
		return false
	}
}

// Problem reports whether the outcome indicates a fetch that did not yield
// usable content.
func (o Outcome) Problem() bool {
	return o != OutcomeOK
}

// String returns the string form of the outcome.
func (o Outcome) String() string { return string(o) }

// BlockKind sub-classifies a blocked response.
type BlockKind string

const (
	BlockKindDataDome   BlockKind = "datadome"
	BlockKindCloudflare BlockKind = "cloudflare"
	BlockKindPerimeterX BlockKind = "perimeterx"
	BlockKindCaptcha    BlockKind = "captcha"
	BlockKindRateLimit  BlockKind = "rate_limit"
	BlockKindUnknown    BlockKind = "unknown"
)

// FetchAttempt is one append-only ledger row per provider invocation,
// including synthesised preferred_unavailable rows.
type FetchAttempt struct {
	ID          string     `json:"id"            db:"id"`
	WorkspaceID string     `json:"workspace_id"  db:"workspace_id"`
	RuleID      string     `json:"rule_id"       db:"rule_id"`
	URL         string     `json:"url"           db:"url"`
	Hostname    string     `json:"hostname"      db:"hostname"`
	Provider    ProviderID `json:"provider"      db:"provider"`
	Outcome     Outcome    `json:"outcome"       db:"outcome"`
	BlockKind   BlockKind  `json:"block_kind,omitempty" db:"block_kind"`
	HTTPStatus  int        `json:"http_status,omitempty" db:"http_status"`
	FinalURL    string     `json:"final_url,omitempty"   db:"final_url"`
	BodyBytes   int        `json:"body_bytes"    db:"body_bytes"`
	ContentType string     `json:"content_type,omitempty" db:"content_type"`
	LatencyMs   int64      `json:"latency_ms"    db:"latency_ms"`
	Signals     []string   `json:"signals,omitempty"      db:"signals"`
	ErrorDetail string     `json:"error_detail,omitempty" db:"error_detail"`
	CostUSD     float64    `json:"cost_usd"      db:"cost_usd"`
	CostUnits   int        `json:"cost_units"    db:"cost_units"`
	RawSample   []byte     `json:"-"             db:"raw_sample"`
	CreatedAt   time.Time  `json:"created_at"    db:"created_at"`
}

// DomainStats is the per (workspace, hostname, UTC day) rolling aggregate.
// Latency is stored as sum+count so averages stay correct under concurrent
// upserts.
type DomainStats struct {
	WorkspaceID  string    `json:"workspace_id"   db:"workspace_id"`
	Hostname     string    `json:"hostname"       db:"hostname"`
	Day          time.Time `json:"day"            db:"day"`
	Attempts     int       `json:"attempts"       db:"attempts"`
	OKCount      int       `json:"ok_count"       db:"ok_count"`
	BlockedCount int       `json:"blocked_count"  db:"blocked_count"`
	EmptyCount   int       `json:"empty_count"    db:"empty_count"`
	TimeoutCount int       `json:"timeout_count"  db:"timeout_count"`
	CostUSD      float64   `json:"cost_usd"       db:"cost_usd"`
	LatencySumMs int64     `json:"latency_sum_ms" db:"latency_sum_ms"`
	LatencyCount int       `json:"latency_count"  db:"latency_count"`
}

// AvgLatencyMs derives the average latency from the stored sum and count.
func (d *DomainStats) AvgLatencyMs() float64 {
	if d == nil || d.LatencyCount == 0 {
		return 0
	}
	return float64(d.LatencySumMs) / float64(d.LatencyCount)
}

// Observation is the last stable normalized value for a rule. It advances
// only on an ok fetch with a non-null extracted value.
type Observation struct {
	RuleID     string           `json:"rule_id"     db:"rule_id"`
	Value      *NormalizedValue `json:"value"       db:"value"`
	ObservedAt time.Time        `json:"observed_at" db:"observed_at"`
}
