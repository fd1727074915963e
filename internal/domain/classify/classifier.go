// Package classify turns raw provider responses into fetch outcomes.
package classify

import (
	"regexp"
	"strings"

	"github.com/pagewatch/pagewatch/internal/domain/model"
)

// Input carries the raw result of a provider invocation.
type Input struct {
	HTTPStatus  int
	Body        string
	ContentType string
	ErrorDetail string
}

// Result is the classified outcome with optional block sub-kind and the
// signal list explaining which detections fired.
type Result struct {
	Outcome   model.Outcome
	BlockKind model.BlockKind
	Signals   []string
}

const (
	emptyBodyThreshold     = 2000
	loadingBodyThreshold   = 5000
	tinyBodyThreshold      = 10 * 1024
	heuristicSizeThreshold = 50 * 1024
)

// Precise block signatures fire at any body size. Heuristic keywords appear
// routinely in the JavaScript of legitimate product pages, so they are
// size-gated and bypassed entirely when a large page carries product schema.
var (
	dataDomeSignatures = []string{
		"geo.captcha-delivery.com",
		"captcha-delivery.com/captcha",
		"press & hold",
		"slide to complete the puzzle",
		"posunutím doprava zložte puzzle",
	}

	captchaPhrases = []string{
		"i am not a robot",
		"verify you are human",
		"complete this security check",
	}

	rateLimitPhrases = []string{
		"too many requests",
		"rate limit exceeded",
		"request throttled",
	}

	productSchemaRe = regexp.MustCompile(`"@type"\s*:\s*"product"`)
)

// Classify evaluates the input in fixed order: provider error detail, HTTP
// error status, block signatures, degenerate/empty bodies, then ok.
func Classify(in Input) Result {
	if detail := strings.TrimSpace(in.ErrorDetail); detail != "" {
		return classifyErrorDetail(detail)
	}

	body := in.Body
	lower := strings.ToLower(body)

	if in.HTTPStatus >= 400 {
		return classifyErrorStatus(in.HTTPStatus, body, lower)
	}

	if block, ok := classifyBlock(body, lower); ok {
		return block
	}

	if empty, ok := classifyEmpty(in, lower); ok {
		return empty
	}

	return Result{Outcome: model.OutcomeOK}
}

func classifyErrorDetail(detail string) Result {
	lower := strings.ToLower(detail)
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(detail, "ETIMEDOUT"):
		return Result{Outcome: model.OutcomeTimeout, Signals: []string{"error:timeout"}}
	case strings.Contains(detail, "ECONNREFUSED") || strings.Contains(detail, "ENOTFOUND"):
		return Result{Outcome: model.OutcomeNetworkError, Signals: []string{"error:network"}}
	default:
		return Result{Outcome: model.OutcomeProviderError, Signals: []string{"error:provider"}}
	}
}

func classifyErrorStatus(status int, body, lower string) Result {
	if status == 403 || status == 429 {
		if block, ok := classifyBlock(body, lower); ok {
			return block
		}
	}
	return Result{
		Outcome:   model.OutcomeBlocked,
		BlockKind: model.BlockKindUnknown,
		Signals:   []string{"http_status:" + httpStatusSignal(status)},
	}
}

func httpStatusSignal(status int) string {
	// Small fixed set; avoids strconv import churn in hot path.
	switch status {
	case 403:
		return "403"
	case 429:
		return "429"
	case 404:
		return "404"
	case 500:
		return "500"
	case 503:
		return "503"
	default:
		return "4xx_5xx"
	}
}

// classifyBlock runs the two-tier block detection. The boolean reports
// whether a block was detected at all.
func classifyBlock(body, lower string) (Result, bool) {
	if r, ok := tierOneSignatures(lower); ok {
		return r, true
	}
	return tierTwoHeuristics(body, lower)
}

// tierOneSignatures are precise vendor fingerprints; they fire at any size
// with confidence >= 0.95.
func tierOneSignatures(lower string) (Result, bool) {
	for _, sig := range dataDomeSignatures {
		if strings.Contains(lower, sig) {
			return blockResult(model.BlockKindDataDome, "datadome:"+sig), true
		}
	}
	if strings.Contains(lower, "cf-browser-verification") {
		return blockResult(model.BlockKindCloudflare, "cloudflare:cf-browser-verification"), true
	}
	if strings.Contains(lower, "px-captcha") {
		return blockResult(model.BlockKindPerimeterX, "perimeterx:px-captcha"), true
	}
	if strings.Contains(lower, "hcaptcha.com") && strings.Contains(lower, "challenge") {
		return blockResult(model.BlockKindCaptcha, "hcaptcha:challenge_frame"), true
	}
	return Result{}, false
}

func tierTwoHeuristics(body, lower string) (Result, bool) {
	// Large pages carrying product schema are real product pages; keywords
	// like "captcha" or "blocked" inside their scripts are false positives.
	hasSchema := hasProductSchema(lower)
	if len(body) > heuristicSizeThreshold && hasSchema {
		return Result{}, false
	}

	for _, phrase := range rateLimitPhrases {
		if strings.Contains(lower, phrase) {
			return blockResult(model.BlockKindRateLimit, "rate_limit:"+phrase), true
		}
	}

	if len(body) < heuristicSizeThreshold || !hasSchema {
		if r, ok := vendorHeuristics(lower); ok {
			return r, true
		}
		for _, phrase := range captchaPhrases {
			if strings.Contains(lower, phrase) {
				return blockResult(model.BlockKindCaptcha, "captcha:"+phrase), true
			}
		}
	}

	if len(body) < tinyBodyThreshold {
		if strings.Contains(lower, "access denied") || strings.Contains(lower, "forbidden") {
			return blockResult(model.BlockKindUnknown, "denied:access_denied"), true
		}
	}

	return Result{}, false
}

func vendorHeuristics(lower string) (Result, bool) {
	if strings.Contains(lower, "checking your browser") ||
		(strings.Contains(lower, "cloudflare") && strings.Contains(lower, "ray id")) {
		return blockResult(model.BlockKindCloudflare, "cloudflare:heuristic"), true
	}
	if strings.Contains(lower, "perimeterx") && strings.Contains(lower, "blocked") {
		return blockResult(model.BlockKindPerimeterX, "perimeterx:heuristic"), true
	}
	return Result{}, false
}

func blockResult(kind model.BlockKind, signal string) Result {
	outcome := model.OutcomeBlocked
	if kind == model.BlockKindCaptcha {
		outcome = model.OutcomeCaptchaRequired
	}
	return Result{Outcome: outcome, BlockKind: kind, Signals: []string{signal}}
}

func hasProductSchema(lower string) bool {
	if !strings.Contains(lower, "application/ld+json") {
		return false
	}
	return productSchemaRe.MatchString(lower)
}

func classifyEmpty(in Input, lower string) (Result, bool) {
	body := in.Body
	if len(body) < emptyBodyThreshold {
		return Result{Outcome: model.OutcomeEmpty, Signals: []string{"empty:short_body"}}, true
	}

	isHTML := strings.Contains(strings.ToLower(in.ContentType), "text/html")
	if isHTML {
		trimmed := strings.TrimSpace(body)
		if strings.HasPrefix(trimmed, "{") && strings.Contains(lower, `"error"`) {
			return Result{Outcome: model.OutcomeEmpty, Signals: []string{"empty:json_error_body"}}, true
		}
		if !strings.Contains(lower, "<html") && !strings.Contains(lower, "<body") &&
			!strings.Contains(lower, "<!doctype") {
			return Result{Outcome: model.OutcomeEmpty, Signals: []string{"empty:not_html"}}, true
		}
	}

	if strings.Contains(lower, "loading...") && len(body) < loadingBodyThreshold {
		return Result{Outcome: model.OutcomeEmpty, Signals: []string{"empty:loading_shell"}}, true
	}

	return Result{}, false
}
