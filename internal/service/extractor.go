package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	jmespath "github.com/jmespath-community/go-jmespath"
	"golang.org/x/net/html"

	"github.com/pagewatch/pagewatch/internal/domain/model"
)

// ExtractInput is the extractor boundary input.
type ExtractInput struct {
	HTML     []byte
	Spec     model.ExtractionSpec
	RuleType model.RuleType
	// Country provides currency context for ambiguous symbols.
	Country string
}

// ExtractOutput carries either a normalized value or an extraction error.
type ExtractOutput struct {
	Value *model.NormalizedValue
	Err   string
}

// Extractor is the boundary the run handler depends on.
type Extractor interface {
	Extract(ctx context.Context, in ExtractInput) ExtractOutput
}

// BuiltinExtractor resolves selectors over parsed HTML and normalizes the
// matched text per rule type. json_field rules run a JMESPath expression over
// the body (or the selected element's text) instead.
type BuiltinExtractor struct {
	logger *slog.Logger
}

// NewBuiltinExtractor creates a BuiltinExtractor.
func NewBuiltinExtractor(logger *slog.Logger) *BuiltinExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &BuiltinExtractor{logger: logger}
}

// Extract implements Extractor.
func (e *BuiltinExtractor) Extract(ctx context.Context, in ExtractInput) ExtractOutput {
	if in.RuleType == model.RuleTypeJSONField {
		return e.extractJSON(in)
	}

	raw, err := e.selectText(in)
	if err != nil {
		return ExtractOutput{Err: err.Error()}
	}
	if strings.TrimSpace(raw) == "" {
		return ExtractOutput{Err: "selector matched no content"}
	}

	value, err := normalizeValue(in.RuleType, raw, in.Country)
	if err != nil {
		e.logger.DebugContext(ctx, "value normalization failed",
			"rule_type", in.RuleType, "raw", truncateRaw(raw), "error", err)
		return ExtractOutput{Err: err.Error()}
	}
	return ExtractOutput{Value: value}
}

// selectText resolves the primary selector then the fallbacks, returning the
// first non-empty match.
func (e *BuiltinExtractor) selectText(in ExtractInput) (string, error) {
	doc, err := html.Parse(strings.NewReader(string(in.HTML)))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	selectors := append([]string{in.Spec.Selector}, in.Spec.FallbackSelectors...)
	for _, sel := range selectors {
		if strings.TrimSpace(sel) == "" {
			continue
		}
		node := findFirst(doc, parseSelector(sel))
		if node == nil {
			continue
		}
		var text string
		if in.Spec.Attribute != "" {
			text = attrValue(node, in.Spec.Attribute)
		} else {
			text = nodeText(node)
		}
		if strings.TrimSpace(text) != "" {
			return text, nil
		}
	}
	return "", fmt.Errorf("no selector matched: %s", in.Spec.Selector)
}

func (e *BuiltinExtractor) extractJSON(in ExtractInput) ExtractOutput {
	expr := in.Spec.JSONPath
	if strings.TrimSpace(expr) == "" {
		return ExtractOutput{Err: "json_field rule without json_path"}
	}

	var doc any
	if err := json.Unmarshal(in.HTML, &doc); err != nil {
		return ExtractOutput{Err: fmt.Sprintf("body is not JSON: %v", err)}
	}

	result, err := jmespath.Search(expr, doc)
	if err != nil {
		return ExtractOutput{Err: fmt.Sprintf("jmespath: %v", err)}
	}
	if result == nil {
		return ExtractOutput{Err: "jmespath expression matched nothing"}
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return ExtractOutput{Err: fmt.Sprintf("encode jmespath result: %v", err)}
	}
	return ExtractOutput{Value: &model.NormalizedValue{Kind: model.ValueKindJSON, Raw: raw}}
}

// selector is the supported subset: tag, #id, .class and descendant chains
// of those (e.g. "div.price span.amount").
type selectorStep struct {
	tag     string
	id      string
	classes []string
}

func parseSelector(sel string) []selectorStep {
	fields := strings.Fields(sel)
	steps := make([]selectorStep, 0, len(fields))
	for _, f := range fields {
		steps = append(steps, parseStep(f))
	}
	return steps
}

func parseStep(f string) selectorStep {
	var step selectorStep
	for f != "" {
		rest := strings.IndexAny(f[1:], "#.")
		var token string
		if rest == -1 {
			token, f = f, ""
		} else {
			token, f = f[:rest+1], f[rest+1:]
		}
		switch token[0] {
		case '#':
			step.id = token[1:]
		case '.':
			step.classes = append(step.classes, token[1:])
		default:
			step.tag = strings.ToLower(token)
		}
	}
	return step
}

func findFirst(root *html.Node, steps []selectorStep) *html.Node {
	if len(steps) == 0 {
		return nil
	}
	var walk func(n *html.Node, depth int) *html.Node
	walk = func(n *html.Node, depth int) *html.Node {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && matchesStep(c, steps[depth]) {
				if depth == len(steps)-1 {
					return c
				}
				if found := walk(c, depth+1); found != nil {
					return found
				}
				continue
			}
			// Descendant combinator: keep scanning below non-matching nodes.
			if found := walk(c, depth); found != nil {
				return found
			}
		}
		return nil
	}
	return walk(root, 0)
}

func matchesStep(n *html.Node, step selectorStep) bool {
	if step.tag != "" && n.Data != step.tag {
		return false
	}
	if step.id != "" && attrValue(n, "id") != step.id {
		return false
	}
	if len(step.classes) > 0 {
		classes := strings.Fields(attrValue(n, "class"))
		for _, want := range step.classes {
			found := false
			for _, have := range classes {
				if have == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

func attrValue(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return a.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		if n.Data == "script" || n.Data == "style" {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}

// normalizeValue maps raw selector text onto the rule type's value variant.
func normalizeValue(ruleType model.RuleType, raw, country string) (*model.NormalizedValue, error) {
	switch ruleType {
	case model.RuleTypePrice:
		return normalizePrice(raw, country)
	case model.RuleTypeAvailability:
		return normalizeAvailability(raw), nil
	case model.RuleTypeNumber:
		n, err := parseNumber(raw)
		if err != nil {
			return nil, err
		}
		return model.NumberValue(n), nil
	case model.RuleTypeText:
		return model.TextValue(collapseWhitespace(raw)), nil
	default:
		return nil, fmt.Errorf("unsupported rule type %q", ruleType)
	}
}

var (
	currencyCodeRe = regexp.MustCompile(`\b(USD|EUR|GBP|PLN|CZK|SEK|NOK|DKK|CHF|JPY|CAD|AUD)\b`)
	amountRe       = regexp.MustCompile(`\d[\d\s.,\x{00a0}]*\d|\d`)
)

//nolint:gochecknoglobals // fixed symbol table
var currencySymbols = map[string]string{
	"$": "USD", "€": "EUR", "£": "GBP", "zł": "PLN", "Kč": "CZK", "kr": "SEK", "¥": "JPY", "Fr": "CHF",
}

// normalizePrice parses a price string like "$1,299.00 – $1,499.00" into a
// price-kind value with low/high and currency.
func normalizePrice(raw, country string) (*model.NormalizedValue, error) {
	currency := detectCurrency(raw, country)

	matches := amountRe.FindAllString(raw, 2)
	if len(matches) == 0 {
		return nil, fmt.Errorf("no numeric amount in %q", truncateRaw(raw))
	}

	low, err := parseAmount(matches[0])
	if err != nil {
		return nil, err
	}
	value := &model.NormalizedValue{
		Kind:     model.ValueKindPrice,
		ValueLow: model.Float64Ptr(low),
		Currency: currency,
	}
	if len(matches) > 1 {
		if high, err := parseAmount(matches[1]); err == nil && high > low {
			value.ValueHigh = model.Float64Ptr(high)
		}
	}
	return value, nil
}

func detectCurrency(raw, country string) string {
	if code := currencyCodeRe.FindString(raw); code != "" {
		return code
	}
	for symbol, code := range currencySymbols {
		if strings.Contains(raw, symbol) {
			// "$" is ambiguous across markets; geo context decides.
			if symbol == "$" {
				switch strings.ToLower(country) {
				case "ca":
					return "CAD"
				case "au":
					return "AUD"
				}
			}
			return code
		}
	}
	return ""
}

// parseAmount handles both 1,299.00 and 1.299,00 conventions plus space or
// NBSP thousand grouping.
func parseAmount(s string) (float64, error) {
	s = strings.Map(func(r rune) rune {
		if r == ' ' || r == '\u00a0' {
			return -1
		}
		return r
	}, s)

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	switch {
	case lastComma > lastDot:
		// Comma is the decimal separator.
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
		s = strings.ReplaceAll(s, ",", "")
	default:
		s = strings.ReplaceAll(s, ",", "")
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return f, nil
}

func parseNumber(raw string) (float64, error) {
	match := amountRe.FindString(raw)
	if match == "" {
		return 0, fmt.Errorf("no number in %q", truncateRaw(raw))
	}
	return parseAmount(match)
}

//nolint:gochecknoglobals // fixed keyword tables
var (
	outOfStockPhrases = []string{"out of stock", "sold out", "unavailable", "niedostępny", "ausverkauft", "agotado"}
	preorderPhrases   = []string{"pre-order", "preorder", "przedsprzedaż"}
	inStockPhrases    = []string{"in stock", "available", "add to cart", "add to basket", "dostępny", "auf lager"}
)

func normalizeAvailability(raw string) *model.NormalizedValue {
	lowered := strings.ToLower(raw)
	status := model.AvailabilityUnknown
	switch {
	case containsAny(lowered, outOfStockPhrases):
		status = model.AvailabilityOutOfStock
	case containsAny(lowered, preorderPhrases):
		status = model.AvailabilityPreorder
	case containsAny(lowered, inStockPhrases):
		status = model.AvailabilityInStock
	}

	value := &model.NormalizedValue{Kind: model.ValueKindAvailability, Status: status}
	if m := leadTimeRe.FindStringSubmatch(lowered); m != nil {
		if days, err := strconv.Atoi(m[1]); err == nil {
			value.LeadTimeDays = model.IntPtr(days)
		}
	}
	return value
}

var leadTimeRe = regexp.MustCompile(`ships? in (\d+) days?`)

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRaw(s string) string {
	const limit = 80
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
