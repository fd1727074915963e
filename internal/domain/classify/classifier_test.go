package classify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagewatch/pagewatch/internal/domain/model"
)

func htmlPage(size int, inject string) string {
	var sb strings.Builder
	sb.WriteString("<!doctype html><html><head><title>p</title></head><body>")
	sb.WriteString(inject)
	filler := "<div>product detail filler content</div>"
	for sb.Len() < size {
		sb.WriteString(filler)
	}
	sb.WriteString("</body></html>")
	return sb.String()
}

const productSchemaScript = `<script type="application/ld+json">{"@type": "Product", "name": "Widget", "offers": {"price": "19.99"}}</script>`

func TestClassifyErrorDetail(t *testing.T) {
	tests := []struct {
		name    string
		detail  string
		outcome model.Outcome
	}{
		{"timeout keyword", "request timeout after 30s", model.OutcomeTimeout},
		{"etimedout", "connect ETIMEDOUT 1.2.3.4:443", model.OutcomeTimeout},
		{"refused", "connect ECONNREFUSED", model.OutcomeNetworkError},
		{"dns", "getaddrinfo ENOTFOUND shop.example", model.OutcomeNetworkError},
		{"other", "unexpected upstream failure", model.OutcomeProviderError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Classify(Input{ErrorDetail: tt.detail})
			assert.Equal(t, tt.outcome, res.Outcome)
		})
	}
}

func TestClassifyBlockedStatus(t *testing.T) {
	t.Run("403 with datadome body", func(t *testing.T) {
		res := Classify(Input{
			HTTPStatus: 403,
			Body:       htmlPage(3000, `<script src="https://geo.captcha-delivery.com/captcha.js"></script>`),
		})
		assert.Equal(t, model.OutcomeBlocked, res.Outcome)
		assert.Equal(t, model.BlockKindDataDome, res.BlockKind)
		require.NotEmpty(t, res.Signals)
	})

	t.Run("403 without signature", func(t *testing.T) {
		res := Classify(Input{HTTPStatus: 403, Body: htmlPage(3000, "")})
		assert.Equal(t, model.OutcomeBlocked, res.Outcome)
		assert.Equal(t, model.BlockKindUnknown, res.BlockKind)
	})

	t.Run("500 is blocked unknown", func(t *testing.T) {
		res := Classify(Input{HTTPStatus: 500, Body: "oops"})
		assert.Equal(t, model.OutcomeBlocked, res.Outcome)
		assert.Equal(t, model.BlockKindUnknown, res.BlockKind)
	})
}

func TestClassifyTierOneSignatures(t *testing.T) {
	tests := []struct {
		name   string
		inject string
		kind   model.BlockKind
		want   model.Outcome
	}{
		{"datadome press and hold", "please press & hold the button", model.BlockKindDataDome, model.OutcomeBlocked},
		{"datadome slovak puzzle", "posunutím doprava zložte puzzle", model.BlockKindDataDome, model.OutcomeBlocked},
		{"cloudflare attribute", `<div id="cf-browser-verification"></div>`, model.BlockKindCloudflare, model.OutcomeBlocked},
		{"perimeterx widget", `<div id="px-captcha"></div>`, model.BlockKindPerimeterX, model.OutcomeBlocked},
		{"hcaptcha frame", `<iframe src="https://hcaptcha.com/challenge"></iframe>`, model.BlockKindCaptcha, model.OutcomeCaptchaRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Tier-1 signatures fire even on large product-looking pages.
			body := htmlPage(60*1024, productSchemaScript+tt.inject)
			res := Classify(Input{HTTPStatus: 200, Body: body, ContentType: "text/html"})
			assert.Equal(t, tt.want, res.Outcome)
			assert.Equal(t, tt.kind, res.BlockKind)
		})
	}
}

func TestClassifySchemaOrgBypass(t *testing.T) {
	// A 120KB body with product JSON-LD plus a recaptcha widget for a contact
	// form must classify ok.
	body := htmlPage(120*1024, productSchemaScript+
		`<div class="g-recaptcha" data-note="verify you are human"></div>`+
		`<script>var blocked = false; var captcha = "cloudflare";</script>`)
	res := Classify(Input{HTTPStatus: 200, Body: body, ContentType: "text/html"})
	assert.Equal(t, model.OutcomeOK, res.Outcome)
	assert.Empty(t, res.BlockKind)
}

func TestClassifyTierTwoHeuristics(t *testing.T) {
	t.Run("generic captcha phrase on small page", func(t *testing.T) {
		res := Classify(Input{
			HTTPStatus:  200,
			Body:        htmlPage(4000, "<p>Please verify you are human to continue</p>"),
			ContentType: "text/html",
		})
		assert.Equal(t, model.OutcomeCaptchaRequired, res.Outcome)
		assert.Equal(t, model.BlockKindCaptcha, res.BlockKind)
	})

	t.Run("rate limit phrase", func(t *testing.T) {
		res := Classify(Input{
			HTTPStatus:  200,
			Body:        htmlPage(4000, "<p>Too many requests from your network</p>"),
			ContentType: "text/html",
		})
		assert.Equal(t, model.OutcomeBlocked, res.Outcome)
		assert.Equal(t, model.BlockKindRateLimit, res.BlockKind)
	})

	t.Run("access denied only on tiny pages", func(t *testing.T) {
		tiny := Classify(Input{
			HTTPStatus:  200,
			Body:        htmlPage(3000, "<h1>Access Denied</h1>"),
			ContentType: "text/html",
		})
		assert.Equal(t, model.OutcomeBlocked, tiny.Outcome)

		big := Classify(Input{
			HTTPStatus:  200,
			Body:        htmlPage(20*1024, "<p>access denied to members area</p>"),
			ContentType: "text/html",
		})
		assert.Equal(t, model.OutcomeOK, big.Outcome)
	})

	t.Run("cloudflare interstitial heuristic", func(t *testing.T) {
		res := Classify(Input{
			HTTPStatus:  200,
			Body:        htmlPage(4000, "<p>Checking your browser before accessing shop.example</p>"),
			ContentType: "text/html",
		})
		assert.Equal(t, model.OutcomeBlocked, res.Outcome)
		assert.Equal(t, model.BlockKindCloudflare, res.BlockKind)
	})
}

func TestClassifyEmpty(t *testing.T) {
	t.Run("short body", func(t *testing.T) {
		res := Classify(Input{HTTPStatus: 200, Body: "<html><body>hi</body></html>", ContentType: "text/html"})
		assert.Equal(t, model.OutcomeEmpty, res.Outcome)
	})

	t.Run("json error body served as html", func(t *testing.T) {
		body := `{"error": "internal", "detail": "` + strings.Repeat("x", 2500) + `"}`
		res := Classify(Input{HTTPStatus: 200, Body: body, ContentType: "text/html"})
		assert.Equal(t, model.OutcomeEmpty, res.Outcome)
	})

	t.Run("html content-type without html structure", func(t *testing.T) {
		res := Classify(Input{
			HTTPStatus:  200,
			Body:        strings.Repeat("plain text response ", 150),
			ContentType: "text/html; charset=utf-8",
		})
		assert.Equal(t, model.OutcomeEmpty, res.Outcome)
	})

	t.Run("loading shell", func(t *testing.T) {
		res := Classify(Input{
			HTTPStatus:  200,
			Body:        htmlPage(3000, "<div>Loading...</div>"),
			ContentType: "text/html",
		})
		assert.Equal(t, model.OutcomeEmpty, res.Outcome)
	})
}

func TestClassifyOK(t *testing.T) {
	res := Classify(Input{
		HTTPStatus:  200,
		Body:        htmlPage(30*1024, productSchemaScript),
		ContentType: "text/html",
	})
	assert.Equal(t, model.OutcomeOK, res.Outcome)
	assert.Empty(t, res.Signals)
}
