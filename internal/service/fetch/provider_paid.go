package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pagewatch/pagewatch/internal/domain/model"
)

// ProxyProviderConfig configures a residential-proxy backed provider
// (BrightData, 2captcha proxy variants).
type ProxyProviderConfig struct {
	ID model.ProviderID
	// ProxyHost is host:port of the proxy gateway.
	ProxyHost string
	Username  string
	Password  string
	// DefaultCountry is the exit country when the request has none.
	DefaultCountry string
	Client         *http.Client
}

// ProxyProvider fetches through an authenticated residential proxy. The exit
// country is selected with a vendor username suffix.
type ProxyProvider struct {
	id             model.ProviderID
	proxyHost      string
	username       string
	password       string
	defaultCountry string
	costUSD        float64
	client         *http.Client
	transport      func(proxyURL *url.URL) http.RoundTripper
}

// NewProxyProvider creates a ProxyProvider.
func NewProxyProvider(cfg ProxyProviderConfig) (*ProxyProvider, error) {
	if !cfg.ID.Paid() {
		return nil, fmt.Errorf("proxy provider requires a paid provider id, got %q", cfg.ID)
	}
	if strings.TrimSpace(cfg.ProxyHost) == "" {
		return nil, fmt.Errorf("proxy host is required for %s", cfg.ID)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &ProxyProvider{
		id:             cfg.ID,
		proxyHost:      cfg.ProxyHost,
		username:       cfg.Username,
		password:       cfg.Password,
		defaultCountry: strings.ToLower(strings.TrimSpace(cfg.DefaultCountry)),
		costUSD:        ProviderCostUSD[cfg.ID],
		client:         client,
	}, nil
}

// ID implements Provider.
func (p *ProxyProvider) ID() model.ProviderID { return p.id }

// Fetch implements Provider.
func (p *ProxyProvider) Fetch(ctx context.Context, req Request) (*ProviderResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	country := strings.ToLower(strings.TrimSpace(req.GeoCountry))
	if country == "" {
		country = p.defaultCountry
	}

	proxyURL := p.proxyURL(country)
	transport := &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	client := &http.Client{
		Transport:     transport,
		CheckRedirect: p.client.CheckRedirect,
		Jar:           p.client.Jar,
	}
	defer transport.CloseIdleConnections()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return &ProviderResult{ErrorDetail: fmt.Sprintf("invalid request: %v", err)}, nil
	}
	ua := req.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	httpReq.Header.Set("User-Agent", ua)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		// The proxy session was still consumed, so the cost is charged.
		return &ProviderResult{
			ErrorDetail: normalizeFetchError(err),
			CostUSD:     p.costUSD,
			CostUnits:   1,
			GeoCountry:  country,
		}, nil
	}
	defer resp.Body.Close() //nolint:errcheck

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if readErr != nil {
		return &ProviderResult{
			HTTPStatus:  resp.StatusCode,
			ErrorDetail: normalizeFetchError(readErr),
			CostUSD:     p.costUSD,
			CostUnits:   1,
			GeoCountry:  country,
		}, nil
	}

	return &ProviderResult{
		HTTPStatus:  resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		FinalURL:    resp.Request.URL.String(),
		CostUSD:     p.costUSD,
		CostUnits:   1,
		GeoCountry:  country,
	}, nil
}

// proxyURL builds the gateway URL with the country routing suffix the
// vendors expose on the username.
func (p *ProxyProvider) proxyURL(country string) *url.URL {
	username := p.username
	if country != "" && username != "" {
		username = username + "-country-" + country
	}
	u := &url.URL{Scheme: "http", Host: p.proxyHost}
	if username != "" {
		u.User = url.UserPassword(username, p.password)
	}
	return u
}

// ScrapingBrowserConfig configures a ScrapingBrowserProvider.
type ScrapingBrowserConfig struct {
	// Endpoint is the vendor's scraping browser HTTP API.
	Endpoint string
	APIKey   string
	Client   *http.Client
}

// ScrapingBrowserProvider drives a vendor-hosted real browser session. The
// most expensive provider; last in the paid candidate order before the
// captcha specialists.
type ScrapingBrowserProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewScrapingBrowserProvider creates a ScrapingBrowserProvider.
func NewScrapingBrowserProvider(cfg ScrapingBrowserConfig) (*ScrapingBrowserProvider, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("scraping browser endpoint is required")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &ScrapingBrowserProvider{endpoint: endpoint, apiKey: cfg.APIKey, client: client}, nil
}

// ID implements Provider.
func (p *ScrapingBrowserProvider) ID() model.ProviderID { return model.ProviderScrapingBrowser }

type scrapingBrowserRequest struct {
	URL       string `json:"url"`
	Country   string `json:"country,omitempty"`
	WaitMs    int64  `json:"waitMs,omitempty"`
	TimeoutMs int64  `json:"timeoutMs"`
}

type scrapingBrowserResponse struct {
	Status   int    `json:"status"`
	Body     string `json:"body"`
	FinalURL string `json:"finalUrl"`
	Error    string `json:"error,omitempty"`
}

// Fetch implements Provider.
func (p *ScrapingBrowserProvider) Fetch(ctx context.Context, req Request) (*ProviderResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout+15*time.Second)
	defer cancel()

	country := strings.ToLower(strings.TrimSpace(req.GeoCountry))
	payload, err := json.Marshal(scrapingBrowserRequest{
		URL:       req.URL,
		Country:   country,
		WaitMs:    req.RenderWait.Milliseconds(),
		TimeoutMs: timeout.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode scraping browser payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/scrape", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create scraping browser request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	cost := ProviderCostUSD[model.ProviderScrapingBrowser]

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return &ProviderResult{ErrorDetail: normalizeFetchError(err)}, nil
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &ProviderResult{ErrorDetail: normalizeFetchError(err), CostUSD: cost, CostUnits: 1}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return &ProviderResult{
			ErrorDetail: fmt.Sprintf("scraping browser %s: %s", resp.Status, truncateDetail(raw)),
			CostUSD:     cost,
			CostUnits:   1,
		}, nil
	}

	var scraped scrapingBrowserResponse
	if err := json.Unmarshal(raw, &scraped); err != nil {
		return &ProviderResult{ErrorDetail: fmt.Sprintf("scraping browser invalid response: %v", err), CostUSD: cost, CostUnits: 1}, nil
	}
	if scraped.Error != "" {
		return &ProviderResult{ErrorDetail: scraped.Error, CostUSD: cost, CostUnits: 1, GeoCountry: country}, nil
	}

	return &ProviderResult{
		HTTPStatus:  scraped.Status,
		Body:        []byte(scraped.Body),
		ContentType: "text/html",
		FinalURL:    scraped.FinalURL,
		CostUSD:     cost,
		CostUnits:   1,
		GeoCountry:  country,
	}, nil
}
