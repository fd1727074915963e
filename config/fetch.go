package config

import (
	"strings"
	"time"
)

// FetchConfig contains fetch provider endpoints and credentials. Credentials
// land here from the environment; the bootstrap wires them into the provider
// adapters. Empty endpoints disable the corresponding provider.
type FetchConfig struct {
	// UserAgent is the default User-Agent for the plain HTTP provider.
	UserAgent string `env:"FETCH_USER_AGENT" envDefault:"Mozilla/5.0 (compatible; pagewatch/1.0)"`

	// HeadlessEndpoint is the base URL of the headless render service.
	HeadlessEndpoint string `env:"FETCH_HEADLESS_ENDPOINT" envDefault:""`

	// FlareSolverrEndpoint is the base URL of the FlareSolverr service.
	FlareSolverrEndpoint string `env:"FETCH_FLARESOLVERR_ENDPOINT" envDefault:""`

	// Residential proxy gateway (paid).
	ProxyHost           string `env:"FETCH_PROXY_HOST"            envDefault:""`
	ProxyUsername       string `env:"FETCH_PROXY_USERNAME"        envDefault:""`
	ProxyPassword       string `env:"FETCH_PROXY_PASSWORD"        envDefault:""`
	ProxyDefaultCountry string `env:"FETCH_PROXY_DEFAULT_COUNTRY" envDefault:"us"`

	// Vendor-hosted scraping browser (paid, most expensive).
	ScrapingBrowserEndpoint string `env:"FETCH_SCRAPING_BROWSER_ENDPOINT" envDefault:""`
	ScrapingBrowserAPIKey   string `env:"FETCH_SCRAPING_BROWSER_API_KEY"  envDefault:""`

	// DefaultTimeout is the per-attempt timeout when neither the rule nor the
	// tier policy supplies one.
	DefaultTimeout time.Duration `env:"FETCH_DEFAULT_TIMEOUT" envDefault:"30s"`
}

// Sanitize normalises endpoint values.
func (f *FetchConfig) Sanitize() {
	f.HeadlessEndpoint = strings.TrimSpace(f.HeadlessEndpoint)
	f.FlareSolverrEndpoint = strings.TrimSpace(f.FlareSolverrEndpoint)
	f.ProxyHost = strings.TrimSpace(f.ProxyHost)
	f.ScrapingBrowserEndpoint = strings.TrimSpace(f.ScrapingBrowserEndpoint)
	if f.DefaultTimeout < time.Second {
		f.DefaultTimeout = time.Second
	}
}
