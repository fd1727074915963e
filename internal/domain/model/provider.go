package model

// ProviderID identifies a fetch strategy.
type ProviderID string

const (
	ProviderHTTP             ProviderID = "http"
	ProviderFlareSolverr     ProviderID = "flaresolverr"
	ProviderHeadless         ProviderID = "headless"
	ProviderBrightData       ProviderID = "brightdata"
	ProviderScrapingBrowser  ProviderID = "scraping_browser"
	ProviderTwoCaptchaProxy  ProviderID = "twocaptcha_proxy"
	ProviderTwoCaptchaDatad  ProviderID = "twocaptcha_datadome"
)

// FreeProviderOrder is the fixed candidate order for free providers.
//
//nolint:gochecknoglobals // fixed policy table
var FreeProviderOrder = []ProviderID{ProviderHTTP, ProviderFlareSolverr, ProviderHeadless}

// PaidProviderOrder lists paid providers in order of cost-effectiveness.
//
//nolint:gochecknoglobals // fixed policy table
var PaidProviderOrder = []ProviderID{ProviderBrightData, ProviderScrapingBrowser, ProviderTwoCaptchaProxy}

// Paid reports whether invoking the provider costs money.
func (p ProviderID) Paid() bool {
	switch p {
	case ProviderBrightData, ProviderScrapingBrowser, ProviderTwoCaptchaProxy, ProviderTwoCaptchaDatad:
		return true
	default:
		return false
	}
}

// Valid returns true if the provider id is known.
func (p ProviderID) Valid() bool {
	switch p {
	case ProviderHTTP, ProviderFlareSolverr, ProviderHeadless,
		ProviderBrightData, ProviderScrapingBrowser, ProviderTwoCaptchaProxy, ProviderTwoCaptchaDatad:
		return true
	default:
		return false
	}
}

// String returns the string form of the provider id.
func (p ProviderID) String() string { return string(p) }
