package fetch

import (
	"context"
	"time"

	"github.com/pagewatch/pagewatch/internal/domain/model"
)

// Request carries everything a provider needs to fetch one URL.
type Request struct {
	URL       string
	Hostname  string
	Headers   map[string]string
	UserAgent string
	Timeout   time.Duration
	// RenderWait is how long a rendering provider should idle after load.
	RenderWait time.Duration
	// FlareSolverrWait is the solver budget in whole seconds.
	FlareSolverrWait time.Duration
	// GeoCountry selects the exit country for geo-capable paid providers.
	GeoCountry string
}

// ProviderResult is the raw material handed to the classifier. Providers
// return it even for failed fetches; a non-nil error is reserved for
// conditions the provider could not express as a result.
type ProviderResult struct {
	HTTPStatus  int
	Body        []byte
	ContentType string
	FinalURL    string
	ErrorDetail string
	// CostUSD and CostUnits are the spend of this single invocation.
	CostUSD   float64
	CostUnits int
	// GeoCountry is the exit country actually used, when known.
	GeoCountry string
}

// Provider is one fetch backend. Fetch must honor ctx cancellation and the
// request timeout, and must return a timeout or network failure as a result
// with ErrorDetail set rather than an error.
type Provider interface {
	ID() model.ProviderID
	Fetch(ctx context.Context, req Request) (*ProviderResult, error)
}

// ProviderRegistry resolves provider adapters by id. Unregistered ids are
// simply absent from the candidate list.
type ProviderRegistry struct {
	providers map[model.ProviderID]Provider
}

// NewProviderRegistry creates a registry over the given adapters.
func NewProviderRegistry(providers ...Provider) *ProviderRegistry {
	m := make(map[model.ProviderID]Provider, len(providers))
	for _, p := range providers {
		m[p.ID()] = p
	}
	return &ProviderRegistry{providers: m}
}

// Get returns the adapter for id, or nil.
func (r *ProviderRegistry) Get(id model.ProviderID) Provider {
	return r.providers[id]
}

// Has reports whether an adapter is registered for id.
func (r *ProviderRegistry) Has(id model.ProviderID) bool {
	_, ok := r.providers[id]
	return ok
}
