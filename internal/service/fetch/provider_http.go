package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/pagewatch/pagewatch/internal/domain/model"
)

const (
	defaultFetchTimeout = 30 * time.Second
	// maxBodyBytes caps what we read from any provider; pages past this are
	// not product pages we can extract from anyway.
	maxBodyBytes = 5 << 20

	defaultUserAgent = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Mobile Safari/537.36"
)

// HTTPProvider is the plain HTTP fetcher: a direct GET with a mobile user
// agent. Cheapest and first in the free candidate order.
type HTTPProvider struct {
	client *http.Client
}

// NewHTTPProvider creates an HTTPProvider. A nil client gets a default with
// redirect following and no keep-alive pooling surprises.
func NewHTTPProvider(client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &HTTPProvider{client: client}
}

// ID implements Provider.
func (p *HTTPProvider) ID() model.ProviderID { return model.ProviderHTTP }

// Fetch implements Provider.
func (p *HTTPProvider) Fetch(ctx context.Context, req Request) (*ProviderResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

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
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return &ProviderResult{ErrorDetail: normalizeFetchError(err)}, nil
	}
	defer resp.Body.Close() //nolint:errcheck

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if readErr != nil {
		return &ProviderResult{
			HTTPStatus:  resp.StatusCode,
			ErrorDetail: normalizeFetchError(readErr),
		}, nil
	}

	return &ProviderResult{
		HTTPStatus:  resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		FinalURL:    resp.Request.URL.String(),
	}, nil
}

// normalizeFetchError maps transport errors onto the detail tokens the
// classifier keys on (timeout, ECONNREFUSED, ENOTFOUND).
func normalizeFetchError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("timeout: %v", err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Sprintf("ECONNREFUSED: %v", err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Sprintf("ENOTFOUND: %v", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Sprintf("timeout: %v", err)
	}

	return err.Error()
}
