package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pagewatch/pagewatch/internal/domain/model"
)

const defaultRenderWait = 3 * time.Second

// HeadlessProvider fetches through the in-house browser render service,
// which loads the page in headless Chromium and returns the settled DOM.
type HeadlessProvider struct {
	endpoint string
	client   *http.Client
}

// HeadlessConfig configures a HeadlessProvider.
type HeadlessConfig struct {
	// Endpoint is the base URL of the render service.
	Endpoint string
	Client   *http.Client
}

// NewHeadlessProvider creates a HeadlessProvider.
func NewHeadlessProvider(cfg HeadlessConfig) (*HeadlessProvider, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("headless endpoint is required")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HeadlessProvider{endpoint: endpoint, client: client}, nil
}

// ID implements Provider.
func (p *HeadlessProvider) ID() model.ProviderID { return model.ProviderHeadless }

type renderRequest struct {
	URL       string `json:"url"`
	WaitMs    int64  `json:"waitMs"`
	UserAgent string `json:"userAgent,omitempty"`
	TimeoutMs int64  `json:"timeoutMs"`
}

type renderResponse struct {
	Status      int    `json:"status"`
	HTML        string `json:"html"`
	FinalURL    string `json:"finalUrl"`
	ContentType string `json:"contentType"`
	Error       string `json:"error,omitempty"`
}

// Fetch implements Provider.
func (p *HeadlessProvider) Fetch(ctx context.Context, req Request) (*ProviderResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	wait := req.RenderWait
	if wait <= 0 {
		wait = defaultRenderWait
	}
	ctx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	payload, err := json.Marshal(renderRequest{
		URL:       req.URL,
		WaitMs:    wait.Milliseconds(),
		UserAgent: req.UserAgent,
		TimeoutMs: timeout.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode render payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/render", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create render request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return &ProviderResult{ErrorDetail: normalizeFetchError(err)}, nil
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &ProviderResult{ErrorDetail: normalizeFetchError(err)}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return &ProviderResult{
			ErrorDetail: fmt.Sprintf("render service %s: %s", resp.Status, truncateDetail(raw)),
		}, nil
	}

	var rendered renderResponse
	if err := json.Unmarshal(raw, &rendered); err != nil {
		return &ProviderResult{ErrorDetail: fmt.Sprintf("render service invalid response: %v", err)}, nil
	}
	if rendered.Error != "" {
		return &ProviderResult{ErrorDetail: rendered.Error}, nil
	}

	contentType := rendered.ContentType
	if contentType == "" {
		contentType = "text/html"
	}
	return &ProviderResult{
		HTTPStatus:  rendered.Status,
		Body:        []byte(rendered.HTML),
		ContentType: contentType,
		FinalURL:    rendered.FinalURL,
	}, nil
}
