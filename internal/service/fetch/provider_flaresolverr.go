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

const defaultFlareSolverrWait = 55 * time.Second

// FlareSolverrProvider proxies fetches through a FlareSolverr instance,
// which drives a real browser to clear Cloudflare-style challenges.
type FlareSolverrProvider struct {
	endpoint string
	client   *http.Client
}

// FlareSolverrConfig configures a FlareSolverrProvider.
type FlareSolverrConfig struct {
	// Endpoint is the base URL of the FlareSolverr service, e.g.
	// http://flaresolverr:8191.
	Endpoint string
	Client   *http.Client
}

// NewFlareSolverrProvider creates a FlareSolverrProvider.
func NewFlareSolverrProvider(cfg FlareSolverrConfig) (*FlareSolverrProvider, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("flaresolverr endpoint is required")
	}
	client := cfg.Client
	if client == nil {
		// The solver itself can take over a minute; the HTTP timeout is
		// applied per request via context instead.
		client = &http.Client{}
	}
	return &FlareSolverrProvider{endpoint: endpoint, client: client}, nil
}

// ID implements Provider.
func (p *FlareSolverrProvider) ID() model.ProviderID { return model.ProviderFlareSolverr }

type flareSolverrRequest struct {
	Cmd        string `json:"cmd"`
	URL        string `json:"url"`
	MaxTimeout int64  `json:"maxTimeout"` // ms
}

type flareSolverrResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Solution struct {
		URL      string            `json:"url"`
		Status   int               `json:"status"`
		Headers  map[string]string `json:"headers"`
		Response string            `json:"response"`
	} `json:"solution"`
}

// Fetch implements Provider.
func (p *FlareSolverrProvider) Fetch(ctx context.Context, req Request) (*ProviderResult, error) {
	wait := req.FlareSolverrWait
	if wait <= 0 {
		wait = defaultFlareSolverrWait
	}
	ctx, cancel := context.WithTimeout(ctx, wait+10*time.Second)
	defer cancel()

	payload, err := json.Marshal(flareSolverrRequest{
		Cmd:        "request.get",
		URL:        req.URL,
		MaxTimeout: wait.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode flaresolverr payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/v1", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create flaresolverr request: %w", err)
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
			ErrorDetail: fmt.Sprintf("flaresolverr %s: %s", resp.Status, truncateDetail(raw)),
		}, nil
	}

	var solved flareSolverrResponse
	if err := json.Unmarshal(raw, &solved); err != nil {
		return &ProviderResult{ErrorDetail: fmt.Sprintf("flaresolverr invalid response: %v", err)}, nil
	}
	if solved.Status != "ok" {
		return &ProviderResult{ErrorDetail: fmt.Sprintf("flaresolverr status %s: %s", solved.Status, solved.Message)}, nil
	}

	return &ProviderResult{
		HTTPStatus:  solved.Solution.Status,
		Body:        []byte(solved.Solution.Response),
		ContentType: solutionContentType(solved.Solution.Headers),
		FinalURL:    solved.Solution.URL,
	}, nil
}

func solutionContentType(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, "content-type") {
			return v
		}
	}
	return "text/html"
}

func truncateDetail(raw []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(raw))
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
