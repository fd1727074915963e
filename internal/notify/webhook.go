package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pagewatch/pagewatch/internal/core"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, computed
// with the channel's secret. Receivers should verify it before trusting the
// payload.
const SignatureHeader = "X-Pagewatch-Signature"

// WebhookConfig captures the webhook sender behaviour.
type WebhookConfig struct {
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
}

// WebhookSender posts alert payloads as JSON to a configured URL.
type WebhookSender struct {
	retryLimit int
	client     *http.Client
}

// NewWebhookSender builds a webhook sender.
func NewWebhookSender(cfg WebhookConfig) *WebhookSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retries := cfg.RetryLimit
	if retries < 0 {
		retries = 0
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	return &WebhookSender{retryLimit: retries, client: hc}
}

// webhookPayload is the wire shape receivers get.
type webhookPayload struct {
	AlertID     string `json:"alert_id"`
	RuleID      string `json:"rule_id"`
	RuleName    string `json:"rule_name,omitempty"`
	Severity    string `json:"severity"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	URL         string `json:"url,omitempty"`
	TriggeredAt string `json:"triggered_at"`
}

// Send posts the message, signing the body when the channel has a secret.
func (s *WebhookSender) Send(ctx context.Context, cfg *core.ChannelConfig, msg Message) error {
	target := strings.TrimSpace(cfg.URL)
	if target == "" {
		return errors.New("webhook channel without url")
	}

	body, err := json.Marshal(webhookPayload{
		AlertID:     msg.AlertID,
		RuleID:      msg.RuleID,
		RuleName:    msg.RuleName,
		Severity:    string(msg.Severity),
		Title:       msg.Title,
		Body:        msg.Body,
		URL:         msg.URL,
		TriggeredAt: msg.TriggeredAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	attempts := s.retryLimit + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err = s.post(ctx, cfg, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < attempts-1 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return err
			}
		}
	}
	return lastErr
}

func (s *WebhookSender) post(ctx context.Context, cfg *core.ChannelConfig, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	if cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(cfg.Secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readErrorResponse("webhook", resp)
	}
	return drainResponse(resp)
}

// Sign returns "sha256=<hex hmac>" over the body with the given secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header against the body.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

func sleepBackoff(ctx context.Context, attempt int) error {
	// Simple linear backoff to avoid thundering retries.
	delay := time.Duration(attempt+1) * 200 * time.Millisecond
	timer := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		if !timer.Stop() {
			<-timer.C
		}
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func drainResponse(resp *http.Response) error {
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			return errors.Join(
				fmt.Errorf("drain response body: %w", err),
				fmt.Errorf("close response body: %w", closeErr),
			)
		}
		return fmt.Errorf("drain response body: %w", err)
	}
	if err := resp.Body.Close(); err != nil {
		return fmt.Errorf("close response body: %w", err)
	}
	return nil
}

func readErrorResponse(kind string, resp *http.Response) error {
	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
	closeErr := resp.Body.Close()
	if readErr != nil {
		if closeErr != nil {
			return errors.Join(
				fmt.Errorf("read %s error response: %w", kind, readErr),
				fmt.Errorf("close response body: %w", closeErr),
			)
		}
		return fmt.Errorf("read %s error response: %w", kind, readErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close response body: %w", closeErr)
	}
	return fmt.Errorf("%s %s: %s", kind, resp.Status, strings.TrimSpace(string(respBody)))
}
