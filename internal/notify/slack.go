package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pagewatch/pagewatch/internal/core"
	"github.com/pagewatch/pagewatch/internal/domain/model"
)

// SlackConfig captures the Slack incoming-webhook sender behaviour.
type SlackConfig struct {
	Username   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
}

// SlackSender posts alert messages to a channel's Slack incoming webhook.
type SlackSender struct {
	username   string
	retryLimit int
	client     *http.Client
}

// NewSlackSender builds a Slack webhook sender.
func NewSlackSender(cfg SlackConfig) *SlackSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.RetryLimit
	if retries < 0 {
		retries = 0
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	username := strings.TrimSpace(cfg.Username)
	if username == "" {
		username = "pagewatch"
	}
	return &SlackSender{username: username, retryLimit: retries, client: hc}
}

// Send posts a formatted message to the channel's webhook URL.
func (s *SlackSender) Send(ctx context.Context, cfg *core.ChannelConfig, msg Message) error {
	target := strings.TrimSpace(cfg.URL)
	if target == "" {
		return errors.New("slack channel without webhook url")
	}

	body, err := json.Marshal(s.formatMessage(msg))
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}

	attempts := s.retryLimit + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err = s.post(ctx, target, body)
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

func (s *SlackSender) formatMessage(msg Message) map[string]any {
	var text strings.Builder
	text.WriteString(severityEmoji(msg.Severity))
	text.WriteString(" *")
	text.WriteString(escapeSlackText(msg.Title))
	text.WriteString("*\n")
	if msg.URL != "" {
		text.WriteString("<")
		text.WriteString(msg.URL)
		text.WriteString(">\n")
	}
	text.WriteString(escapeSlackText(msg.Body))

	return map[string]any{
		"text":     text.String(),
		"username": s.username,
	}
}

func severityEmoji(severity model.Severity) string {
	switch severity {
	case model.SeverityCritical:
		return ":rotating_light:"
	case model.SeverityWarning:
		return ":warning:"
	default:
		return ":information_source:"
	}
}

func escapeSlackText(value string) string {
	if value == "" {
		return ""
	}
	return strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
	).Replace(value)
}

func (s *SlackSender) post(ctx context.Context, target string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readErrorResponse("slack webhook", resp)
	}
	return drainResponse(resp)
}
