package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagewatch/pagewatch/internal/core"
	"github.com/pagewatch/pagewatch/internal/domain/model"
)

func testMessage() Message {
	return Message{
		AlertID:     "alert-1",
		RuleID:      "rule-1",
		RuleName:    "Pixel 8 price",
		Severity:    model.SeverityWarning,
		Title:       "Price below 500: Pixel 8 price",
		Body:        "Rule: Pixel 8 price",
		URL:         "https://shop.example.com/pixel-8",
		TriggeredAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestWebhookSender_Send_SignsAndPosts(t *testing.T) {
	secret := "wh-secret"
	var gotBody []byte
	var gotSig, gotCustom string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		gotBody = body
		gotSig = r.Header.Get(SignatureHeader)
		gotCustom = r.Header.Get("X-Team")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewWebhookSender(WebhookConfig{})
	cfg := &core.ChannelConfig{
		Name:    "ops-hook",
		Kind:    "webhook",
		URL:     srv.URL,
		Secret:  secret,
		Headers: map[string]string{"X-Team": "deals"},
	}

	require.NoError(t, sender.Send(context.Background(), cfg, testMessage()))

	assert.True(t, VerifySignature(secret, gotBody, gotSig))
	assert.Equal(t, "deals", gotCustom)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "alert-1", payload["alert_id"])
	assert.Equal(t, "warning", payload["severity"])
	assert.Equal(t, "2025-06-01T12:00:00Z", payload["triggered_at"])
}

func TestWebhookSender_Send_NoSecretNoSignature(t *testing.T) {
	var sawHeader bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawHeader = r.Header.Get(SignatureHeader) != ""
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sender := NewWebhookSender(WebhookConfig{})
	cfg := &core.ChannelConfig{Name: "hook", Kind: "webhook", URL: srv.URL}

	require.NoError(t, sender.Send(context.Background(), cfg, testMessage()))
	assert.False(t, sawHeader)
}

func TestWebhookSender_Send_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewWebhookSender(WebhookConfig{RetryLimit: 2})
	cfg := &core.ChannelConfig{Name: "hook", Kind: "webhook", URL: srv.URL}

	require.NoError(t, sender.Send(context.Background(), cfg, testMessage()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhookSender_Send_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	sender := NewWebhookSender(WebhookConfig{})
	cfg := &core.ChannelConfig{Name: "hook", Kind: "webhook", URL: srv.URL}

	err := sender.Send(context.Background(), cfg, testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "bad payload")
}

func TestWebhookSender_Send_MissingURL(t *testing.T) {
	sender := NewWebhookSender(WebhookConfig{})
	err := sender.Send(context.Background(), &core.ChannelConfig{Name: "hook", Kind: "webhook"}, testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without url")
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"alert_id":"a1"}`)
	sig := Sign("secret", body)

	assert.True(t, VerifySignature("secret", body, sig))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("secret", []byte(`tampered`), sig))
}
