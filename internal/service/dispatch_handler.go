package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pagewatch/pagewatch/internal/core"
	"github.com/pagewatch/pagewatch/internal/domain/model"
	"github.com/pagewatch/pagewatch/internal/notify"
)

// DispatchHandler processes one alerts:dispatch job: load the alert, resolve
// each channel config, and deliver through the matching sender. The job fails
// (and retries) only when every channel fails; partial failures are logged and
// the job completes.
type DispatchHandler struct {
	alerts   core.AlertRepository
	rules    core.RuleRepository
	channels core.ChannelConfigRepository
	registry *notify.Registry
	cache    core.CacheRepository
	logger   *slog.Logger
}

// DispatchHandlerOptions configures a DispatchHandler.
type DispatchHandlerOptions struct {
	Alerts   core.AlertRepository
	Rules    core.RuleRepository
	Channels core.ChannelConfigRepository
	Registry *notify.Registry
	// Cache, when set, records per-channel delivery claims so retries after a
	// partial failure do not re-send to channels that already got the alert.
	Cache  core.CacheRepository
	Logger *slog.Logger
}

// NewDispatchHandler creates a DispatchHandler.
func NewDispatchHandler(opts DispatchHandlerOptions) *DispatchHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DispatchHandler{
		alerts:   opts.Alerts,
		rules:    opts.Rules,
		channels: opts.Channels,
		registry: opts.Registry,
		cache:    opts.Cache,
		logger:   logger,
	}
}

// deliveryClaimTTL bounds how long a per-channel delivery claim is remembered.
// Longer than the queue's full retry schedule so a late retry still sees it.
const deliveryClaimTTL = 24 * time.Hour

// Handle runs one alerts:dispatch job.
func (h *DispatchHandler) Handle(ctx context.Context, job *model.Job) error {
	var payload model.AlertDispatchJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("dispatch handler: decode payload: %w", err)
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("dispatch handler: invalid payload: %w", err)
	}

	alert, err := h.alerts.GetByID(ctx, payload.AlertID)
	if err != nil {
		return fmt.Errorf("dispatch handler: load alert %s: %w", payload.AlertID, err)
	}
	if alert == nil {
		h.logger.WarnContext(ctx, "alert gone before dispatch; skipping", "alert_id", payload.AlertID)
		return nil
	}

	channelNames := payload.Channels
	if len(channelNames) == 0 {
		channelNames = alert.Channels
	}
	if len(channelNames) == 0 {
		h.logger.InfoContext(ctx, "alert has no channels; nothing to dispatch", "alert_id", alert.ID)
		return nil
	}

	msg := h.buildMessage(ctx, alert)

	var delivered, failed []string
	for _, name := range channelNames {
		if h.alreadyDelivered(ctx, alert, name) {
			delivered = append(delivered, name)
			continue
		}
		if err := h.deliver(ctx, alert, name, msg); err != nil {
			failed = append(failed, name)
			h.releaseDeliveryClaim(ctx, alert, name)
			h.logger.ErrorContext(ctx, "channel delivery failed",
				"alert_id", alert.ID, "channel", name, "error", err)
			continue
		}
		delivered = append(delivered, name)
	}

	if len(delivered) == 0 {
		return fmt.Errorf("dispatch handler: all %d channels failed for alert %s: %s",
			len(failed), alert.ID, strings.Join(failed, ", "))
	}

	h.logger.InfoContext(ctx, "alert dispatched",
		"alert_id", alert.ID,
		"severity", alert.Severity,
		"delivered", len(delivered),
		"failed", len(failed))
	return nil
}

// buildMessage enriches the alert with rule name and URL when the rule is
// still around; delivery proceeds without them otherwise.
func (h *DispatchHandler) buildMessage(ctx context.Context, alert *model.Alert) notify.Message {
	msg := notify.Message{
		AlertID:     alert.ID,
		RuleID:      alert.RuleID,
		Severity:    alert.Severity,
		Title:       alert.Title,
		Body:        alert.Body,
		TriggeredAt: alert.TriggeredAt,
	}
	rule, err := h.rules.GetByID(ctx, alert.RuleID)
	if err != nil {
		h.logger.WarnContext(ctx, "rule lookup failed during dispatch",
			"alert_id", alert.ID, "rule_id", alert.RuleID, "error", err)
		return msg
	}
	if rule != nil {
		msg.RuleName = rule.Name
		msg.URL = rule.URL
	}
	return msg
}

func deliveryClaimKey(alert *model.Alert, channel string) string {
	return "pagewatch:dispatch:" + alert.DedupeKey + ":" + channel
}

// alreadyDelivered claims the (alert, channel) pair in the shared cache.
// Cache errors fail open: a duplicate notification beats a dropped one.
func (h *DispatchHandler) alreadyDelivered(ctx context.Context, alert *model.Alert, channel string) bool {
	if h.cache == nil {
		return false
	}
	claimed, err := h.cache.SetIfNotExists(ctx, deliveryClaimKey(alert, channel), []byte("1"), deliveryClaimTTL)
	if err != nil {
		h.logger.WarnContext(ctx, "delivery claim failed; sending anyway",
			"alert_id", alert.ID, "channel", channel, "error", err)
		return false
	}
	if !claimed {
		h.logger.InfoContext(ctx, "channel already delivered on a previous attempt; skipping",
			"alert_id", alert.ID, "channel", channel)
	}
	return !claimed
}

// releaseDeliveryClaim frees the claim after a failed send so the next retry
// attempts the channel again.
func (h *DispatchHandler) releaseDeliveryClaim(ctx context.Context, alert *model.Alert, channel string) {
	if h.cache == nil {
		return
	}
	if _, err := h.cache.Delete(ctx, deliveryClaimKey(alert, channel)); err != nil {
		h.logger.WarnContext(ctx, "release delivery claim failed",
			"alert_id", alert.ID, "channel", channel, "error", err)
	}
}

func (h *DispatchHandler) deliver(ctx context.Context, alert *model.Alert, name string, msg notify.Message) error {
	cfg, err := h.channels.GetByName(ctx, core.ChannelLookupParams{
		WorkspaceID: alert.WorkspaceID,
		Name:        name,
	})
	if err != nil {
		return fmt.Errorf("resolve channel: %w", err)
	}
	if cfg == nil {
		return fmt.Errorf("channel %q not configured", name)
	}

	sender, err := h.registry.For(cfg.Kind)
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := sender.Send(sendCtx, cfg, msg); err != nil {
		return fmt.Errorf("send via %s: %w", cfg.Kind, err)
	}
	return nil
}
