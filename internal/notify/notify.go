// Package notify delivers triggered alerts to configured channels: webhooks
// with HMAC signing, SMTP email, and Slack incoming webhooks.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/pagewatch/pagewatch/internal/core"
	"github.com/pagewatch/pagewatch/internal/domain/model"
)

// Message is the channel-independent alert content.
type Message struct {
	AlertID     string
	RuleID      string
	RuleName    string
	Severity    model.Severity
	Title       string
	Body        string
	URL         string
	TriggeredAt time.Time
}

// Sender delivers one message to one configured channel.
type Sender interface {
	Send(ctx context.Context, cfg *core.ChannelConfig, msg Message) error
}

// SenderFunc adapts a function to the Sender interface (useful for tests).
type SenderFunc func(ctx context.Context, cfg *core.ChannelConfig, msg Message) error

// Send implements the Sender interface.
func (f SenderFunc) Send(ctx context.Context, cfg *core.ChannelConfig, msg Message) error {
	if f == nil {
		return nil
	}
	return f(ctx, cfg, msg)
}

// Registry maps channel kinds to their senders.
type Registry struct {
	senders map[string]Sender
}

// NewRegistry builds a registry over the given kind/sender pairs.
func NewRegistry() *Registry {
	return &Registry{senders: make(map[string]Sender)}
}

// Register binds a sender to a channel kind, replacing any previous binding.
func (r *Registry) Register(kind string, sender Sender) {
	r.senders[kind] = sender
}

// For returns the sender for the channel kind.
func (r *Registry) For(kind string) (Sender, error) {
	sender, ok := r.senders[kind]
	if !ok {
		return nil, fmt.Errorf("no sender registered for channel kind %q", kind)
	}
	return sender, nil
}
