package config

import (
	"strings"
	"time"
)

// NotifyConfig contains notification delivery configuration shared by the
// channel adapters. Per-channel destinations (URLs, recipients, secrets) live
// in the channel_configs table; this covers transport-level settings.
type NotifyConfig struct {
	// Timeout bounds one delivery attempt to a channel.
	Timeout time.Duration `env:"NOTIFY_TIMEOUT" envDefault:"30s"`

	// RetryLimit is the number of webhook retry attempts after the first failure.
	RetryLimit int `env:"NOTIFY_RETRY_LIMIT" envDefault:"2"`

	// SlackUsername is the display name for Slack deliveries.
	SlackUsername string `env:"NOTIFY_SLACK_USERNAME" envDefault:"pagewatch"`

	// SMTP transport for the email channel. An empty host disables email.
	SMTP SMTPConfig `envPrefix:"SMTP_"`
}

// SMTPConfig contains SMTP transport configuration for email delivery.
type SMTPConfig struct {
	Host     string `env:"HOST"     envDefault:""`
	Port     int    `env:"PORT"     envDefault:"587"`
	From     string `env:"FROM"     envDefault:""`
	Username string `env:"USERNAME" envDefault:""`
	Password string `env:"PASSWORD" envDefault:""`
}

// Enabled reports whether the email channel can be wired.
func (s *SMTPConfig) Enabled() bool {
	return s.Host != "" && s.From != ""
}

// Sanitize applies guardrails to notification configuration values.
func (n *NotifyConfig) Sanitize() {
	if n.Timeout <= 0 {
		n.Timeout = 30 * time.Second
	}
	if n.RetryLimit < 0 {
		n.RetryLimit = 0
	}
	n.SlackUsername = strings.TrimSpace(n.SlackUsername)
	if n.SlackUsername == "" {
		n.SlackUsername = "pagewatch"
	}
	n.SMTP.Host = strings.TrimSpace(n.SMTP.Host)
	n.SMTP.From = strings.TrimSpace(n.SMTP.From)
	if n.SMTP.Port <= 0 {
		n.SMTP.Port = 587
	}
}
