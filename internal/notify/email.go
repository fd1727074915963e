package notify

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/pagewatch/pagewatch/internal/core"
)

// EmailConfig captures the SMTP relay settings shared by all email channels.
type EmailConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

// EmailSender delivers alert messages over a single configured SMTP relay.
// Per-channel configs only carry recipients.
type EmailSender struct {
	addr string
	host string
	from string
	auth smtp.Auth

	// sendMail is swapped in tests; smtp.SendMail otherwise.
	sendMail func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailSender builds an email sender. Auth is plain when a username is set.
func NewEmailSender(cfg EmailConfig) (*EmailSender, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, errors.New("smtp host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("smtp from address is required")
	}
	port := cfg.Port
	if port <= 0 {
		port = 587
	}

	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}

	return &EmailSender{
		addr:     fmt.Sprintf("%s:%d", host, port),
		host:     host,
		from:     cfg.From,
		auth:     auth,
		sendMail: smtp.SendMail,
	}, nil
}

// Send delivers the message to the channel's recipients.
func (s *EmailSender) Send(ctx context.Context, cfg *core.ChannelConfig, msg Message) error {
	if len(cfg.To) == 0 {
		return errors.New("email channel without recipients")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	raw := s.compose(cfg.To, msg)
	if err := s.sendMail(s.addr, s.auth, s.from, cfg.To, raw); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func (s *EmailSender) compose(to []string, msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: [%s] %s\r\n", strings.ToUpper(string(msg.Severity)), sanitizeHeader(msg.Title))
	fmt.Fprintf(&b, "Date: %s\r\n", msg.TriggeredAt.UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	if msg.URL != "" {
		b.WriteString("\r\n\r\n")
		b.WriteString(msg.URL)
	}
	return []byte(b.String())
}

// sanitizeHeader strips CRLF so message fields cannot inject extra headers.
func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
