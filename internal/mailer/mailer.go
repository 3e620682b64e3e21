// Package mailer delivers rendered emails through a transactional provider.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"go.uber.org/zap"
)

// ErrInvalidMessage marks a message the provider would reject outright.
var ErrInvalidMessage = errors.New("invalid email message")

// Message is one fully rendered email
type Message struct {
	FromEmail string
	FromName  string
	ToEmail   string
	ToName    string
	Subject   string
	HTML      string
	Tags      map[string]string
}

// Receipt is what the provider hands back for an accepted message
type Receipt struct {
	Provider  string
	MessageID string
}

// Mailer sends one message. Implementations: Resend, SES, Log
type Mailer interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// Validate checks the fields every provider requires.
func (m Message) Validate() error {
	if strings.TrimSpace(m.FromEmail) == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidMessage)
	}
	if _, err := mail.ParseAddress(m.ToEmail); err != nil {
		return fmt.Errorf("%w: recipient %q: %v", ErrInvalidMessage, m.ToEmail, err)
	}
	if strings.TrimSpace(m.Subject) == "" {
		return fmt.Errorf("%w: missing subject", ErrInvalidMessage)
	}
	if m.HTML == "" {
		return fmt.Errorf("%w: missing body", ErrInvalidMessage)
	}
	return nil
}

// From renders the sender as `Name <addr>` when a display name is set.
func (m Message) From() string {
	return formatAddress(m.FromName, m.FromEmail)
}

// To renders the recipient as `Name <addr>` when a display name is set.
func (m Message) To() string {
	return formatAddress(m.ToName, m.ToEmail)
}

func formatAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	return (&mail.Address{Name: name, Address: addr}).String()
}

// LogMailer only logs. Used in development when no provider key is configured.
type LogMailer struct {
	logger *zap.Logger
}

func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (l *LogMailer) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := msg.Validate(); err != nil {
		return Receipt{}, err
	}
	l.logger.Info("email sent (log only)",
		zap.String("from", msg.From()),
		zap.String("to", msg.To()),
		zap.String("subject", msg.Subject),
		zap.Int("html_bytes", len(msg.HTML)),
	)
	return Receipt{Provider: "log"}, nil
}
