package mailer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/resend/resend-go/v2"
	"go.uber.org/zap"
)

// ResendConfig configures the Resend client
type ResendConfig struct {
	APIKey string
	// BaseURL overrides the API endpoint; tests point it at httptest.
	BaseURL string
	Timeout time.Duration
}

// ResendMailer sends through the Resend API
type ResendMailer struct {
	client *resend.Client
	logger *zap.Logger
}

// NewResendMailer creates a Resend-backed mailer
func NewResendMailer(cfg ResendConfig, logger *zap.Logger) (*ResendMailer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("resend: api key is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}

	client := resend.NewCustomClient(&http.Client{Timeout: cfg.Timeout}, cfg.APIKey)
	if cfg.BaseURL != "" {
		// the SDK resolves "emails" against the base, so it needs the trailing slash
		base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("resend: invalid base url: %w", err)
		}
		client.BaseURL = base
	}

	return &ResendMailer{client: client, logger: logger}, nil
}

// Send validates the message and hands it to the Resend emails endpoint
func (r *ResendMailer) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := msg.Validate(); err != nil {
		return Receipt{}, err
	}

	req := &resend.SendEmailRequest{
		From:    msg.From(),
		To:      []string{msg.ToEmail},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Tags:    resendTags(msg.Tags),
	}

	sent, err := r.client.Emails.SendWithContext(ctx, req)
	if err != nil {
		return Receipt{}, fmt.Errorf("resend send: %w", err)
	}

	r.logger.Debug("email accepted by resend",
		zap.String("to", msg.ToEmail),
		zap.String("message_id", sent.Id),
	)

	return Receipt{Provider: "resend", MessageID: sent.Id}, nil
}

func resendTags(tags map[string]string) []resend.Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]resend.Tag, 0, len(tags))
	for k, v := range tags {
		out = append(out, resend.Tag{Name: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
