// Package whatsapp sends template messages through the Meta Graph API.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/officina/internal/circuitbreaker"
	"github.com/lalithlochan/officina/internal/db"
	"github.com/lalithlochan/officina/internal/effect"
	"github.com/lalithlochan/officina/internal/retry"
)

// Config configures the Graph API client
type Config struct {
	GraphURL      string
	Language      string
	DefaultRegion string
	Timeout       time.Duration
	Retry         retry.Policy
}

// MessageLog persists the outbound audit row
type MessageLog interface {
	InsertWhatsAppMessage(ctx context.Context, msg *db.WhatsAppMessage) error
}

// Client sends WhatsApp Business template messages
type Client struct {
	http    *http.Client
	cfg     Config
	breaker *circuitbreaker.CircuitBreaker
	log     MessageLog
	logger  *zap.Logger
}

// NewClient creates a Graph API client. breaker and log may be nil.
func NewClient(cfg Config, breaker *circuitbreaker.CircuitBreaker, log MessageLog, logger *zap.Logger) *Client {
	if cfg.GraphURL == "" {
		cfg.GraphURL = "https://graph.facebook.com/v21.0"
	}
	if cfg.Language == "" {
		cfg.Language = "it"
	}
	if cfg.DefaultRegion == "" {
		cfg.DefaultRegion = "IT"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	cfg.GraphURL = strings.TrimRight(cfg.GraphURL, "/")

	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		breaker: breaker,
		log:     log,
		logger:  logger,
	}
}

// SendResult is the outcome of one template send
type SendResult struct {
	MessageID string
	To        string
	Attempts  int
	Audit     effect.Result
}

// APIError is a non-2xx answer from the Graph API.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph api %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

// Retryable reports whether the status is worth another attempt.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type templateParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type templateComponent struct {
	Type       string              `json:"type"`
	Parameters []templateParameter `json:"parameters"`
}

type templateLanguage struct {
	Code string `json:"code"`
}

type template struct {
	Name       string              `json:"name"`
	Language   templateLanguage    `json:"language"`
	Components []templateComponent `json:"components,omitempty"`
}

type messageRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Template         template `json:"template"`
}

type messageResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// SendTemplate sends templateName to the recipient with params as the body
// placeholders, in order. Transient failures are retried; the outcome is
// written to the message log on a best-effort basis.
func (c *Client) SendTemplate(ctx context.Context, acc *db.WhatsAppAccount, to, templateName string, params []string) (SendResult, error) {
	phone, err := NormalizePhone(to, c.cfg.DefaultRegion)
	if err != nil {
		return SendResult{To: to}, err
	}

	body := messageRequest{
		MessagingProduct: "whatsapp",
		To:               phone,
		Type:             "template",
		Template: template{
			Name:     templateName,
			Language: templateLanguage{Code: c.cfg.Language},
		},
	}
	if len(params) > 0 {
		comp := templateComponent{Type: "body"}
		for _, p := range params {
			comp.Parameters = append(comp.Parameters, templateParameter{Type: "text", Text: p})
		}
		body.Template.Components = []templateComponent{comp}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return SendResult{To: phone}, fmt.Errorf("marshal template message: %w", err)
	}

	result := SendResult{To: phone}
	send := func(ctx context.Context) error {
		return retry.Do(ctx, c.retryPolicy(templateName), func(ctx context.Context, attempt int) error {
			result.Attempts = attempt
			id, err := c.post(ctx, acc, payload)
			if err != nil {
				var apiErr *APIError
				if errors.As(err, &apiErr) && !apiErr.Retryable() {
					return retry.Permanent(err)
				}
				return err
			}
			result.MessageID = id
			return nil
		})
	}

	if c.breaker != nil {
		err = c.breaker.Execute(ctx, send)
	} else {
		err = send(ctx)
	}

	result.Audit = c.audit(ctx, acc, phone, templateName, result.MessageID, err)
	result.Audit.Log(c.logger, zap.String("template", templateName))

	if err != nil {
		return result, fmt.Errorf("send whatsapp template %s: %w", templateName, err)
	}

	c.logger.Info("whatsapp template sent",
		zap.String("template", templateName),
		zap.String("to", phone),
		zap.String("wa_message_id", result.MessageID),
		zap.Int("attempts", result.Attempts),
	)

	return result, nil
}

func (c *Client) retryPolicy(templateName string) retry.Policy {
	p := c.cfg.Retry
	p.OnRetry = func(attempt int, err error, wait time.Duration) {
		c.logger.Warn("whatsapp send failed, retrying",
			zap.String("template", templateName),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	return p
}

func (c *Client) post(ctx context.Context, acc *db.WhatsAppAccount, payload []byte) (string, error) {
	url := fmt.Sprintf("%s/%s/messages", c.cfg.GraphURL, acc.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("create graph request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+acc.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("graph request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var ge graphError
		if json.Unmarshal(raw, &ge) == nil && ge.Error.Message != "" {
			apiErr.Message = ge.Error.Message
			apiErr.Code = ge.Error.Code
		}
		return "", apiErr
	}

	var out messageResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", retry.Permanent(fmt.Errorf("decode graph response: %w", err))
	}
	if len(out.Messages) == 0 {
		return "", retry.Permanent(errors.New("graph response has no message id"))
	}
	return out.Messages[0].ID, nil
}

func (c *Client) audit(ctx context.Context, acc *db.WhatsAppAccount, phone, templateName, messageID string, sendErr error) effect.Result {
	if c.log == nil {
		return effect.Skip("whatsapp_message_log")
	}

	row := &db.WhatsAppMessage{
		AccountID:    acc.ID,
		ToPhone:      phone,
		TemplateName: templateName,
		WAMessageID:  messageID,
		Status:       "sent",
	}
	if sendErr != nil {
		row.Status = "failed"
		row.Error = sendErr.Error()
	}

	return effect.Run(ctx, "whatsapp_message_log", func(ctx context.Context) error {
		return c.log.InsertWhatsAppMessage(ctx, row)
	})
}
