package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lalithlochan/officina/internal/db"
	"github.com/lalithlochan/officina/internal/effect"
	"github.com/lalithlochan/officina/internal/metrics"
	"github.com/lalithlochan/officina/internal/whatsapp"
)

// Per-recipient failure messages, shown to operators as-is.
const (
	ErrMsgNoPhone   = "Nessun numero"
	ErrMsgNoEmail   = "Nessuna email"
	ErrMsgNoAccount = "Nessun account WhatsApp attivo"
)

type Store interface {
	ListActiveRules(ctx context.Context, eventType string) ([]*db.NotificationRule, error)
	GetActiveWhatsAppAccount(ctx context.Context, pipeline string) (*db.WhatsAppAccount, error)
	EnqueueEmail(ctx context.Context, email *db.QueuedEmail) error
}

type WhatsAppSender interface {
	SendTemplate(ctx context.Context, acc *db.WhatsAppAccount, to, templateName string, params []string) (whatsapp.SendResult, error)
}

// Nudger tells the worker that a queued email is waiting.
type Nudger interface {
	Nudge(ctx context.Context, queueID uuid.UUID, reason string) (string, error)
}

type Config struct {
	Pipeline  string
	FromEmail string
	FromName  string
}

// RecipientResult is the outcome of one rule.
type RecipientResult struct {
	Name    string `json:"name"`
	Channel string `json:"channel"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type Dispatcher struct {
	store    Store
	whatsapp WhatsAppSender
	nudger   Nudger
	renderer *Renderer
	config   Config
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewDispatcher wires a dispatcher. nudger may be nil.
func NewDispatcher(store Store, wa WhatsAppSender, nudger Nudger, renderer *Renderer, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Pipeline == "" {
		cfg.Pipeline = "Zapper"
	}
	return &Dispatcher{
		store:    store,
		whatsapp: wa,
		nudger:   nudger,
		renderer: renderer,
		config:   cfg,
		logger:   logger,
		tracer:   otel.Tracer("officina/notify"),
	}
}

// Dispatch delivers the event to every active rule subscribed to it. Individual
// rule failures are reported in the results; only a rule load error fails the call.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) ([]RecipientResult, error) {
	def, err := Lookup(ev.Type)
	if err != nil {
		return nil, err
	}

	ctx, span := d.tracer.Start(ctx, "notify.Dispatch", trace.WithAttributes(attribute.String("event.type", ev.Type)))
	defer span.End()

	rules, err := d.store.ListActiveRules(ctx, ev.Type)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load rules")
		return nil, fmt.Errorf("failed to load notification rules: %w", err)
	}

	results := make([]RecipientResult, 0, len(rules))
	if len(rules) == 0 {
		d.logger.Info("no active rules for event", zap.String("event", ev.Type))
		return results, nil
	}

	var (
		account    *db.WhatsAppAccount
		accountErr error
		resolved   bool
	)

	for _, rule := range rules {
		var res RecipientResult
		switch rule.Channel {
		case db.ChannelWhatsApp:
			if !resolved {
				account, accountErr = d.resolveAccount(ctx)
				resolved = true
			}
			res = d.sendWhatsApp(ctx, def, ev, rule, account, accountErr)
		case db.ChannelEmail:
			res = d.queueEmail(ctx, ev, rule)
		default:
			res = RecipientResult{Name: rule.RecipientName, Channel: rule.Channel, Error: "canale non supportato: " + rule.Channel}
		}

		metrics.RecordNotificationDispatched(ev.Type, rule.Channel, res.Success)
		results = append(results, res)
	}

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("notify.rules", len(rules)), attribute.Int("notify.failed", failed))
	d.logger.Info("event dispatched",
		zap.String("event", ev.Type),
		zap.Int("rules", len(rules)),
		zap.Int("failed", failed),
	)
	return results, nil
}

func (d *Dispatcher) resolveAccount(ctx context.Context) (*db.WhatsAppAccount, error) {
	acc, err := d.store.GetActiveWhatsAppAccount(ctx, d.config.Pipeline)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			d.logger.Error("failed to load whatsapp account",
				zap.String("pipeline", d.config.Pipeline),
				zap.Error(err),
			)
		}
		return nil, err
	}
	return acc, nil
}

func (d *Dispatcher) sendWhatsApp(ctx context.Context, def Definition, ev Event, rule *db.NotificationRule, acc *db.WhatsAppAccount, accErr error) RecipientResult {
	res := RecipientResult{Name: rule.RecipientName, Channel: db.ChannelWhatsApp}

	if rule.RecipientPhone == nil || *rule.RecipientPhone == "" {
		res.Error = ErrMsgNoPhone
		return res
	}
	if accErr != nil || acc == nil {
		res.Error = ErrMsgNoAccount
		return res
	}

	sent, err := d.whatsapp.SendTemplate(ctx, acc, *rule.RecipientPhone, def.WhatsAppTemplate, def.Params(rule.RecipientName, ev))
	if err != nil {
		d.logger.Warn("whatsapp notification failed",
			zap.String("event", ev.Type),
			zap.String("recipient", rule.RecipientName),
			zap.Error(err),
		)
		res.Error = err.Error()
		return res
	}

	d.logger.Debug("whatsapp notification sent",
		zap.String("recipient", rule.RecipientName),
		zap.String("wa_message_id", sent.MessageID),
	)
	res.Success = true
	return res
}

func (d *Dispatcher) queueEmail(ctx context.Context, ev Event, rule *db.NotificationRule) RecipientResult {
	res := RecipientResult{Name: rule.RecipientName, Channel: db.ChannelEmail}

	if rule.RecipientEmail == nil || *rule.RecipientEmail == "" {
		res.Error = ErrMsgNoEmail
		return res
	}

	subject, html, err := d.renderer.Render(rule.RecipientName, ev)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	metadata, _ := json.Marshal(map[string]string{"notification_type": ev.Type})
	email := &db.QueuedEmail{
		ToEmail:   *rule.RecipientEmail,
		ToName:    rule.RecipientName,
		Subject:   subject,
		HTMLBody:  html,
		FromEmail: d.config.FromEmail,
		FromName:  d.config.FromName,
		Status:    db.EmailStatusPending,
		Metadata:  metadata,
	}
	if err := d.store.EnqueueEmail(ctx, email); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true

	nudge := effect.Skip("queue_nudge")
	if d.nudger != nil {
		nudge = effect.Run(ctx, "queue_nudge", func(ctx context.Context) error {
			_, err := d.nudger.Nudge(ctx, email.ID, ev.Type)
			return err
		})
	}
	nudge.Log(d.logger, zap.String("queue_id", email.ID.String()))
	return res
}
