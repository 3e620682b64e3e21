// Package emailqueue drains the email_queue table through a Mailer.
package emailqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lalithlochan/officina/internal/db"
	"github.com/lalithlochan/officina/internal/effect"
	"github.com/lalithlochan/officina/internal/mailer"
	"github.com/lalithlochan/officina/internal/metrics"
	"github.com/lalithlochan/officina/internal/ratelimit"
)

// Store is the persistence the processor needs.
type Store interface {
	ListDueEmails(ctx context.Context, now, staleBefore time.Time, limit int) ([]*db.QueuedEmail, error)
	ClaimEmail(ctx context.Context, id uuid.UUID, staleBefore time.Time) (attempts int, claimed bool, err error)
	MarkEmailSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error
	MarkEmailRetrying(ctx context.Context, id uuid.UUID, errMsg string, nextAttempt time.Time) error
	MarkEmailFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	InsertEmailLog(ctx context.Context, entry *db.EmailLog) error
}

// Alerter is notified when an email exhausts its attempts.
type Alerter interface {
	AlertEmailFailed(ctx context.Context, email *db.QueuedEmail, reason string) error
}

type Config struct {
	BatchSize  int
	RetryDelay time.Duration
	// Lease is how long a row may stay in sending before another run reclaims it.
	Lease time.Duration
}

// Outcome is what happened to one row during a run.
type Outcome struct {
	ID       uuid.UUID
	Status   string
	Attempts int
	Error    string
	Effects  []effect.Result
}

// Summary is the result of one run.
type Summary struct {
	Processed int       `json:"processed"`
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
	Retrying  int       `json:"retrying"`
	Outcomes  []Outcome `json:"-"`
}

type Processor struct {
	store   Store
	mailer  mailer.Mailer
	pacer   ratelimit.Pacer
	alerter Alerter
	config  Config
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// New builds a processor. alerter may be nil.
func New(store Store, m mailer.Mailer, pacer ratelimit.Pacer, alerter Alerter, cfg Config, logger *zap.Logger) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Minute
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 10 * time.Minute
	}
	if pacer == nil {
		pacer = ratelimit.NewTokenBucket(0, 1)
	}

	return &Processor{
		store:   store,
		mailer:  m,
		pacer:   pacer,
		alerter: alerter,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("officina/emailqueue"),
		now:     time.Now,
	}
}

// Start runs the processor on every tick until ctx is done.
func (p *Processor) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("email queue processor stopping")
			return
		case <-ticker.C:
			summary, err := p.Run(ctx)
			if err != nil {
				p.logger.Error("email queue run failed", zap.Error(err))
				continue
			}
			if summary.Processed > 0 {
				p.logger.Info("email queue run finished",
					zap.Int("processed", summary.Processed),
					zap.Int("sent", summary.Sent),
					zap.Int("failed", summary.Failed),
					zap.Int("retrying", summary.Retrying),
				)
			}
		}
	}
}

// Run processes one batch of due emails sequentially.
func (p *Processor) Run(ctx context.Context) (Summary, error) {
	start := p.now()
	ctx, span := p.tracer.Start(ctx, "emailqueue.Run")
	defer span.End()

	var summary Summary
	emails, err := p.store.ListDueEmails(ctx, start, p.staleBefore(), p.config.BatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list due emails")
		metrics.RecordQueueRun("error", time.Since(start))
		return summary, fmt.Errorf("failed to read email queue: %w", err)
	}
	span.SetAttributes(attribute.Int("emailqueue.batch", len(emails)))

	for _, email := range emails {
		if ctx.Err() != nil {
			break
		}
		out, ok := p.process(ctx, email)
		if !ok {
			continue
		}

		summary.Processed++
		switch out.Status {
		case db.EmailStatusSent:
			summary.Sent++
		case db.EmailStatusFailed:
			summary.Failed++
		case db.EmailStatusRetrying:
			summary.Retrying++
		}
		metrics.RecordEmailProcessed(out.Status)
		summary.Outcomes = append(summary.Outcomes, out)
	}

	span.SetAttributes(
		attribute.Int("emailqueue.processed", summary.Processed),
		attribute.Int("emailqueue.sent", summary.Sent),
		attribute.Int("emailqueue.failed", summary.Failed),
	)
	metrics.RecordQueueRun("ok", time.Since(start))
	return summary, nil
}

// process returns false when the row was not handled by this run.
func (p *Processor) process(ctx context.Context, email *db.QueuedEmail) (Outcome, bool) {
	ctx, span := p.tracer.Start(ctx, "emailqueue.Send",
		trace.WithAttributes(attribute.String("email.id", email.ID.String())))
	defer span.End()

	logger := p.logger.With(zap.String("queue_id", email.ID.String()))

	// Wait before claiming so a cancelled wait leaves the row untouched.
	if err := p.pacer.Wait(ctx); err != nil {
		logger.Warn("pacer wait aborted", zap.Error(err))
		return Outcome{}, false
	}

	attempts, claimed, err := p.store.ClaimEmail(ctx, email.ID, p.staleBefore())
	if err != nil {
		span.RecordError(err)
		logger.Error("failed to claim email", zap.Error(err))
		return Outcome{}, false
	}
	if !claimed {
		logger.Debug("email already claimed by another run")
		return Outcome{}, false
	}
	email.Attempts = attempts
	email.Status = db.EmailStatusSending

	out := Outcome{ID: email.ID, Attempts: attempts}
	receipt, sendErr := p.mailer.Send(ctx, messageFor(email))
	now := p.now()

	// A claimed row must leave sending even when the run is cancelled mid-send.
	ctx = context.WithoutCancel(ctx)

	if sendErr == nil {
		out.Status = db.EmailStatusSent
		if err := p.store.MarkEmailSent(ctx, email.ID, now); err != nil {
			logger.Error("failed to mark email sent", zap.Error(err))
		}
		logger.Info("email sent",
			zap.String("provider", receipt.Provider),
			zap.String("message_id", receipt.MessageID),
			zap.Int("attempt", attempts),
		)
	} else {
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, "send failed")
		out.Error = sendErr.Error()

		maxAttempts := email.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = db.DefaultMaxAttempts
		}

		if attempts >= maxAttempts {
			out.Status = db.EmailStatusFailed
			if err := p.store.MarkEmailFailed(ctx, email.ID, out.Error); err != nil {
				logger.Error("failed to mark email failed", zap.Error(err))
			}
			logger.Error("email permanently failed",
				zap.Int("attempts", attempts),
				zap.Error(sendErr),
			)
		} else {
			out.Status = db.EmailStatusRetrying
			next := now.Add(p.config.RetryDelay)
			if err := p.store.MarkEmailRetrying(ctx, email.ID, out.Error, next); err != nil {
				logger.Error("failed to schedule retry", zap.Error(err))
			}
			logger.Warn("email send failed, will retry",
				zap.Int("attempt", attempts),
				zap.Time("next_attempt", next),
				zap.Error(sendErr),
			)
		}
	}

	out.Effects = p.sideEffects(ctx, email, out, receipt)
	for _, r := range out.Effects {
		r.Log(logger)
	}
	return out, true
}

func (p *Processor) staleBefore() time.Time {
	return p.now().Add(-p.config.Lease)
}

func (p *Processor) sideEffects(ctx context.Context, email *db.QueuedEmail, out Outcome, receipt mailer.Receipt) []effect.Result {
	results := []effect.Result{
		effect.Run(ctx, "email_log", func(ctx context.Context) error {
			return p.store.InsertEmailLog(ctx, &db.EmailLog{
				QueueID:           email.ID,
				Status:            out.Status,
				Attempt:           out.Attempts,
				ProviderMessageID: receipt.MessageID,
				Error:             out.Error,
			})
		}),
	}

	if out.Status != db.EmailStatusFailed {
		return results
	}
	if p.alerter == nil {
		return append(results, effect.Skip("failure_alert"))
	}
	return append(results, effect.Run(ctx, "failure_alert", func(ctx context.Context) error {
		return p.alerter.AlertEmailFailed(ctx, email, out.Error)
	}))
}

func messageFor(email *db.QueuedEmail) mailer.Message {
	msg := mailer.Message{
		FromEmail: email.FromEmail,
		FromName:  email.FromName,
		ToEmail:   email.ToEmail,
		ToName:    email.ToName,
		Subject:   email.Subject,
		HTML:      email.HTMLBody,
	}

	var meta map[string]any
	if len(email.Metadata) > 0 && json.Unmarshal(email.Metadata, &meta) == nil {
		if t, ok := meta["notification_type"].(string); ok && t != "" {
			msg.Tags = map[string]string{"notification_type": t}
		}
	}
	return msg
}
