// Package automation expands campaign steps into scheduled executions for leads.
package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lalithlochan/officina/internal/db"
	"github.com/lalithlochan/officina/internal/metrics"
)

// ErrInvalidInput marks caller mistakes; the HTTP layer maps it to 400.
var ErrInvalidInput = errors.New("invalid input")

type Store interface {
	ListActiveSteps(ctx context.Context, campaignID uuid.UUID) ([]*db.CampaignStep, error)
	HasExecution(ctx context.Context, leadID, campaignID uuid.UUID) (bool, error)
	GetLead(ctx context.Context, id uuid.UUID) (*db.Lead, error)
	CreateExecution(ctx context.Context, exec *db.AutomationExecution) (bool, error)
}

type Enroller struct {
	store  Store
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewEnroller(store Store, logger *zap.Logger) *Enroller {
	return &Enroller{
		store:  store,
		logger: logger,
		tracer: otel.Tracer("officina/automation"),
		now:    time.Now,
	}
}

// Enroll schedules every active step of the campaign for each lead and returns
// how many executions were created. A lead that already has any execution in
// the campaign is left alone. Step delays are all relative to one start instant.
func (e *Enroller) Enroll(ctx context.Context, leadIDs []uuid.UUID, campaignID uuid.UUID) (int, error) {
	if len(leadIDs) == 0 {
		return 0, fmt.Errorf("%w: leadIds must not be empty", ErrInvalidInput)
	}
	if campaignID == uuid.Nil {
		return 0, fmt.Errorf("%w: campaignId is required", ErrInvalidInput)
	}

	ctx, span := e.tracer.Start(ctx, "automation.Enroll", trace.WithAttributes(
		attribute.String("campaign.id", campaignID.String()),
		attribute.Int("leads", len(leadIDs)),
	))
	defer span.End()

	steps, err := e.store.ListActiveSteps(ctx, campaignID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list steps")
		return 0, fmt.Errorf("failed to load campaign steps: %w", err)
	}
	if len(steps) == 0 {
		return 0, fmt.Errorf("%w: campaign %s has no active steps", ErrInvalidInput, campaignID)
	}

	start := e.now()
	created := 0

	for _, leadID := range leadIDs {
		if ctx.Err() != nil {
			break
		}
		created += e.enrollLead(ctx, leadID, campaignID, steps, start)
	}

	span.SetAttributes(attribute.Int("executions.created", created))
	metrics.RecordExecutionsCreated(created)
	e.logger.Info("leads enrolled",
		zap.String("campaign_id", campaignID.String()),
		zap.Int("leads", len(leadIDs)),
		zap.Int("executions_created", created),
	)
	return created, nil
}

func (e *Enroller) enrollLead(ctx context.Context, leadID, campaignID uuid.UUID, steps []*db.CampaignStep, start time.Time) int {
	logger := e.logger.With(
		zap.String("lead_id", leadID.String()),
		zap.String("campaign_id", campaignID.String()),
	)

	exists, err := e.store.HasExecution(ctx, leadID, campaignID)
	if err != nil {
		logger.Error("failed to check existing enrollment", zap.Error(err))
		return 0
	}
	if exists {
		logger.Debug("lead already enrolled")
		return 0
	}

	if _, err := e.store.GetLead(ctx, leadID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			logger.Warn("lead not found, skipping")
		} else {
			logger.Error("failed to load lead", zap.Error(err))
		}
		return 0
	}

	created := 0
	for _, step := range steps {
		inserted, err := e.store.CreateExecution(ctx, &db.AutomationExecution{
			LeadID:      leadID,
			CampaignID:  campaignID,
			StepID:      step.ID,
			Status:      db.ExecutionStatusPending,
			ScheduledAt: start.Add(step.Delay()),
		})
		if err != nil {
			logger.Error("failed to create execution",
				zap.String("step_id", step.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if inserted {
			created++
		}
	}
	return created
}
