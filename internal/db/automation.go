package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ListActiveSteps returns the campaign's active steps in step order
func (r *Repository) ListActiveSteps(ctx context.Context, campaignID uuid.UUID) ([]*CampaignStep, error) {
	query := `
		SELECT id, campaign_id, step_order, is_active, action_type,
		       COALESCE(template_name, ''), delay_days, delay_hours, delay_minutes
		FROM automation_steps
		WHERE campaign_id = $1 AND is_active
		ORDER BY step_order ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query automation steps: %w", err)
	}
	defer rows.Close()

	var steps []*CampaignStep
	for rows.Next() {
		var s CampaignStep
		if err := rows.Scan(
			&s.ID,
			&s.CampaignID,
			&s.StepOrder,
			&s.IsActive,
			&s.ActionType,
			&s.TemplateName,
			&s.DelayDays,
			&s.DelayHours,
			&s.DelayMinutes,
		); err != nil {
			return nil, fmt.Errorf("scan automation step: %w", err)
		}
		steps = append(steps, &s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return steps, nil
}

// HasExecution reports whether any execution exists for the lead in the campaign,
// whatever its status.
func (r *Repository) HasExecution(ctx context.Context, leadID, campaignID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM automation_executions WHERE lead_id = $1 AND campaign_id = $2)`,
		leadID, campaignID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check existing execution: %w", err)
	}
	return exists, nil
}

// GetLead retrieves a lead by ID
func (r *Repository) GetLead(ctx context.Context, id uuid.UUID) (*Lead, error) {
	query := `
		SELECT id, company_name, COALESCE(contact_name, ''), email, phone
		FROM leads
		WHERE id = $1
	`

	var lead Lead
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&lead.ID,
		&lead.CompanyName,
		&lead.ContactName,
		&lead.Email,
		&lead.Phone,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lead %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query lead: %w", err)
	}
	return &lead, nil
}

// CreateExecution inserts one scheduled step for a lead. The unique key on
// (lead_id, campaign_id, step_id) turns a concurrent duplicate into a no-op,
// reported as inserted == false.
func (r *Repository) CreateExecution(ctx context.Context, exec *AutomationExecution) (bool, error) {
	if exec.ID == uuid.Nil {
		exec.ID = uuid.New()
	}

	query := `
		INSERT INTO automation_executions (id, lead_id, campaign_id, step_id, status, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (lead_id, campaign_id, step_id) DO NOTHING
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		exec.ID,
		exec.LeadID,
		exec.CampaignID,
		exec.StepID,
		exec.Status,
		exec.ScheduledAt,
	).Scan(&exec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert automation execution: %w", err)
	}
	return true, nil
}
