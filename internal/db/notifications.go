package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ListActiveRules returns the active notification rules subscribed to eventType
func (r *Repository) ListActiveRules(ctx context.Context, eventType string) ([]*NotificationRule, error) {
	query := `
		SELECT id, event_type, is_active, channel, recipient_name,
		       NULLIF(recipient_phone, ''), NULLIF(recipient_email, '')
		FROM notification_rules
		WHERE event_type = $1 AND is_active
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, eventType)
	if err != nil {
		return nil, fmt.Errorf("query notification rules: %w", err)
	}
	defer rows.Close()

	var rules []*NotificationRule
	for rows.Next() {
		var rule NotificationRule
		if err := rows.Scan(
			&rule.ID,
			&rule.EventType,
			&rule.IsActive,
			&rule.Channel,
			&rule.RecipientName,
			&rule.RecipientPhone,
			&rule.RecipientEmail,
		); err != nil {
			return nil, fmt.Errorf("scan notification rule: %w", err)
		}
		rules = append(rules, &rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return rules, nil
}

// GetActiveWhatsAppAccount returns the first active account of the business unit.
// It returns ErrNotFound when the unit has no usable account.
func (r *Repository) GetActiveWhatsAppAccount(ctx context.Context, pipeline string) (*WhatsAppAccount, error) {
	query := `
		SELECT id, pipeline, COALESCE(display_name, ''), phone_number_id, access_token, is_active
		FROM whatsapp_accounts
		WHERE pipeline = $1 AND is_active
		ORDER BY created_at ASC
		LIMIT 1
	`

	var acc WhatsAppAccount
	err := r.db.Pool().QueryRow(ctx, query, pipeline).Scan(
		&acc.ID,
		&acc.Pipeline,
		&acc.DisplayName,
		&acc.PhoneNumberID,
		&acc.AccessToken,
		&acc.IsActive,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("whatsapp account for %s: %w", pipeline, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query whatsapp account: %w", err)
	}
	return &acc, nil
}

// InsertWhatsAppMessage logs an outbound template message
func (r *Repository) InsertWhatsAppMessage(ctx context.Context, msg *WhatsAppMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}

	query := `
		INSERT INTO whatsapp_messages (id, account_id, to_phone, template_name, wa_message_id, status, error)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''))
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		msg.ID,
		msg.AccountID,
		msg.ToPhone,
		msg.TemplateName,
		msg.WAMessageID,
		msg.Status,
		msg.Error,
	).Scan(&msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert whatsapp message: %w", err)
	}
	return nil
}
