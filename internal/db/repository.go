package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles database operations for the outbound-communication pipeline
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository over the shared pool
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const queuedEmailColumns = `
	id, to_email, COALESCE(to_name, ''), subject, html_body,
	from_email, COALESCE(from_name, ''), status, attempts, max_attempts,
	scheduled_at, sent_at, error_message, metadata, created_at, updated_at`

func scanQueuedEmail(row pgx.Row) (*QueuedEmail, error) {
	var e QueuedEmail
	err := row.Scan(
		&e.ID,
		&e.ToEmail,
		&e.ToName,
		&e.Subject,
		&e.HTMLBody,
		&e.FromEmail,
		&e.FromName,
		&e.Status,
		&e.Attempts,
		&e.MaxAttempts,
		&e.ScheduledAt,
		&e.SentAt,
		&e.ErrorMessage,
		&e.Metadata,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// EnqueueEmail inserts a new pending row into the email queue
func (r *Repository) EnqueueEmail(ctx context.Context, email *QueuedEmail) error {
	if email.ID == uuid.Nil {
		email.ID = uuid.New()
	}
	if email.Status == "" {
		email.Status = EmailStatusPending
	}
	if email.MaxAttempts == 0 {
		email.MaxAttempts = DefaultMaxAttempts
	}
	if email.ScheduledAt.IsZero() {
		email.ScheduledAt = time.Now()
	}

	query := `
		INSERT INTO email_queue (
			id, to_email, to_name, subject, html_body, from_email, from_name,
			status, attempts, max_attempts, scheduled_at, metadata
		) VALUES (
			$1, $2, NULLIF($3, ''), $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11, $12
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		email.ID,
		email.ToEmail,
		email.ToName,
		email.Subject,
		email.HTMLBody,
		email.FromEmail,
		email.FromName,
		email.Status,
		email.Attempts,
		email.MaxAttempts,
		email.ScheduledAt,
		email.Metadata,
	).Scan(&email.CreatedAt, &email.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to enqueue email",
			zap.Error(err),
			zap.String("email_id", email.ID.String()),
		)
		return fmt.Errorf("insert queued email: %w", err)
	}

	r.logger.Info("email queued",
		zap.String("email_id", email.ID.String()),
		zap.String("to", email.ToEmail),
	)

	return nil
}

// GetEmail retrieves a queued email by ID
func (r *Repository) GetEmail(ctx context.Context, id uuid.UUID) (*QueuedEmail, error) {
	query := `SELECT ` + queuedEmailColumns + ` FROM email_queue WHERE id = $1`

	email, err := scanQueuedEmail(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("queued email %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query queued email: %w", err)
	}
	return email, nil
}

// ListDueEmails returns up to limit rows that are waiting for delivery and whose
// schedule has come due, oldest first. Rows that exhausted their attempts never qualify.
// A row left in sending since before staleBefore is treated as abandoned and qualifies too.
func (r *Repository) ListDueEmails(ctx context.Context, now, staleBefore time.Time, limit int) ([]*QueuedEmail, error) {
	query := `SELECT ` + queuedEmailColumns + `
		FROM email_queue
		WHERE (status IN ('pending', 'retrying') AND scheduled_at <= $1 AND attempts < max_attempts)
		   OR (status = 'sending' AND updated_at < $2)
		ORDER BY created_at ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, now, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("query due emails: %w", err)
	}
	defer rows.Close()

	var emails []*QueuedEmail
	for rows.Next() {
		email, err := scanQueuedEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queued email: %w", err)
		}
		emails = append(emails, email)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return emails, nil
}

// ClaimEmail moves a row to sending and bumps its attempt counter, but only if
// the row is still waiting or its previous claim went stale. claimed is false
// when another run got there first. A reclaimed row never counts past max_attempts.
func (r *Repository) ClaimEmail(ctx context.Context, id uuid.UUID, staleBefore time.Time) (attempts int, claimed bool, err error) {
	query := `
		UPDATE email_queue
		SET status = 'sending', attempts = LEAST(attempts + 1, max_attempts), updated_at = NOW()
		WHERE id = $1
		  AND ((status IN ('pending', 'retrying') AND attempts < max_attempts)
		    OR (status = 'sending' AND updated_at < $2))
		RETURNING attempts
	`

	err = r.db.Pool().QueryRow(ctx, query, id, staleBefore).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("claim queued email: %w", err)
	}
	return attempts, true, nil
}

// MarkEmailSent records a successful delivery and clears the last error
func (r *Repository) MarkEmailSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	query := `
		UPDATE email_queue
		SET status = 'sent', sent_at = $1, error_message = NULL, updated_at = NOW()
		WHERE id = $2
	`
	return r.exec(ctx, "mark email sent", query, sentAt, id)
}

// MarkEmailRetrying stores the failure and pushes the row back to nextAttempt
func (r *Repository) MarkEmailRetrying(ctx context.Context, id uuid.UUID, errMsg string, nextAttempt time.Time) error {
	query := `
		UPDATE email_queue
		SET status = 'retrying', error_message = $1, scheduled_at = $2, updated_at = NOW()
		WHERE id = $3
	`
	return r.exec(ctx, "mark email retrying", query, errMsg, nextAttempt, id)
}

// MarkEmailFailed parks the row in the terminal failed state
func (r *Repository) MarkEmailFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	query := `
		UPDATE email_queue
		SET status = 'failed', error_message = $1, updated_at = NOW()
		WHERE id = $2
	`
	return r.exec(ctx, "mark email failed", query, errMsg, id)
}

// InsertEmailLog appends an audit entry for a delivery attempt
func (r *Repository) InsertEmailLog(ctx context.Context, entry *EmailLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	query := `
		INSERT INTO email_logs (id, queue_id, status, attempt, provider_message_id, error)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''))
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		entry.ID,
		entry.QueueID,
		entry.Status,
		entry.Attempt,
		entry.ProviderMessageID,
		entry.Error,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert email log: %w", err)
	}
	return nil
}

func (r *Repository) exec(ctx context.Context, op, query string, args ...any) error {
	result, err := r.db.Pool().Exec(ctx, query, args...)
	if err != nil {
		r.logger.Error("database write failed", zap.String("op", op), zap.Error(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
