package db

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// QueuedEmail is one row of the email_queue table
type QueuedEmail struct {
	ID           uuid.UUID       `json:"id"`
	ToEmail      string          `json:"to_email"`
	ToName       string          `json:"to_name,omitempty"`
	Subject      string          `json:"subject"`
	HTMLBody     string          `json:"html_body"`
	FromEmail    string          `json:"from_email"`
	FromName     string          `json:"from_name,omitempty"`
	Status       string          `json:"status"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	ScheduledAt  time.Time       `json:"scheduled_at"`
	SentAt       *time.Time      `json:"sent_at,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Email queue status constants
const (
	EmailStatusPending  = "pending"
	EmailStatusSending  = "sending"
	EmailStatusSent     = "sent"
	EmailStatusRetrying = "retrying"
	EmailStatusFailed   = "failed"
)

// DefaultMaxAttempts bounds delivery attempts for rows inserted without an explicit limit.
const DefaultMaxAttempts = 3

// EmailLog is an audit entry written after a delivery attempt.
type EmailLog struct {
	ID                uuid.UUID `json:"id"`
	QueueID           uuid.UUID `json:"queue_id"`
	Status            string    `json:"status"`
	Attempt           int       `json:"attempt"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Error             string    `json:"error,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// CampaignStep is one stage of an automation campaign.
type CampaignStep struct {
	ID           uuid.UUID `json:"id"`
	CampaignID   uuid.UUID `json:"campaign_id"`
	StepOrder    int       `json:"step_order"`
	IsActive     bool      `json:"is_active"`
	ActionType   string    `json:"action_type"`
	TemplateName string    `json:"template_name,omitempty"`
	DelayDays    int       `json:"delay_days"`
	DelayHours   int       `json:"delay_hours"`
	DelayMinutes int       `json:"delay_minutes"`
}

// Delay is the offset of the step from the enrollment instant.
func (s CampaignStep) Delay() time.Duration {
	return time.Duration(s.DelayDays)*24*time.Hour +
		time.Duration(s.DelayHours)*time.Hour +
		time.Duration(s.DelayMinutes)*time.Minute
}

// AutomationExecution is the scheduled instance of one step for one lead.
type AutomationExecution struct {
	ID          uuid.UUID `json:"id"`
	LeadID      uuid.UUID `json:"lead_id"`
	CampaignID  uuid.UUID `json:"campaign_id"`
	StepID      uuid.UUID `json:"step_id"`
	Status      string    `json:"status"`
	ScheduledAt time.Time `json:"scheduled_at"`
	CreatedAt   time.Time `json:"created_at"`
}

const ExecutionStatusPending = "pending"

// Lead is the subset of a CRM lead needed by the automation pipeline.
type Lead struct {
	ID          uuid.UUID `json:"id"`
	CompanyName string    `json:"company_name"`
	ContactName string    `json:"contact_name,omitempty"`
	Email       *string   `json:"email,omitempty"`
	Phone       *string   `json:"phone,omitempty"`
}

// NotificationRule subscribes a recipient to a business event on one channel.
type NotificationRule struct {
	ID             uuid.UUID `json:"id"`
	EventType      string    `json:"event_type"`
	IsActive       bool      `json:"is_active"`
	Channel        string    `json:"channel"`
	RecipientName  string    `json:"recipient_name"`
	RecipientPhone *string   `json:"recipient_phone,omitempty"`
	RecipientEmail *string   `json:"recipient_email,omitempty"`
}

// Channel constants
const (
	ChannelWhatsApp = "whatsapp"
	ChannelEmail    = "email"
)

// WhatsAppAccount is a WhatsApp Business sender bound to a business unit.
type WhatsAppAccount struct {
	ID            uuid.UUID `json:"id"`
	Pipeline      string    `json:"pipeline"`
	DisplayName   string    `json:"display_name"`
	PhoneNumberID string    `json:"phone_number_id"`
	AccessToken   string    `json:"-"`
	IsActive      bool      `json:"is_active"`
}

// WhatsAppMessage is the outbound log row written after a template send.
type WhatsAppMessage struct {
	ID           uuid.UUID `json:"id"`
	AccountID    uuid.UUID `json:"account_id"`
	ToPhone      string    `json:"to_phone"`
	TemplateName string    `json:"template_name"`
	WAMessageID  string    `json:"wa_message_id,omitempty"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
