// Package sns publishes operational alerts to an SNS topic.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/officina/internal/db"
)

// EventEmailFailed is the event_type attribute of permanent-failure alerts.
const EventEmailFailed = "email_failed"

// API is the slice of the SNS client the publisher uses
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher sends alerts to one topic
type Publisher struct {
	client   API
	topicARN string
	logger   *zap.Logger
	now      func() time.Time
}

// EmailFailureAlert is published when a queued email exhausts its attempts
type EmailFailureAlert struct {
	QueueID          string    `json:"queue_id"`
	To               string    `json:"to"`
	Subject          string    `json:"subject"`
	Attempts         int       `json:"attempts"`
	Error            string    `json:"error"`
	NotificationType string    `json:"notification_type,omitempty"`
	FailedAt         time.Time `json:"failed_at"`
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, region, topicARN string, logger *zap.Logger) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewPublisherWithClient(sns.NewFromConfig(cfg), topicARN, logger), nil
}

// NewPublisherWithClient wraps an existing client
func NewPublisherWithClient(client API, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{
		client:   client,
		topicARN: topicARN,
		logger:   logger,
		now:      time.Now,
	}
}

// AlertEmailFailed publishes an alert for a row that reached the failed state.
func (p *Publisher) AlertEmailFailed(ctx context.Context, email *db.QueuedEmail, reason string) error {
	alert := EmailFailureAlert{
		QueueID:          email.ID.String(),
		To:               email.ToEmail,
		Subject:          email.Subject,
		Attempts:         email.Attempts,
		Error:            reason,
		NotificationType: notificationType(email.Metadata),
		FailedAt:         p.now().UTC(),
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Subject:  aws.String("Email delivery failed"),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(EventEmailFailed),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Info("email failure alert published",
		zap.String("queue_id", alert.QueueID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func notificationType(metadata json.RawMessage) string {
	if len(metadata) == 0 {
		return ""
	}
	var m struct {
		NotificationType string `json:"notification_type"`
	}
	if json.Unmarshal(metadata, &m) != nil {
		return ""
	}
	return m.NotificationType
}
