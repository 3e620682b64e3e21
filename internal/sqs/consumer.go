package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/lalithlochan/officina/internal/metrics"
)

// Delivery is a received nudge plus its receipt handle.
type Delivery struct {
	Nudge         Nudge
	ReceiptHandle string
}

// Consumer reads nudges with long polling.
type Consumer struct {
	client   API
	queueURL string
	logger   *zap.Logger

	WaitSeconds       int32
	VisibilitySeconds int32
	MaxMessages       int32
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(client API, queueURL string, logger *zap.Logger) *Consumer {
	logger.Info("sqs consumer initialized", zap.String("queue_url", queueURL))
	return &Consumer{
		client:            client,
		queueURL:          queueURL,
		logger:            logger,
		WaitSeconds:       20,
		VisibilitySeconds: 120,
		MaxMessages:       10,
	}
}

// Receive long-polls once. Bodies that do not decode are deleted and dropped.
func (c *Consumer) Receive(ctx context.Context) ([]Delivery, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.MaxMessages,
		WaitTimeSeconds:     c.WaitSeconds,
		VisibilityTimeout:   c.VisibilitySeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	deliveries := make([]Delivery, 0, len(result.Messages))
	for _, m := range result.Messages {
		var n Nudge
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &n); err != nil {
			c.logger.Warn("dropping malformed nudge", zap.Error(err))
			if delErr := c.Delete(ctx, aws.ToString(m.ReceiptHandle)); delErr != nil {
				c.logger.Warn("failed to delete malformed nudge", zap.Error(delErr))
			}
			continue
		}
		deliveries = append(deliveries, Delivery{Nudge: n, ReceiptHandle: aws.ToString(m.ReceiptHandle)})
	}
	return deliveries, nil
}

// Delete removes a message after it has been handled.
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// ChangeVisibility hands a message back to the queue after seconds.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}

// Handler processes one received batch. Nudges coalesce: one call covers
// every delivery in the batch.
type Handler func(ctx context.Context, batch []Delivery) error

// Run polls until ctx is done. A successful batch is deleted; a failed one is
// made visible again after retryAfter.
func (c *Consumer) Run(ctx context.Context, retryAfter time.Duration, handle Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		batch, err := c.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to receive nudges", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
			continue
		}
		if len(batch) == 0 {
			continue
		}

		metrics.SetSQSMessagesInFlight(len(batch))
		handleErr := handle(ctx, batch)
		metrics.SetSQSMessagesInFlight(0)

		// acknowledge even when shutdown began mid-batch
		ackCtx := context.WithoutCancel(ctx)
		for _, d := range batch {
			if handleErr != nil {
				if err := c.ChangeVisibility(ackCtx, d.ReceiptHandle, int32(retryAfter.Seconds())); err != nil {
					c.logger.Warn("failed to release nudge", zap.Error(err))
				}
				continue
			}
			if err := c.Delete(ackCtx, d.ReceiptHandle); err != nil {
				c.logger.Warn("failed to delete nudge", zap.Error(err))
			}
		}

		if handleErr != nil {
			c.logger.Error("nudge batch failed", zap.Int("size", len(batch)), zap.Error(handleErr))
		}
	}
}
