package mailer

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// SESAPI is the slice of the SES client the mailer uses
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESMailer sends through AWS SES
type SESMailer struct {
	client SESAPI
	logger *zap.Logger
}

// SESConfig configures the SES mailer
type SESConfig struct {
	Region string
}

// NewSESMailer loads the default AWS credential chain for the region
func NewSESMailer(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESMailer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return NewSESMailerWithClient(ses.NewFromConfig(awsCfg), logger), nil
}

// NewSESMailerWithClient wraps an existing SES client
func NewSESMailerWithClient(client SESAPI, logger *zap.Logger) *SESMailer {
	return &SESMailer{client: client, logger: logger}
}

func (s *SESMailer) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := msg.Validate(); err != nil {
		return Receipt{}, err
	}

	input := &ses.SendEmailInput{
		Source: aws.String(msg.From()),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To()},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data:    aws.String(msg.HTML),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}
	for k, v := range msg.Tags {
		input.Tags = append(input.Tags, types.MessageTag{Name: aws.String(k), Value: aws.String(v)})
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return Receipt{}, fmt.Errorf("ses send failed: %w", err)
	}

	messageID := aws.ToString(result.MessageId)
	s.logger.Debug("email accepted by ses",
		zap.String("to", msg.ToEmail),
		zap.String("message_id", messageID),
	)

	return Receipt{Provider: "ses", MessageID: messageID}, nil
}
