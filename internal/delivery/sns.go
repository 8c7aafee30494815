package delivery

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"
)

// SNSConfig holds settings for the SMS channel.
type SNSConfig struct {
	Region string
}

// SNSSender delivers SMS messages through AWS SNS. Buttons are dropped; SMS
// carries text only.
type SNSSender struct {
	client *sns.Client
	logger *zap.Logger
}

// NewSNSSender creates an SNS-backed SMS sender.
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sns sender initialized", zap.String("region", cfg.Region))

	return &SNSSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

func (s *SNSSender) Send(ctx context.Context, msg *Message) error {
	input := &sns.PublishInput{
		PhoneNumber: aws.String(msg.Recipient),
		Message:     aws.String(msg.Text),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		s.logger.Error("sns publish failed",
			zap.Error(err),
			zap.String("user_id", msg.UserID.String()),
		)
		return fmt.Errorf("sns publish: %w", err)
	}

	s.logger.Info("sms sent",
		zap.String("user_id", msg.UserID.String()),
		zap.String("sns_message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func (s *SNSSender) SupportsChannel(channel string) bool {
	return channel == ChannelSMS
}
