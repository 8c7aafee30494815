package delivery

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// SESConfig holds settings for the email channel.
type SESConfig struct {
	Region    string
	FromEmail string
}

// SESSender delivers email messages through AWS SES. Buttons are appended as
// plain links since email has no native button affordance.
type SESSender struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

// NewSESSender creates an SES-backed email sender.
func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("ses sender initialized",
		zap.String("region", cfg.Region),
		zap.String("from", cfg.FromEmail),
	)

	return &SESSender{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

func (s *SESSender) Send(ctx context.Context, msg *Message) error {
	subject := msg.Subject
	if subject == "" {
		subject = firstLine(msg.Text)
	}

	body := msg.Text
	for _, b := range msg.Buttons {
		if b.URL != "" {
			body += fmt.Sprintf("\n\n%s: %s", b.Text, b.URL)
		}
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.Recipient},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject)},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(body)},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		s.logger.Error("ses send failed",
			zap.Error(err),
			zap.String("user_id", msg.UserID.String()),
		)
		return fmt.Errorf("ses send: %w", err)
	}

	s.logger.Info("email sent",
		zap.String("user_id", msg.UserID.String()),
		zap.String("ses_message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func (s *SESSender) SupportsChannel(channel string) bool {
	return channel == ChannelEmail
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i > 0 {
		return text[:i]
	}
	return text
}
