// Package sqs fans lifecycle events out to downstream consumers (analytics,
// CRM sync) over AWS SQS.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lifecyclehq/pulse/internal/engine"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// envelope is the wire payload for one lifecycle event.
type envelope struct {
	EventID     string          `json:"event_id,omitempty"`
	Event       string          `json:"event"`
	UserID      string          `json:"user_id"`
	Timestamp   int64           `json:"timestamp"`
	Amount      float64         `json:"amount,omitempty"`
	ServiceID   string          `json:"service_id,omitempty"`
	ServiceType string          `json:"service_type,omitempty"`
	GraceDay    int             `json:"grace_day,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PublishedAt int64           `json:"published_at"`
}

// Publisher sends lifecycle events to SQS.
type Publisher struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewPublisher creates a new SQS publisher.
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs publisher initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Publisher{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Publish forwards one lifecycle event. Returns the SQS message ID.
func (p *Publisher) Publish(ctx context.Context, evt *engine.Event) (string, error) {
	env := envelope{
		EventID:     evt.ID,
		Event:       evt.Name,
		UserID:      evt.UserID.String(),
		Timestamp:   evt.At.Unix(),
		Amount:      evt.Amount,
		ServiceType: evt.ServiceType,
		GraceDay:    evt.GraceDay,
		PublishedAt: time.Now().UnixNano(),
	}
	if evt.ServiceID != uuid.Nil {
		env.ServiceID = evt.ServiceID.String()
	}
	if len(evt.Payload) > 0 {
		raw, err := json.Marshal(evt.Payload)
		if err != nil {
			return "", fmt.Errorf("failed to marshal payload: %w", err)
		}
		env.Payload = raw
	}

	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("event", evt.Name),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}
