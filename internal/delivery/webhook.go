package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookConfig holds settings for the webhook channel.
type WebhookConfig struct {
	DefaultTimeout time.Duration
}

// WebhookSender posts messages to a chat-bot gateway. The recipient field of
// the message is the gateway URL for that user's bot session; text and
// buttons travel as JSON so the gateway can render native chat buttons.
type WebhookSender struct {
	client *http.Client
	logger *zap.Logger
}

// NewWebhookSender creates a webhook sender with the given timeout.
func NewWebhookSender(logger *zap.Logger, cfg WebhookConfig) *WebhookSender {
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WebhookSender{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (s *WebhookSender) Send(ctx context.Context, msg *Message) error {
	payload, err := json.Marshal(map[string]any{
		"user_id": msg.UserID.String(),
		"text":    msg.Text,
		"buttons": msg.Buttons,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.Recipient, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Error("webhook delivery failed",
			zap.Error(err),
			zap.String("user_id", msg.UserID.String()),
		)
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	s.logger.Info("webhook delivered",
		zap.String("user_id", msg.UserID.String()),
		zap.Int("status", resp.StatusCode),
	)
	return nil
}

func (s *WebhookSender) SupportsChannel(channel string) bool {
	return channel == ChannelWebhook
}
