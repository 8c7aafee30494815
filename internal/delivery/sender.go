// Package delivery carries rendered scenario messages to end users over
// their preferred channel.
package delivery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/google/uuid"
)

// Button is one action attached to a message. Either URL or Callback is set.
type Button struct {
	Text     string `json:"text"`
	URL      string `json:"url,omitempty"`
	Callback string `json:"callback,omitempty"`
}

// Message is a rendered notification ready for delivery.
type Message struct {
	UserID    uuid.UUID `json:"user_id"`
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject,omitempty"`
	Text      string    `json:"text"`
	Buttons   []Button  `json:"buttons,omitempty"`
}

// Channel constants
const (
	ChannelEmail   = "email"
	ChannelSMS     = "sms"
	ChannelWebhook = "webhook"
)

// Sender is the unified interface for all delivery channels.
// Implementations: Email (SES), SMS (SNS), webhook bridge to a chat bot.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
	SupportsChannel(channel string) bool
}

// MultiSender routes messages to the appropriate channel sender.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over multiple underlying senders.
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the message to the first sender supporting its channel.
func (m *MultiSender) Send(ctx context.Context, msg *Message) error {
	for _, sender := range m.senders {
		if sender.SupportsChannel(msg.Channel) {
			m.logger.Debug("routing message to sender",
				zap.String("channel", msg.Channel),
				zap.String("user_id", msg.UserID.String()),
			)
			return sender.Send(ctx, msg)
		}
	}

	return fmt.Errorf("no sender found for channel: %s", msg.Channel)
}

// SupportsChannel checks if any underlying sender supports the channel.
func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender logs messages instead of delivering them (development mode).
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg *Message) error {
	s.logger.Info("delivering message (development mode)",
		zap.String("user_id", msg.UserID.String()),
		zap.String("channel", msg.Channel),
		zap.String("recipient", msg.Recipient),
		zap.String("text", msg.Text),
		zap.Int("buttons", len(msg.Buttons)),
	)
	return nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	// LogSender accepts all channels in development.
	return channel == ChannelEmail || channel == ChannelSMS || channel == ChannelWebhook
}
