package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lalithlochan/noti/internal/delivery"
)

// DefaultWebhookName is the webhook the service owns in every channel it posts to.
const DefaultWebhookName = "NotiWebhook"

// WebhookSender posts through a per-channel webhook so messages carry the
// originator's name and avatar. Webhooks are looked up (or created) once per
// channel and cached.
type WebhookSender struct {
	client *Client
	name   string
	logger *zap.Logger

	mu    sync.Mutex
	hooks map[int64]Webhook
}

// NewWebhookSender creates a webhook sender
func NewWebhookSender(client *Client, name string, logger *zap.Logger) *WebhookSender {
	if name == "" {
		name = DefaultWebhookName
	}
	return &WebhookSender{
		client: client,
		name:   name,
		logger: logger,
		hooks:  make(map[int64]Webhook),
	}
}

// Send executes the channel's webhook
func (s *WebhookSender) Send(ctx context.Context, dst delivery.Destination, msg delivery.Message) error {
	wh, err := s.webhook(ctx, dst.ChannelID)
	if err != nil {
		return err
	}

	err = s.client.ExecuteWebhook(ctx, wh, msg.Content, msg.Username, msg.AvatarURL)
	if errors.Is(err, ErrNotFound) {
		// someone deleted the webhook; recreate it on the next attempt
		s.forget(dst.ChannelID)
		return delivery.Retryable(0, fmt.Errorf("webhook for channel %d vanished: %w", dst.ChannelID, err))
	}
	if err != nil {
		return err
	}

	s.logger.Info("notification delivered via webhook",
		zap.Int64("notification_id", msg.NotificationID),
		zap.Int64("channel_id", dst.ChannelID),
		zap.String("username", msg.Username),
	)
	return nil
}

// Prefetch makes sure the channel's webhook is resolved before dispatch time.
func (s *WebhookSender) Prefetch(ctx context.Context, dst delivery.Destination) error {
	_, err := s.webhook(ctx, dst.ChannelID)
	return err
}

func (s *WebhookSender) webhook(ctx context.Context, channelID int64) (Webhook, error) {
	s.mu.Lock()
	wh, ok := s.hooks[channelID]
	s.mu.Unlock()
	if ok {
		return wh, nil
	}

	hooks, err := s.client.ChannelWebhooks(ctx, channelID)
	if err != nil {
		return Webhook{}, fmt.Errorf("list webhooks: %w", err)
	}

	found := false
	for _, h := range hooks {
		if h.Name == s.name && h.Token != "" {
			wh, found = h, true
			break
		}
	}
	if !found {
		created, err := s.client.CreateWebhook(ctx, channelID, s.name)
		if err != nil {
			return Webhook{}, fmt.Errorf("create webhook: %w", err)
		}
		wh = *created
		s.logger.Info("created channel webhook",
			zap.Int64("channel_id", channelID),
			zap.String("name", s.name),
		)
	}

	s.mu.Lock()
	s.hooks[channelID] = wh
	s.mu.Unlock()
	return wh, nil
}

func (s *WebhookSender) forget(channelID int64) {
	s.mu.Lock()
	delete(s.hooks, channelID)
	s.mu.Unlock()
}

// ChannelSender posts a plain bot message. It is the fallback when the
// webhook path is refused or keeps failing.
type ChannelSender struct {
	client *Client
	logger *zap.Logger
}

func NewChannelSender(client *Client, logger *zap.Logger) *ChannelSender {
	return &ChannelSender{client: client, logger: logger}
}

func (s *ChannelSender) Send(ctx context.Context, dst delivery.Destination, msg delivery.Message) error {
	if err := s.client.CreateMessage(ctx, dst.ChannelID, msg.Content); err != nil {
		return err
	}
	s.logger.Info("notification delivered via channel",
		zap.Int64("notification_id", msg.NotificationID),
		zap.Int64("channel_id", dst.ChannelID),
	)
	return nil
}
