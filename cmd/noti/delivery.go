package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/noti/internal/circuitbreaker"
	"github.com/lalithlochan/noti/internal/config"
	"github.com/lalithlochan/noti/internal/db"
	"github.com/lalithlochan/noti/internal/delivery"
	"github.com/lalithlochan/noti/internal/discord"
	"github.com/lalithlochan/noti/internal/names"
	"github.com/lalithlochan/noti/internal/scheduler"
	"github.com/lalithlochan/noti/internal/sns"
)

// wireDelivery fills the senders of deps for the configured backend. Only the
// Discord backend posts as the notification's author, so the persona and the
// name prefetcher are attached there and nowhere else.
func wireDelivery(ctx context.Context, cfg *config.Config, deps *scheduler.Deps, client *discord.Client, resolver *names.Resolver, logger *zap.Logger) error {
	switch cfg.Delivery {
	case config.DeliveryDiscord:
		webhooks := discord.NewWebhookSender(client, cfg.WebhookName, logger.Named("webhook"))
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("discord-webhook"), logger)
		primary := circuitbreaker.NewProtectedSender(webhooks, breaker, logger)

		deps.Primary = primary
		deps.Fallback = discord.NewChannelSender(client, logger.Named("channel"))
		deps.Persona = resolver.Persona
		deps.Prefetchers = append(deps.Prefetchers,
			resolver.Prefetch,
			func(ctx context.Context, n *db.Notification) error {
				return primary.Prefetch(ctx, n.Destination())
			},
		)
	case config.DeliverySNS:
		publisher, err := sns.NewPublisher(ctx, sns.Config{
			Region:   cfg.AWSRegion,
			TopicARN: cfg.SNSTopicARN,
			Endpoint: cfg.AWSEndpoint,
		}, logger.Named("sns"))
		if err != nil {
			return fmt.Errorf("failed to create sns publisher: %w", err)
		}
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("sns"), logger)
		deps.Primary = circuitbreaker.NewProtectedSender(publisher, breaker, logger)
	default:
		deps.Primary = delivery.NewLogSender(logger.Named("delivery"))
	}
	return nil
}
