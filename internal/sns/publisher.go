package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/noti/internal/delivery"
)

// API is the part of the SNS client the publisher uses.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type Config struct {
	Region   string
	TopicARN string
	// Endpoint overrides the service endpoint (LocalStack)
	Endpoint string
}

// Publisher delivers notifications to an SNS topic. Subscribers fan them out to
// whatever actually reaches the channel.
type Publisher struct {
	client   API
	topicARN string
	logger   *zap.Logger
}

// Message is the JSON body published for every notification
type Message struct {
	NotificationID int64     `json:"notification_id,string"`
	GuildID        int64     `json:"guild_id,string"`
	ChannelID      int64     `json:"channel_id,string"`
	ScheduledFor   time.Time `json:"scheduled_for"`
	Content        string    `json:"content"`
	Username       string    `json:"username,omitempty"`
	AvatarURL      string    `json:"avatar_url,omitempty"`
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewPublisherWithClient(client, cfg.TopicARN, logger), nil
}

func NewPublisherWithClient(client API, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{
		client:   client,
		topicARN: topicARN,
		logger:   logger,
	}
}

// Send publishes one occurrence. Every AWS error is treated as transient.
func (p *Publisher) Send(ctx context.Context, dst delivery.Destination, msg delivery.Message) error {
	payload, err := json.Marshal(Message{
		NotificationID: msg.NotificationID,
		GuildID:        dst.GuildID,
		ChannelID:      dst.ChannelID,
		ScheduledFor:   msg.ScheduledFor.UTC(),
		Content:        msg.Content,
		Username:       msg.Username,
		AvatarURL:      msg.AvatarURL,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"guild_id":        stringAttr(dst.GuildID),
			"channel_id":      stringAttr(dst.ChannelID),
			"notification_id": stringAttr(msg.NotificationID),
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return delivery.Retryable(0, fmt.Errorf("failed to publish to SNS: %w", err))
	}

	p.logger.Info("notification published to SNS",
		zap.Int64("notification_id", msg.NotificationID),
		zap.Int64("channel_id", dst.ChannelID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func stringAttr(v int64) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(strconv.FormatInt(v, 10)),
	}
}
