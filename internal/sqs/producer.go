// Package sqs publishes one event per resolved occurrence so downstream
// consumers (audit, analytics) can follow what the scheduler did.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/noti/internal/delivery"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	Endpoint string
}

// API is the part of the SQS client the producer uses.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// OccurrenceEvent is the message body.
type OccurrenceEvent struct {
	EventID        string           `json:"event_id"`
	NotificationID int64            `json:"notification_id,string"`
	GuildID        int64            `json:"guild_id,string"`
	ChannelID      int64            `json:"channel_id,string"`
	ScheduledFor   time.Time        `json:"scheduled_for"`
	ResolvedAt     time.Time        `json:"resolved_at"`
	Outcome        delivery.Outcome `json:"outcome"`
	Attempts       int              `json:"attempts"`
	Error          string           `json:"error,omitempty"`
	// Remaining is the occurrence budget left, nil when unbounded.
	Remaining *int `json:"remaining,omitempty"`
}

// Producer sends occurrence events to SQS.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sqs producer initialized", zap.String("queue_url", cfg.QueueURL))
	return NewProducerWithClient(client, cfg.QueueURL, logger), nil
}

func NewProducerWithClient(client API, queueURL string, logger *zap.Logger) *Producer {
	return &Producer{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Publish sends one event. An empty EventID is filled with a fresh UUID, which
// also serves as the deduplication id on FIFO queues.
func (p *Producer) Publish(ctx context.Context, ev OccurrenceEvent) error {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.ResolvedAt.IsZero() {
		ev.ResolvedAt = time.Now().UTC()
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"outcome": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(ev.Outcome)),
			},
			"guild_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(strconv.FormatInt(ev.GuildID, 10)),
			},
		},
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send occurrence event",
			zap.Error(err),
			zap.Int64("notification_id", ev.NotificationID),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("occurrence event published",
		zap.String("event_id", ev.EventID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
