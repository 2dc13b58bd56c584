package delivery

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// SESAPI is the slice of the SES client the alerter uses.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESAlerter emails an operator when an occurrence could not be delivered by
// either the primary or the fallback path.
type SESAlerter struct {
	client SESAPI
	from   string
	to     string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
	ToEmail   string
}

func NewSESAlerter(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESAlerter, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return NewSESAlerterWithClient(ses.NewFromConfig(awsCfg), cfg, logger), nil
}

func NewSESAlerterWithClient(client SESAPI, cfg SESConfig, logger *zap.Logger) *SESAlerter {
	return &SESAlerter{
		client: client,
		from:   cfg.FromEmail,
		to:     cfg.ToEmail,
		logger: logger,
	}
}

// Alert sends a plain-text email
func (a *SESAlerter) Alert(ctx context.Context, subject, body string) error {
	input := &ses.SendEmailInput{
		Source: aws.String(a.from),
		Destination: &types.Destination{
			ToAddresses: []string{a.to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := a.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	a.logger.Info("operator alert sent via SES",
		zap.String("to", a.to),
		zap.String("subject", subject),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
