package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/lalithlochan/noti/internal/delivery"
)

// ProtectedSender wraps a delivery.Sender with a circuit breaker. A rejected
// call is reported as retryable so the dispatcher keeps backing off, and then
// falls back, exactly as it would for a flaky endpoint.
type ProtectedSender struct {
	sender  delivery.Sender
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender delivery.Sender, breaker *gobreaker.CircuitBreaker[struct{}], logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedSender) Send(ctx context.Context, dst delivery.Destination, msg delivery.Message) error {
	_, err := p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.sender.Send(ctx, dst, msg)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.Name()),
			zap.String("state", p.breaker.State().String()),
			zap.Int64("notification_id", msg.NotificationID),
		)
		return delivery.Retryable(0, fmt.Errorf("%s sender unavailable: %w", p.breaker.Name(), err))
	}
	return err
}

// Prefetch forwards to the wrapped sender when it supports warming up.
func (p *ProtectedSender) Prefetch(ctx context.Context, dst delivery.Destination) error {
	if pf, ok := p.sender.(interface {
		Prefetch(context.Context, delivery.Destination) error
	}); ok {
		return pf.Prefetch(ctx, dst)
	}
	return nil
}

// State reports the breaker state for health output.
func (p *ProtectedSender) State() gobreaker.State {
	return p.breaker.State()
}
