// Package circuitbreaker guards a delivery backend with a sony/gobreaker
// breaker so that a failing Discord or AWS endpoint fails fast instead of
// tying up every task's retry window.
package circuitbreaker

import (
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/lalithlochan/noti/internal/delivery"
)

// Config configures one breaker
type Config struct {
	Name string
	// MaxFailures consecutive failures open the circuit
	MaxFailures uint32
	// RecoveryTimeout is how long the circuit stays open before probing
	RecoveryTimeout time.Duration
	// HalfOpenRequests probes are allowed while half-open
	HalfOpenRequests uint32
}

// DefaultConfig returns sensible defaults for a delivery backend.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxFailures:      5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// New builds a breaker. Permission-denied errors count as successes: the
// endpoint answered, it just refused this channel.
func New(cfg Config, logger *zap.Logger) *gobreaker.CircuitBreaker[struct{}] {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}

	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || delivery.IsPermissionDenied(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}
