// Package delivery defines how a due occurrence leaves the process: the
// Sender contract, the failure categories the dispatch loop reacts to, and the
// simple senders that do not need a platform client.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrPermissionDenied means the destination refused us. The dispatch loop does
// not retry it and goes straight to the fallback path.
var ErrPermissionDenied = errors.New("permission denied")

// Destination is where a notification is posted.
type Destination struct {
	GuildID   int64
	ChannelID int64
}

// Message is one rendered occurrence.
type Message struct {
	NotificationID int64
	ScheduledFor   time.Time
	Content        string
	// Username and AvatarURL personalise webhook deliveries; either may be empty.
	Username  string
	AvatarURL string
}

// Sender delivers a message to a destination.
type Sender interface {
	Send(ctx context.Context, dst Destination, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, dst Destination, msg Message) error

func (f SenderFunc) Send(ctx context.Context, dst Destination, msg Message) error {
	return f(ctx, dst, msg)
}

// RetryableError marks a transient failure worth another attempt before the
// occurrence deadline.
type RetryableError struct {
	Code int
	Err  error
}

func (e *RetryableError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("transient delivery error %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("transient delivery error: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryable returns true as these errors are temporary.
func (e *RetryableError) IsRetryable() bool { return true }

// Retryable wraps err as transient.
func Retryable(code int, err error) error {
	return &RetryableError{Code: code, Err: err}
}

// IsRetryable reports whether err, or anything it wraps, is transient.
func IsRetryable(err error) bool {
	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return false
}

// IsPermissionDenied reports whether err means the destination refused us.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// LogSender logs messages instead of sending them (for development)
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, dst Destination, msg Message) error {
	s.logger.Info("notification delivered to log",
		zap.Int64("notification_id", msg.NotificationID),
		zap.Int64("guild_id", dst.GuildID),
		zap.Int64("channel_id", dst.ChannelID),
		zap.String("username", msg.Username),
		zap.Time("scheduled_for", msg.ScheduledFor),
		zap.String("content", msg.Content),
	)
	return nil
}

// Outcome is how an occurrence was resolved.
type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeFallback Outcome = "fallback"
	OutcomeFailed   Outcome = "failed"
	OutcomeSkipped  Outcome = "skipped"
)
