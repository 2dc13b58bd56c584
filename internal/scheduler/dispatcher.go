package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/noti/internal/db"
	"github.com/lalithlochan/noti/internal/delivery"
	"github.com/lalithlochan/noti/internal/metrics"
	"github.com/lalithlochan/noti/internal/redis"
)

// errClaimedElsewhere means another scheduler process owns this occurrence.
var errClaimedElsewhere = errors.New("occurrence claimed by another process")

// Guard reserves an occurrence across processes.
type Guard interface {
	Reserve(ctx context.Context, notificationID int64, scheduled time.Time) error
	Release(ctx context.Context, notificationID int64, scheduled time.Time) error
}

// Alerter tells an operator that both delivery paths failed.
type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}

// PersonaFunc returns the name and avatar a message is posted as.
type PersonaFunc func(ctx context.Context, guildID, userID int64) (string, string)

// dispatchResult is how one occurrence was resolved.
type dispatchResult struct {
	outcome  delivery.Outcome
	attempts int
	err      error
}

// Dispatcher owns the delivery policy for a single occurrence: the late
// window, the retry cadence and the fallback path.
type Dispatcher struct {
	primary      delivery.Sender
	fallback     delivery.Sender
	guard        Guard
	alerter      Alerter
	persona      PersonaFunc
	clock        Clock
	lateWindow   time.Duration
	retryBackoff time.Duration
	logger       *zap.Logger
}

// dispatch delivers n's occurrence at scheduled, or skips it when the late
// window has already closed. It returns an error only when the occurrence was
// left unresolved: cancellation, or another process owning it.
func (d *Dispatcher) dispatch(ctx context.Context, n *db.Notification, scheduled time.Time) (dispatchResult, error) {
	now := d.clock.Now()
	deadline := scheduled.Add(d.lateWindow)
	metrics.RecordLateness(now.Sub(scheduled))

	if !now.Before(deadline) {
		return dispatchResult{outcome: delivery.OutcomeSkipped}, nil
	}

	if d.guard != nil {
		err := d.guard.Reserve(ctx, n.ID, scheduled)
		switch {
		case errors.Is(err, redis.ErrAlreadyReserved):
			return dispatchResult{}, errClaimedElsewhere
		case err != nil:
			// the guard is best effort; deliver anyway
			d.logger.Warn("occurrence guard unavailable", zap.Error(err))
		}
	}

	dst := n.Destination()
	msg := delivery.Message{
		NotificationID: n.ID,
		ScheduledFor:   scheduled,
		Content:        n.Message,
	}
	if d.persona != nil {
		msg.Username, msg.AvatarURL = d.persona(ctx, n.GuildID, n.UserID)
	}

	res := d.deliver(ctx, dst, msg, deadline)
	if ctx.Err() != nil {
		if d.guard != nil {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := d.guard.Release(releaseCtx, n.ID, scheduled); err != nil {
				d.logger.Warn("failed to release occurrence guard", zap.Error(err))
			}
			cancel()
		}
		return dispatchResult{}, ctx.Err()
	}
	return res, nil
}

func (d *Dispatcher) deliver(ctx context.Context, dst delivery.Destination, msg delivery.Message, deadline time.Time) dispatchResult {
	attempts := 0
	var primaryErr error

	for {
		attempts++
		primaryErr = d.primary.Send(ctx, dst, msg)
		if primaryErr == nil {
			metrics.RecordDeliveryAttempt("primary", "ok")
			return dispatchResult{outcome: delivery.OutcomeSent, attempts: attempts}
		}
		metrics.RecordDeliveryAttempt("primary", "error")
		if ctx.Err() != nil {
			return dispatchResult{outcome: delivery.OutcomeFailed, attempts: attempts, err: ctx.Err()}
		}

		if delivery.IsPermissionDenied(primaryErr) {
			d.logger.Warn("primary delivery refused, using fallback", zap.Error(primaryErr))
			break
		}

		if !delivery.IsRetryable(primaryErr) {
			d.logger.Error("delivery failed", zap.Int("attempts", attempts), zap.Error(primaryErr))
			return dispatchResult{outcome: delivery.OutcomeFailed, attempts: attempts, err: primaryErr}
		}

		retryAt := d.clock.Now().Add(d.retryBackoff)
		if !retryAt.Before(deadline) {
			d.logger.Warn("delivery window exhausted, using fallback",
				zap.Int("attempts", attempts),
				zap.Error(primaryErr),
			)
			break
		}

		d.logger.Debug("transient delivery failure, retrying",
			zap.Int("attempt", attempts),
			zap.Time("retry_at", retryAt),
			zap.Error(primaryErr),
		)
		if err := d.clock.SleepUntil(ctx, retryAt); err != nil {
			return dispatchResult{outcome: delivery.OutcomeFailed, attempts: attempts, err: err}
		}
	}

	if d.fallback == nil {
		return dispatchResult{outcome: delivery.OutcomeFailed, attempts: attempts, err: primaryErr}
	}

	attempts++
	fallbackErr := d.fallback.Send(ctx, dst, msg)
	if fallbackErr == nil {
		metrics.RecordDeliveryAttempt("fallback", "ok")
		return dispatchResult{outcome: delivery.OutcomeFallback, attempts: attempts}
	}
	metrics.RecordDeliveryAttempt("fallback", "error")
	if ctx.Err() != nil {
		return dispatchResult{outcome: delivery.OutcomeFailed, attempts: attempts, err: ctx.Err()}
	}

	err := errors.Join(primaryErr, fallbackErr)
	d.logger.Error("fallback delivery failed", zap.Error(err))
	d.alert(ctx, dst, msg, err)
	return dispatchResult{outcome: delivery.OutcomeFailed, attempts: attempts, err: err}
}

func (d *Dispatcher) alert(ctx context.Context, dst delivery.Destination, msg delivery.Message, cause error) {
	if d.alerter == nil {
		return
	}
	subject := fmt.Sprintf("noti: notification %d could not be delivered", msg.NotificationID)
	body := fmt.Sprintf(
		"Notification %d for channel %d in guild %d, scheduled for %s, failed on every delivery path.\n\n%v",
		msg.NotificationID, dst.ChannelID, dst.GuildID, msg.ScheduledFor.Format(time.RFC3339), cause,
	)
	if err := d.alerter.Alert(ctx, subject, body); err != nil {
		d.logger.Warn("operator alert failed", zap.Error(err))
	}
}
