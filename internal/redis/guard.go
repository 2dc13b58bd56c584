package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrAlreadyReserved means another process already claimed the occurrence.
var ErrAlreadyReserved = errors.New("occurrence already reserved")

// OccurrenceGuard makes sure one (notification, scheduled time) pair is
// dispatched by at most one scheduler process. The reservation key expires on
// its own once the occurrence can no longer be delivered.
type OccurrenceGuard struct {
	client *Client
	ttl    time.Duration
	owner  string
	logger *zap.Logger
}

// NewOccurrenceGuard creates a guard whose keys live for ttl.
func NewOccurrenceGuard(client *Client, ttl time.Duration, logger *zap.Logger) *OccurrenceGuard {
	host, _ := os.Hostname()
	return &OccurrenceGuard{
		client: client,
		ttl:    ttl,
		owner:  fmt.Sprintf("%s:%d", host, os.Getpid()),
		logger: logger,
	}
}

func occurrenceKey(notificationID int64, scheduled time.Time) string {
	return fmt.Sprintf("occurrence:%d:%d", notificationID, scheduled.UTC().UnixNano())
}

// Reserve claims the occurrence. It returns ErrAlreadyReserved when someone
// else holds it.
func (g *OccurrenceGuard) Reserve(ctx context.Context, notificationID int64, scheduled time.Time) error {
	key := occurrenceKey(notificationID, scheduled)

	ok, err := g.client.rdb.SetNX(ctx, key, g.owner, g.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		g.logger.Debug("occurrence held by another process",
			zap.Int64("notification_id", notificationID),
			zap.Time("scheduled", scheduled),
		)
		return ErrAlreadyReserved
	}
	return nil
}

// Release drops a reservation this process holds, so a cancelled dispatch can
// be retried after a restart.
func (g *OccurrenceGuard) Release(ctx context.Context, notificationID int64, scheduled time.Time) error {
	key := occurrenceKey(notificationID, scheduled)

	owner, err := g.client.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("redis get failed: %w", err)
	}
	if owner != g.owner {
		return nil
	}
	return g.client.rdb.Del(ctx, key).Err()
}
