package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lalithlochan/noti/internal/interval"
)

const notificationColumns = `
	id, guild_id, channel_id, user_id, start_time, message, is_repeating,
	interval_value, interval_unit, end_time, max_occurrences, last_triggered,
	created_at`

// Repository handles PostgreSQL operations for notifications and the name cache
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// withPool runs fn, and on a connection failure reconnects and runs it once more.
func (r *Repository) withPool(ctx context.Context, fn func(pool *pgxpool.Pool) error) error {
	err := fn(r.db.Pool())
	if !isConnectionError(err) || ctx.Err() != nil {
		return err
	}

	r.logger.Warn("database call failed on a dead connection, retrying", zap.Error(err))
	if rerr := r.db.EnsureAlive(ctx); rerr != nil {
		return fmt.Errorf("%w (reconnect failed: %v)", err, rerr)
	}
	return fn(r.db.Pool())
}

// Insert stores a new notification and fills in its id and created_at
func (r *Repository) Insert(ctx context.Context, n *Notification) (int64, error) {
	query := `
		INSERT INTO notifications (
			guild_id, channel_id, user_id, start_time, message, is_repeating,
			interval_value, interval_unit, end_time, max_occurrences, last_triggered
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`

	value, unit := intervalColumns(n.Interval)
	err := r.withPool(ctx, func(pool *pgxpool.Pool) error {
		return pool.QueryRow(ctx, query,
			n.GuildID,
			n.ChannelID,
			n.UserID,
			n.StartTime.UTC(),
			n.Message,
			n.IsRepeating,
			value,
			unit,
			utcPtr(n.EndTime),
			n.MaxOccurrences,
			utcPtr(n.LastTriggered),
		).Scan(&n.ID, &n.CreatedAt)
	})
	if err != nil {
		r.logger.Error("failed to insert notification",
			zap.Error(err),
			zap.Int64("guild_id", n.GuildID),
		)
		return 0, fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Info("notification created",
		zap.Int64("notification_id", n.ID),
		zap.Int64("guild_id", n.GuildID),
		zap.Int64("channel_id", n.ChannelID),
		zap.Bool("repeating", n.IsRepeating),
	)

	return n.ID, nil
}

// Get retrieves a notification by ID
func (r *Repository) Get(ctx context.Context, id int64) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	var n *Notification
	err := r.withPool(ctx, func(pool *pgxpool.Pool) error {
		var err error
		n, err = scanNotification(pool.QueryRow(ctx, query, id))
		return err
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// UpdateLastTriggered records the latest resolved occurrence. The column only
// ever moves forward.
func (r *Repository) UpdateLastTriggered(ctx context.Context, id int64, at time.Time) error {
	query := `
		UPDATE notifications
		SET last_triggered = GREATEST(COALESCE(last_triggered, $1), $1)
		WHERE id = $2
	`
	return r.execOne(ctx, "update last_triggered", id, query, at.UTC(), id)
}

// UpdateMaxOccurrences stores the remaining occurrence count
func (r *Repository) UpdateMaxOccurrences(ctx context.Context, id int64, remaining int) error {
	query := `UPDATE notifications SET max_occurrences = $1 WHERE id = $2`
	return r.execOne(ctx, "update max_occurrences", id, query, remaining, id)
}

// Delete removes a notification
func (r *Repository) Delete(ctx context.Context, id int64) error {
	if err := r.execOne(ctx, "delete notification", id, `DELETE FROM notifications WHERE id = $1`, id); err != nil {
		return err
	}
	r.logger.Info("notification deleted", zap.Int64("notification_id", id))
	return nil
}

// DeleteAll removes every notification and returns how many were removed
func (r *Repository) DeleteAll(ctx context.Context) (int64, error) {
	var deleted int64
	err := r.withPool(ctx, func(pool *pgxpool.Pool) error {
		tag, err := pool.Exec(ctx, `DELETE FROM notifications`)
		deleted = tag.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete all notifications: %w", err)
	}

	r.logger.Warn("all notifications deleted", zap.Int64("count", deleted))
	return deleted, nil
}

// ListAll returns every notification ordered by id
func (r *Repository) ListAll(ctx context.Context) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications ORDER BY id`
	return r.list(ctx, query)
}

// FindByGuild returns a guild's notifications ordered by start time
func (r *Repository) FindByGuild(ctx context.Context, guildID int64) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE guild_id = $1 ORDER BY start_time, id`
	return r.list(ctx, query, guildID)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]*Notification, error) {
	var notifications []*Notification
	err := r.withPool(ctx, func(pool *pgxpool.Pool) error {
		notifications = nil

		rows, err := pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			n, err := scanNotification(rows)
			if err != nil {
				return fmt.Errorf("scan notification: %w", err)
			}
			notifications = append(notifications, n)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	return notifications, nil
}

func (r *Repository) execOne(ctx context.Context, op string, id int64, query string, args ...any) error {
	var affected int64
	err := r.withPool(ctx, func(pool *pgxpool.Pool) error {
		tag, err := pool.Exec(ctx, query, args...)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		r.logger.Error("database write failed",
			zap.String("op", op),
			zap.Int64("notification_id", id),
			zap.Error(err),
		)
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: notification %d: %w", op, id, ErrNotFound)
	}
	return nil
}

// GetName reads one cached display name
func (r *Repository) GetName(ctx context.Context, kind string, id, scopeID int64) (*NameEntry, error) {
	query := `
		SELECT id, scope_id, kind, name, updated_at
		FROM name_cache
		WHERE id = $1 AND scope_id = $2 AND kind = $3
	`

	var e NameEntry
	err := r.withPool(ctx, func(pool *pgxpool.Pool) error {
		return pool.QueryRow(ctx, query, id, scopeID, kind).
			Scan(&e.ID, &e.ScopeID, &e.Kind, &e.Name, &e.UpdatedAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query name cache: %w", err)
	}
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}

// UpsertName inserts or overwrites a cached display name
func (r *Repository) UpsertName(ctx context.Context, e NameEntry) error {
	query := `
		INSERT INTO name_cache (id, scope_id, kind, name, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id, scope_id, kind)
		DO UPDATE SET name = EXCLUDED.name, updated_at = EXCLUDED.updated_at
	`
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}

	err := r.withPool(ctx, func(pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, query, e.ID, e.ScopeID, e.Kind, e.Name, e.UpdatedAt.UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert name cache: %w", err)
	}
	return nil
}

// ListNames returns the whole name cache
func (r *Repository) ListNames(ctx context.Context) ([]NameEntry, error) {
	query := `SELECT id, scope_id, kind, name, updated_at FROM name_cache ORDER BY kind, id`

	var entries []NameEntry
	err := r.withPool(ctx, func(pool *pgxpool.Pool) error {
		entries = nil

		rows, err := pool.Query(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var e NameEntry
			if err := rows.Scan(&e.ID, &e.ScopeID, &e.Kind, &e.Name, &e.UpdatedAt); err != nil {
				return fmt.Errorf("scan name cache: %w", err)
			}
			e.UpdatedAt = e.UpdatedAt.UTC()
			entries = append(entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query name cache: %w", err)
	}
	return entries, nil
}

// Health checks the pool and reconnects when it is dead
func (r *Repository) Health(ctx context.Context) error {
	return r.db.EnsureAlive(ctx)
}

// Close closes the underlying pool
func (r *Repository) Close() {
	r.db.Close()
}

func scanNotification(row pgx.Row) (*Notification, error) {
	var (
		n             Notification
		intervalValue *int64
		intervalUnit  *string
	)

	err := row.Scan(
		&n.ID,
		&n.GuildID,
		&n.ChannelID,
		&n.UserID,
		&n.StartTime,
		&n.Message,
		&n.IsRepeating,
		&intervalValue,
		&intervalUnit,
		&n.EndTime,
		&n.MaxOccurrences,
		&n.LastTriggered,
		&n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if intervalValue != nil && intervalUnit != nil {
		n.Interval = &interval.Interval{Value: *intervalValue, Unit: interval.Unit(*intervalUnit)}
	}
	n.StartTime = n.StartTime.UTC()
	n.CreatedAt = n.CreatedAt.UTC()
	n.EndTime = utcPtr(n.EndTime)
	n.LastTriggered = utcPtr(n.LastTriggered)
	return &n, nil
}

func intervalColumns(iv *interval.Interval) (*int64, *string) {
	if iv == nil {
		return nil, nil
	}
	unit := string(iv.Unit)
	value := iv.Value
	return &value, &unit
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
