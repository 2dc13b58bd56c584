package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	// Registers the "sqlite" driver (pure Go).
	_ "modernc.org/sqlite"

	"github.com/lalithlochan/noti/internal/interval"
	"github.com/lalithlochan/noti/migrations"
)

// SQLiteRepository implements Store on an embedded SQLite file. Timestamps are
// stored as UTC unix nanoseconds.
type SQLiteRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens (or creates) the database at path, applies PRAGMAs and the
// embedded migrations.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteRepository, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// single writer engine
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	applied, err := runSQLiteMigrations(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	logger.Info("sqlite store opened",
		zap.String("path", path),
		zap.Int("migrations_applied", applied),
	)

	return &SQLiteRepository{db: db, logger: logger}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// runSQLiteMigrations brings the schema up to date with the embedded
// sqlite/ migrations and reports how many were applied.
func runSQLiteMigrations(db *sql.DB) (int, error) {
	src, err := iofs.New(migrations.FS, "sqlite")
	if err != nil {
		return 0, fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return 0, fmt.Errorf("migration driver: %w", err)
	}
	// m.Close would close db as well, so the migrator is left to the GC.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return 0, fmt.Errorf("create migrator: %w", err)
	}

	before, err := schemaVersion(m)
	if err != nil {
		return 0, err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("apply: %w", err)
	}
	after, err := schemaVersion(m)
	if err != nil {
		return 0, err
	}
	return int(after - before), nil
}

func schemaVersion(m *migrate.Migrate) (uint, error) {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return 0, fmt.Errorf("schema version %d is dirty", version)
	}
	return version, nil
}

// Insert stores a new notification and fills in its id and created_at
func (r *SQLiteRepository) Insert(ctx context.Context, n *Notification) (int64, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	value, unit := intervalColumns(n.Interval)

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO notifications (
			guild_id, channel_id, user_id, start_time, message, is_repeating,
			interval_value, interval_unit, end_time, max_occurrences, last_triggered,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.GuildID, n.ChannelID, n.UserID, toNanos(n.StartTime), n.Message, boolToInt(n.IsRepeating),
		value, unit, toNullNanos(n.EndTime), n.MaxOccurrences, toNullNanos(n.LastTriggered),
		toNanos(n.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert notification: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert notification: %w", err)
	}
	n.ID = id

	r.logger.Info("notification created",
		zap.Int64("notification_id", n.ID),
		zap.Int64("guild_id", n.GuildID),
		zap.Bool("repeating", n.IsRepeating),
	)
	return id, nil
}

// Get retrieves a notification by ID
func (r *SQLiteRepository) Get(ctx context.Context, id int64) (*Notification, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	n, err := scanSQLiteNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("notification %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// UpdateLastTriggered records the latest resolved occurrence; never moves back.
func (r *SQLiteRepository) UpdateLastTriggered(ctx context.Context, id int64, at time.Time) error {
	return r.execOne(ctx, "update last_triggered", id, `
		UPDATE notifications
		SET last_triggered = MAX(COALESCE(last_triggered, ?1), ?1)
		WHERE id = ?2`,
		toNanos(at), id,
	)
}

// UpdateMaxOccurrences stores the remaining occurrence count
func (r *SQLiteRepository) UpdateMaxOccurrences(ctx context.Context, id int64, remaining int) error {
	return r.execOne(ctx, "update max_occurrences", id,
		`UPDATE notifications SET max_occurrences = ? WHERE id = ?`, remaining, id)
}

// Delete removes a notification
func (r *SQLiteRepository) Delete(ctx context.Context, id int64) error {
	if err := r.execOne(ctx, "delete notification", id, `DELETE FROM notifications WHERE id = ?`, id); err != nil {
		return err
	}
	r.logger.Info("notification deleted", zap.Int64("notification_id", id))
	return nil
}

// DeleteAll removes every notification
func (r *SQLiteRepository) DeleteAll(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM notifications`)
	if err != nil {
		return 0, fmt.Errorf("delete all notifications: %w", err)
	}
	n, _ := res.RowsAffected()
	r.logger.Warn("all notifications deleted", zap.Int64("count", n))
	return n, nil
}

// ListAll returns every notification ordered by id
func (r *SQLiteRepository) ListAll(ctx context.Context) ([]*Notification, error) {
	return r.list(ctx, `SELECT `+notificationColumns+` FROM notifications ORDER BY id`)
}

// FindByGuild returns a guild's notifications ordered by start time
func (r *SQLiteRepository) FindByGuild(ctx context.Context, guildID int64) ([]*Notification, error) {
	return r.list(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE guild_id = ? ORDER BY start_time, id`, guildID)
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]*Notification, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var res []*Notification
	for rows.Next() {
		n, err := scanSQLiteNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		res = append(res, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return res, nil
}

func (r *SQLiteRepository) execOne(ctx context.Context, op string, id int64, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("database write failed",
			zap.String("op", op),
			zap.Int64("notification_id", id),
			zap.Error(err),
		)
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: notification %d: %w", op, id, ErrNotFound)
	}
	return nil
}

// GetName reads one cached display name
func (r *SQLiteRepository) GetName(ctx context.Context, kind string, id, scopeID int64) (*NameEntry, error) {
	var (
		e       NameEntry
		updated int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, scope_id, kind, name, updated_at
		FROM name_cache
		WHERE id = ? AND scope_id = ? AND kind = ?`,
		id, scopeID, kind,
	).Scan(&e.ID, &e.ScopeID, &e.Kind, &e.Name, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query name cache: %w", err)
	}
	e.UpdatedAt = fromNanos(updated)
	return &e, nil
}

// UpsertName inserts or overwrites a cached display name
func (r *SQLiteRepository) UpsertName(ctx context.Context, e NameEntry) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO name_cache (id, scope_id, kind, name, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id, scope_id, kind) DO UPDATE SET
			name       = excluded.name,
			updated_at = excluded.updated_at`,
		e.ID, e.ScopeID, e.Kind, e.Name, toNanos(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert name cache: %w", err)
	}
	return nil
}

// ListNames returns the whole name cache
func (r *SQLiteRepository) ListNames(ctx context.Context) ([]NameEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, scope_id, kind, name, updated_at FROM name_cache ORDER BY kind, id`)
	if err != nil {
		return nil, fmt.Errorf("query name cache: %w", err)
	}
	defer rows.Close()

	var entries []NameEntry
	for rows.Next() {
		var (
			e       NameEntry
			updated int64
		)
		if err := rows.Scan(&e.ID, &e.ScopeID, &e.Kind, &e.Name, &updated); err != nil {
			return nil, fmt.Errorf("scan name cache: %w", err)
		}
		e.UpdatedAt = fromNanos(updated)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Health pings the database
func (r *SQLiteRepository) Health(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close releases the underlying database
func (r *SQLiteRepository) Close() {
	if err := r.db.Close(); err != nil {
		r.logger.Warn("closing sqlite store", zap.Error(err))
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteNotification(row rowScanner) (*Notification, error) {
	var (
		n             Notification
		start         int64
		repeating     int
		intervalValue sql.NullInt64
		intervalUnit  sql.NullString
		end           sql.NullInt64
		maxOcc        sql.NullInt64
		last          sql.NullInt64
		created       int64
	)

	if err := row.Scan(
		&n.ID, &n.GuildID, &n.ChannelID, &n.UserID, &start, &n.Message, &repeating,
		&intervalValue, &intervalUnit, &end, &maxOcc, &last, &created,
	); err != nil {
		return nil, err
	}

	n.StartTime = fromNanos(start)
	n.IsRepeating = repeating != 0
	if intervalValue.Valid && intervalUnit.Valid {
		n.Interval = &interval.Interval{Value: intervalValue.Int64, Unit: interval.Unit(intervalUnit.String)}
	}
	n.EndTime = fromNullNanos(end)
	if maxOcc.Valid {
		m := int(maxOcc.Int64)
		n.MaxOccurrences = &m
	}
	n.LastTriggered = fromNullNanos(last)
	n.CreatedAt = fromNanos(created)
	return &n, nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func fromNullNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromNanos(v.Int64)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
