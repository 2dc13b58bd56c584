package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lalithlochan/noti/internal/metrics"
)

// DB wraps the pgx connection pool and can rebuild it after the server goes away
type DB struct {
	mu     sync.RWMutex
	pool   *pgxpool.Pool
	dsn    string
	logger *zap.Logger
}

// Config holds database connection parameters
type Config struct {
	Host     string
	Password string
	User     string
	Database string
	SSLMode  string
	Port     int
	// URL overrides the individual fields when set
	URL string
}

// DSN builds the libpq-style connection string.
func (cfg Config) DSN() string {
	if cfg.URL != "" {
		return cfg.URL
	}
	if cfg.Password != "" {
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
		)
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Database, cfg.SSLMode,
	)
}

// New creates a new database connection pool
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*DB, error) {
	dsn := cfg.DSN()

	pool, err := connect(ctx, dsn)
	if err != nil {
		return nil, err
	}

	logger.Info("database connection established",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database),
		zap.Int32("max_conns", pool.Config().MaxConns),
	)

	return &DB{
		pool:   pool,
		dsn:    dsn,
		logger: logger,
	}, nil
}

func connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	// one connection per concurrently persisting task is plenty; writes are single-row
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "noti"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.logger.Info("closing database connection pool")
	db.mu.Lock()
	defer db.mu.Unlock()
	db.pool.Close()
}

// Pool returns the current connection pool
func (db *DB) Pool() *pgxpool.Pool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.pool
}

// Health checks if the database is reachable
func (db *DB) Health(ctx context.Context) error {
	return db.Pool().Ping(ctx)
}

// EnsureAlive pings the pool and replaces it with a fresh one when the ping
// fails. Safe to call concurrently; only one caller rebuilds.
func (db *DB) EnsureAlive(ctx context.Context) error {
	stale := db.Pool()
	if err := stale.Ping(ctx); err == nil {
		return nil
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	// someone else already swapped it
	if db.pool != stale {
		return nil
	}

	db.logger.Warn("database connection lost, reconnecting")
	pool, err := connect(ctx, db.dsn)
	if err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	db.pool = pool
	stale.Close()
	metrics.RecordStoreReconnect()

	db.logger.Info("database reconnected")
	return nil
}

// isConnectionError reports errors that mean the connection itself is gone,
// as opposed to a bad query.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return pgconn.SafeToRetry(err)
}
