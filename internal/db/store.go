package db

import (
	"context"
	"time"
)

// Store is the persistence contract shared by the PostgreSQL and SQLite
// backends. Every write touches a single row addressed by id.
type Store interface {
	Insert(ctx context.Context, n *Notification) (int64, error)
	Get(ctx context.Context, id int64) (*Notification, error)
	UpdateLastTriggered(ctx context.Context, id int64, at time.Time) error
	UpdateMaxOccurrences(ctx context.Context, id int64, remaining int) error
	Delete(ctx context.Context, id int64) error
	DeleteAll(ctx context.Context) (int64, error)
	ListAll(ctx context.Context) ([]*Notification, error)
	FindByGuild(ctx context.Context, guildID int64) ([]*Notification, error)

	GetName(ctx context.Context, kind string, id, scopeID int64) (*NameEntry, error)
	UpsertName(ctx context.Context, e NameEntry) error
	ListNames(ctx context.Context) ([]NameEntry, error)

	Health(ctx context.Context) error
	Close()
}

var (
	_ Store = (*Repository)(nil)
	_ Store = (*SQLiteRepository)(nil)
)
