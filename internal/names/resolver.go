// Package names turns Discord snowflakes into display names through three
// tiers: an in-process map, the persisted name cache, and a live API lookup.
package names

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/noti/internal/db"
	"github.com/lalithlochan/noti/internal/metrics"
)

// Lookup fetches names from the live API.
type Lookup interface {
	// LookupUser returns the user's name within guildID (0 for the global
	// profile) and their avatar URL.
	LookupUser(ctx context.Context, guildID, userID int64) (string, string, error)
	LookupChannel(ctx context.Context, channelID int64) (string, error)
	LookupGuild(ctx context.Context, guildID int64) (string, error)
}

// Store is the persisted cache tier.
type Store interface {
	GetName(ctx context.Context, kind string, id, scopeID int64) (*db.NameEntry, error)
	UpsertName(ctx context.Context, e db.NameEntry) error
	ListNames(ctx context.Context) ([]db.NameEntry, error)
}

type key struct {
	kind  string
	id    int64
	scope int64
}

// Resolver caches names forever; RefreshJob keeps them current.
type Resolver struct {
	store  Store
	live   Lookup
	logger *zap.Logger

	mu      sync.RWMutex
	names   map[key]string
	avatars map[int64]string
}

func NewResolver(store Store, live Lookup, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:   store,
		live:    live,
		logger:  logger,
		names:   make(map[key]string),
		avatars: make(map[int64]string),
	}
}

func normalize(kind string, id, scopeID int64) (key, error) {
	switch kind {
	case db.KindUser:
		return key{kind: kind, id: id, scope: scopeID}, nil
	case db.KindChannel, db.KindGuild:
		return key{kind: kind, id: id}, nil
	default:
		return key{}, fmt.Errorf("unknown name kind %q", kind)
	}
}

// Resolve returns the display name for id. For users, scopeID is the guild
// whose nickname should win; channels and guilds ignore it.
func (r *Resolver) Resolve(ctx context.Context, kind string, id, scopeID int64) (string, error) {
	k, err := normalize(kind, id, scopeID)
	if err != nil {
		return "", err
	}

	r.mu.RLock()
	name, ok := r.names[k]
	r.mu.RUnlock()
	if ok {
		metrics.RecordNameLookup("memory")
		return name, nil
	}

	entry, err := r.store.GetName(ctx, k.kind, k.id, k.scope)
	switch {
	case err == nil:
		r.remember(k, entry.Name)
		metrics.RecordNameLookup("store")
		return entry.Name, nil
	case !errors.Is(err, db.ErrNotFound):
		r.logger.Warn("name cache read failed", zap.String("kind", kind), zap.Int64("id", id), zap.Error(err))
	}

	name, err = r.fetch(ctx, k)
	if err != nil {
		return "", err
	}
	metrics.RecordNameLookup("live")
	return name, nil
}

// DisplayName is Resolve with a readable placeholder instead of an error.
func (r *Resolver) DisplayName(ctx context.Context, kind string, id, scopeID int64) string {
	name, err := r.Resolve(ctx, kind, id, scopeID)
	if err != nil {
		r.logger.Debug("name lookup failed", zap.String("kind", kind), zap.Int64("id", id), zap.Error(err))
		return fmt.Sprintf("unknown %s %d", kind, id)
	}
	return name
}

// Persona returns the name and avatar a webhook should post as.
func (r *Resolver) Persona(ctx context.Context, guildID, userID int64) (string, string) {
	return r.DisplayName(ctx, db.KindUser, userID, guildID), r.Avatar(ctx, guildID, userID)
}

// Avatar returns the user's avatar URL, or "" when it cannot be looked up.
// Avatars are only kept in memory.
func (r *Resolver) Avatar(ctx context.Context, guildID, userID int64) string {
	r.mu.RLock()
	avatar, ok := r.avatars[userID]
	r.mu.RUnlock()
	if ok {
		return avatar
	}

	_, avatar, err := r.live.LookupUser(ctx, guildID, userID)
	if err != nil {
		r.logger.Debug("avatar lookup failed", zap.Int64("user_id", userID), zap.Error(err))
		return ""
	}
	r.mu.Lock()
	r.avatars[userID] = avatar
	r.mu.Unlock()
	return avatar
}

// Prefetch warms every name a notification's delivery will need.
func (r *Resolver) Prefetch(ctx context.Context, n *db.Notification) error {
	var errs []error
	if _, err := r.Resolve(ctx, db.KindUser, n.UserID, n.GuildID); err != nil {
		errs = append(errs, fmt.Errorf("user %d: %w", n.UserID, err))
	}
	if _, err := r.Resolve(ctx, db.KindChannel, n.ChannelID, 0); err != nil {
		errs = append(errs, fmt.Errorf("channel %d: %w", n.ChannelID, err))
	}
	if _, err := r.Resolve(ctx, db.KindGuild, n.GuildID, 0); err != nil {
		errs = append(errs, fmt.Errorf("guild %d: %w", n.GuildID, err))
	}
	r.Persona(ctx, n.GuildID, n.UserID)
	return errors.Join(errs...)
}

// fetch goes to the live API and writes the result to both cache tiers.
func (r *Resolver) fetch(ctx context.Context, k key) (string, error) {
	var (
		name   string
		avatar string
		err    error
	)
	switch k.kind {
	case db.KindUser:
		name, avatar, err = r.live.LookupUser(ctx, k.scope, k.id)
	case db.KindChannel:
		name, err = r.live.LookupChannel(ctx, k.id)
	case db.KindGuild:
		name, err = r.live.LookupGuild(ctx, k.id)
	}
	if err != nil {
		return "", fmt.Errorf("live %s lookup: %w", k.kind, err)
	}

	r.remember(k, name)
	if k.kind == db.KindUser {
		r.mu.Lock()
		r.avatars[k.id] = avatar
		r.mu.Unlock()
	}

	err = r.store.UpsertName(ctx, db.NameEntry{
		ID:        k.id,
		ScopeID:   k.scope,
		Kind:      k.kind,
		Name:      name,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		r.logger.Warn("name cache write failed", zap.String("kind", k.kind), zap.Int64("id", k.id), zap.Error(err))
	}
	return name, nil
}

func (r *Resolver) remember(k key, name string) {
	r.mu.Lock()
	r.names[k] = name
	r.mu.Unlock()
}

// known lists every entry in either cache tier.
func (r *Resolver) known(ctx context.Context) []key {
	seen := make(map[key]struct{})

	r.mu.RLock()
	for k := range r.names {
		seen[k] = struct{}{}
	}
	r.mu.RUnlock()

	entries, err := r.store.ListNames(ctx)
	if err != nil {
		r.logger.Warn("listing name cache failed", zap.Error(err))
	}
	for _, e := range entries {
		seen[key{kind: e.Kind, id: e.ID, scope: e.ScopeID}] = struct{}{}
	}

	keys := make([]key, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	return keys
}
