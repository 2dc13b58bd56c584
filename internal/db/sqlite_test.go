package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/noti/internal/interval"
)

func openTestSQLite(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "noti.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	return repo
}

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time { return &t }

func repeatingFixture(start time.Time) *Notification {
	iv := interval.MustParse("30m")
	return &Notification{
		GuildID:        111,
		ChannelID:      222,
		UserID:         333,
		StartTime:      start,
		Message:        "stand up",
		IsRepeating:    true,
		Interval:       &iv,
		EndTime:        timePtr(start.Add(24 * time.Hour)),
		MaxOccurrences: intPtr(5),
	}
}

func TestSQLite_InsertGetRoundTrip(t *testing.T) {
	repo := openTestSQLite(t)
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

	in := repeatingFixture(start)
	in.LastTriggered = timePtr(start.Add(30 * time.Minute))

	id, err := repo.Insert(ctx, in)
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Equal(t, id, in.ID)

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, in.GuildID, got.GuildID)
	assert.Equal(t, in.ChannelID, got.ChannelID)
	assert.Equal(t, in.UserID, got.UserID)
	assert.True(t, got.StartTime.Equal(start))
	assert.Equal(t, "stand up", got.Message)
	assert.True(t, got.IsRepeating)
	require.NotNil(t, got.Interval)
	assert.Equal(t, *in.Interval, *got.Interval)
	require.NotNil(t, got.EndTime)
	assert.True(t, got.EndTime.Equal(*in.EndTime))
	require.NotNil(t, got.MaxOccurrences)
	assert.Equal(t, 5, *got.MaxOccurrences)
	require.NotNil(t, got.LastTriggered)
	assert.True(t, got.LastTriggered.Equal(*in.LastTriggered))
	assert.Equal(t, time.UTC, got.StartTime.Location())
}

func TestSQLite_OneOffHasNoOptionalFields(t *testing.T) {
	repo := openTestSQLite(t)
	ctx := context.Background()

	id, err := repo.Insert(ctx, &Notification{
		GuildID: 1, ChannelID: 2, UserID: 3,
		StartTime: time.Now().UTC().Add(time.Hour),
		Message:   "once",
	})
	require.NoError(t, err)

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, got.IsRepeating)
	assert.Nil(t, got.Interval)
	assert.Nil(t, got.EndTime)
	assert.Nil(t, got.MaxOccurrences)
	assert.Nil(t, got.LastTriggered)
}

func TestSQLite_GetMissing(t *testing.T) {
	repo := openTestSQLite(t)
	_, err := repo.Get(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_UpdateLastTriggeredIsMonotonic(t *testing.T) {
	repo := openTestSQLite(t)
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	id, err := repo.Insert(ctx, repeatingFixture(start))
	require.NoError(t, err)

	require.NoError(t, repo.UpdateLastTriggered(ctx, id, start.Add(time.Hour)))
	require.NoError(t, repo.UpdateLastTriggered(ctx, id, start.Add(30*time.Minute)))

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.LastTriggered.Equal(start.Add(time.Hour)))

	assert.ErrorIs(t, repo.UpdateLastTriggered(ctx, 9999, start), ErrNotFound)
}

func TestSQLite_UpdateMaxOccurrences(t *testing.T) {
	repo := openTestSQLite(t)
	ctx := context.Background()

	id, err := repo.Insert(ctx, repeatingFixture(time.Now().UTC()))
	require.NoError(t, err)

	require.NoError(t, repo.UpdateMaxOccurrences(ctx, id, 0))
	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, *got.MaxOccurrences)
	assert.True(t, got.Exhausted())
}

func TestSQLite_DeleteAndDeleteAll(t *testing.T) {
	repo := openTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a, err := repo.Insert(ctx, repeatingFixture(now))
	require.NoError(t, err)
	_, err = repo.Insert(ctx, repeatingFixture(now))
	require.NoError(t, err)
	_, err = repo.Insert(ctx, repeatingFixture(now))
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, a))
	assert.ErrorIs(t, repo.Delete(ctx, a), ErrNotFound)

	n, err := repo.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSQLite_FindByGuildOrdersByStart(t *testing.T) {
	repo := openTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	for i, offset := range []time.Duration{3 * time.Hour, time.Hour, 2 * time.Hour} {
		n := repeatingFixture(base.Add(offset))
		n.Message = []string{"third", "first", "second"}[i]
		_, err := repo.Insert(ctx, n)
		require.NoError(t, err)
	}
	other := repeatingFixture(base)
	other.GuildID = 999
	_, err := repo.Insert(ctx, other)
	require.NoError(t, err)

	got, err := repo.FindByGuild(ctx, 111)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "first", got[0].Message)
	assert.Equal(t, "second", got[1].Message)
	assert.Equal(t, "third", got[2].Message)

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestSQLite_NameCache(t *testing.T) {
	repo := openTestSQLite(t)
	ctx := context.Background()

	_, err := repo.GetName(ctx, KindUser, 1, 10)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.UpsertName(ctx, NameEntry{ID: 1, ScopeID: 10, Kind: KindUser, Name: "alice"}))
	require.NoError(t, repo.UpsertName(ctx, NameEntry{ID: 1, ScopeID: 10, Kind: KindUser, Name: "alice (nick)"}))
	require.NoError(t, repo.UpsertName(ctx, NameEntry{ID: 1, ScopeID: 0, Kind: KindChannel, Name: "general"}))

	got, err := repo.GetName(ctx, KindUser, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, "alice (nick)", got.Name)
	assert.False(t, got.UpdatedAt.IsZero())

	entries, err := repo.ListNames(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestSQLite_ReopenKeepsDataAndSkipsMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noti.db")
	ctx := context.Background()

	repo, err := OpenSQLite(ctx, path, zap.NewNop())
	require.NoError(t, err)
	id, err := repo.Insert(ctx, repeatingFixture(time.Now().UTC()))
	require.NoError(t, err)
	repo.Close()

	repo, err = OpenSQLite(ctx, path, zap.NewNop())
	require.NoError(t, err)
	defer repo.Close()

	_, err = repo.Get(ctx, id)
	assert.NoError(t, err)
	assert.NoError(t, repo.Health(ctx))
}

func TestSQLite_MigrationsTrackVersion(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "noti.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	applied, err := runSQLiteMigrations(db)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	var (
		version int
		dirty   bool
	)
	require.NoError(t, db.QueryRow(`SELECT version, dirty FROM schema_migrations`).Scan(&version, &dirty))
	assert.Equal(t, 2, version)
	assert.False(t, dirty)

	applied, err = runSQLiteMigrations(db)
	require.NoError(t, err)
	assert.Zero(t, applied, "second run has nothing to apply")

	var tables int
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('notifications', 'name_cache')`,
	).Scan(&tables))
	assert.Equal(t, 2, tables)
}
