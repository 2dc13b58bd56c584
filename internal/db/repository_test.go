package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/lalithlochan/noti/migrations"
)

// newTestRepository starts a throwaway PostgreSQL, applies the migrations and
// returns a repository on it. Skipped under -short or without Docker.
func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test skipped in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("noti"),
		postgres.WithUsername("noti"),
		postgres.WithPassword("noti"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	src, err := iofs.New(migrations.FS, "postgres")
	require.NoError(t, err)
	m, err := migrate.NewWithSourceInstance("iofs", src, strings.Replace(connStr, "postgres://", "pgx5://", 1))
	require.NoError(t, err)
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("run migrations: %v", err)
	}
	_, _ = m.Close()

	database, err := New(ctx, Config{URL: connStr}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(database.Close)

	return NewRepository(database, zap.NewNop())
}

func TestRepository_RoundTrip(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

	in := repeatingFixture(start)
	id, err := repo.Insert(ctx, in)
	require.NoError(t, err)
	assert.False(t, in.CreatedAt.IsZero())

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.StartTime.Equal(start))
	assert.Equal(t, *in.Interval, *got.Interval)
	assert.Equal(t, 5, *got.MaxOccurrences)
	assert.Nil(t, got.LastTriggered)

	require.NoError(t, repo.UpdateLastTriggered(ctx, id, start.Add(time.Hour)))
	require.NoError(t, repo.UpdateLastTriggered(ctx, id, start))
	require.NoError(t, repo.UpdateMaxOccurrences(ctx, id, 3))

	got, err = repo.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.LastTriggered.Equal(start.Add(time.Hour)))
	assert.Equal(t, 3, *got.MaxOccurrences)

	byGuild, err := repo.FindByGuild(ctx, in.GuildID)
	require.NoError(t, err)
	assert.Len(t, byGuild, 1)

	require.NoError(t, repo.Delete(ctx, id))
	_, err = repo.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, id), ErrNotFound)
}

func TestRepository_NameCacheAndHealth(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.UpsertName(ctx, NameEntry{ID: 5, ScopeID: 1, Kind: KindUser, Name: "bob"}))
	require.NoError(t, repo.UpsertName(ctx, NameEntry{ID: 5, ScopeID: 1, Kind: KindUser, Name: "bobby"}))

	e, err := repo.GetName(ctx, KindUser, 5, 1)
	require.NoError(t, err)
	assert.Equal(t, "bobby", e.Name)

	names, err := repo.ListNames(ctx)
	require.NoError(t, err)
	assert.Len(t, names, 1)

	assert.NoError(t, repo.Health(ctx))
}
