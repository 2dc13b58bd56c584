package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	"github.com/lalithlochan/noti/internal/observ"
	"github.com/lalithlochan/noti/migrations"
)

const usage = "usage: migrator [up | down N | version | force V]"

func main() {
	logger, err := observ.NewLogger(os.Getenv("ENV"), os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(os.Args[1:], logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
}

func run(args []string, logger *zap.Logger) error {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	cmd := "up"
	if len(args) > 0 {
		cmd = args[0]
	}

	src, err := iofs.New(migrations.FS, "postgres")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, driverURL(databaseURL))
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			logger.Warn("closing migrator", zap.NamedError("source", srcErr), zap.NamedError("database", dbErr))
		}
	}()

	start := time.Now()
	switch cmd {
	case "up":
		err = m.Up()
	case "down":
		if len(args) < 2 {
			return errors.New(usage)
		}
		n, convErr := strconv.Atoi(args[1])
		if convErr != nil || n <= 0 {
			return fmt.Errorf("down needs a positive step count: %s", usage)
		}
		err = m.Steps(-n)
	case "force":
		if len(args) < 2 {
			return errors.New(usage)
		}
		v, convErr := strconv.Atoi(args[1])
		if convErr != nil {
			return fmt.Errorf("force needs a version: %s", usage)
		}
		err = m.Force(v)
	case "version":
	default:
		return errors.New(usage)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("schema already up to date")
		err = nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read version: %w", err)
	}

	logger.Info("migrations complete",
		zap.String("command", cmd),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
		zap.Duration("took", time.Since(start).Round(time.Millisecond)),
	)
	return nil
}

// driverURL points golang-migrate at its pgx v5 driver.
func driverURL(databaseURL string) string {
	for _, scheme := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(databaseURL, scheme) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, scheme)
		}
	}
	return databaseURL
}
