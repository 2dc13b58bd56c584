package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/noti/internal/api"
	"github.com/lalithlochan/noti/internal/config"
	"github.com/lalithlochan/noti/internal/db"
	"github.com/lalithlochan/noti/internal/delivery"
	"github.com/lalithlochan/noti/internal/discord"
	"github.com/lalithlochan/noti/internal/names"
	"github.com/lalithlochan/noti/internal/observ"
	"github.com/lalithlochan/noti/internal/redis"
	"github.com/lalithlochan/noti/internal/scheduler"
	"github.com/lalithlochan/noti/internal/sqs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting noti",
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.StoreDriver),
		zap.String("delivery", cfg.Delivery),
		zap.Stringer("deliver_late", cfg.DeliverLate),
		zap.Stringer("prefetch_buffer", cfg.PrefetchBuffer),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// Redis is optional: without it occurrences are not deduplicated across
	// processes and the API is not rate limited.
	var (
		guard       scheduler.Guard
		rateLimiter *redis.RateLimiter
	)
	if cfg.RedisEnabled() {
		redisClient, err := redis.New(ctx, redis.Config{
			URL:      cfg.RedisURL,
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, occurrence guard and rate limiting disabled", zap.Error(err))
		} else {
			defer redisClient.Close()
			guard = redis.NewOccurrenceGuard(redisClient, 2*cfg.DeliverLate.ToDuration(), logger.Named("guard"))
			if cfg.RateLimit > 0 {
				rateLimiter = redis.NewRateLimiter(redisClient, logger.Named("ratelimit"), redis.RateLimitConfig{
					Limit:  cfg.RateLimit,
					Window: cfg.RateLimitWindow,
				})
			}
		}
	}

	discordClient := discord.New(discord.Config{
		BaseURL:           cfg.DiscordAPIBase,
		Token:             cfg.DiscordToken,
		RequestsPerSecond: cfg.DiscordRPS,
	}, logger.Named("discord"))

	resolver := names.NewResolver(store, discordClient, logger.Named("names"))
	deps := scheduler.Deps{
		Store: store,
		Guard: guard,
	}
	if err := wireDelivery(ctx, cfg, &deps, discordClient, resolver, logger); err != nil {
		return err
	}

	if cfg.AlertsEnabled() {
		alerter, err := delivery.NewSESAlerter(ctx, delivery.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
			ToEmail:   cfg.SESToEmail,
		}, logger.Named("alerts"))
		if err != nil {
			logger.Warn("ses alerter unavailable, delivery failures will only be logged", zap.Error(err))
		} else {
			deps.Alerter = alerter
		}
	}

	if cfg.SQSQueueURL != "" {
		producer, err := sqs.NewProducer(ctx, sqs.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.SQSQueueURL,
			Endpoint: cfg.AWSEndpoint,
		}, logger.Named("events"))
		if err != nil {
			logger.Warn("sqs producer unavailable, occurrence events will not be published", zap.Error(err))
		} else {
			deps.Events = producer
		}
	}

	manager, err := scheduler.NewManager(scheduler.Config{
		LateWindow:     cfg.DeliverLate.ToDuration(),
		PrefetchBuffer: cfg.PrefetchBuffer.ToDuration(),
		RetryBackoff:   cfg.RetryBackoff,
	}, deps, logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	defer manager.Shutdown()

	if err := manager.LoadAll(ctx); err != nil {
		return fmt.Errorf("failed to load notifications: %w", err)
	}

	handler := api.NewHandler(logger.Named("api"), store, manager, resolver)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, rateLimiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	if cfg.DiscordToken != "" {
		refresh := names.NewRefreshJob(resolver, cfg.RefreshMappings.ToDuration(), cfg.RefreshPause, logger.Named("refresh"))
		g.Go(func() error { return refresh.Run(gctx) })
	}

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				logger.Info("SIGHUP received, reloading notifications")
				if err := manager.Reload(gctx); err != nil {
					logger.Error("reload failed", zap.Error(err))
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("noti stopped", zap.Int("active_tasks", manager.Active()))
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (db.Store, error) {
	if cfg.StoreDriver == config.StoreSQLite {
		repo, err := db.OpenSQLite(ctx, cfg.SQLitePath, logger.Named("store"))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return repo, nil
	}

	database, err := db.New(ctx, db.Config{
		URL:      cfg.DatabaseURL,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db.NewRepository(database, logger.Named("store")), nil
}
