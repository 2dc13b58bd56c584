package names

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RefreshJob periodically re-fetches every cached name so renames show up.
// Live calls are paced by the limiter to stay clear of Discord's rate limits.
type RefreshJob struct {
	resolver *Resolver
	every    time.Duration
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewRefreshJob paces live lookups at one per pause.
func NewRefreshJob(resolver *Resolver, every, pause time.Duration, logger *zap.Logger) *RefreshJob {
	limit := rate.Inf
	if pause > 0 {
		limit = rate.Every(pause)
	}
	return &RefreshJob{
		resolver: resolver,
		every:    every,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
	}
}

// Run refreshes on every tick until ctx is done.
func (j *RefreshJob) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.every)
	defer ticker.Stop()

	j.logger.Info("name refresh job started", zap.Duration("every", j.every))
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("name refresh job stopped")
			return nil
		case <-ticker.C:
			j.RefreshOnce(ctx)
		}
	}
}

// RefreshOnce re-resolves every known entry live. Failures keep the old name.
func (j *RefreshJob) RefreshOnce(ctx context.Context) (refreshed, failed int) {
	for _, k := range j.resolver.known(ctx) {
		if err := j.limiter.Wait(ctx); err != nil {
			return refreshed, failed
		}
		if _, err := j.resolver.fetch(ctx, k); err != nil {
			failed++
			j.logger.Debug("name refresh failed",
				zap.String("kind", k.kind),
				zap.Int64("id", k.id),
				zap.Error(err),
			)
			continue
		}
		refreshed++
	}

	j.logger.Info("name cache refreshed", zap.Int("refreshed", refreshed), zap.Int("failed", failed))
	return refreshed, failed
}
