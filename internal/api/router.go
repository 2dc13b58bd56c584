package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/noti/internal/metrics"
	"github.com/lalithlochan/noti/internal/redis"
)

// NewRouter mounts the admin API, health check and metrics endpoint.
func NewRouter(h *Handler, limiter *redis.RateLimiter, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(limiter, logger, GuildKeyFunc))

		r.Post("/notifications", h.CreateNotification)
		r.Delete("/notifications", h.DeleteAllNotifications)
		r.Get("/notifications/{id}", h.GetNotification)
		r.Delete("/notifications/{id}", h.DeleteNotification)
		r.Get("/guilds/{guildID}/notifications", h.ListGuildNotifications)
		r.Post("/scheduler/reload", h.ReloadScheduler)
	})

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	return r
}
