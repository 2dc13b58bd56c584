package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noti_http_requests_total",
			Help: "Total admin API requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "noti_http_request_duration_seconds",
			Help:    "Admin API latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	occurrencesResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noti_occurrences_total",
			Help: "Resolved occurrences by outcome",
		},
		[]string{"outcome"},
	)

	dispatchLateness = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "noti_dispatch_lateness_seconds",
			Help:    "Delay between the scheduled time and the delivery attempt",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 120},
		},
	)

	deliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noti_delivery_attempts_total",
			Help: "Send attempts by path and result",
		},
		[]string{"path", "result"},
	)

	activeTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "noti_active_tasks",
			Help: "Live dispatch tasks",
		},
	)

	nameLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noti_name_lookups_total",
			Help: "Name resolutions by the tier that answered",
		},
		[]string{"tier"},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "noti_rate_limit_rejections_total",
			Help: "Admin requests rejected by the rate limiter",
		},
	)

	storeReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "noti_store_reconnects_total",
			Help: "Times the database pool was rebuilt",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordOccurrence counts one resolved occurrence
func RecordOccurrence(outcome string) {
	occurrencesResolved.WithLabelValues(outcome).Inc()
}

// RecordOccurrences counts n occurrences resolved the same way at once
func RecordOccurrences(outcome string, n int) {
	occurrencesResolved.WithLabelValues(outcome).Add(float64(n))
}

// RecordLateness observes how far past its scheduled time a dispatch started
func RecordLateness(d time.Duration) {
	if d < 0 {
		d = 0
	}
	dispatchLateness.Observe(d.Seconds())
}

// RecordDeliveryAttempt counts a single send on the primary or fallback path
func RecordDeliveryAttempt(path, result string) {
	deliveryAttempts.WithLabelValues(path, result).Inc()
}

func SetActiveTasks(n int) {
	activeTasks.Set(float64(n))
}

// RecordNameLookup counts which cache tier answered: memory, store or live
func RecordNameLookup(tier string) {
	nameLookups.WithLabelValues(tier).Inc()
}

func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

func RecordStoreReconnect() {
	storeReconnects.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request metrics labelled by chi route pattern, so ids in
// the path don't explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		RecordRequest(r.Method, route, wrapped.status, time.Since(start))
	})
}
