// Package metrics exposes the Prometheus collectors for the gateway and worker.
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
			Name: "officina_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "officina_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 5, 15},
		},
		[]string{"method", "route"},
	)

	emailsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "officina_emails_processed_total",
			Help: "Queued emails handled by the processor, by outcome (sent, retrying, failed)",
		},
		[]string{"outcome"},
	)

	emailQueueRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "officina_email_queue_runs_total",
			Help: "Email queue processor runs by result",
		},
		[]string{"result"},
	)

	emailQueueRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "officina_email_queue_run_duration_seconds",
			Help:    "Wall time of one processor run, pacing included",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	executionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "officina_automation_executions_created_total",
			Help: "Automation executions created by enrollment",
		},
	)

	notificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "officina_notifications_dispatched_total",
			Help: "Per-rule fan-out outcomes by event, channel, and result",
		},
		[]string{"event", "channel", "result"},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "officina_sqs_messages_in_flight",
			Help: "Queue nudges currently being handled by the worker",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "officina_idempotency_hits_total",
			Help: "Requests answered from the idempotency store",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "officina_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"route"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "officina_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "officina_db_connections_active",
			Help: "Acquired database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "officina_redis_connections_active",
			Help: "Open Redis connections",
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

func RecordEmailProcessed(outcome string) {
	emailsProcessed.WithLabelValues(outcome).Inc()
}

// RecordQueueRun records one processor run; result is "ok" or "error".
func RecordQueueRun(result string, duration time.Duration) {
	emailQueueRuns.WithLabelValues(result).Inc()
	emailQueueRunDuration.Observe(duration.Seconds())
}

func RecordExecutionsCreated(n int) {
	executionsCreated.Add(float64(n))
}

func RecordNotificationDispatched(event, channel string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	notificationsDispatched.WithLabelValues(event, channel, result).Inc()
}

func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

func RecordRateLimitRejection(route string) {
	rateLimitRejections.WithLabelValues(route).Inc()
}

// SetBreakerState takes the numeric value of circuitbreaker.State.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
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

// Middleware records request metrics labelled by the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
