// Package metrics exposes Prometheus instrumentation for the HTTP surface
// and the reminder loop.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	alertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_alerts_created_total",
			Help: "Total alerts created by severity and delivery type",
		},
		[]string{"severity", "delivery_type"},
	)

	reminderDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_reminder_deliveries_total",
			Help: "Reminder delivery outcomes by channel",
		},
		[]string{"channel", "outcome"},
	)

	remindersSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_reminders_skipped_total",
			Help: "Reminders skipped before dispatch, by reason",
		},
		[]string{"reason"},
	)

	tickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_reminder_tick_duration_seconds",
			Help:    "Duration of one reminder scheduler tick",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		},
	)

	snoozesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_snoozes_total",
			Help: "Snooze operations by kind (day, until, indefinite, unsnooze)",
		},
		[]string{"kind"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_db_connections_active",
			Help: "Active database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics.
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordAlertCreated records a newly created alert.
func RecordAlertCreated(severity, deliveryType string) {
	alertsCreated.WithLabelValues(severity, deliveryType).Inc()
}

// RecordReminderDelivery records a delivery outcome ("delivered", "failed").
func RecordReminderDelivery(channel, outcome string) {
	reminderDeliveries.WithLabelValues(channel, outcome).Inc()
}

// RecordReminderSkipped records a reminder skipped before dispatch
// ("snoozed", "not_due", "rate_limited").
func RecordReminderSkipped(reason string) {
	remindersSkipped.WithLabelValues(reason).Inc()
}

// ObserveTickDuration records how long one scheduler tick took.
func ObserveTickDuration(d time.Duration) {
	tickDuration.Observe(d.Seconds())
}

// RecordSnooze records a snooze operation by kind.
func RecordSnooze(kind string) {
	snoozesTotal.WithLabelValues(kind).Inc()
}

// SetDBConnections sets the active database connection count.
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request metrics for every handler it wraps.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
