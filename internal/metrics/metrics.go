// Package metrics provides Prometheus metrics for the hcloud server.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hcloud_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hcloud_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hcloud_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	// Transfer metrics
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hcloud_uploads_total",
			Help: "Total number of upload tasks by terminal state",
		},
		[]string{"state"},
	)

	uploadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hcloud_upload_bytes_total",
			Help: "Total bytes of completed uploads",
		},
	)

	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hcloud_downloads_total",
			Help: "Total number of content downloads",
		},
		[]string{"status"},
	)

	activeTransfers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hcloud_active_transfers",
			Help: "Number of transfers currently moving bytes",
		},
	)

	// Blob store metrics
	blobOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hcloud_blob_operation_duration_seconds",
			Help:    "Blob store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	blobOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hcloud_blob_operations_total",
			Help: "Total blob store operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// Document store metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hcloud_db_query_duration_seconds",
			Help:    "Document store query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hcloud_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// Namespace metrics
	cascadeFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hcloud_cascade_delete_child_failures_total",
			Help: "Child deletions that failed during a recursive folder delete",
		},
	)

	// Quota metrics
	quotaExceededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hcloud_quota_exceeded_total",
			Help: "Total quota rejections",
		},
		[]string{"type"},
	)

	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hcloud_rate_limit_hits_total",
			Help: "Requests rejected by the per-user rate limiter",
		},
	)

	// Notification metrics
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hcloud_events_total",
			Help: "Events published to subscribers",
		},
		[]string{"type"},
	)

	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hcloud_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hcloud_active_sessions",
			Help: "Number of user sessions held in memory",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	authAttemptsTotal.WithLabelValues(status(success)).Inc()
}

// RecordUpload records a task reaching a terminal state.
func RecordUpload(state string, bytes int64) {
	uploadsTotal.WithLabelValues(state).Inc()
	if bytes > 0 {
		uploadBytes.Add(float64(bytes))
	}
}

// RecordDownload records a content download.
func RecordDownload(success bool) {
	downloadsTotal.WithLabelValues(status(success)).Inc()
}

// AddActiveTransfers adjusts the active transfer gauge.
func AddActiveTransfers(delta int) {
	activeTransfers.Add(float64(delta))
}

// RecordBlobOperation records a blob store operation.
func RecordBlobOperation(backend, operation string, duration time.Duration, success bool) {
	blobOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	blobOperationsTotal.WithLabelValues(backend, operation, status(success)).Inc()
}

// RecordDBQuery records a document store query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// RecordCascadeFailure records a failed child deletion.
func RecordCascadeFailure() {
	cascadeFailuresTotal.Inc()
}

// RecordQuotaExceeded records a quota rejection.
func RecordQuotaExceeded(quotaType string) {
	quotaExceededTotal.WithLabelValues(quotaType).Inc()
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// RecordEvent records an event publication.
func RecordEvent(eventType string) {
	eventsTotal.WithLabelValues(eventType).Inc()
}

// AddSSEConnections adjusts the active SSE connection gauge.
func AddSSEConnections(delta int) {
	sseConnectionsActive.Add(float64(delta))
}

// SetActiveSessions sets the number of in-memory sessions.
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Instrument wraps h so that every request is recorded under route. Routes
// are registration patterns, which keeps label cardinality bounded.
func Instrument(route string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		h.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
