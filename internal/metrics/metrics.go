// Package metrics provides Prometheus metrics for the filemanager server.
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
			Name: "filemanager_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filemanager_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	b2OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filemanager_b2_operation_duration_seconds",
			Help:    "B2 API operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	b2OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filemanager_b2_operations_total",
			Help: "Total B2 API operations",
		},
		[]string{"operation", "status"},
	)

	b2AuthorizationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filemanager_b2_authorizations_total",
			Help: "Total B2 account authorization calls",
		},
		[]string{"account", "result"},
	)

	listingCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filemanager_listing_cache_total",
			Help: "Listing cache lookups by outcome",
		},
		[]string{"kind", "outcome"},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filemanager_uploads_total",
			Help: "Total upload pipeline runs",
		},
		[]string{"status"},
	)

	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filemanager_upload_bytes_total",
			Help: "Total bytes accepted by the upload pipeline",
		},
	)

	enrichmentFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filemanager_enrichment_failures_total",
			Help: "Media enrichment failures (non-fatal) by stage",
		},
		[]string{"stage"},
	)

	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filemanager_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filemanager_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filemanager_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filemanager_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordB2Operation records a B2 API call.
func RecordB2Operation(operation string, duration time.Duration, success bool) {
	b2OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	b2OperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordB2Authorization records a b2_authorize_account round trip.
func RecordB2Authorization(account string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	b2AuthorizationsTotal.WithLabelValues(account, result).Inc()
}

// RecordListingCache records a listing/usage cache lookup outcome.
func RecordListingCache(kind string, hit bool) {
	outcome := "hit"
	if !hit {
		outcome = "miss"
	}
	listingCacheTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordUpload records an upload pipeline run.
func RecordUpload(bytes int64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	uploadsTotal.WithLabelValues(status).Inc()
	if bytes > 0 {
		uploadBytesTotal.Add(float64(bytes))
	}
}

// RecordEnrichmentFailure records a swallowed media enrichment failure.
func RecordEnrichmentFailure(stage string) {
	enrichmentFailuresTotal.WithLabelValues(stage).Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
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

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
