// Package metrics provides Prometheus metrics for the canopy server and client.
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
			Name: "canopy_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canopy_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Blob store metrics
	blobBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_blob_bytes_uploaded_total",
			Help: "Total bytes uploaded to the content store",
		},
	)

	blobBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_blob_bytes_downloaded_total",
			Help: "Total bytes downloaded from the content store",
		},
	)

	blobUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_blob_uploads_total",
			Help: "Total blob uploads by outcome",
		},
		[]string{"status"},
	)

	blobDedupHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_blob_dedup_hits_total",
			Help: "Uploads skipped because the content hash already existed",
		},
	)

	backendOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canopy_backend_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	backendOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_backend_operations_total",
			Help: "Total storage backend operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// Sync protocol metrics
	syncCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_sync_cycles_total",
			Help: "Total sync cycles by outcome",
		},
		[]string{"outcome"},
	)

	syncConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_sync_conflicts_total",
			Help: "Version precondition conflicts observed during push",
		},
	)

	documentVersion = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canopy_document_version",
			Help: "Current document version per project",
		},
		[]string{"project"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canopy_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "canopy_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "canopy_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_sse_events_total",
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

// RecordBlobUpload records a blob upload.
func RecordBlobUpload(bytes int64, success bool) {
	blobBytesUploaded.Add(float64(bytes))
	status := "success"
	if !success {
		status = "error"
	}
	blobUploadsTotal.WithLabelValues(status).Inc()
}

// RecordBlobDownload records bytes fetched from the content store.
func RecordBlobDownload(bytes int64) {
	blobBytesDownloaded.Add(float64(bytes))
}

// RecordBlobDedupHit records an upload skipped by content-hash dedup.
func RecordBlobDedupHit() {
	blobDedupHitsTotal.Inc()
}

// RecordBackendOperation records a storage backend operation.
func RecordBackendOperation(backend, operation string, duration time.Duration, success bool) {
	backendOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	backendOperationsTotal.WithLabelValues(backend, operation, status).Inc()
}

// RecordSyncCycle records one sync cycle by outcome
// ("first", "noop", "pulled", "pushed", "conflict", "error").
func RecordSyncCycle(outcome string) {
	syncCyclesTotal.WithLabelValues(outcome).Inc()
}

// RecordSyncConflict records a version precondition conflict.
func RecordSyncConflict() {
	syncConflictsTotal.Inc()
}

// SetDocumentVersion sets the current version gauge for a project.
func SetDocumentVersion(projectID string, version int64) {
	documentVersion.WithLabelValues(projectID).Set(float64(version))
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
