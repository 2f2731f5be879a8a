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
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servaudit",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "servaudit",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// Cycle metrics
	cyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servaudit",
			Subsystem: "cycle",
			Name:      "runs_total",
			Help:      "Total number of audit cycles by outcome",
		},
		[]string{"status"},
	)

	cycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "servaudit",
			Subsystem: "cycle",
			Name:      "duration_seconds",
			Help:      "Duration of one audit cycle in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	// Collection metrics
	collectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servaudit",
			Subsystem: "collection",
			Name:      "scans_total",
			Help:      "Total number of per-target collection attempts",
		},
		[]string{"kind", "status"},
	)

	collectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "servaudit",
			Subsystem: "collection",
			Name:      "duration_seconds",
			Help:      "Duration of one target scan in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	skippedTargets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servaudit",
			Subsystem: "collection",
			Name:      "skipped_targets_total",
			Help:      "Targets whose states were carried forward because collection failed",
		},
		[]string{"kind"},
	)

	// Reconcile metrics
	categoryCommits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servaudit",
			Subsystem: "reconcile",
			Name:      "category_commits_total",
			Help:      "Per-kind category commit outcomes",
		},
		[]string{"kind", "status"},
	)

	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servaudit",
			Subsystem: "reconcile",
			Name:      "transitions_total",
			Help:      "Detected changes by kind and transition",
		},
		[]string{"kind", "transition"},
	)

	openFindings = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "servaudit",
			Subsystem: "reconcile",
			Name:      "open_findings",
			Help:      "Failing entities in the latest committed run",
		},
		[]string{"kind"},
	)

	// Ingest metrics
	ingestedAnnotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servaudit",
			Subsystem: "ingest",
			Name:      "annotations_total",
			Help:      "Annotations taken from the workbook per kind",
		},
		[]string{"kind"},
	)

	unmatchedRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servaudit",
			Subsystem: "ingest",
			Name:      "unmatched_rows_total",
			Help:      "Workbook rows dropped because no identity could be resolved",
		},
		[]string{"kind"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns a middleware that records Prometheus metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()

		// Get route pattern from chi
		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}

		status := strconv.Itoa(wrapped.statusCode)

		httpRequestsTotal.WithLabelValues(r.Method, routePattern, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, routePattern, status).Observe(duration)
	})
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCycle records the outcome and duration of one audit cycle
func RecordCycle(status string, duration time.Duration) {
	cyclesTotal.WithLabelValues(status).Inc()
	cycleDuration.Observe(duration.Seconds())
}

// RecordCollection records one per-target scan attempt
func RecordCollection(kind, status string, duration time.Duration) {
	collectionsTotal.WithLabelValues(kind, status).Inc()
	collectionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordSkippedTargets records targets whose states were carried forward
func RecordSkippedTargets(kind string, n int) {
	skippedTargets.WithLabelValues(kind).Add(float64(n))
}

// RecordCategoryCommit records a per-kind commit outcome
func RecordCategoryCommit(kind, status string) {
	categoryCommits.WithLabelValues(kind, status).Inc()
}

// RecordTransition records one detected change
func RecordTransition(kind, transition string) {
	transitionsTotal.WithLabelValues(kind, transition).Inc()
}

// SetOpenFindings sets the gauge for failing entities by kind
func SetOpenFindings(kind string, count float64) {
	openFindings.WithLabelValues(kind).Set(count)
}

// RecordIngestedAnnotations records annotations pulled from one sheet
func RecordIngestedAnnotations(kind string, count int) {
	ingestedAnnotations.WithLabelValues(kind).Add(float64(count))
}

// RecordUnmatchedRows records workbook rows that resolved to no identity
func RecordUnmatchedRows(kind string, n int) {
	unmatchedRows.WithLabelValues(kind).Add(float64(n))
}
