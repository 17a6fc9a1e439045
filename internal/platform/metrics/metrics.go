package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// Pipeline metrics
	documentsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "documents_processed_total",
			Help: "Uploaded documents by format and final processing status",
		},
		[]string{"format", "status"},
	)

	extractionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "extraction_duration_seconds",
			Help:    "Time spent extracting entities from one document",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"format"},
	)

	mergeDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merge_decisions_total",
			Help: "Merge decisions recorded against patient charts",
		},
		[]string{"area", "kind"},
	)

	reviewItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "review_items_total",
			Help: "Review queue events (enqueued, approved, rejected, edited)",
		},
		[]string{"event"},
	)

	aiRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Calls to the external AI extraction service by outcome",
		},
		[]string{"outcome"},
	)

	chartWriteConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chart_write_conflicts_total",
			Help: "Chart writes rejected by the per-patient guard or version check",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency. Paths are the route
// templates echo matched, so IDs do not explode label cardinality.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			status := c.Response().Status
			httpRequestsTotal.WithLabelValues(c.Request().Method, path, strconv.Itoa(status)).Inc()
			httpRequestDuration.WithLabelValues(c.Request().Method, path).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// --- Pipeline metric helpers ---

// RecordDocumentProcessed records a document reaching a terminal status
func RecordDocumentProcessed(format, status string) {
	documentsProcessed.WithLabelValues(format, status).Inc()
}

// RecordExtraction records extraction latency for one document
func RecordExtraction(format string, duration time.Duration) {
	extractionDuration.WithLabelValues(format).Observe(duration.Seconds())
}

// RecordMergeDecision records one merge decision
func RecordMergeDecision(area, kind string) {
	mergeDecisions.WithLabelValues(area, kind).Inc()
}

// RecordReviewEvent records a review queue event
func RecordReviewEvent(event string) {
	reviewItems.WithLabelValues(event).Inc()
}

// RecordAIRequest records an AI service call outcome
func RecordAIRequest(outcome string) {
	aiRequests.WithLabelValues(outcome).Inc()
}

// RecordChartWriteConflict records a rejected concurrent chart write
func RecordChartWriteConflict() {
	chartWriteConflicts.Inc()
}
