package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordHelpers(t *testing.T) {
	before := testutil.ToFloat64(mergeDecisions.WithLabelValues("labs", "created"))
	RecordMergeDecision("labs", "created")
	RecordMergeDecision("labs", "created")
	if got := testutil.ToFloat64(mergeDecisions.WithLabelValues("labs", "created")); got != before+2 {
		t.Errorf("expected %v, got %v", before+2, got)
	}

	conflicts := testutil.ToFloat64(chartWriteConflicts)
	RecordChartWriteConflict()
	if got := testutil.ToFloat64(chartWriteConflicts); got != conflicts+1 {
		t.Errorf("expected %v, got %v", conflicts+1, got)
	}
}

func TestMiddleware_UsesRouteTemplate(t *testing.T) {
	e := echo.New()
	e.Use(Middleware())
	e.GET("/api/v1/documents/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/v1/documents/:id", "200"))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/123", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/v1/documents/:id", "200"))
	if got != before+1 {
		t.Errorf("expected counter to increase by 1, got %v -> %v", before, got)
	}
}

func TestHandler_ExposesPipelineMetrics(t *testing.T) {
	RecordDocumentProcessed("pdf", "completed")
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "documents_processed_total") {
		t.Error("expected documents_processed_total in exposition")
	}
}
