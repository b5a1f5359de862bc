package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPromSink_Counter(t *testing.T) {
	sink := NewPromSink(prometheus.NewRegistry())

	sink.IncrementCounter("bed.assignments", 1, map[string]string{"area": "acute", "triage_level": "2"})
	sink.IncrementCounter("bed.assignments", 2, map[string]string{"area": "acute", "triage_level": "2"})
	sink.IncrementCounter("bed.assignments", 0, map[string]string{"area": "acute", "triage_level": "2"})

	got := testutil.ToFloat64(sink.counters["bed.assignments"].WithLabelValues("acute", "2"))
	if got != 3 {
		t.Errorf("expected counter 3, got %v", got)
	}
}

func TestPromSink_TimerAndGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPromSink(reg)

	sink.RecordTimer("triage.scoring", 12*time.Millisecond, nil)
	sink.SetGauge("capacity.occupancy_rate", 0.8, nil)
	sink.SetGauge("capacity.occupancy_rate", 0.9, nil)

	if n := testutil.CollectAndCount(sink.histograms["triage.scoring"]); n != 1 {
		t.Errorf("expected 1 histogram series, got %d", n)
	}
	if got := testutil.ToFloat64(sink.gauges["capacity.occupancy_rate"].WithLabelValues()); got != 0.9 {
		t.Errorf("expected gauge 0.9, got %v", got)
	}

	names, err := testutil.GatherAndCount(reg, "ed_triage_scoring_seconds", "ed_capacity_occupancy_rate")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if names != 2 {
		t.Errorf("expected 2 registered series, got %d", names)
	}
}

func TestPromSink_Handler(t *testing.T) {
	sink := NewPromSink(prometheus.NewRegistry())
	sink.IncrementCounter("triage.red_flags", 2, map[string]string{"severity": "HIGH"})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := sink.Handler()(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `ed_triage_red_flags_total{severity="HIGH"} 2`) {
		t.Errorf("metrics output missing counter:\n%s", rec.Body.String())
	}
}

func TestPromSink_HTTPMiddleware(t *testing.T) {
	sink := NewPromSink(prometheus.NewRegistry())
	e := echo.New()
	e.Use(sink.HTTPMiddleware())
	e.GET("/api/v1/capacity", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/capacity", nil))

	if n := testutil.CollectAndCount(sink.histograms["http_request"]); n != 1 {
		t.Errorf("expected one http_request series, got %d", n)
	}
}

func TestMetricName(t *testing.T) {
	if got := metricName("bed.assignment-count"); got != "bed_assignment_count" {
		t.Errorf("metricName = %s", got)
	}
}
