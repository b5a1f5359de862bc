// Package telemetry exposes the service's Prometheus metrics and the
// OpenTelemetry tracer used by the domain components.
package telemetry

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const namespace = "ed"

// Tracer returns the named tracer from the global provider. Without an
// exporter configured the spans are no-ops.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// PromSink records timers, counters and gauges into a Prometheus registry.
// Collectors are created on first use; the label names for a metric are
// fixed by the tags passed the first time it is recorded.
type PromSink struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	histograms map[string]*prometheus.HistogramVec
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
}

func NewPromSink(reg *prometheus.Registry) *PromSink {
	return &PromSink{
		reg:        reg,
		histograms: make(map[string]*prometheus.HistogramVec),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func (s *PromSink) Registry() *prometheus.Registry { return s.reg }

// RecordTimer observes d in seconds on the "<name>_seconds" histogram.
func (s *PromSink) RecordTimer(name string, d time.Duration, tags map[string]string) {
	keys := labelKeys(tags)
	s.mu.Lock()
	h, ok := s.histograms[name]
	if !ok {
		h = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      metricName(name) + "_seconds",
			Help:      fmt.Sprintf("Duration of %s.", name),
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, keys)
		s.register(h)
		s.histograms[name] = h
	}
	s.mu.Unlock()

	if obs, err := h.GetMetricWith(tags); err == nil {
		obs.Observe(d.Seconds())
	}
}

// IncrementCounter adds n to the "<name>_total" counter.
func (s *PromSink) IncrementCounter(name string, n int, tags map[string]string) {
	if n <= 0 {
		return
	}
	keys := labelKeys(tags)
	s.mu.Lock()
	c, ok := s.counters[name]
	if !ok {
		c = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      metricName(name) + "_total",
			Help:      fmt.Sprintf("Count of %s.", name),
		}, keys)
		s.register(c)
		s.counters[name] = c
	}
	s.mu.Unlock()

	if m, err := c.GetMetricWith(tags); err == nil {
		m.Add(float64(n))
	}
}

func (s *PromSink) SetGauge(name string, v float64, tags map[string]string) {
	keys := labelKeys(tags)
	s.mu.Lock()
	g, ok := s.gauges[name]
	if !ok {
		g = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      metricName(name),
			Help:      fmt.Sprintf("Current %s.", name),
		}, keys)
		s.register(g)
		s.gauges[name] = g
	}
	s.mu.Unlock()

	if m, err := g.GetMetricWith(tags); err == nil {
		m.Set(v)
	}
}

func (s *PromSink) register(c prometheus.Collector) {
	if s.reg != nil {
		_ = s.reg.Register(c)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (s *PromSink) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
}

// HTTPMiddleware records request latency per route and status class.
func (s *PromSink) HTTPMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			s.RecordTimer("http_request", time.Since(start), map[string]string{
				"method": c.Request().Method,
				"route":  c.Path(),
				"status": strconv.Itoa(status/100) + "xx",
			})
			return err
		}
	}
}

func labelKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func metricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(name)
}
