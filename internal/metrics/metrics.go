// Package metrics implements NEXUS's per-endpoint request metrics: O(1)
// recording per request, O(k) snapshots, and a Prometheus registry for
// scrape-based consumers.
package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EndpointStats is the aggregate for one (method, path) pair.
type EndpointStats struct {
	Count     int64   `json:"count"`
	Errors    int64   `json:"errors"`
	TotalMs   float64 `json:"total_ms"`
	MinMs     float64 `json:"min_ms"`
	MaxMs     float64 `json:"max_ms"`
	AvgMs     float64 `json:"avg_ms"`
	ErrorRate float64 `json:"error_rate"`
}

// RequestMetrics aggregates request latency and error counters per
// endpoint. All methods are safe for concurrent use from handler
// goroutines.
type RequestMetrics struct {
	mu        sync.Mutex
	endpoints map[string]*endpointAgg

	registry     *prometheus.Registry
	requests     *prometheus.CounterVec
	errors       *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	skippedLines prometheus.Counter
}

type endpointAgg struct {
	count   int64
	errors  int64
	totalMs float64
	minMs   float64
	maxMs   float64
}

// New constructs a RequestMetrics with its own Prometheus registry so tests
// can build several instances without collector collisions.
func New() *RequestMetrics {
	reg := prometheus.NewRegistry()
	m := &RequestMetrics{
		endpoints: make(map[string]*endpointAgg),
		registry:  reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexus",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method and path.",
		}, []string{"method", "path"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexus",
			Name:      "http_request_errors_total",
			Help:      "Total HTTP error responses by method and path.",
		}, []string{"method", "path"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nexus",
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}, []string{"method", "path"}),
		skippedLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexus",
			Name:      "jsonl_skipped_lines_total",
			Help:      "Malformed JSONL lines skipped by the stores.",
		}),
	}
	reg.MustRegister(m.requests, m.errors, m.latency, m.skippedLines)
	return m
}

// Record adds one observation for (method, path). isError marks 4xx/5xx
// responses.
func (m *RequestMetrics) Record(method, path string, durationMs float64, isError bool) {
	key := method + " " + path

	m.mu.Lock()
	agg, ok := m.endpoints[key]
	if !ok {
		agg = &endpointAgg{minMs: durationMs, maxMs: durationMs}
		m.endpoints[key] = agg
	}
	agg.count++
	agg.totalMs += durationMs
	if durationMs < agg.minMs {
		agg.minMs = durationMs
	}
	if durationMs > agg.maxMs {
		agg.maxMs = durationMs
	}
	if isError {
		agg.errors++
	}
	m.mu.Unlock()

	m.requests.WithLabelValues(method, path).Inc()
	m.latency.WithLabelValues(method, path).Observe(durationMs)
	if isError {
		m.errors.WithLabelValues(method, path).Inc()
	}
}

// RecordSkippedLine counts one malformed JSONL line skipped by a store.
func (m *RequestMetrics) RecordSkippedLine() {
	m.skippedLines.Inc()
}

// Snapshot returns averages per endpoint keyed by "METHOD path".
func (m *RequestMetrics) Snapshot() map[string]EndpointStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]EndpointStats, len(m.endpoints))
	for key, agg := range m.endpoints {
		stats := EndpointStats{
			Count:   agg.count,
			Errors:  agg.errors,
			TotalMs: agg.totalMs,
			MinMs:   agg.minMs,
			MaxMs:   agg.maxMs,
		}
		if agg.count > 0 {
			stats.AvgMs = agg.totalMs / float64(agg.count)
			stats.ErrorRate = float64(agg.errors) / float64(agg.count)
		}
		out[key] = stats
	}
	return out
}

// TotalRequests returns the sum of counts across endpoints.
func (m *RequestMetrics) TotalRequests() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, agg := range m.endpoints {
		total += agg.count
	}
	return total
}

// PrometheusHandler exposes the underlying registry for scrapes.
func (m *RequestMetrics) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware wraps next, timing each request, setting X-Response-Time-Ms,
// and recording the observation.
func (m *RequestMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK, start: start}
		next.ServeHTTP(rec, r)
		elapsed := float64(time.Since(start).Microseconds()) / 1000.0
		m.Record(r.Method, r.URL.Path, elapsed, rec.status >= 400)
	})
}

// statusRecorder stamps X-Response-Time-Ms just before the headers flush,
// since they are immutable afterward.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	start       time.Time
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		elapsed := float64(time.Since(r.start).Microseconds()) / 1000.0
		r.Header().Set("X-Response-Time-Ms", fmt.Sprintf("%.2f", elapsed))
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}
