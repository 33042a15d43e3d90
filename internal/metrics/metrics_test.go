package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndSnapshot(t *testing.T) {
	m := New()

	m.Record("GET", "/api/nexus/status", 10, false)
	m.Record("GET", "/api/nexus/status", 30, false)
	m.Record("GET", "/api/nexus/status", 20, true)

	snap := m.Snapshot()
	stats, ok := snap["GET /api/nexus/status"]
	require.True(t, ok)
	assert.Equal(t, int64(3), stats.Count)
	assert.Equal(t, int64(1), stats.Errors)
	assert.InDelta(t, 10.0, stats.MinMs, 0.001)
	assert.InDelta(t, 30.0, stats.MaxMs, 0.001)
	assert.InDelta(t, 20.0, stats.AvgMs, 0.001)
	assert.InDelta(t, 1.0/3.0, stats.ErrorRate, 0.001)
}

func TestSnapshotIsolatedPerEndpoint(t *testing.T) {
	m := New()
	m.Record("GET", "/a", 5, false)
	m.Record("POST", "/a", 7, false)

	snap := m.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, int64(2), m.TotalRequests())
}

func TestMiddlewareSetsTimingHeader(t *testing.T) {
	m := New()
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Millisecond)
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))

	assert.NotEmpty(t, rec.Header().Get("X-Response-Time-Ms"))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	snap := m.Snapshot()
	stats := snap["GET /x"]
	assert.Equal(t, int64(1), stats.Count)
	assert.Equal(t, int64(1), stats.Errors)
}

func TestPrometheusHandlerServes(t *testing.T) {
	m := New()
	m.Record("GET", "/y", 1, false)
	m.RecordSkippedLine()

	rec := httptest.NewRecorder()
	m.PrometheusHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "nexus_http_requests_total")
	assert.Contains(t, rec.Body.String(), "nexus_jsonl_skipped_lines_total")
}

func TestRegistryGathersCounterValues(t *testing.T) {
	m := New()
	m.Record("GET", "/z", 1, true)
	m.Record("GET", "/z", 1, true)

	families, err := m.registry.Gather()
	require.NoError(t, err)

	var errorsFamily *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "nexus_http_request_errors_total" {
			errorsFamily = mf
		}
	}
	require.NotNil(t, errorsFamily)
	require.Len(t, errorsFamily.GetMetric(), 1)
	assert.InDelta(t, 2.0, errorsFamily.GetMetric()[0].GetCounter().GetValue(), 1e-9)
}
