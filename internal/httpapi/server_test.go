package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-agent/nexus/internal/config"
	"github.com/nexus-agent/nexus/internal/core"
)

// stubRunner satisfies Runner without a live scheduler.
type stubRunner struct{ running bool }

func (r *stubRunner) Running() bool                 { return r.running }
func (r *stubRunner) Stop()                         { r.running = false }
func (r *stubRunner) Stats() map[string]interface{} { return map[string]interface{}{"iteration": 0} }

func newTestServer(t *testing.T) (*Server, *core.Context) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.RateLimit.RatePerMinute = 1000
	c := core.New(context.Background(), cfg, t.TempDir(), nil)
	runner := &stubRunner{}
	srv := NewServer(c, runner, func() { runner.running = true }, func(r *http.Request) string { return "test-client" })
	return srv, c
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestStatusAndStart(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, "GET", "/api/nexus/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stopped")
	assert.NotEmpty(t, rec.Header().Get("X-Response-Time-Ms"))

	rec = doJSON(t, srv, "POST", "/api/nexus/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "started")

	rec = doJSON(t, srv, "GET", "/api/nexus/status", nil)
	assert.Contains(t, rec.Body.String(), "running")
}

func TestLearnThenSearch(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, "POST", "/api/nexus/learn", LearnRequest{
		Source: "api", Type: "insight", Title: "searchable fact",
		Content: "body text", Relevance: 0.8,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, "POST", "/api/nexus/search", SearchRequest{Query: "searchable"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
}

func TestLearnValidationBounds(t *testing.T) {
	srv, _ := newTestServer(t)

	// content exactly at the 50k bound succeeds
	rec := doJSON(t, srv, "POST", "/api/nexus/learn", LearnRequest{
		Source: "api", Type: "t", Title: "bound",
		Content: strings.Repeat("x", 50000), Relevance: 0.5,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	// 50001 rejected
	rec = doJSON(t, srv, "POST", "/api/nexus/learn", LearnRequest{
		Source: "api", Type: "t", Title: "over",
		Content: strings.Repeat("x", 50001), Relevance: 0.5,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// missing required fields rejected
	rec = doJSON(t, srv, "POST", "/api/nexus/learn", LearnRequest{Source: "api"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// relevance out of range rejected
	rec = doJSON(t, srv, "POST", "/api/nexus/learn", LearnRequest{
		Source: "api", Type: "t", Title: "x", Content: "y", Relevance: 1.5,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestExecuteBoundsAndConflict(t *testing.T) {
	srv, _ := newTestServer(t)

	// max_cycles over bound rejected
	rec := doJSON(t, srv, "POST", "/api/nexus/execute", ExecuteRequest{Task: "x", MaxCycles: 101})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, srv, "POST", "/api/nexus/execute", ExecuteRequest{Task: "x", MaxCycles: 0})
	// omitted max_cycles passes validation (omitempty)
	assert.NotEqual(t, http.StatusUnprocessableEntity, rec.Code)

	// failing action with verification_required → 409
	rec = doJSON(t, srv, "POST", "/api/nexus/execute", ExecuteRequest{
		Task: "read missing", Action: "read_file",
		Params:               map[string]interface{}{"path": "workspace/never_existed.txt"},
		MaxCycles:            1,
		VerificationRequired: true,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSearchValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, "POST", "/api/nexus/search", SearchRequest{Query: "", Limit: 10})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, srv, "POST", "/api/nexus/search", SearchRequest{Query: "q", Limit: 101})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRateLimit429(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimit.RatePerMinute = 3
	c := core.New(context.Background(), cfg, t.TempDir(), nil)
	runner := &stubRunner{}
	srv := NewServer(c, runner, func() {}, func(r *http.Request) string { return "same-client" })

	var last int
	for i := 0; i < 5; i++ {
		rec := doJSON(t, srv, "POST", "/api/nexus/search", SearchRequest{Query: "q"})
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestRestoreRejectsBadName(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, "POST", "/api/nexus/restore/not_a_backup.zip", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBackupRoundTripOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	// learn something so the brain dir has files
	doJSON(t, srv, "POST", "/api/nexus/learn", LearnRequest{
		Source: "api", Type: "t", Title: "keep me", Content: "c", Relevance: 0.5,
	})

	rec := doJSON(t, srv, "POST", "/api/nexus/backup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.NotEmpty(t, info.Name)

	rec = doJSON(t, srv, "GET", "/api/nexus/backups", nil)
	assert.Contains(t, rec.Body.String(), info.Name)

	rec = doJSON(t, srv, "POST", "/api/nexus/restore/"+info.Name, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadOnlyEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, path := range []string{
		"/api/nexus/skills", "/api/nexus/memory", "/api/nexus/cycles",
		"/api/nexus/safety", "/api/nexus/trust-metrics",
		"/api/nexus/skill-recommendation/deploy", "/api/nexus/budget-projection",
		"/api/nexus/source-quality", "/api/nexus/system-overview",
		"/api/nexus/health", "/api/nexus/self-diagnostic",
		"/api/nexus/metrics", "/api/nexus/events", "/api/nexus/system-health",
	} {
		rec := doJSON(t, srv, "GET", path, nil)
		assert.Equal(t, http.StatusOK, rec.Code, "path %s", path)
	}
}

func TestEventsFilter(t *testing.T) {
	srv, c := newTestServer(t)
	c.Bus.Emit("alpha", nil)
	c.Bus.Emit("beta", nil)

	rec := doJSON(t, srv, "GET", "/api/nexus/events?event_type=alpha&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alpha")
	assert.NotContains(t, rec.Body.String(), "beta")
}

func TestMaintenance(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, "POST", "/api/nexus/maintenance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "actions")
}
