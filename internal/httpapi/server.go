// Package httpapi is the thin HTTP adapter over the NEXUS core: request
// validation, rate limiting, and timing middleware around the component
// APIs. No business logic lives here.
package httpapi

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/nexus-agent/nexus/internal/core"
	"github.com/nexus-agent/nexus/internal/logging"
)

// Runner is the scheduler surface the API needs; satisfied by
// scheduler.LearningLoop.
type Runner interface {
	Running() bool
	Stop()
	Stats() map[string]interface{}
}

// ClientKeyFunc extracts the rate-limit key from a request. Pluggable so
// tests can inject deterministic keys.
type ClientKeyFunc func(r *http.Request) string

// defaultClientKey keys by remote IP.
func defaultClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Server is the HTTP adapter.
type Server struct {
	core      *core.Context
	runner    Runner
	startLoop func()
	validate  *validator.Validate
	clientKey ClientKeyFunc
	router    chi.Router
	log       *logging.Logger
}

// NewServer builds the adapter. startLoop is invoked by POST /start;
// clientKey may be nil for the IP default.
func NewServer(c *core.Context, runner Runner, startLoop func(), clientKey ClientKeyFunc) *Server {
	if clientKey == nil {
		clientKey = defaultClientKey
	}
	s := &Server{
		core:      c,
		runner:    runner,
		startLoop: startLoop,
		validate:  validator.New(),
		clientKey: clientKey,
		log:       logging.Get(logging.CategoryHTTPAPI),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(s.core.Metrics.Middleware)

	r.Route("/api/nexus", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)

		r.With(s.rateLimited).Post("/learn", s.handleLearn)
		r.Post("/feedback", s.handleFeedback)
		r.Post("/task", s.handleTask)
		r.With(s.rateLimited).Post("/search", s.handleSearch)
		r.With(s.rateLimited).Post("/execute", s.handleExecute)

		r.Get("/skills", s.handleSkills)
		r.Get("/memory", s.handleMemory)
		r.Get("/cycles", s.handleCycles)
		r.Get("/safety", s.handleSafety)
		r.Get("/trust-metrics", s.handleTrustMetrics)
		r.Get("/skill-recommendation/{task_type}", s.handleSkillRecommendation)
		r.Get("/budget-projection", s.handleBudgetProjection)
		r.Get("/source-quality", s.handleSourceQuality)
		r.Get("/system-overview", s.handleSystemOverview)
		r.Get("/health", s.handleHealth)
		r.Get("/self-diagnostic", s.handleSelfDiagnostic)
		r.Post("/maintenance", s.handleMaintenance)
		r.Get("/metrics", s.handleMetrics)
		r.Handle("/metrics/prometheus", s.core.Metrics.PrometheusHandler())
		r.Get("/events", s.handleEvents)

		r.Post("/backup", s.handleBackup)
		r.Get("/backups", s.handleBackups)
		r.Post("/restore/{backup_name}", s.handleRestore)
		r.Get("/system-health", s.handleSystemHealth)
	})
	return r
}

// rateLimited gates mutating endpoints behind the per-client token bucket.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, info := s.core.RateLimiter.Check(s.clientKey(r))
		if !allowed {
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error": "rate limit exceeded",
				"limit": info.Limit,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// decode parses and validates a JSON body; a violation writes 422 and
// returns false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{"error": "invalid json: " + err.Error()})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{"error": err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
