package action

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/nexus-agent/nexus/internal/config"
	"github.com/nexus-agent/nexus/internal/eventbus"
	"github.com/nexus-agent/nexus/internal/logging"
	"github.com/nexus-agent/nexus/internal/memory"
	"github.com/nexus-agent/nexus/internal/policy"
	"github.com/nexus-agent/nexus/internal/storagev2"
)

// ringCap bounds the in-memory recent results.
const ringCap = 200

// maxConcurrent bounds simultaneously dispatched handlers.
const maxConcurrent = 8

// handlerFunc executes one action. ctx carries the deadline; the handler
// should stop work when it is cancelled.
type handlerFunc func(ctx context.Context, e *Executor, p Params) (*Output, error)

// handlerEntry describes a registered action.
type handlerEntry struct {
	fn handlerFunc
	// pathParams name parameters resolved against the project root and
	// checked by the policy gate.
	pathParams []string
	// shellParam names a parameter checked by CheckShell.
	shellParam string
	// objective runs after a successful handler to set objective_success.
	objective func(e *Executor, p Params, out *Output) bool
}

// Executor is the single dispatcher. Construct once in main.
type Executor struct {
	cfg      config.ExecutionConfig
	gate     *policy.Gate
	mode     policy.Mode
	bus      *eventbus.Bus
	mem      *memory.Store
	handlers map[string]handlerEntry
	sem      *semaphore.Weighted
	log      *logging.Logger
	audit    *logging.AuditLogger

	historyPath string

	mu   sync.Mutex
	ring []Result

	browser *browserSession
}

// NewExecutor wires the executor. mem and bus may be nil in tests; the
// knowledge actions fail cleanly without a memory store.
func NewExecutor(cfg config.ExecutionConfig, gate *policy.Gate, bus *eventbus.Bus, mem *memory.Store, historyPath string) *Executor {
	e := &Executor{
		cfg:         cfg,
		gate:        gate,
		mode:        policy.ParseMode(cfg.Mode),
		bus:         bus,
		mem:         mem,
		sem:         semaphore.NewWeighted(maxConcurrent),
		log:         logging.Get(logging.CategoryAction),
		audit:       logging.AuditWithCategory(logging.CategoryAction),
		historyPath: historyPath,
	}
	e.handlers = registry()
	return e
}

// Mode returns the executor's safety mode.
func (e *Executor) Mode() policy.Mode { return e.mode }

// normalizeType resolves dash aliases: read-file → read_file.
func normalizeType(actionType string) string {
	return strings.ReplaceAll(strings.TrimSpace(actionType), "-", "_")
}

// Execute dispatches one action and blocks until its terminal result.
// It never returns an error: every failure is a terminal Result.
func (e *Executor) Execute(actionType string, params Params, timeout time.Duration) Result {
	if params == nil {
		params = Params{}
	}
	normalized := normalizeType(actionType)

	result := Result{
		ID:        "act-" + uuid.NewString()[:8],
		Type:      normalized,
		Status:    StatusPending,
		StartedAt: time.Now(),
	}

	entry, ok := e.handlers[normalized]
	if !ok {
		result.Status = StatusFailed
		result.Error = "Unknown action type: " + actionType
		return e.finish(result, params)
	}

	// resolve and gate path params before the handler runs
	for _, name := range entry.pathParams {
		raw := params.Str(name)
		if raw == "" {
			continue
		}
		resolved := raw
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(e.gate.ProjectRoot(), resolved)
		}
		resolved = filepath.Clean(resolved)
		decision := e.gate.CheckPath(resolved, normalized, e.mode)
		e.audit.PolicyDecision(normalized, decision.Allowed, decision.Reason)
		if !decision.Allowed {
			result.Status = StatusFailed
			result.PolicyBlocked = true
			result.Error = "policy denied: " + decision.Reason
			return e.finish(result, params)
		}
		params[name] = resolved
	}

	if entry.shellParam != "" {
		command := params.Str(entry.shellParam)
		decision := e.gate.CheckShell(command, e.mode)
		e.audit.PolicyDecision(normalized, decision.Allowed, decision.Reason)
		if !decision.Allowed {
			result.Status = StatusFailed
			result.PolicyBlocked = true
			result.Error = "policy denied: " + decision.Reason
			return e.finish(result, params)
		}
	}

	deadline := e.effectiveTimeout(timeout)
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		result.Status = StatusTimeout
		result.Error = "timed out waiting for a worker"
		return e.finish(result, params)
	}

	result.Status = StatusRunning
	e.audit.ActionDispatch(normalized, params.Str("path"))

	type handlerResult struct {
		out *Output
		err error
	}
	done := make(chan handlerResult, 1)
	go func() {
		defer e.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		out, err := entry.fn(ctx, e, params)
		done <- handlerResult{out: out, err: err}
	}()

	select {
	case hr := <-done:
		if hr.err != nil {
			result.Status = StatusFailed
			result.Error = hr.err.Error()
			if hr.out != nil {
				result.Output = hr.out.Text
				result.Data = hr.out.Data
			}
		} else {
			result.Status = StatusSuccess
			if hr.out != nil {
				result.Output = hr.out.Text
				result.Data = hr.out.Data
			}
			if entry.objective != nil {
				ok := entry.objective(e, params, hr.out)
				result.ObjectiveSuccess = &ok
			}
		}
	case <-ctx.Done():
		// worker abandoned; it still releases the semaphore when it returns
		result.Status = StatusTimeout
		result.Error = fmt.Sprintf("action exceeded %s deadline", deadline)
	}

	return e.finish(result, params)
}

func (e *Executor) effectiveTimeout(requested time.Duration) time.Duration {
	def := time.Duration(e.cfg.DefaultTimeoutSec) * time.Second
	max := time.Duration(e.cfg.MaxTimeoutSec) * time.Second
	if def <= 0 {
		def = 60 * time.Second
	}
	if max <= 0 {
		max = 300 * time.Second
	}
	if requested <= 0 {
		requested = def
	}
	if requested > max {
		requested = max
	}
	return requested
}

// finish stamps the result terminal, persists it, and emits bus events.
func (e *Executor) finish(result Result, params Params) Result {
	result.CompletedAt = time.Now()
	result.DurationMs = result.CompletedAt.Sub(result.StartedAt).Milliseconds()
	if result.DurationMs < 0 {
		result.DurationMs = 0
	}

	persisted := result
	if len(persisted.Output) > maxPersistedOutput {
		persisted.Output = persisted.Output[:maxPersistedOutput]
	}
	if err := storagev2.AppendJSONL(e.historyPath, &persisted); err != nil {
		e.log.Error("append action history: %v", err)
	}

	e.mu.Lock()
	e.ring = append(e.ring, persisted)
	if len(e.ring) > ringCap {
		e.ring = e.ring[len(e.ring)-ringCap:]
	}
	e.mu.Unlock()

	e.audit.ActionComplete(result.Type, params.Str("path"), result.DurationMs, result.Status == StatusSuccess, result.Error)
	if e.bus != nil {
		e.bus.Emit("action_completed", map[string]interface{}{
			"agent":          "executor",
			"action_type":    result.Type,
			"duration_ms":    float64(result.DurationMs),
			"success":        result.Status == StatusSuccess,
			"policy_blocked": result.PolicyBlocked,
		})
		if result.Status != StatusSuccess {
			e.bus.Emit("action_error", map[string]interface{}{
				"agent":      "executor",
				"error_type": string(result.Status),
				"message":    result.Error,
			})
		}
	}
	return result
}

// Recent returns up to limit most-recent results, most-recent last.
func (e *Executor) Recent(limit int) []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.ring
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	copied := make([]Result, len(out))
	copy(copied, out)
	return copied
}

// TrustMetrics summarizes the recent ring for the trust endpoint.
type TrustMetrics struct {
	SampleSize           int       `json:"sample_size"`
	ObjectiveSuccessRate float64   `json:"objective_success_rate"`
	PolicyBlockRate      float64   `json:"policy_block_rate"`
	FailureRate          float64   `json:"failure_rate"`
	GeneratedAt          time.Time `json:"generated_at"`
}

// Trust computes trust metrics over the in-memory ring.
func (e *Executor) Trust() TrustMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	tm := TrustMetrics{SampleSize: len(e.ring), GeneratedAt: time.Now()}
	if len(e.ring) == 0 {
		return tm
	}
	var objChecked, objOK, blocked, failed int
	for _, r := range e.ring {
		if r.ObjectiveSuccess != nil {
			objChecked++
			if *r.ObjectiveSuccess {
				objOK++
			}
		}
		if r.PolicyBlocked {
			blocked++
		}
		if r.Status != StatusSuccess {
			failed++
		}
	}
	if objChecked > 0 {
		tm.ObjectiveSuccessRate = float64(objOK) / float64(objChecked)
	}
	tm.PolicyBlockRate = float64(blocked) / float64(len(e.ring))
	tm.FailureRate = float64(failed) / float64(len(e.ring))
	return tm
}

// Stats aggregates ring counters for health snapshots.
func (e *Executor) Stats() (total, failures int, avgDurationMs, successRate float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	total = len(e.ring)
	if total == 0 {
		return 0, 0, 0, 1.0
	}
	var sumMs int64
	for _, r := range e.ring {
		sumMs += r.DurationMs
		if r.Status != StatusSuccess {
			failures++
		}
	}
	avgDurationMs = float64(sumMs) / float64(total)
	successRate = float64(total-failures) / float64(total)
	return total, failures, avgDurationMs, successRate
}

// Close releases long-lived resources (the browser session).
func (e *Executor) Close() {
	e.mu.Lock()
	browser := e.browser
	e.browser = nil
	e.mu.Unlock()
	if browser != nil {
		browser.close()
	}
}
