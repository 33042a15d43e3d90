// Package loop implements the autonomous task loop: a priority queue of
// tasks driven through Execute → Verify → Learn with retry semantics and
// state persistence.
package loop

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-agent/nexus/internal/action"
	"github.com/nexus-agent/nexus/internal/advisor"
	"github.com/nexus-agent/nexus/internal/coreerr"
	"github.com/nexus-agent/nexus/internal/eventbus"
	"github.com/nexus-agent/nexus/internal/logging"
	"github.com/nexus-agent/nexus/internal/memory"
	"github.com/nexus-agent/nexus/internal/policy"
	"github.com/nexus-agent/nexus/internal/storagev2"
)

// Priority orders tasks; lower value runs first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

// ParsePriority maps a string to a Priority, defaulting to MEDIUM.
func ParsePriority(s string) Priority {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return PriorityCritical
	case "HIGH":
		return PriorityHigh
	case "LOW":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityLow:
		return "LOW"
	default:
		return "MEDIUM"
	}
}

// Task statuses.
const (
	TaskPending   = "PENDING"
	TaskRunning   = "RUNNING"
	TaskVerifying = "VERIFYING"
	TaskCompleted = "COMPLETED"
	TaskFailed    = "FAILED"
	TaskLearning  = "LEARNING"
)

// Task is one unit of autonomous work.
type Task struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	Action       string                 `json:"action"`
	Params       map[string]interface{} `json:"params,omitempty"`
	Priority     Priority               `json:"priority"`
	Status       string                 `json:"status"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	Result       map[string]interface{} `json:"result,omitempty"`
	Verification string                 `json:"verification,omitempty"`
	Learnings    []string               `json:"learnings,omitempty"`
	RetryCount   int                    `json:"retry_count"`
	MaxRetries   int                    `json:"max_retries"`
}

// Loop owns the pending queue and completed history.
type Loop struct {
	mu        sync.Mutex
	pending   []Task
	completed []Task
	statePath string

	executor *action.Executor
	mem      *memory.Store
	adv      advisor.Advisor
	bus      *eventbus.Bus
	log      *logging.Logger
}

type stateDoc struct {
	PendingTasks []Task    `json:"pending_tasks"`
	LastUpdated  time.Time `json:"last_updated"`
}

// New restores pending tasks from statePath. adv may be nil (heuristic
// reflection used directly).
func New(statePath string, executor *action.Executor, mem *memory.Store, adv advisor.Advisor, bus *eventbus.Bus) *Loop {
	if adv == nil {
		adv = advisor.NewWithFallback(nil)
	}
	l := &Loop{
		statePath: statePath,
		executor:  executor,
		mem:       mem,
		adv:       adv,
		bus:       bus,
		log:       logging.Get(logging.CategoryLoop),
	}

	var doc stateDoc
	if _, err := storagev2.ReadJSON(statePath, &doc); err == nil && len(doc.PendingTasks) > 0 {
		l.pending = doc.PendingTasks
		l.sortLocked()
		l.log.Info("restored %d pending tasks", len(l.pending))
	}

	if bus != nil {
		bus.Subscribe("task_requested", func(ev eventbus.Event) {
			name, _ := ev.Data["name"].(string)
			actionType, _ := ev.Data["action"].(string)
			prio, _ := ev.Data["priority"].(string)
			desc, _ := ev.Data["description"].(string)
			params, _ := ev.Data["params"].(map[string]interface{})
			if name == "" {
				return
			}
			l.Enqueue(Task{
				Name:        name,
				Description: desc,
				Action:      actionType,
				Params:      params,
				Priority:    ParsePriority(prio),
			})
		})
	}
	return l
}

// Enqueue inserts a task preserving priority order and returns its ID.
func (l *Loop) Enqueue(task Task) string {
	if task.ID == "" {
		task.ID = "task-" + uuid.NewString()[:8]
	}
	if task.MaxRetries <= 0 {
		task.MaxRetries = 2
	}
	task.Status = TaskPending
	task.CreatedAt = time.Now()

	l.mu.Lock()
	l.pending = append(l.pending, task)
	l.sortLocked()
	l.persistLocked()
	l.mu.Unlock()

	if l.bus != nil {
		l.bus.Emit("task_enqueued", map[string]interface{}{"id": task.ID, "name": task.Name, "priority": task.Priority.String()})
	}
	return task.ID
}

// sortLocked keeps the queue stable-sorted by priority then age.
func (l *Loop) sortLocked() {
	sort.SliceStable(l.pending, func(i, j int) bool {
		if l.pending[i].Priority != l.pending[j].Priority {
			return l.pending[i].Priority < l.pending[j].Priority
		}
		return l.pending[i].CreatedAt.Before(l.pending[j].CreatedAt)
	})
}

// Next pops the highest-priority pending task, or ok=false when idle.
func (l *Loop) Next() (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return Task{}, false
	}
	task := l.pending[0]
	l.pending = l.pending[1:]
	l.persistLocked()
	return task, true
}

// RunOne pops and fully processes one task (execute, verify, learn).
// Returns false when the queue is empty.
func (l *Loop) RunOne(ctx context.Context) bool {
	task, ok := l.Next()
	if !ok {
		return false
	}
	l.ExecuteTask(ctx, &task)
	return true
}

// ExecuteTask drives one task through its lifecycle. Failures re-queue the
// task until retries are exhausted; it never panics or raises to the
// caller.
func (l *Loop) ExecuteTask(ctx context.Context, task *Task) {
	now := time.Now()
	task.Status = TaskRunning
	task.StartedAt = &now

	result, err := l.dispatch(ctx, task)
	task.Result = result

	if err != nil {
		l.log.Warn("task %s failed: %v", task.ID, err)
		task.RetryCount++
		if task.RetryCount <= task.MaxRetries {
			task.Status = TaskPending
			l.mu.Lock()
			l.pending = append(l.pending, *task)
			l.sortLocked()
			l.persistLocked()
			l.mu.Unlock()
			if l.bus != nil {
				l.bus.Emit("task_retry", map[string]interface{}{"id": task.ID, "attempt": task.RetryCount})
			}
			return
		}
		task.Status = TaskFailed
	} else {
		task.Status = TaskVerifying
	}

	failed := task.Status == TaskFailed
	l.verifyAndLearn(ctx, task, err)

	done := time.Now()
	task.CompletedAt = &done
	if failed {
		task.Status = TaskFailed
	} else {
		task.Status = TaskCompleted
	}

	l.mu.Lock()
	l.completed = append(l.completed, *task)
	if len(l.completed) > 200 {
		l.completed = l.completed[len(l.completed)-200:]
	}
	l.persistLocked()
	l.mu.Unlock()

	if l.bus != nil {
		l.bus.Emit("task_completed", map[string]interface{}{
			"id": task.ID, "name": task.Name, "status": task.Status,
		})
	}
}

// dispatch routes a task to its action implementation.
func (l *Loop) dispatch(ctx context.Context, task *Task) (map[string]interface{}, error) {
	params := action.Params(task.Params)
	if params == nil {
		params = action.Params{}
	}

	switch task.Action {
	case "verify_url":
		res := l.executor.Execute(action.ActionHTTPGet, params, 0)
		return resultMap(res), errIfFailed(res)

	case "verify_file":
		res := l.executor.Execute(action.ActionReadFile, params, 0)
		return resultMap(res), errIfFailed(res)

	case "run_command":
		command := params.Str("command")
		if decision := policy.ValidateShellSyntax(command); !decision.Allowed {
			err := coreerr.Validation("loop", "run_command", fmt.Errorf("invalid command syntax: %s", decision.Reason))
			return map[string]interface{}{"error": decision.Reason}, err
		}
		res := l.executor.Execute(action.ActionRunShell, params, 0)
		return resultMap(res), errIfFailed(res)

	case "run_python":
		res := l.executor.Execute(action.ActionRunPython, params, 0)
		return resultMap(res), errIfFailed(res)

	case "learn_from_input":
		res := l.executor.Execute(action.ActionLearnKnowledge, params, 0)
		return resultMap(res), errIfFailed(res)

	default:
		// any registered executor action is a valid task action
		res := l.executor.Execute(task.Action, params, 0)
		return resultMap(res), errIfFailed(res)
	}
}

// verifyAndLearn records a reflection and feedback for the task outcome.
func (l *Loop) verifyAndLearn(ctx context.Context, task *Task, execErr error) {
	task.Status = TaskLearning

	prompt := fmt.Sprintf("task %q action %s", task.Name, task.Action)
	if execErr != nil {
		prompt += " failed: " + execErr.Error()
	} else {
		prompt += " completed successfully"
	}
	if task.RetryCount > 0 {
		prompt += fmt.Sprintf(" after %d retry attempts", task.RetryCount)
	}

	if reflection, ok := l.adv.Reflect(ctx, prompt); ok {
		task.Verification = reflection
		task.Learnings = append(task.Learnings, reflection)
		if l.mem != nil {
			kind := "success_pattern"
			if execErr != nil {
				kind = "failure_pattern"
			} else if task.RetryCount > 0 {
				kind = "retry_pattern"
			}
			if err := l.mem.RecordPattern(kind, reflection, task.ID); err != nil {
				l.log.Error("record pattern: %v", err)
			}
		}
	}

	if l.mem != nil {
		content := fmt.Sprintf("task %s (%s)", task.Name, task.Action)
		if err := l.mem.RecordFeedback(content, execErr == nil, task.ID); err != nil {
			l.log.Error("record feedback: %v", err)
		}
	}
}

// Stats summarizes queue state.
func (l *Loop) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	completed, failed := 0, 0
	for _, t := range l.completed {
		if t.Status == TaskFailed {
			failed++
		} else {
			completed++
		}
	}
	return map[string]interface{}{
		"pending":   len(l.pending),
		"completed": completed,
		"failed":    failed,
	}
}

// Pending returns a snapshot of the queue.
func (l *Loop) Pending() []Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Task, len(l.pending))
	copy(out, l.pending)
	return out
}

// Completed returns the most recent completed tasks.
func (l *Loop) Completed(limit int) []Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.completed
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	copied := make([]Task, len(out))
	copy(copied, out)
	return copied
}

func (l *Loop) persistLocked() {
	doc := stateDoc{PendingTasks: l.pending, LastUpdated: time.Now()}
	if err := storagev2.AtomicWriteJSON(l.statePath, doc); err != nil {
		l.log.Error("persist loop state: %v", err)
	}
}

func resultMap(res action.Result) map[string]interface{} {
	out := map[string]interface{}{
		"status":      string(res.Status),
		"duration_ms": res.DurationMs,
	}
	if res.Output != "" {
		out["output"] = res.Output
	}
	if res.Error != "" {
		out["error"] = res.Error
	}
	for k, v := range res.Data {
		out[k] = v
	}
	return out
}

func errIfFailed(res action.Result) error {
	if res.Status == action.StatusSuccess {
		return nil
	}
	if res.Error != "" {
		return fmt.Errorf("%s", res.Error)
	}
	return fmt.Errorf("action %s ended with status %s", res.Type, res.Status)
}
