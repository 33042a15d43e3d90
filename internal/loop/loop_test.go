package loop

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-agent/nexus/internal/action"
	"github.com/nexus-agent/nexus/internal/config"
	"github.com/nexus-agent/nexus/internal/eventbus"
	"github.com/nexus-agent/nexus/internal/memory"
	"github.com/nexus-agent/nexus/internal/policy"
)

func newTestLoop(t *testing.T) (*Loop, *eventbus.Bus, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "workspace"), 0o755))

	cfg := config.ExecutionConfig{
		Mode: "SAFE", AllowedRoots: []string{"workspace", "data"},
		DefaultTimeoutSec: 5, MaxTimeoutSec: 10,
	}
	gate := policy.NewGate(root, cfg.AllowedRoots)
	mem := memory.NewStore(filepath.Join(root, "data", "brain"))
	bus := eventbus.New()
	executor := action.NewExecutor(cfg, gate, bus, mem, filepath.Join(root, "data", "brain", "action_history.jsonl"))

	statePath := filepath.Join(root, "data", "state", "loop_state.json")
	return New(statePath, executor, mem, nil, bus), bus, statePath
}

func TestPriorityOrdering(t *testing.T) {
	l, _, _ := newTestLoop(t)

	l.Enqueue(Task{Name: "low", Action: "noop", Priority: PriorityLow})
	l.Enqueue(Task{Name: "critical", Action: "noop", Priority: PriorityCritical})
	l.Enqueue(Task{Name: "medium", Action: "noop", Priority: PriorityMedium})
	l.Enqueue(Task{Name: "high", Action: "noop", Priority: PriorityHigh})

	var order []string
	for {
		task, ok := l.Next()
		if !ok {
			break
		}
		order = append(order, task.Name)
	}
	assert.Equal(t, []string{"critical", "high", "medium", "low"}, order)
}

func TestExecuteWriteFileTask(t *testing.T) {
	l, _, _ := newTestLoop(t)
	l.Enqueue(Task{
		Name: "write greeting", Action: "write_file",
		Params:   map[string]interface{}{"path": "workspace/g.txt", "content": "hi"},
		Priority: PriorityHigh,
	})

	require.True(t, l.RunOne(context.Background()))

	done := l.Completed(10)
	require.Len(t, done, 1)
	assert.Equal(t, TaskCompleted, done[0].Status)
	assert.NotEmpty(t, done[0].Verification)
	assert.NotEmpty(t, done[0].Learnings)
}

func TestFailedTaskRetriesThenFails(t *testing.T) {
	l, _, _ := newTestLoop(t)
	l.Enqueue(Task{
		Name: "doomed", Action: "read_file",
		Params:     map[string]interface{}{"path": "workspace/missing.txt"},
		MaxRetries: 2,
	})

	// attempt 1 and 2 re-queue, attempt 3 fails for good
	require.True(t, l.RunOne(context.Background()))
	assert.Len(t, l.Pending(), 1)
	require.True(t, l.RunOne(context.Background()))
	require.True(t, l.RunOne(context.Background()))

	assert.Empty(t, l.Pending())
	done := l.Completed(10)
	require.Len(t, done, 1)
	assert.Equal(t, TaskFailed, done[0].Status)
	assert.Equal(t, 3, done[0].RetryCount)
}

func TestRunCommandRejectsBadSyntax(t *testing.T) {
	l, _, _ := newTestLoop(t)
	l.Enqueue(Task{
		Name: "bad quoting", Action: "run_command",
		Params:     map[string]interface{}{"command": "echo 'unterminated"},
		MaxRetries: 1,
	})

	l.RunOne(context.Background())
	l.RunOne(context.Background())

	done := l.Completed(10)
	require.Len(t, done, 1)
	assert.Equal(t, TaskFailed, done[0].Status)
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	l, _, statePath := newTestLoop(t)
	l.Enqueue(Task{Name: "survivor", Action: "noop", Priority: PriorityHigh})

	l2 := New(statePath, l.executor, l.mem, nil, nil)
	pending := l2.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "survivor", pending[0].Name)
}

func TestTaskRequestedEventEnqueues(t *testing.T) {
	l, bus, _ := newTestLoop(t)
	bus.Emit("task_requested", map[string]interface{}{
		"name": "from event", "action": "read_file", "priority": "HIGH",
	})
	pending := l.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, PriorityHigh, pending[0].Priority)
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, PriorityCritical, ParsePriority("critical"))
	assert.Equal(t, PriorityMedium, ParsePriority(""))
	assert.Equal(t, PriorityMedium, ParsePriority("garbage"))
	assert.Equal(t, PriorityLow, ParsePriority("LOW"))
}

func TestStats(t *testing.T) {
	l, _, _ := newTestLoop(t)
	l.Enqueue(Task{
		Name: "ok task", Action: "write_file",
		Params: map[string]interface{}{"path": "workspace/s.txt", "content": "x"},
	})
	l.RunOne(context.Background())

	stats := l.Stats()
	assert.Equal(t, 0, stats["pending"])
	assert.Equal(t, 1, stats["completed"])
}
