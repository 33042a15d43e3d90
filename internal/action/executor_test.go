package action

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-agent/nexus/internal/config"
	"github.com/nexus-agent/nexus/internal/eventbus"
	"github.com/nexus-agent/nexus/internal/memory"
	"github.com/nexus-agent/nexus/internal/policy"
	"github.com/nexus-agent/nexus/internal/storagev2"
)

func newTestExecutor(t *testing.T, mode string) *Executor {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "workspace"), 0o755))

	cfg := config.ExecutionConfig{
		Mode:              mode,
		AllowedRoots:      []string{"workspace", "data", "src"},
		DefaultTimeoutSec: 5,
		MaxTimeoutSec:     10,
	}
	gate := policy.NewGate(root, cfg.AllowedRoots)
	mem := memory.NewStore(filepath.Join(root, "data", "brain"))
	historyPath := filepath.Join(root, "data", "brain", "action_history.jsonl")
	return NewExecutor(cfg, gate, eventbus.New(), mem, historyPath)
}

func TestWriteThenRead(t *testing.T) {
	e := newTestExecutor(t, "SAFE")

	res := e.Execute("write_file", Params{"path": "workspace/hello.txt", "content": "hello world"}, 0)
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 11, res.Data["size"])
	require.NotNil(t, res.ObjectiveSuccess)
	assert.True(t, *res.ObjectiveSuccess)

	res = e.Execute("read_file", Params{"path": "workspace/hello.txt"}, 0)
	require.Equal(t, StatusSuccess, res.Status)
	assert.Contains(t, res.Output, "hello world")
}

func TestPolicyDenialInSafeMode(t *testing.T) {
	e := newTestExecutor(t, "SAFE")
	res := e.Execute("read_file", Params{"path": "/tmp/outside.txt"}, 0)
	assert.Equal(t, StatusFailed, res.Status)
	assert.True(t, res.PolicyBlocked)
}

func TestDangerousShellBlocked(t *testing.T) {
	e := newTestExecutor(t, "FULL_AUTO")
	res := e.Execute("run_shell", Params{"command": "rm -rf /"}, 0)
	assert.Equal(t, StatusFailed, res.Status)
	assert.True(t, res.PolicyBlocked)
}

func TestUnknownActionType(t *testing.T) {
	e := newTestExecutor(t, "SAFE")
	res := e.Execute("launch_rocket", nil, 0)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "Unknown action type: launch_rocket", res.Error)
	// unknown actions are still persisted to the ring
	assert.Len(t, e.Recent(10), 1)
}

func TestDashAlias(t *testing.T) {
	e := newTestExecutor(t, "SAFE")
	res := e.Execute("write-file", Params{"path": "workspace/a.txt", "content": "x"}, 0)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "write_file", res.Type)
}

func TestEditFileReplacesOnce(t *testing.T) {
	e := newTestExecutor(t, "SAFE")
	e.Execute("write_file", Params{"path": "workspace/e.txt", "content": "aaa bbb aaa"}, 0)

	res := e.Execute("edit_file", Params{"path": "workspace/e.txt", "old": "aaa", "new": "ccc"}, 0)
	require.Equal(t, StatusSuccess, res.Status)

	read := e.Execute("read_file", Params{"path": "workspace/e.txt"}, 0)
	assert.Equal(t, "ccc bbb aaa", read.Output)
}

func TestEditFileMissingOldFails(t *testing.T) {
	e := newTestExecutor(t, "SAFE")
	e.Execute("write_file", Params{"path": "workspace/e.txt", "content": "hello"}, 0)

	res := e.Execute("edit_file", Params{"path": "workspace/e.txt", "old": "absent", "new": "x"}, 0)
	assert.Equal(t, StatusFailed, res.Status)

	read := e.Execute("read_file", Params{"path": "workspace/e.txt"}, 0)
	assert.Equal(t, "hello", read.Output, "file untouched on failed edit")

	res = e.Execute("edit_file", Params{"path": "workspace/e.txt", "old": "", "new": "x"}, 0)
	assert.Equal(t, StatusFailed, res.Status)
}

func TestWriteFileOverwrites(t *testing.T) {
	e := newTestExecutor(t, "SAFE")
	e.Execute("write_file", Params{"path": "workspace/o.txt", "content": "first"}, 0)
	e.Execute("write_file", Params{"path": "workspace/o.txt", "content": "second"}, 0)

	read := e.Execute("read_file", Params{"path": "workspace/o.txt"}, 0)
	assert.Equal(t, "second", read.Output)
}

func TestDeleteFileObjective(t *testing.T) {
	e := newTestExecutor(t, "SAFE")
	e.Execute("write_file", Params{"path": "workspace/d.txt", "content": "x"}, 0)
	res := e.Execute("delete_file", Params{"path": "workspace/d.txt"}, 0)
	require.Equal(t, StatusSuccess, res.Status)
	require.NotNil(t, res.ObjectiveSuccess)
	assert.True(t, *res.ObjectiveSuccess)
}

func TestListAndCreateDirectory(t *testing.T) {
	e := newTestExecutor(t, "SAFE")
	res := e.Execute("create_directory", Params{"path": "workspace/sub"}, 0)
	require.Equal(t, StatusSuccess, res.Status)

	e.Execute("write_file", Params{"path": "workspace/sub/f.txt", "content": "x"}, 0)
	res = e.Execute("list_directory", Params{"path": "workspace/sub"}, 0)
	require.Equal(t, StatusSuccess, res.Status)
	assert.Contains(t, res.Output, "f.txt")
	assert.Equal(t, 1, res.Data["count"])
}

func TestDurationNonNegativeAndTerminalStatus(t *testing.T) {
	e := newTestExecutor(t, "SAFE")
	res := e.Execute("write_file", Params{"path": "workspace/p.txt", "content": "x"}, 0)
	assert.GreaterOrEqual(t, res.DurationMs, int64(0))
	assert.Contains(t, []Status{StatusSuccess, StatusFailed, StatusTimeout}, res.Status)
}

func TestHistoryPersistedWithCappedOutput(t *testing.T) {
	e := newTestExecutor(t, "SAFE")
	big := make([]byte, 5000)
	for i := range big {
		big[i] = 'x'
	}
	e.Execute("write_file", Params{"path": "workspace/big.txt", "content": string(big)}, 0)
	e.Execute("read_file", Params{"path": "workspace/big.txt"}, 0)

	results := storagev2.DecodeLines[Result](e.historyPath, 10)
	require.Len(t, results, 2)
	assert.LessOrEqual(t, len(results[1].Output), maxPersistedOutput)
}

func TestTimeout(t *testing.T) {
	e := newTestExecutor(t, "FULL_AUTO")
	res := e.Execute("run_shell", Params{"command": "sleep 30"}, time.Second)
	assert.Equal(t, StatusTimeout, res.Status)
}

func TestKnowledgeActions(t *testing.T) {
	e := newTestExecutor(t, "SAFE")

	res := e.Execute("learn_knowledge", Params{
		"source": "test", "type": "insight", "title": "caching helps",
		"content": "memoize hot paths", "relevance": 0.8,
	}, 0)
	require.Equal(t, StatusSuccess, res.Status)

	res = e.Execute("query_knowledge", Params{"query": "caching"}, 0)
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Data["count"])
}

func TestCreateTaskEmitsEvent(t *testing.T) {
	e := newTestExecutor(t, "SAFE")
	received := make(chan eventbus.Event, 1)
	e.bus.Subscribe("task_requested", func(ev eventbus.Event) { received <- ev })

	res := e.Execute("create_task", Params{"name": "verify deploy", "action": "run_command"}, 0)
	require.Equal(t, StatusSuccess, res.Status)

	select {
	case ev := <-received:
		assert.Equal(t, "verify deploy", ev.Data["name"])
	default:
		t.Fatal("task_requested not emitted")
	}
}

func TestAnalyzeCode(t *testing.T) {
	e := newTestExecutor(t, "SAFE")
	src := "package x\n\n// comment\nfunc a() {}\nfunc b() {}\n"
	e.Execute("write_file", Params{"path": "workspace/x.go", "content": src}, 0)

	res := e.Execute("analyze_code", Params{"path": "workspace/x.go"}, 0)
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 2, res.Data["functions"])
}

func TestTrustMetrics(t *testing.T) {
	e := newTestExecutor(t, "SAFE")
	e.Execute("write_file", Params{"path": "workspace/t.txt", "content": "x"}, 0)
	e.Execute("read_file", Params{"path": "/etc/passwd"}, 0) // blocked

	tm := e.Trust()
	assert.Equal(t, 2, tm.SampleSize)
	assert.InDelta(t, 0.5, tm.PolicyBlockRate, 1e-9)
	assert.InDelta(t, 0.5, tm.FailureRate, 1e-9)
	assert.InDelta(t, 1.0, tm.ObjectiveSuccessRate, 1e-9)
}

func TestRunPythonSentinel(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	e := newTestExecutor(t, "FULL_AUTO")
	res := e.Execute("run_python", Params{"code": "print('visible')\nresult = {'answer': 42}"}, 0)
	require.Equal(t, StatusSuccess, res.Status)
	assert.Contains(t, res.Output, "visible")

	structured, ok := res.Data["result"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 42, structured["answer"])
}

func TestSplitSentinel(t *testing.T) {
	visible, structured := splitSentinel("out\n" + resultSentinel + "\n{\"a\":1}")
	assert.Equal(t, "out", visible)
	assert.Equal(t, "{\"a\":1}", structured)

	visible, structured = splitSentinel("plain output")
	assert.Equal(t, "plain output", visible)
	assert.Empty(t, structured)
}

func TestContextCancelStopsShell(t *testing.T) {
	e := newTestExecutor(t, "FULL_AUTO")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	out, err := handleRunShell(ctx, e, Params{"command": "sleep 5"})
	assert.Error(t, err)
	_ = out
}
