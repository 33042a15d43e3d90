package debugger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-agent/nexus/internal/config"
	"github.com/nexus-agent/nexus/internal/eventbus"
)

func testDebugger(t *testing.T) *Debugger {
	t.Helper()
	cfg := config.DebuggerConfig{MaxDecisions: 100, MaxActions: 100, MaxErrors: 100, MaxSessions: 10, MaxIssues: 100}
	return New(cfg, t.TempDir(), eventbus.New(), nil)
}

func TestSlowActionRaisesPerformanceIssue(t *testing.T) {
	d := testDebugger(t)

	d.LogAction("worker", "run_tests", 61_000, true, "")
	issues := d.OpenIssues()
	require.Len(t, issues, 1)
	assert.Equal(t, IssuePerformance, issues[0].Type)
	assert.Equal(t, SeverityMedium, issues[0].Severity)

	d.LogAction("worker", "run_tests", 130_000, true, "")
	var critical int
	for _, issue := range d.OpenIssues() {
		if issue.Severity == SeverityCritical {
			critical++
		}
	}
	assert.Equal(t, 1, critical)
}

func TestRepeatedActionTriggersLoopDetectionAtFive(t *testing.T) {
	d := testDebugger(t)

	for i := 0; i < 4; i++ {
		d.LogAction("agent-x", "write_file", 10, true, "")
	}
	assert.Empty(t, d.OpenIssues(), "4 repetitions must not trigger")

	d.LogAction("agent-x", "write_file", 10, true, "")
	issues := d.OpenIssues()
	require.Len(t, issues, 1)
	assert.Equal(t, IssueBehavior, issues[0].Type)
	assert.Equal(t, SeverityHigh, issues[0].Severity)
}

func TestExpectedRepeatingActionsExempt(t *testing.T) {
	d := testDebugger(t)
	for i := 0; i < 10; i++ {
		d.LogAction("loop", "heartbeat", 5, true, "")
		d.LogAction("loop", "health_check", 5, true, "")
	}
	assert.Empty(t, d.OpenIssues())
}

func TestMetricThresholds(t *testing.T) {
	d := testDebugger(t)

	d.LogMetric("quality_score", 5.5, "loop")
	issues := d.OpenIssues()
	require.Len(t, issues, 1)
	assert.Equal(t, SeverityMedium, issues[0].Severity)

	d.LogMetric("quality_score", 3.0, "loop")
	d.LogMetric("error_rate", 0.25, "loop")
	bySev := d.GetHealthReport().BySeverity
	assert.Equal(t, 2, bySev[SeverityCritical])
}

func TestRecurringErrorPattern(t *testing.T) {
	d := testDebugger(t)

	d.LogError("worker", "io_error", "disk fail")
	d.LogError("worker", "io_error", "disk fail")
	assert.Empty(t, d.OpenIssues(), "2 occurrences are below threshold")

	d.LogError("worker", "io_error", "disk fail")
	issues := d.OpenIssues()
	require.Len(t, issues, 1)
	assert.Equal(t, IssueError, issues[0].Type)
	assert.Equal(t, SeverityHigh, issues[0].Severity)
}

func TestDuplicateIssueMergesWithinWindow(t *testing.T) {
	d := testDebugger(t)

	id1 := d.RaiseIssue(IssueQuality, SeverityMedium, "same problem", "desc", "agent", "")
	id2 := d.RaiseIssue(IssueQuality, SeverityMedium, "same problem", "desc again", "agent", "")
	assert.Equal(t, id1, id2)

	issues := d.OpenIssues()
	require.Len(t, issues, 1)
	assert.Equal(t, 2, issues[0].OccurrenceCount)

	// different agent is a different issue
	d.RaiseIssue(IssueQuality, SeverityMedium, "same problem", "desc", "other", "")
	assert.Len(t, d.OpenIssues(), 2)
}

func TestHealthReportScoring(t *testing.T) {
	d := testDebugger(t)
	assert.Equal(t, "healthy", d.GetHealthReport().Status)
	assert.Equal(t, 100.0, d.GetHealthReport().HealthScore)

	d.RaiseIssue(IssueError, SeverityCritical, "a", "", "x", "")
	d.RaiseIssue(IssueError, SeverityHigh, "b", "", "x", "")
	d.RaiseIssue(IssueError, SeverityMedium, "c", "", "x", "")

	report := d.GetHealthReport()
	assert.Equal(t, 100.0-20-10-5, report.HealthScore)
	assert.Equal(t, "degraded", report.Status)

	d.RaiseIssue(IssueError, SeverityCritical, "d", "", "x", "")
	assert.Equal(t, "critical", d.GetHealthReport().Status)
}

func TestResolveIssue(t *testing.T) {
	d := testDebugger(t)
	id := d.RaiseIssue(IssueResource, SeverityLow, "disk filling", "", "x", "")
	assert.True(t, d.ResolveIssue(id))
	assert.False(t, d.ResolveIssue(id))
	assert.Empty(t, d.OpenIssues())
}

func TestIssuesPersistAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DebuggerConfig{MaxDecisions: 10, MaxActions: 10, MaxErrors: 10, MaxSessions: 10, MaxIssues: 10}
	d1 := New(cfg, dir, nil, nil)
	d1.RaiseIssue(IssueError, SeverityHigh, "persisted", "", "x", "")

	d2 := New(cfg, dir, nil, nil)
	issues := d2.OpenIssues()
	require.Len(t, issues, 1)
	assert.Equal(t, "persisted", issues[0].Title)
}

func TestEndSessionStats(t *testing.T) {
	d := testDebugger(t)
	d.LogAction("a", "read_file", 10, true, "")
	d.LogAction("a", "read_file2", 30, false, "")
	d.LogError("a", "x", "y")

	stats := d.EndSession()
	assert.Equal(t, 2, stats.Actions)
	assert.Equal(t, 1, stats.Errors)
	assert.InDelta(t, 0.5, stats.SuccessRate, 1e-9)
	assert.InDelta(t, 0.5, stats.ErrorRate, 1e-9)
	assert.InDelta(t, 20.0, stats.AvgDurationMs, 1e-9)

	// buffers reset
	assert.Equal(t, 0, d.RecentStats().Actions)
	assert.False(t, stats.EndedAt.Before(stats.StartedAt))
}

func TestBusSubscription(t *testing.T) {
	bus := eventbus.New()
	cfg := config.DebuggerConfig{MaxDecisions: 10, MaxActions: 10, MaxErrors: 10, MaxSessions: 10, MaxIssues: 10}
	d := New(cfg, t.TempDir(), bus, nil)
	d.SubscribeToBus()

	bus.Emit("action_completed", map[string]interface{}{
		"agent": "executor", "action_type": "read_file", "duration_ms": 12.0, "success": true,
	})
	assert.Equal(t, 1, d.RecentStats().Actions)
}
