package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nexus-agent/nexus/internal/config"
	"github.com/nexus-agent/nexus/internal/core"
	"github.com/nexus-agent/nexus/internal/storagev2"
)

func newTestLoopAndCore(t *testing.T) (*LearningLoop, *core.Context) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Scheduler.CycleIntervalSeconds = 1
	c := core.New(context.Background(), cfg, t.TempDir(), nil)
	return New(c), c
}

func TestIterateRunsAllSteps(t *testing.T) {
	ll, _ := newTestLoopAndCore(t)

	result := ll.Iterate(context.Background())
	assert.Equal(t, 1, result.Iteration)
	assert.NotNil(t, result.Health)

	for _, step := range []string{"knowledge_scan", "apply_improvements", "v2_pipeline", "advanced_review", "daily_self_learning", "self_check"} {
		assert.Contains(t, result.Steps, step)
	}
	assert.Empty(t, result.Errors)
}

func TestSecondIterationSkipsDueCycles(t *testing.T) {
	ll, _ := newTestLoopAndCore(t)

	ll.Iterate(context.Background())
	result := ll.Iterate(context.Background())

	assert.Equal(t, "skipped", result.Steps["knowledge_scan"])
	assert.Equal(t, "skipped", result.Steps["daily_self_learning"])
	assert.Equal(t, "skipped", result.Steps["advanced_review"])
}

func TestStagnationStreakAccumulates(t *testing.T) {
	ll, _ := newTestLoopAndCore(t)

	for i := 0; i < 3; i++ {
		ll.Iterate(context.Background())
	}
	state := ll.stateSnapshot()
	// no sources registered → nothing learned after the first empty scan
	assert.GreaterOrEqual(t, state.NoLearningStreak, 2)
}

func TestScanLockSkipsWhenHeld(t *testing.T) {
	ll, c := newTestLoopAndCore(t)

	// another process holds the scan lock
	other := storagev2.NewFileLock(c.Storage.LockPath("knowledge_scan"), time.Hour)
	require.True(t, other.TryAcquire())
	defer other.Release()

	result := ll.Iterate(context.Background())
	assert.Equal(t, "skipped_lock_held", result.Steps["knowledge_scan"])
}

func TestCanaryDefaultsToSafe(t *testing.T) {
	ll, _ := newTestLoopAndCore(t)
	p := storagev2.ProposalV2{ID: "p", RiskLevel: storagev2.RiskLow, Priority: 0.95}
	assert.Equal(t, storagev2.ModeSafe, ll.decideMode(p))
}

func TestCanaryPromotesWhenAllGatesHold(t *testing.T) {
	ll, c := newTestLoopAndCore(t)
	c.Cfg.Canary.ExecutionModeDefault = storagev2.ModeNormal
	c.Cfg.Canary.Enabled = true
	c.Cfg.Execution.EnableRealApply = true

	p := storagev2.ProposalV2{ID: "p", RiskLevel: storagev2.RiskLow, Priority: 0.95}
	assert.Equal(t, storagev2.ModeNormal, ll.decideMode(p))

	// low priority falls back to safe
	low := storagev2.ProposalV2{ID: "q", RiskLevel: storagev2.RiskLow, Priority: 0.5}
	assert.Equal(t, storagev2.ModeSafe, ll.decideMode(low))

	// disallowed risk falls back to safe
	risky := storagev2.ProposalV2{ID: "r", RiskLevel: storagev2.RiskHigh, Priority: 0.95}
	assert.Equal(t, storagev2.ModeSafe, ll.decideMode(risky))
}

func TestCanaryHourlyBudget(t *testing.T) {
	ll, c := newTestLoopAndCore(t)
	c.Cfg.Canary.ExecutionModeDefault = storagev2.ModeNormal
	c.Cfg.Execution.EnableRealApply = true
	c.Cfg.Canary.MaxPerHour = 2

	p := storagev2.ProposalV2{ID: "p", RiskLevel: storagev2.RiskLow, Priority: 0.95}
	assert.Equal(t, storagev2.ModeNormal, ll.decideMode(p))
	assert.Equal(t, storagev2.ModeNormal, ll.decideMode(p))
	assert.Equal(t, storagev2.ModeSafe, ll.decideMode(p), "budget exhausted")
}

func TestCanaryCooldownOnLoss(t *testing.T) {
	ll, c := newTestLoopAndCore(t)
	c.Cfg.Canary.ExecutionModeDefault = storagev2.ModeNormal
	c.Cfg.Execution.EnableRealApply = true

	ll.onVerdict("prop-x", storagev2.ModeNormal, storagev2.VerdictLoss)
	assert.True(t, ll.stateSnapshot().CooldownUntil.After(time.Now()))

	p := storagev2.ProposalV2{ID: "p", RiskLevel: storagev2.RiskLow, Priority: 0.95}
	assert.Equal(t, storagev2.ModeSafe, ll.decideMode(p), "cooldown forces safe")

	// a safe-mode loss does not trigger cooldown
	ll2, c2 := newTestLoopAndCore(t)
	c2.Cfg.Canary.ExecutionModeDefault = storagev2.ModeNormal
	ll2.onVerdict("prop-y", storagev2.ModeSafe, storagev2.VerdictLoss)
	assert.False(t, ll2.stateSnapshot().CooldownUntil.After(time.Now()))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ll, _ := newTestLoopAndCore(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		ll.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	assert.True(t, ll.Running())
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop on cancel")
	}
	assert.False(t, ll.Running())
}

func TestStatePersistsAcrossInstances(t *testing.T) {
	cfg := config.DefaultConfig()
	root := t.TempDir()
	c := core.New(context.Background(), cfg, root, nil)

	ll1 := New(c)
	ll1.Iterate(context.Background())

	ll2 := New(c)
	assert.Equal(t, 1, ll2.stateSnapshot().Iteration)
}
