// Package scheduler implements the top-level LearningLoop: a single driver
// goroutine multiplexing the scan/apply/calibrate/review/cleanup/daily
// cycles by wall-clock schedule, never one goroutine per cycle.
package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nexus-agent/nexus/internal/core"
	"github.com/nexus-agent/nexus/internal/logging"
	"github.com/nexus-agent/nexus/internal/storagev2"
)

// State is the LearningLoop's persisted iteration state
// (state/learning_state.json).
type State struct {
	Iteration           int         `json:"iteration"`
	LastScan            time.Time   `json:"last_scan"`
	LastReview          time.Time   `json:"last_review"`
	LastCalibration     time.Time   `json:"last_calibration"`
	LastCleanup         time.Time   `json:"last_cleanup"`
	LastDaily           time.Time   `json:"last_daily"`
	NoLearningStreak    int         `json:"no_learning_streak"`
	NoImprovementStreak int         `json:"no_improvement_streak"`
	CooldownUntil       time.Time   `json:"cooldown_until"`
	NormalRuns          []time.Time `json:"normal_runs,omitempty"`
	LastUpdated         time.Time   `json:"last_updated"`
}

// StepError records one failed iteration step.
type StepError struct {
	Step  string `json:"step"`
	Error string `json:"error"`
}

// IterationResult summarizes one iteration for callers and logs.
type IterationResult struct {
	Iteration int                    `json:"iteration"`
	Health    map[string]interface{} `json:"health"`
	Steps     map[string]interface{} `json:"steps"`
	Errors    []StepError            `json:"errors,omitempty"`
	StartedAt time.Time              `json:"started_at"`
	Duration  time.Duration          `json:"duration"`
}

// LearningLoop is the periodic driver.
type LearningLoop struct {
	core      *core.Context
	statePath string

	mu    sync.Mutex
	state State

	scanSched    cron.Schedule
	reviewSched  cron.Schedule
	cafeSched    cron.Schedule
	dailySched   cron.Schedule
	cleanupSched cron.Schedule

	scanLock  *storagev2.FileLock
	applyLock *storagev2.FileLock
	dailyLock *storagev2.FileLock

	log   *logging.Logger
	audit *logging.AuditLogger

	runningMu sync.Mutex
	running   bool
	stop      context.CancelFunc
}

// New builds the loop over an initialized core context.
func New(c *core.Context) *LearningLoop {
	dataDir := filepath.Join(c.Root, c.Cfg.DataDir)
	sc := c.Cfg.Scheduler

	ll := &LearningLoop{
		core:         c,
		statePath:    filepath.Join(dataDir, "state", "learning_state.json"),
		scanSched:    everyHours(sc.KnowledgeScanIntervalHours),
		reviewSched:  everyHours(sc.AdvancedReviewIntervalHours),
		cafeSched:    everyHours(c.Cfg.CAFE.CalibrationHours),
		dailySched:   everyHours(sc.DailyLearningIntervalHours),
		cleanupSched: everyHours(sc.CleanupIntervalDays * 24),
		scanLock:     storagev2.NewFileLock(c.Storage.LockPath("knowledge_scan"), 2*time.Hour),
		applyLock:    storagev2.NewFileLock(c.Storage.LockPath("improvement_apply"), 2*time.Hour),
		dailyLock:    storagev2.NewFileLock(c.Storage.LockPath("daily_self_learning"), 26*time.Hour),
		log:          logging.Get(logging.CategoryScheduler),
		audit:        logging.AuditWithCategory(logging.CategoryScheduler),
	}
	if _, err := storagev2.ReadJSON(ll.statePath, &ll.state); err != nil {
		ll.log.Error("load learning state: %v", err)
	}
	return ll
}

// everyHours builds a cron schedule firing every h hours (minimum one
// minute so a zero config can't spin).
func everyHours(h float64) cron.Schedule {
	d := time.Duration(h * float64(time.Hour))
	if d < time.Minute {
		d = time.Minute
	}
	sched, err := cron.ParseStandard(fmt.Sprintf("@every %s", d))
	if err != nil {
		return cron.Every(d)
	}
	return sched
}

// due reports whether a cycle last run at `last` is due under sched.
func due(sched cron.Schedule, last time.Time) bool {
	if last.IsZero() {
		return true
	}
	return !time.Now().Before(sched.Next(last))
}

// Run drives iterations until ctx is done, honouring shutdown within one
// tick.
func (ll *LearningLoop) Run(ctx context.Context) {
	ll.runningMu.Lock()
	if ll.running {
		ll.runningMu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	ll.running = true
	ll.stop = cancel
	ll.runningMu.Unlock()

	interval := time.Duration(ll.core.Cfg.Scheduler.CycleIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ll.log.Info("learning loop started, interval %s", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer func() {
		ll.runningMu.Lock()
		ll.running = false
		ll.runningMu.Unlock()
	}()

	for {
		ll.Iterate(runCtx)
		select {
		case <-runCtx.Done():
			ll.log.Info("learning loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// Stop cancels a running loop.
func (ll *LearningLoop) Stop() {
	ll.runningMu.Lock()
	defer ll.runningMu.Unlock()
	if ll.stop != nil {
		ll.stop()
	}
}

// Running reports whether the driver loop is active.
func (ll *LearningLoop) Running() bool {
	ll.runningMu.Lock()
	defer ll.runningMu.Unlock()
	return ll.running
}

// Iterate performs one full iteration. Every step is isolated: a step
// failure is recorded and the iteration continues.
func (ll *LearningLoop) Iterate(ctx context.Context) IterationResult {
	ll.mu.Lock()
	ll.state.Iteration++
	iteration := ll.state.Iteration
	ll.mu.Unlock()

	result := IterationResult{
		Iteration: iteration,
		Steps:     make(map[string]interface{}),
		StartedAt: time.Now(),
	}
	ll.audit.CycleEvent(logging.AuditCycleStart, fmt.Sprintf("iter-%d", iteration), 0)

	progress := progressTracker{}

	ll.step(&result, "health", func() error {
		report := ll.core.Debugger.GetHealthReport()
		result.Health = map[string]interface{}{
			"health_score": report.HealthScore,
			"status":       report.Status,
			"open_issues":  report.OpenIssues,
		}
		return nil
	})

	ll.step(&result, "knowledge_scan", func() error { return ll.stepKnowledgeScan(ctx, &result, &progress) })
	ll.step(&result, "apply_improvements", func() error { return ll.stepApplyImprovements(&result, &progress) })
	ll.step(&result, "v2_pipeline", func() error { return ll.stepV2Pipeline(ctx, &result, &progress) })

	ll.step(&result, "cafe_calibration", func() error {
		if !ll.core.Cfg.CAFE.Enabled || !due(ll.cafeSched, ll.stateSnapshot().LastCalibration) {
			result.Steps["cafe_calibration"] = "skipped"
			return nil
		}
		state := ll.core.Calibrator.Calibrate(200)
		ll.mutateState(func(s *State) { s.LastCalibration = time.Now() })
		result.Steps["cafe_calibration"] = map[string]interface{}{"families": len(state.ModelBias)}
		return nil
	})

	ll.step(&result, "advanced_review", func() error { return ll.stepAdvancedReview(&result) })

	ll.step(&result, "cleanup", func() error {
		if !due(ll.cleanupSched, ll.stateSnapshot().LastCleanup) {
			result.Steps["cleanup"] = "skipped"
			return nil
		}
		retention := time.Duration(ll.core.Cfg.Scheduler.MemoryRetentionDays) * 24 * time.Hour
		dropped, err := ll.core.Memory.Prune(retention, 1)
		if err != nil {
			return err
		}
		ll.mutateState(func(s *State) { s.LastCleanup = time.Now() })
		result.Steps["cleanup"] = map[string]interface{}{"pruned": dropped}
		return nil
	})

	ll.step(&result, "self_check", func() error { return ll.stepSelfCheck(&result, &progress) })
	ll.step(&result, "daily_self_learning", func() error { return ll.stepDailySelfLearning(&result) })

	ll.step(&result, "persist", func() error {
		ll.mutateState(func(s *State) { s.LastUpdated = time.Now() })
		return nil
	})

	result.Duration = time.Since(result.StartedAt)
	ll.audit.CycleEvent(logging.AuditCycleComplete, fmt.Sprintf("iter-%d", iteration), result.Duration.Milliseconds())
	return result
}

// progressTracker accumulates signals for the stagnation self-check.
type progressTracker struct {
	learned  int // new learning events this iteration
	improved int // proposals approved/executed this iteration
}

// step runs fn, converting a panic or error into a recorded StepError.
func (ll *LearningLoop) step(result *IterationResult, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			result.Errors = append(result.Errors, StepError{Step: name, Error: fmt.Sprintf("panic: %v", r)})
			ll.log.Error("step %s panicked: %v", name, r)
		}
	}()
	if err := fn(); err != nil {
		result.Errors = append(result.Errors, StepError{Step: name, Error: err.Error()})
		ll.log.Warn("step %s: %v", name, err)
	}
}

func (ll *LearningLoop) stateSnapshot() State {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	return ll.state
}

func (ll *LearningLoop) mutateState(fn func(*State)) {
	ll.mu.Lock()
	fn(&ll.state)
	snapshot := ll.state
	ll.mu.Unlock()
	if err := storagev2.AtomicWriteJSON(ll.statePath, snapshot); err != nil {
		ll.log.Error("persist learning state: %v", err)
	}
}

// Stats summarizes loop state for the status endpoints.
func (ll *LearningLoop) Stats() map[string]interface{} {
	s := ll.stateSnapshot()
	return map[string]interface{}{
		"iteration":             s.Iteration,
		"last_scan":             s.LastScan,
		"last_review":           s.LastReview,
		"last_calibration":      s.LastCalibration,
		"last_daily":            s.LastDaily,
		"no_learning_streak":    s.NoLearningStreak,
		"no_improvement_streak": s.NoImprovementStreak,
		"running":               ll.Running(),
	}
}
