// Package core constructs NEXUS's long-lived components once and threads
// them through a single Context value, instead of module-level singletons.
package core

import (
	"context"
	"path/filepath"
	"time"

	"github.com/nexus-agent/nexus/internal/action"
	"github.com/nexus-agent/nexus/internal/advisor"
	"github.com/nexus-agent/nexus/internal/backup"
	"github.com/nexus-agent/nexus/internal/bandit"
	"github.com/nexus-agent/nexus/internal/cafe"
	"github.com/nexus-agent/nexus/internal/config"
	"github.com/nexus-agent/nexus/internal/debugger"
	"github.com/nexus-agent/nexus/internal/eventbus"
	"github.com/nexus-agent/nexus/internal/experiment"
	"github.com/nexus-agent/nexus/internal/loop"
	"github.com/nexus-agent/nexus/internal/memory"
	"github.com/nexus-agent/nexus/internal/metrics"
	"github.com/nexus-agent/nexus/internal/policy"
	"github.com/nexus-agent/nexus/internal/proposals"
	"github.com/nexus-agent/nexus/internal/ratelimit"
	"github.com/nexus-agent/nexus/internal/scout"
	"github.com/nexus-agent/nexus/internal/skills"
	"github.com/nexus-agent/nexus/internal/storagev2"
	"github.com/nexus-agent/nexus/internal/verifier"
)

// Context is the handle set threaded through the schedulers and the HTTP
// adapter.
type Context struct {
	Cfg         *config.Config
	Root        string
	Bus         *eventbus.Bus
	Metrics     *metrics.RequestMetrics
	RateLimiter *ratelimit.Limiter
	Gate        *policy.Gate
	Executor    *action.Executor
	Memory      *memory.Store
	Governor    *memory.Governor
	Storage     *storagev2.Store
	Scout       *scout.Scout
	Skills      *skills.Tracker
	CAFE        *cafe.Scorer
	Calibrator  *cafe.Calibrator
	Proposals   *proposals.Engine
	Experiments *experiment.Executor
	Verifier    *verifier.Verifier
	Bandit      *bandit.Bandit
	Debugger    *debugger.Debugger
	Loop        *loop.Loop
	Advisor     advisor.Advisor
	Backups     *backup.Manager
}

// healthSource composes the verifier's metric snapshot from the debugger,
// executor, and proposal engine.
type healthSource struct {
	dbg    *debugger.Debugger
	exec   *action.Executor
	engine *proposals.Engine
}

func (h *healthSource) HealthMetrics() storagev2.Metrics {
	score, openIssues, totalErrors := h.dbg.HealthMetrics()
	_, _, avgMs, successRate := h.exec.Stats()
	stats := h.engine.Stats()
	return storagev2.Metrics{
		HealthScore:        score,
		OpenIssues:         openIssues,
		TotalErrors:        totalErrors,
		AvgDurationMs:      avgMs,
		SuccessRate:        successRate,
		ProposalThroughput: stats[storagev2.ProposalExecuted] + stats[storagev2.ProposalVerified],
	}
}

// New wires the full component graph under root. hook is the optional real
// self-improvement cycle for normal-mode experiments; may be nil.
func New(ctx context.Context, cfg *config.Config, root string, hook experiment.ApplyHook) *Context {
	dataDir := filepath.Join(root, cfg.DataDir)
	brainDir := filepath.Join(dataDir, "brain")

	bus := eventbus.New()
	reqMetrics := metrics.New()
	storagev2.SkippedLineHook = reqMetrics.RecordSkippedLine

	gate := policy.NewGate(root, cfg.Execution.AllowedRoots)
	mem := memory.NewStore(brainDir)
	store := storagev2.New(dataDir)

	dbg := debugger.New(cfg.Debugger, brainDir, bus, nil)
	dbg.SubscribeToBus()

	executor := action.NewExecutor(cfg.Execution, gate, bus, mem, filepath.Join(brainDir, "action_history.jsonl"))

	llm := advisor.NewLLM(ctx, time.Duration(cfg.CacheTTLSeconds)*time.Second)
	var adv advisor.Advisor
	if llm != nil {
		adv = advisor.NewWithFallback(llm)
	} else {
		adv = advisor.NewWithFallback(nil)
	}

	sct := scout.New(brainDir, cfg.Sources, bus, adv)
	tracker := skills.NewTracker(filepath.Join(brainDir, "skills.json"))

	cafeState := store.LoadCAFEState()
	scorer := cafe.NewScorer(cfg.CAFE, cafeState.ModelBias)
	calibrator := cafe.NewCalibrator(cfg.CAFE, store, scorer)

	engine := proposals.NewEngine(cfg.Proposal, cfg.CAFE, store, scorer, bus)
	health := &healthSource{dbg: dbg, exec: executor, engine: engine}
	experiments := experiment.New(cfg.Execution, store, engine, health, hook)
	verif := verifier.New(cfg.Verification, store, engine, health, scorer)

	taskLoop := loop.New(filepath.Join(dataDir, "state", "loop_state.json"), executor, mem, adv, bus)

	return &Context{
		Cfg:         cfg,
		Root:        root,
		Bus:         bus,
		Metrics:     reqMetrics,
		RateLimiter: ratelimit.New(cfg.RateLimit.RatePerMinute, time.Minute),
		Gate:        gate,
		Executor:    executor,
		Memory:      mem,
		Governor:    memory.NewGovernor(24 * time.Hour),
		Storage:     store,
		Scout:       sct,
		Skills:      tracker,
		CAFE:        scorer,
		Calibrator:  calibrator,
		Proposals:   engine,
		Experiments: experiments,
		Verifier:    verif,
		Bandit:      bandit.New(store),
		Debugger:    dbg,
		Loop:        taskLoop,
		Advisor:     adv,
		Backups:     backup.NewManager(backupConfigFor(cfg, root), brainDir),
	}
}

func backupConfigFor(cfg *config.Config, root string) config.BackupConfig {
	bc := cfg.Backup
	if !filepath.IsAbs(bc.Dir) {
		bc.Dir = filepath.Join(root, bc.Dir)
	}
	return bc
}

// HealthMetrics exposes the composite snapshot for callers outside the
// experiment/verifier wiring (the HTTP health endpoints).
func (c *Context) HealthMetrics() storagev2.Metrics {
	h := &healthSource{dbg: c.Debugger, exec: c.Executor, engine: c.Proposals}
	return h.HealthMetrics()
}

// Close releases long-lived resources.
func (c *Context) Close() {
	c.Executor.Close()
}
