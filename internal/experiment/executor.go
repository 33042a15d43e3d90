// Package experiment implements the ExperimentExecutor: applying an
// approved proposal in safe (simulated) or normal (real-apply) mode with a
// baseline health snapshot taken before any mutation.
package experiment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-agent/nexus/internal/config"
	"github.com/nexus-agent/nexus/internal/logging"
	"github.com/nexus-agent/nexus/internal/proposals"
	"github.com/nexus-agent/nexus/internal/storagev2"
)

// Execution status values recorded on runs. The verifier's throughput
// rescue treats the simulated statuses as non-wins.
const (
	StatusSimulated = "simulated_apply_success"
	StatusCompleted = "completed"
	StatusNoChanges = "no_changes"
	StatusFailed    = "failed"
)

// HealthSource provides the metric snapshot used for baselines.
type HealthSource interface {
	HealthMetrics() storagev2.Metrics
}

// ApplyHook is the optional real self-improvement cycle invoked in normal
// mode. It returns patches applied/successful and an estimated cost.
type ApplyHook func(ctx context.Context, maxPatches int) (applied, successful int, costUSD float64, err error)

// Result summarizes one ExecuteProposal call.
type Result struct {
	RunID            string `json:"run_id,omitempty"`
	ProposalID       string `json:"proposal_id"`
	Mode             string `json:"mode"`
	ExecutionStatus  string `json:"execution_status,omitempty"`
	ExecutionOK      bool   `json:"execution_success"`
	RequiresApproval bool   `json:"requires_approval,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Executor runs experiments.
type Executor struct {
	cfg    config.ExecutionConfig
	store  *storagev2.Store
	engine *proposals.Engine
	health HealthSource
	hook   ApplyHook
	log    *logging.Logger
	audit  *logging.AuditLogger
}

// New wires the executor. hook may be nil (normal mode then degrades to a
// simulated run even when real apply is enabled).
func New(cfg config.ExecutionConfig, store *storagev2.Store, engine *proposals.Engine, health HealthSource, hook ApplyHook) *Executor {
	return &Executor{
		cfg:    cfg,
		store:  store,
		engine: engine,
		health: health,
		hook:   hook,
		log:    logging.Get(logging.CategoryExperiment),
		audit:  logging.AuditWithCategory(logging.CategoryExperiment),
	}
}

// ExecuteProposal applies the proposal with id in the given mode. Only
// approved proposals run; a still-pending proposal returns
// requires_approval rather than an error.
func (e *Executor) ExecuteProposal(ctx context.Context, id, mode string) Result {
	switch mode {
	case "":
		mode = storagev2.ModeSafe
	case storagev2.ModeSafe, storagev2.ModeNormal:
	default:
		return Result{ProposalID: id, Error: fmt.Sprintf("invalid mode %q", mode)}
	}

	proposal, ok := e.store.GetProposal(id)
	if !ok {
		return Result{ProposalID: id, Mode: mode, Error: "proposal not found"}
	}
	if proposal.Status == storagev2.ProposalPendingApproval {
		return Result{ProposalID: id, Mode: mode, RequiresApproval: true}
	}
	if proposal.Status != storagev2.ProposalApproved {
		return Result{ProposalID: id, Mode: mode, Error: "proposal not approved (status " + proposal.Status + ")"}
	}

	baseline := e.health.HealthMetrics()
	run := storagev2.ExperimentRun{
		ID:         "run-" + uuid.NewString()[:8],
		ProposalID: id,
		Mode:       mode,
		StartedAt:  time.Now(),
		Artifacts: map[string]interface{}{
			"baseline_health":   baseline,
			"throughput_before": baseline.ProposalThroughput,
		},
	}
	if err := e.store.AddExperimentRun(run); err != nil {
		e.log.Error("add run: %v", err)
		return Result{ProposalID: id, Mode: mode, Error: err.Error()}
	}
	e.audit.ExperimentEvent(logging.AuditExperimentStart, run.ID, "", true)

	status, ok, details, applyErr := e.apply(ctx, mode)

	now := time.Now()
	if _, err := e.store.UpdateExperimentRun(run.ID, func(r *storagev2.ExperimentRun) {
		r.FinishedAt = &now
		r.DurationMs = now.Sub(r.StartedAt).Milliseconds()
		r.ExecutionStatus = status
		r.ExecutionOK = ok
		for k, v := range details {
			r.Artifacts[k] = v
		}
		if applyErr != nil {
			r.Artifacts["apply_error"] = applyErr.Error()
		}
	}); err != nil {
		e.log.Error("update run: %v", err)
	}

	result := Result{
		RunID:           run.ID,
		ProposalID:      id,
		Mode:            mode,
		ExecutionStatus: status,
		ExecutionOK:     ok,
	}
	if applyErr != nil {
		result.Error = applyErr.Error()
	}

	if ok {
		if err := e.engine.MarkStatus(id, storagev2.ProposalExecuted, map[string]interface{}{"run_id": run.ID}); err != nil {
			e.log.Error("mark executed: %v", err)
		}
	}
	// failure keeps the proposal approved for a later retry
	return result
}

// apply performs the mutation (or its simulation) and classifies the
// outcome.
func (e *Executor) apply(ctx context.Context, mode string) (status string, ok bool, details map[string]interface{}, err error) {
	if mode == storagev2.ModeNormal && e.cfg.EnableRealApply && e.hook != nil {
		applied, successful, costUSD, hookErr := e.hook(ctx, e.cfg.RealApplyMaxPatches)
		details = map[string]interface{}{
			"patches_applied":    applied,
			"patches_successful": successful,
			"estimated_cost_usd": costUSD,
		}
		if hookErr != nil {
			return StatusFailed, false, details, hookErr
		}
		e.log.Info("real apply: %d patches (%d ok), est $%.4f", applied, successful, costUSD)
		if applied > 0 {
			return StatusCompleted, true, details, nil
		}
		return StatusNoChanges, true, details, nil
	}

	// safe mode (or real apply unavailable): non-destructive simulated
	// success with zero cost
	return StatusSimulated, true, map[string]interface{}{"estimated_cost_usd": 0.0}, nil
}
