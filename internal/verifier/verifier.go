// Package verifier implements the OutcomeVerifier: comparing before/after
// health metrics for an experiment run and emitting a win/loss/inconclusive
// verdict with holdout windows, throughput rescue, and bounded rechecks.
package verifier

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-agent/nexus/internal/cafe"
	"github.com/nexus-agent/nexus/internal/config"
	"github.com/nexus-agent/nexus/internal/coreerr"
	"github.com/nexus-agent/nexus/internal/logging"
	"github.com/nexus-agent/nexus/internal/proposals"
	"github.com/nexus-agent/nexus/internal/storagev2"
)

// Signal thresholds for the verdict ladder.
const (
	healthWinDelta   = 1.0
	healthLossDelta  = -1.0
	latencyWinMs     = -100.0
	latencyLossMs    = 200.0
	successWinDelta  = 0.02
	successLossDelta = -0.02

	criticalHealthDrop = -2.0
	criticalErrorRise  = 2

	// pending-recheck epsilons
	tinyHealthEps  = 0.5
	tinyLatencyEps = 50.0
	tinySuccessEps = 0.01
)

// simulated execution statuses excluded from the throughput rescue.
var simulatedStatuses = map[string]bool{
	"simulated_apply_success":  true,
	"controlled_apply_success": true,
}

// HealthSource provides the after-metrics snapshot.
type HealthSource interface {
	HealthMetrics() storagev2.Metrics
}

// Verifier verifies experiment runs.
type Verifier struct {
	cfg    config.VerificationConfig
	store  *storagev2.Store
	engine *proposals.Engine
	health HealthSource
	scorer *cafe.Scorer
	log    *logging.Logger
	audit  *logging.AuditLogger
}

// New wires the verifier. scorer may be nil (no CAFE attachment).
func New(cfg config.VerificationConfig, store *storagev2.Store, engine *proposals.Engine, health HealthSource, scorer *cafe.Scorer) *Verifier {
	return &Verifier{
		cfg:    cfg,
		store:  store,
		engine: engine,
		health: health,
		scorer: scorer,
		log:    logging.Get(logging.CategoryVerifier),
		audit:  logging.AuditWithCategory(logging.CategoryVerifier),
	}
}

// VerifyExperiment verifies the run with runID, persisting an evidence
// record and promoting the proposal to verified unless the evidence is
// deferred for recheck.
func (v *Verifier) VerifyExperiment(runID string) (storagev2.OutcomeEvidence, error) {
	run, ok := v.store.GetExperimentRun(runID)
	if !ok {
		return storagev2.OutcomeEvidence{}, coreerr.NotFound("verifier", "verify_experiment", fmt.Errorf("unknown run %q", runID))
	}
	if run.FinishedAt == nil {
		return storagev2.OutcomeEvidence{}, coreerr.Validation("verifier", "verify_experiment", fmt.Errorf("run %q has not finished", runID))
	}

	attempt := v.priorAttempts(runID) + 1
	baseline := baselineMetrics(run)

	// holdout window: defer the verdict while transient noise settles
	if v.cfg.HoldoutEnabled {
		holdoutEnd := run.FinishedAt.Add(time.Duration(v.cfg.HoldoutSeconds) * time.Second)
		if time.Now().Before(holdoutEnd) {
			evidence := storagev2.OutcomeEvidence{
				ID:               "ev-" + uuid.NewString()[:8],
				ExperimentID:     runID,
				MetricsBefore:    baseline,
				Verdict:          storagev2.VerdictInconclusive,
				Confidence:       0.3,
				Signals:          []string{"holdout_window"},
				Execution:        run.ExecutionStatus,
				PendingRecheck:   true,
				HoldoutPending:   true,
				NextRecheckAfter: &holdoutEnd,
				Attempt:          attempt,
			}
			v.persist(&evidence, run.ProposalID, false)
			return evidence, nil
		}
	}

	after := v.health.HealthMetrics()
	delta := storagev2.Sub(after, baseline)

	verdict, confidence, signals := v.verdict(run, delta)

	evidence := storagev2.OutcomeEvidence{
		ID:            "ev-" + uuid.NewString()[:8],
		ExperimentID:  runID,
		MetricsBefore: baseline,
		MetricsAfter:  after,
		Delta:         delta,
		Verdict:       verdict,
		Confidence:    confidence,
		Signals:       signals,
		Execution:     run.ExecutionStatus,
		Attempt:       attempt,
	}

	promote := true
	if verdict == storagev2.VerdictInconclusive && confidence < v.cfg.PendingConfidenceBelow && deltasTiny(delta) {
		if attempt >= v.cfg.MaxAttempts {
			evidence.RetryExhausted = true
			evidence.Signals = append(evidence.Signals, "retry_exhausted")
		} else {
			next := time.Now().Add(time.Duration(v.cfg.RetryIntervalSeconds) * time.Second)
			evidence.PendingRecheck = true
			evidence.NextRecheckAfter = &next
			promote = false
		}
	}

	v.persist(&evidence, run.ProposalID, promote)
	return evidence, nil
}

// verdict scores the delta signals through the verdict ladder.
func (v *Verifier) verdict(run storagev2.ExperimentRun, delta storagev2.Delta) (string, float64, []string) {
	var positives, negatives []string

	if delta.HealthScore >= healthWinDelta {
		positives = append(positives, "health_improved")
	}
	if delta.OpenIssues <= -1 {
		positives = append(positives, "issues_reduced")
	}
	if delta.TotalErrors <= -1 {
		positives = append(positives, "errors_reduced")
	}
	if delta.AvgDurationMs <= latencyWinMs {
		positives = append(positives, "latency_improved")
	}
	if delta.SuccessRate >= successWinDelta {
		positives = append(positives, "success_rate_improved")
	}

	if delta.HealthScore <= healthLossDelta {
		negatives = append(negatives, "health_dropped")
	}
	if delta.OpenIssues >= 1 {
		negatives = append(negatives, "issues_increased")
	}
	if delta.TotalErrors >= 1 {
		negatives = append(negatives, "errors_increased")
	}
	if delta.AvgDurationMs >= latencyLossMs {
		negatives = append(negatives, "latency_regressed")
	}
	if delta.SuccessRate <= successLossDelta {
		negatives = append(negatives, "success_rate_dropped")
	}

	// critical loss short-circuits everything
	if delta.HealthScore <= criticalHealthDrop || delta.OpenIssues >= 1 ||
		delta.TotalErrors >= criticalErrorRise || !run.ExecutionOK {
		return storagev2.VerdictLoss, 0.85, append(negatives, "critical_loss")
	}

	if len(negatives) >= 2 {
		return storagev2.VerdictLoss, 0.75, negatives
	}

	if len(positives) >= 1 && len(negatives) == 0 {
		confidence := 0.66
		if len(positives) > 1 {
			confidence = 0.8
		}
		return storagev2.VerdictWin, confidence, positives
	}

	signals := append(positives, negatives...)
	confidence := 0.5

	// throughput rescue: proposal flow improved with no regression, and the
	// run did real work rather than a simulated success
	if delta.ProposalThroughput > 0 &&
		delta.HealthScore > healthLossDelta && delta.HealthScore < healthWinDelta &&
		delta.OpenIssues <= 0 &&
		!simulatedStatuses[run.ExecutionStatus] {
		return storagev2.VerdictWin, math.Max(confidence, 0.62),
			append(signals, "throughput_improved_without_regression")
	}

	return storagev2.VerdictInconclusive, confidence, signals
}

func deltasTiny(delta storagev2.Delta) bool {
	return math.Abs(delta.HealthScore) < tinyHealthEps &&
		math.Abs(delta.AvgDurationMs) < tinyLatencyEps &&
		math.Abs(delta.SuccessRate) < tinySuccessEps &&
		delta.OpenIssues == 0 &&
		delta.TotalErrors == 0
}

// persist appends the evidence, attaches the run verification, and
// optionally promotes the proposal to verified.
func (v *Verifier) persist(evidence *storagev2.OutcomeEvidence, proposalID string, promote bool) {
	if v.scorer != nil {
		score := v.scorer.ScoreEvidence(evidence)
		evidence.CAFE = &score
	}
	if err := v.store.AppendEvidence(evidence); err != nil {
		v.log.Error("append evidence: %v", err)
	}

	if _, err := v.store.UpdateExperimentRun(evidence.ExperimentID, func(r *storagev2.ExperimentRun) {
		r.Verification = map[string]interface{}{
			"evidence_id":     evidence.ID,
			"verdict":         evidence.Verdict,
			"confidence":      evidence.Confidence,
			"pending_recheck": evidence.PendingRecheck,
			"attempt":         evidence.Attempt,
		}
	}); err != nil {
		v.log.Error("attach verification: %v", err)
	}

	v.audit.ExperimentEvent(logging.AuditExperimentVerdict, evidence.ExperimentID, evidence.Verdict, evidence.Verdict != storagev2.VerdictLoss)

	if promote && !evidence.PendingRecheck {
		if err := v.engine.MarkStatus(proposalID, storagev2.ProposalVerified, map[string]interface{}{
			"verdict":    evidence.Verdict,
			"confidence": evidence.Confidence,
		}); err != nil {
			v.log.Debug("promote proposal %s: %v", proposalID, err)
		}
	}
}

// priorAttempts counts evidences already recorded for a run.
func (v *Verifier) priorAttempts(runID string) int {
	count := 0
	for _, ev := range v.store.TailEvidence(500) {
		if ev.ExperimentID == runID {
			count++
		}
	}
	return count
}

// PendingRechecks returns run IDs whose latest evidence is pending recheck
// and due now.
func (v *Verifier) PendingRechecks() []string {
	latest := make(map[string]storagev2.OutcomeEvidence)
	for _, ev := range v.store.TailEvidence(500) {
		latest[ev.ExperimentID] = ev
	}

	var due []string
	now := time.Now()
	for runID, ev := range latest {
		if ev.PendingRecheck && !ev.RetryExhausted &&
			(ev.NextRecheckAfter == nil || now.After(*ev.NextRecheckAfter)) {
			due = append(due, runID)
		}
	}
	return due
}

func baselineMetrics(run storagev2.ExperimentRun) storagev2.Metrics {
	raw, ok := run.Artifacts["baseline_health"]
	if !ok {
		return storagev2.Metrics{}
	}
	// direct struct when in-process, decoded map after a disk round-trip
	if m, ok := raw.(storagev2.Metrics); ok {
		return m
	}
	m := storagev2.Metrics{}
	if fields, ok := raw.(map[string]interface{}); ok {
		if f, ok := fields["health_score"].(float64); ok {
			m.HealthScore = f
		}
		if f, ok := fields["open_issues"].(float64); ok {
			m.OpenIssues = int(f)
		}
		if f, ok := fields["total_errors"].(float64); ok {
			m.TotalErrors = int(f)
		}
		if f, ok := fields["avg_duration_ms"].(float64); ok {
			m.AvgDurationMs = f
		}
		if f, ok := fields["success_rate"].(float64); ok {
			m.SuccessRate = f
		}
		if f, ok := fields["proposal_throughput"].(float64); ok {
			m.ProposalThroughput = int(f)
		}
	}
	return m
}
