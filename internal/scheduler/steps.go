package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/nexus-agent/nexus/internal/proposals"
	"github.com/nexus-agent/nexus/internal/storagev2"
)

// maxEventsPerCycle bounds how many scan findings become learning events in
// one iteration.
const maxEventsPerCycle = 5

// stepKnowledgeScan runs the periodic source sweep under the cross-process
// scan lock, learning top findings into memory.
func (ll *LearningLoop) stepKnowledgeScan(ctx context.Context, result *IterationResult, progress *progressTracker) error {
	if !due(ll.scanSched, ll.stateSnapshot().LastScan) {
		result.Steps["knowledge_scan"] = "skipped"
		return nil
	}
	if !ll.scanLock.TryAcquire() {
		result.Steps["knowledge_scan"] = "skipped_lock_held"
		ll.log.Info("knowledge scan skipped: lock held by another process")
		return nil
	}
	defer ll.scanLock.Release()

	findings := ll.core.Scout.ScanAll(ctx)
	ll.mutateState(func(s *State) { s.LastScan = time.Now() })

	learned := 0
	for _, f := range findings {
		if f.Type == "unavailable" || f.Relevance < 0.4 {
			continue
		}
		if _, err := ll.core.Memory.Learn(f.Source, f.Type, f.Title, f.Title, f.URL, f.Relevance, nil); err == nil {
			learned++
		}
	}

	result.Steps["knowledge_scan"] = map[string]interface{}{
		"findings": len(findings),
		"learned":  learned,
	}
	progress.learned += learned
	return nil
}

// stepApplyImprovements is the v1 compatibility pass: auto-approve pending
// v1 proposals under the apply lock, with the stagnation unblock.
func (ll *LearningLoop) stepApplyImprovements(result *IterationResult, progress *progressTracker) error {
	cfg := ll.core.Cfg.Proposal
	if !cfg.EnableV1AutoApprove {
		result.Steps["apply_improvements"] = "disabled"
		return nil
	}
	if !ll.applyLock.TryAcquire() {
		result.Steps["apply_improvements"] = "skipped_lock_held"
		return nil
	}
	defer ll.applyLock.Release()

	state := ll.stateSnapshot()
	stagnant := state.NoImprovementStreak >= ll.core.Cfg.Scheduler.NoProgressWarnThreshold &&
		ll.core.Debugger.GetHealthReport().OpenIssues == 0

	brainDir := filepath.Join(ll.core.Root, ll.core.Cfg.DataDir, "brain")
	v1Path := proposals.V1Path(brainDir)
	approved := proposals.LegacyAutoApprove(v1Path, cfg.V1AutoApproveScore, cfg.UnblockMinScore, stagnant)
	migrated := proposals.MigrateV1ToV2(v1Path, ll.core.Storage)

	result.Steps["apply_improvements"] = map[string]interface{}{
		"v1_approved": len(approved),
		"migrated":    migrated,
		"stagnant":    stagnant,
	}
	progress.improved += len(approved)
	return nil
}

// stepV2Pipeline is the heart of the loop: events → proposals → experiments
// → verification → bandit update, with canary-gated execution mode.
func (ll *LearningLoop) stepV2Pipeline(ctx context.Context, result *IterationResult, progress *progressTracker) error {
	cfg := ll.core.Cfg.Proposal
	if !cfg.EnableV2 {
		result.Steps["v2_pipeline"] = "disabled"
		return nil
	}

	var selected map[string]string
	if ll.core.Cfg.Scheduler.EnablePolicyBandit {
		selected = ll.core.Bandit.SelectPolicy()
	}

	// build learning events from the best recent findings, deduped by the
	// governor
	var events []storagev2.LearningEvent
	for _, f := range ll.core.Scout.TopFindings(20) {
		if len(events) >= maxEventsPerCycle {
			break
		}
		if f.Type == "unavailable" {
			continue
		}
		event := storagev2.LearningEvent{
			ID:         fmt.Sprintf("lev-%d-%d", time.Now().UnixMilli(), len(events)),
			TS:         time.Now(),
			Source:     f.Source,
			EventType:  "scan_insight",
			Title:      f.Title,
			Content:    f.Title,
			Novelty:    f.Relevance,
			Value:      f.Relevance,
			Risk:       0.1,
			Confidence: 0.6,
		}
		if !ll.core.Governor.Admit(&event) {
			continue
		}
		if err := ll.core.Storage.AppendLearningEvent(&event); err != nil {
			ll.log.Error("append learning event: %v", err)
			continue
		}
		events = append(events, event)
	}
	progress.learned += len(events)

	created := ll.core.Proposals.GenerateFromEvents(events, maxEventsPerCycle, false)

	// second-pass approval, relaxed under improvement stagnation
	threshold := cfg.AutoApproveThreshold
	if ll.stateSnapshot().NoImprovementStreak >= ll.core.Cfg.Scheduler.NoProgressWarnThreshold {
		threshold -= cfg.StagnationRelaxation
	}
	approved := ll.core.Proposals.AutoApproveSafe(cfg.MaxActionablePerCycle, threshold)
	progress.improved += len(approved)

	// execute and verify up to N actionable proposals
	executed := 0
	verdicts := make([]string, 0)
	if cfg.EnableExperimentExec {
		for _, p := range ll.core.Proposals.Actionable(cfg.MaxActionablePerCycle) {
			mode := ll.decideMode(p)
			res := ll.core.Experiments.ExecuteProposal(ctx, p.ID, mode)
			if res.RunID == "" {
				continue
			}
			executed++

			ev, err := ll.core.Verifier.VerifyExperiment(res.RunID)
			if err != nil {
				ll.log.Warn("verify %s: %v", res.RunID, err)
				continue
			}
			verdicts = append(verdicts, ev.Verdict)
			ll.onVerdict(p.ID, mode, ev.Verdict)

			if selected != nil && !ev.PendingRecheck {
				ll.core.Bandit.Update(ev.Verdict, selected, 1.0, map[string]interface{}{
					"proposal": p.ID, "mode": mode,
				})
			}
		}
	}
	progress.improved += executed

	// retry pending verifications that are due
	rechecked := 0
	for _, runID := range ll.core.Verifier.PendingRechecks() {
		ev, err := ll.core.Verifier.VerifyExperiment(runID)
		if err != nil {
			continue
		}
		rechecked++
		if selected != nil && !ev.PendingRecheck {
			ll.core.Bandit.Update(ev.Verdict, selected, 0.5, map[string]interface{}{"recheck": true})
		}
	}

	result.Steps["v2_pipeline"] = map[string]interface{}{
		"events":    len(events),
		"proposals": len(created),
		"approved":  len(approved),
		"executed":  executed,
		"verdicts":  verdicts,
		"rechecked": rechecked,
	}
	return nil
}

// stepAdvancedReview is the spaced-repetition pass over the least recently
// accessed knowledge.
func (ll *LearningLoop) stepAdvancedReview(result *IterationResult) error {
	if !due(ll.reviewSched, ll.stateSnapshot().LastReview) {
		result.Steps["advanced_review"] = "skipped"
		return nil
	}

	reviewed := 0
	var qualitySum float64
	for _, item := range ll.core.Memory.LeastRecentlyAccessed(5) {
		quality := reviewQuality(item.Relevance, item.AccessCount)
		ll.core.Memory.Touch(item.ID)
		ll.core.Debugger.LogMetric("review_quality", quality, "scheduler")
		qualitySum += quality
		reviewed++
	}

	ll.mutateState(func(s *State) { s.LastReview = time.Now() })
	step := map[string]interface{}{"reviewed": reviewed}
	if reviewed > 0 {
		step["avg_quality"] = qualitySum / float64(reviewed)
	}
	result.Steps["advanced_review"] = step
	return nil
}

// reviewQuality is the heuristic 0–10 quality used by the review pass:
// relevance anchors it, prior accesses raise it.
func reviewQuality(relevance float64, accessCount int) float64 {
	quality := 4 + relevance*4
	if accessCount > 3 {
		quality += 1
	}
	if quality > 10 {
		quality = 10
	}
	return quality
}

// stepSelfCheck maintains the stagnation streaks and emits warnings when
// thresholds are crossed.
func (ll *LearningLoop) stepSelfCheck(result *IterationResult, progress *progressTracker) error {
	warnAt := ll.core.Cfg.Scheduler.NoProgressWarnThreshold

	var learningStreak, improvementStreak int
	ll.mutateState(func(s *State) {
		if progress.learned > 0 {
			s.NoLearningStreak = 0
		} else {
			s.NoLearningStreak++
		}
		if progress.improved > 0 {
			s.NoImprovementStreak = 0
		} else {
			s.NoImprovementStreak++
		}
		learningStreak = s.NoLearningStreak
		improvementStreak = s.NoImprovementStreak
	})

	if learningStreak == warnAt {
		ll.log.Warn("no learning progress for %d iterations", learningStreak)
		ll.core.Bus.Emit("stagnation_warning", map[string]interface{}{"kind": "learning", "streak": learningStreak})
		ll.selfReminder(fmt.Sprintf("no learning progress for %d iterations", learningStreak))
	}
	if improvementStreak == warnAt {
		ll.log.Warn("no improvements applied for %d iterations", improvementStreak)
		ll.core.Bus.Emit("stagnation_warning", map[string]interface{}{"kind": "improvement", "streak": improvementStreak})
	}

	result.Steps["self_check"] = map[string]interface{}{
		"no_learning_streak":    learningStreak,
		"no_improvement_streak": improvementStreak,
	}
	return nil
}
