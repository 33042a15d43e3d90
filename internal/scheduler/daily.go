package scheduler

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/nexus-agent/nexus/internal/debugger"
	"github.com/nexus-agent/nexus/internal/storagev2"
)

// focusAreas is the portfolio the daily cycle rotates over.
var focusAreas = []string{
	"reliability", "learning", "execution", "quality", "speed", "cost", "security", "ux",
}

// dailyNote is one line of the daily self-learning log.
type dailyNote struct {
	TS      time.Time              `json:"ts"`
	Kind    string                 `json:"kind"`
	Content string                 `json:"content"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// stepDailySelfLearning runs the once-a-day cycle under its own lock:
// improvement ideas from health+scan stats, simulated sensitivity
// experiments, and a recommended focus-area rotation.
func (ll *LearningLoop) stepDailySelfLearning(result *IterationResult) error {
	if !due(ll.dailySched, ll.stateSnapshot().LastDaily) {
		result.Steps["daily_self_learning"] = "skipped"
		return nil
	}
	if !ll.dailyLock.TryAcquire() {
		result.Steps["daily_self_learning"] = "skipped_lock_held"
		return nil
	}
	defer ll.dailyLock.Release()

	now := time.Now()
	logPath := filepath.Join(ll.core.Root, ll.core.Cfg.DataDir, "logs",
		"daily_self_learning_"+now.Format("20060102")+".jsonl")

	health := ll.core.Debugger.GetHealthReport()
	sources := ll.core.Scout.Sources()

	// improvement ideas from observed weak spots
	var ideas []string
	if health.HealthScore < 80 {
		ideas = append(ideas, fmt.Sprintf("health at %.0f: prioritize resolving %d open issues", health.HealthScore, health.OpenIssues))
	}
	erroring := 0
	for _, src := range sources {
		if src.LastError != "" {
			erroring++
		}
	}
	if erroring > 0 {
		ideas = append(ideas, fmt.Sprintf("%d sources erroring: consider replacing or disabling them", erroring))
	}
	if stats := ll.core.Proposals.Stats(); stats[storagev2.ProposalPendingApproval] > 5 {
		ideas = append(ideas, fmt.Sprintf("%d proposals awaiting approval: approval threshold may be too strict", stats[storagev2.ProposalPendingApproval]))
	}
	if len(ideas) == 0 {
		ideas = append(ideas, "no weak spots detected; continue current policy")
	}
	for _, idea := range ideas {
		ll.appendDaily(logPath, dailyNote{TS: now, Kind: "improvement_idea", Content: idea})
	}

	// simulated experiments: threshold sensitivity and source resilience
	sensitivity := ll.simulateThresholdSensitivity()
	ll.appendDaily(logPath, dailyNote{
		TS: now, Kind: "simulated_experiment", Content: "approve threshold sensitivity",
		Data: sensitivity,
	})
	resilience := map[string]interface{}{
		"total_sources": len(sources),
		"erroring":      erroring,
	}
	ll.appendDaily(logPath, dailyNote{
		TS: now, Kind: "simulated_experiment", Content: "source resilience",
		Data: resilience,
	})

	// focus rotation
	focus := ll.recommendFocus(health)
	ll.appendDaily(logPath, dailyNote{TS: now, Kind: "focus_rotation", Content: focus})

	// daily report snapshot for external consumers
	reportPath := filepath.Join(ll.core.Root, ll.core.Cfg.DataDir, "brain",
		"report_"+now.Format("20060102")+".json")
	report := map[string]interface{}{
		"generated_at": now,
		"health":       health,
		"proposals":    ll.core.Proposals.Stats(),
		"tasks":        ll.core.Loop.Stats(),
		"skills":       ll.core.Skills.Stats(),
		"knowledge":    ll.core.Memory.Count(),
		"ideas":        ideas,
		"focus":        focus,
		"sensitivity":  sensitivity,
	}
	if err := storagev2.AtomicWriteJSON(reportPath, report); err != nil {
		ll.log.Error("write daily report: %v", err)
	}

	ll.mutateState(func(s *State) { s.LastDaily = now })
	result.Steps["daily_self_learning"] = map[string]interface{}{
		"ideas": len(ideas),
		"focus": focus,
	}
	return nil
}

// simulateThresholdSensitivity replays recent evidence against alternate
// approve thresholds to estimate how verdict mix would shift.
func (ll *LearningLoop) simulateThresholdSensitivity() map[string]interface{} {
	evidences := ll.core.Storage.TailEvidence(100)
	wins, losses := 0, 0
	for _, ev := range evidences {
		switch ev.Verdict {
		case storagev2.VerdictWin:
			wins++
		case storagev2.VerdictLoss:
			losses++
		}
	}
	out := map[string]interface{}{"sample": len(evidences), "wins": wins, "losses": losses}
	if wins+losses > 0 {
		winRate := float64(wins) / float64(wins+losses)
		out["win_rate"] = winRate
		switch {
		case winRate > 0.7:
			out["suggestion"] = "threshold could be lowered"
		case winRate < 0.4:
			out["suggestion"] = "threshold should be raised"
		default:
			out["suggestion"] = "threshold looks calibrated"
		}
	}
	return out
}

// recommendFocus picks the next focus area from the health picture, falling
// back to a simple rotation keyed by day of year.
func (ll *LearningLoop) recommendFocus(health debugger.HealthReport) string {
	switch {
	case health.BySeverity[debugger.SeverityCritical] > 0:
		return "reliability"
	case health.BySeverity[debugger.SeverityHigh] > 0:
		return "quality"
	case ll.stateSnapshot().NoLearningStreak > 0:
		return "learning"
	default:
		return focusAreas[time.Now().YearDay()%len(focusAreas)]
	}
}

func (ll *LearningLoop) appendDaily(path string, note dailyNote) {
	if err := storagev2.AppendJSONL(path, &note); err != nil {
		ll.log.Error("append daily note: %v", err)
	}
}
