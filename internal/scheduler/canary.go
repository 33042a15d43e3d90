package scheduler

import (
	"time"

	"github.com/nexus-agent/nexus/internal/storagev2"
)

// decideMode applies the normal-mode canary guardrail: execution defaults
// to safe and is promoted to normal only when every gate holds.
func (ll *LearningLoop) decideMode(p storagev2.ProposalV2) string {
	cfg := ll.core.Cfg.Canary

	if cfg.ExecutionModeDefault != storagev2.ModeNormal || !cfg.Enabled || !ll.core.Cfg.Execution.EnableRealApply {
		return storagev2.ModeSafe
	}

	now := time.Now()
	state := ll.stateSnapshot()
	if now.Before(state.CooldownUntil) {
		return storagev2.ModeSafe
	}

	recent := 0
	cutoff := now.Add(-time.Hour)
	for _, ts := range state.NormalRuns {
		if ts.After(cutoff) {
			recent++
		}
	}
	if recent >= cfg.MaxPerHour {
		return storagev2.ModeSafe
	}

	if !riskAllowed(cfg.AllowedRisk, p.RiskLevel) {
		return storagev2.ModeSafe
	}
	if p.Priority < cfg.MinPriority {
		return storagev2.ModeSafe
	}

	ll.mutateState(func(s *State) {
		s.NormalRuns = append(s.NormalRuns, now)
		// keep only the sliding window
		kept := s.NormalRuns[:0]
		for _, ts := range s.NormalRuns {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		s.NormalRuns = kept
	})
	return storagev2.ModeNormal
}

// onVerdict applies the canary consequences of a verdict: a normal-mode
// loss activates the cooldown and flags the proposal for rollback review.
func (ll *LearningLoop) onVerdict(proposalID, mode, verdict string) {
	if mode != storagev2.ModeNormal || verdict != storagev2.VerdictLoss {
		return
	}
	cooldown := time.Duration(ll.core.Cfg.Canary.CooldownSeconds) * time.Second
	ll.mutateState(func(s *State) { s.CooldownUntil = time.Now().Add(cooldown) })
	ll.core.Proposals.Annotate(proposalID, map[string]interface{}{
		"rollback_guardrail": true,
		"cooldown_until":     time.Now().Add(cooldown),
	})
	ll.log.Warn("normal-mode loss on %s: cooldown for %s", proposalID, cooldown)
	ll.core.Bus.Emit("canary_cooldown", map[string]interface{}{
		"proposal": proposalID, "cooldown_seconds": ll.core.Cfg.Canary.CooldownSeconds,
	})
}

func riskAllowed(allowed []string, risk string) bool {
	for _, r := range allowed {
		if r == risk {
			return true
		}
	}
	return false
}
