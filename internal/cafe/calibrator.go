package cafe

import (
	"time"

	"github.com/nexus-agent/nexus/internal/config"
	"github.com/nexus-agent/nexus/internal/logging"
	"github.com/nexus-agent/nexus/internal/storagev2"
)

// Calibrator periodically recomputes per-model-family confidence bias from
// historical verdicts and pushes the result into the live Scorer.
type Calibrator struct {
	cfg    config.CAFEConfig
	store  *storagev2.Store
	scorer *Scorer
	log    *logging.Logger
}

// NewCalibrator wires a calibrator over store and scorer.
func NewCalibrator(cfg config.CAFEConfig, store *storagev2.Store, scorer *Scorer) *Calibrator {
	return &Calibrator{cfg: cfg, store: store, scorer: scorer, log: logging.Get(logging.CategoryCAFE)}
}

type familyTally struct {
	wins         int
	losses       int
	inconclusive int
}

func (t familyTally) total() int { return t.wins + t.losses + t.inconclusive }

// modelForEvidence resolves the model family an evidence should be
// attributed to, looking at the execution tag first, then at the first recent
// learning event whose model names a known family.
func modelForEvidence(ev *storagev2.OutcomeEvidence, events []storagev2.LearningEvent) string {
	if ev.Execution != "" {
		if family := NormalizeModelFamily(ev.Execution); family != "" {
			return family
		}
	}
	for i := range events {
		if events[i].Model != "" {
			if family := NormalizeModelFamily(events[i].Model); family != "" {
				return family
			}
		}
	}
	return ""
}

// Calibrate aggregates recent evidence by model family, computes
// win_rate − loss_rate − 0.5·inconclusive_rate per family with enough
// samples, scales and caps the target bias, blends it with the previous
// bias, and persists + applies the result.
func (c *Calibrator) Calibrate(recentLimit int) storagev2.CAFEState {
	if recentLimit <= 0 {
		recentLimit = 200
	}
	evidences := c.store.TailEvidence(recentLimit)
	events := c.store.TailLearningEvents(recentLimit)

	tallies := make(map[string]*familyTally)
	for i := range evidences {
		family := modelForEvidence(&evidences[i], events)
		if family == "" {
			continue
		}
		tally, ok := tallies[family]
		if !ok {
			tally = &familyTally{}
			tallies[family] = tally
		}
		switch evidences[i].Verdict {
		case storagev2.VerdictWin:
			tally.wins++
		case storagev2.VerdictLoss:
			tally.losses++
		default:
			tally.inconclusive++
		}
	}

	state := c.store.LoadCAFEState()
	if state.SampleCounts == nil {
		state.SampleCounts = make(map[string]int)
	}

	for family, tally := range tallies {
		n := tally.total()
		state.SampleCounts[family] = n
		if n < c.cfg.CalibrationMinN {
			continue
		}

		winRate := float64(tally.wins) / float64(n)
		lossRate := float64(tally.losses) / float64(n)
		incRate := float64(tally.inconclusive) / float64(n)

		target := (winRate - lossRate - 0.5*incRate) * c.cfg.BiasScale
		if target > c.cfg.BiasCap {
			target = c.cfg.BiasCap
		}
		if target < -c.cfg.BiasCap {
			target = -c.cfg.BiasCap
		}

		prev := state.ModelBias[family]
		s := c.cfg.BiasSmoothing
		state.ModelBias[family] = (1-s)*prev + s*target
		c.log.Info("calibrated %s: n=%d target=%.3f bias=%.3f", family, n, target, state.ModelBias[family])
	}

	now := time.Now()
	state.CalibratedAt = &now
	if err := c.store.SaveCAFEState(state); err != nil {
		c.log.Error("save cafe state: %v", err)
	}
	c.scorer.SetBias(state.ModelBias)
	return state
}
