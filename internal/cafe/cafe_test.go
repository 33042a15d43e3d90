package cafe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-agent/nexus/internal/config"
	"github.com/nexus-agent/nexus/internal/storagev2"
)

func testCfg() config.CAFEConfig {
	return config.CAFEConfig{
		Enabled:           true,
		ConfidenceMin:     0.6,
		HelpfulMin:        0.5,
		HarmlessMin:       0.55,
		WeightHelpful:     0.5,
		WeightHarmless:    0.3,
		WeightReliability: 0.2,
		CalibrationMinN:   3,
		BiasScale:         0.2,
		BiasCap:           0.15,
		BiasSmoothing:     1.0, // no smoothing for deterministic assertions
	}
}

func TestScoreEventChannels(t *testing.T) {
	s := NewScorer(testCfg(), nil)
	ev := &storagev2.LearningEvent{Value: 0.9, Novelty: 0.9, Risk: 0.1, Confidence: 0.9}

	res := s.ScoreEvent(ev)

	// helpful = mean(0.9, 0.9, 0.9*0.7+0.9*0.3=0.9) = 0.9
	assert.InDelta(t, 0.9, res.Helpful, 1e-9)
	// harmless = mean(0.9, 1-0.11=0.89, 0.9*0.8+0.2=0.92)
	assert.InDelta(t, (0.9+0.89+0.92)/3, res.Harmless, 1e-9)
	// reliability = mean(0.9, (0.9+0.9)/2=0.9, 1-|0.9-0.1|=0.2)
	assert.InDelta(t, (0.9+0.9+0.2)/3, res.Reliability, 1e-9)
	assert.False(t, res.Blocked)
	assert.Greater(t, res.Score, 0.5)
}

func TestScoreEventBlockedNeedsBothLowConfAndLowHarmless(t *testing.T) {
	s := NewScorer(testCfg(), nil)

	risky := &storagev2.LearningEvent{Value: 0.2, Novelty: 0.1, Risk: 0.95, Confidence: 0.1}
	res := s.ScoreEvent(risky)
	assert.True(t, res.Blocked)
	assert.Contains(t, res.Reasons, "low_confidence")
	assert.Contains(t, res.Reasons, "low_harmlessness")

	// harmless alone is not enough to block when confidence is high
	confidentRisky := &storagev2.LearningEvent{Value: 0.8, Novelty: 0.5, Risk: 0.95, Confidence: 0.95}
	res = s.ScoreEvent(confidentRisky)
	assert.False(t, res.Blocked)
}

func TestModelBiasRaisesConfidence(t *testing.T) {
	s := NewScorer(testCfg(), map[string]float64{"claude": 0.1})
	base := &storagev2.LearningEvent{Value: 0.5, Novelty: 0.5, Risk: 0.5, Confidence: 0.5}
	biased := &storagev2.LearningEvent{Value: 0.5, Novelty: 0.5, Risk: 0.5, Confidence: 0.5, Model: "claude-sonnet-4"}

	plain := s.ScoreEvent(base)
	withBias := s.ScoreEvent(biased)
	assert.InDelta(t, plain.Confidence+0.1, withBias.Confidence, 1e-9)
	assert.InDelta(t, 0.1, withBias.ModelConfBias, 1e-9)
}

func TestNormalizeModelFamily(t *testing.T) {
	assert.Equal(t, "claude", NormalizeModelFamily("claude-3-opus-latest"))
	assert.Equal(t, "gpt", NormalizeModelFamily("GPT-4o"))
	assert.Equal(t, "gemini", NormalizeModelFamily("models/gemini-2.0-flash"))
	assert.Equal(t, "", NormalizeModelFamily("mystery-model"))
}

func TestScoreEvidence(t *testing.T) {
	s := NewScorer(testCfg(), nil)

	win := s.ScoreEvidence(&storagev2.OutcomeEvidence{
		Verdict:    storagev2.VerdictWin,
		Confidence: 0.8,
		Delta:      storagev2.Delta{HealthScore: 1.5, SuccessRate: 0.02},
	})
	// helpful = 0.85 + clamp(0.02·5) = 0.95; good tier: health ≥ +0.5 with
	// no new errors → harmless 0.85
	assert.InDelta(t, 0.95, win.Helpful, 1e-9)
	assert.InDelta(t, 0.85, win.Harmless, 1e-9)
	assert.InDelta(t, 0.8*0.8+0.2, win.Reliability, 1e-9)
	assert.InDelta(t, win.Reliability, win.Confidence, 1e-9)
	assert.False(t, win.Blocked)

	loss := s.ScoreEvidence(&storagev2.OutcomeEvidence{
		Verdict:    storagev2.VerdictLoss,
		Confidence: 0.85,
		Delta:      storagev2.Delta{HealthScore: -3.0, TotalErrors: 2},
	})
	assert.InDelta(t, 0.2, loss.Helpful, 1e-9)
	assert.InDelta(t, 0.2, loss.Harmless, 1e-9)

	inc := s.ScoreEvidence(&storagev2.OutcomeEvidence{Verdict: storagev2.VerdictInconclusive, Confidence: 0.5})
	assert.InDelta(t, 0.5, inc.Helpful, 1e-9)
	assert.InDelta(t, 0.7, inc.Harmless, 1e-9)
	assert.InDelta(t, 0.4, inc.Reliability, 1e-9)
	// reliability 0.4 < conf_min 0.6 but harmless 0.7 ≥ 0.55 → not blocked
	assert.False(t, inc.Blocked)
	assert.Contains(t, inc.Reasons, "low_confidence")
}

func TestScoreEvidenceBlockedNeedsBothLowChannels(t *testing.T) {
	s := NewScorer(testCfg(), nil)

	ev := s.ScoreEvidence(&storagev2.OutcomeEvidence{
		Verdict:    storagev2.VerdictInconclusive,
		Confidence: 0.2,
		Delta:      storagev2.Delta{HealthScore: -2.5, TotalErrors: 3},
	})
	// reliability 0.16 < 0.6 AND harmless 0.2 < 0.55 → blocked
	assert.True(t, ev.Blocked)
	assert.Contains(t, ev.Reasons, "low_harmlessness")
}

func TestScoreEvidenceModelBiasRaisesReliability(t *testing.T) {
	s := NewScorer(testCfg(), map[string]float64{"claude": 0.1})

	ev := s.ScoreEvidence(&storagev2.OutcomeEvidence{
		Verdict:    storagev2.VerdictWin,
		Confidence: 0.5,
		Execution:  "claude-apply",
	})
	// reliability = 0.5·0.8 + 0.2 + bias 0.1 = 0.7
	assert.InDelta(t, 0.7, ev.Reliability, 1e-9)
	assert.InDelta(t, 0.1, ev.ModelConfBias, 1e-9)
}

func TestCalibrateComputesBias(t *testing.T) {
	store := storagev2.New(t.TempDir())
	scorer := NewScorer(testCfg(), nil)
	cal := NewCalibrator(testCfg(), store, scorer)

	// 4 wins, 1 loss, 0 inconclusive for claude
	for i := 0; i < 4; i++ {
		require.NoError(t, store.AppendEvidence(&storagev2.OutcomeEvidence{
			Verdict: storagev2.VerdictWin, Execution: "claude-run",
		}))
	}
	require.NoError(t, store.AppendEvidence(&storagev2.OutcomeEvidence{
		Verdict: storagev2.VerdictLoss, Execution: "claude-run",
	}))

	state := cal.Calibrate(100)
	// target = (0.8 - 0.2 - 0) * 0.2 = 0.12, under cap, smoothing 1.0
	require.Contains(t, state.ModelBias, "claude")
	assert.InDelta(t, 0.12, state.ModelBias["claude"], 1e-9)
	assert.InDelta(t, 0.12, scorer.BiasFor("claude-sonnet"), 1e-9)

	// persisted
	reloaded := store.LoadCAFEState()
	assert.InDelta(t, 0.12, reloaded.ModelBias["claude"], 1e-9)
}

func TestCalibrateRespectsMinSamplesAndCap(t *testing.T) {
	store := storagev2.New(t.TempDir())
	scorer := NewScorer(testCfg(), nil)
	cal := NewCalibrator(testCfg(), store, scorer)

	// only 2 samples for gpt: below CalibrationMinN=3
	for i := 0; i < 2; i++ {
		require.NoError(t, store.AppendEvidence(&storagev2.OutcomeEvidence{
			Verdict: storagev2.VerdictWin, Execution: "gpt-run",
		}))
	}
	state := cal.Calibrate(100)
	assert.NotContains(t, state.ModelBias, "gpt")

	// all wins: raw target 0.2 capped at 0.15
	for i := 0; i < 10; i++ {
		require.NoError(t, store.AppendEvidence(&storagev2.OutcomeEvidence{
			Verdict: storagev2.VerdictWin, Execution: "gemini-run",
		}))
	}
	state = cal.Calibrate(100)
	assert.InDelta(t, 0.15, state.ModelBias["gemini"], 1e-9)
}
