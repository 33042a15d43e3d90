// Package cafe implements the Confidence-Aware Feedback Ensemble: multi
// channel scoring of learning events and outcome evidences with a per-model
// family confidence bias that the calibrator keeps up to date.
package cafe

import (
	"strings"
	"sync"

	"github.com/nexus-agent/nexus/internal/config"
	"github.com/nexus-agent/nexus/internal/storagev2"
)

// modelFamilies are the normalized tokens the bias map is keyed by.
var modelFamilies = []string{
	"codex", "gpt", "claude", "sonnet", "opus", "haiku", "gemini", "llama", "mistral",
}

// NormalizeModelFamily maps a raw model string to its family token, or ""
// when unrecognized.
func NormalizeModelFamily(model string) string {
	lower := strings.ToLower(model)
	for _, family := range modelFamilies {
		if strings.Contains(lower, family) {
			return family
		}
	}
	return ""
}

// Scorer computes CAFE scores. Thread-safe: the bias map is swapped under a
// lock by the calibrator while scoring continues.
type Scorer struct {
	mu   sync.RWMutex
	cfg  config.CAFEConfig
	bias map[string]float64
}

// NewScorer builds a Scorer with the given thresholds and an initial bias
// map (usually loaded from cafe_state.json).
func NewScorer(cfg config.CAFEConfig, bias map[string]float64) *Scorer {
	if bias == nil {
		bias = make(map[string]float64)
	}
	return &Scorer{cfg: cfg, bias: bias}
}

// SetBias replaces the model-family bias map (called by the calibrator).
func (s *Scorer) SetBias(bias map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bias = make(map[string]float64, len(bias))
	for k, v := range bias {
		s.bias[k] = v
	}
}

// biasCap bounds a model family's confidence bias contribution.
const biasCap = 0.2

// BiasFor returns the calibrated confidence bias for a model string,
// clamped to ±0.2.
func (s *Scorer) BiasFor(model string) float64 {
	family := NormalizeModelFamily(model)
	if family == "" {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	bias := s.bias[family]
	if bias > biasCap {
		return biasCap
	}
	if bias < -biasCap {
		return -biasCap
	}
	return bias
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func mean(vs ...float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func variance(vs ...float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	m := mean(vs...)
	sum := 0.0
	for _, v := range vs {
		d := v - m
		sum += d * d
	}
	return sum / float64(len(vs))
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// ScoreEvent scores a learning event across the helpful/harmless/reliability
// channels, each the mean of three heuristic variants, then blends the
// event's own confidence with the ensemble agreement and the model bias.
func (s *Scorer) ScoreEvent(event *storagev2.LearningEvent) storagev2.CAFEResult {
	value := clamp01(event.Value)
	novelty := clamp01(event.Novelty)
	risk := clamp01(event.Risk)
	confidence := clamp01(event.Confidence)

	helpfulVariants := []float64{value, (value + novelty) / 2, value*0.7 + confidence*0.3}
	harmlessVariants := []float64{1 - risk, clamp01(1 - risk*1.1), (1-risk)*0.8 + 0.2}
	reliabilityVariants := []float64{confidence, (confidence + (1 - risk)) / 2, clamp01(1 - abs(value-risk))}

	helpful := mean(helpfulVariants...)
	harmless := mean(harmlessVariants...)
	reliability := mean(reliabilityVariants...)

	meanVar := mean(variance(helpfulVariants...), variance(harmlessVariants...), variance(reliabilityVariants...))
	ensembleConf := clamp01(1 - 2*meanVar)

	bias := s.BiasFor(event.Model)
	combinedConf := clamp01((confidence+ensembleConf)/2 + bias)

	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	score := cfg.WeightHelpful*helpful + cfg.WeightHarmless*harmless + cfg.WeightReliability*reliability
	blocked := combinedConf < cfg.ConfidenceMin && harmless < cfg.HarmlessMin

	var reasons []string
	if combinedConf < cfg.ConfidenceMin {
		reasons = append(reasons, "low_confidence")
	}
	if helpful < cfg.HelpfulMin {
		reasons = append(reasons, "low_helpfulness")
	}
	if harmless < cfg.HarmlessMin {
		reasons = append(reasons, "low_harmlessness")
	}

	return storagev2.CAFEResult{
		Score:         clamp01(score),
		Confidence:    combinedConf,
		Helpful:       helpful,
		Harmless:      harmless,
		Reliability:   reliability,
		Blocked:       blocked,
		Reasons:       reasons,
		ModelConfBias: bias,
	}
}

// ScoreEvidence maps a post-run verdict to a baseline helpful score with a
// success-rate bonus, derives harmless from the evidence delta, and bases
// reliability on the verifier's confidence plus the model bias.
func (s *Scorer) ScoreEvidence(ev *storagev2.OutcomeEvidence) storagev2.CAFEResult {
	conf := clamp01(ev.Confidence)

	helpful := 0.5
	switch ev.Verdict {
	case storagev2.VerdictWin:
		helpful = 0.85
	case storagev2.VerdictLoss:
		helpful = 0.2
	}
	helpful = clamp01(helpful + clamp01(ev.Delta.SuccessRate*5.0))

	harmless := 0.7
	if ev.Delta.HealthScore <= -2.0 || ev.Delta.TotalErrors >= 2 {
		harmless = 0.2
	} else if ev.Delta.HealthScore >= 0.5 && ev.Delta.TotalErrors <= 0 {
		harmless = 0.85
	}

	reliability := clamp01(conf * 0.8)
	if ev.Verdict != storagev2.VerdictInconclusive {
		reliability = clamp01(reliability + 0.2)
	}

	bias := s.BiasFor(ev.Execution)
	if bias != 0 {
		reliability = clamp01(reliability + bias)
	}

	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	score := clamp01(cfg.WeightHelpful*helpful + cfg.WeightHarmless*harmless + cfg.WeightReliability*reliability)
	blocked := reliability < cfg.ConfidenceMin && harmless < cfg.HarmlessMin

	var reasons []string
	if reliability < cfg.ConfidenceMin {
		reasons = append(reasons, "low_confidence")
	}
	if harmless < cfg.HarmlessMin {
		reasons = append(reasons, "low_harmlessness")
	}

	return storagev2.CAFEResult{
		Score:         score,
		Confidence:    reliability,
		Helpful:       helpful,
		Harmless:      harmless,
		Reliability:   reliability,
		Blocked:       blocked,
		Reasons:       reasons,
		ModelConfBias: bias,
	}
}
