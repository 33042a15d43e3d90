// Package bandit implements NEXUS's Thompson-sampling policy selector over
// three arm families (approve threshold, scan threshold, focus area), with
// a drift guard that shrinks runaway posteriors back toward the prior.
package bandit

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/nexus-agent/nexus/internal/logging"
	"github.com/nexus-agent/nexus/internal/storagev2"
)

// Arm families and their fixed arm sets.
const (
	FamilyApproveThreshold = "approve_threshold"
	FamilyScanMinScore     = "scan_min_score"
	FamilyFocusPolicy      = "focus_policy"
)

// DefaultArms seeds the posterior with Beta(1,1) for every arm.
func DefaultArms() map[string]map[string]storagev2.Arm {
	uniform := func(names ...string) map[string]storagev2.Arm {
		arms := make(map[string]storagev2.Arm, len(names))
		for _, n := range names {
			arms[n] = storagev2.Arm{A: 1, B: 1}
		}
		return arms
	}
	return map[string]map[string]storagev2.Arm{
		FamilyApproveThreshold: uniform("0.78", "0.82", "0.86"),
		FamilyScanMinScore:     uniform("5.8", "6.0", "6.2"),
		FamilyFocusPolicy:      uniform("reliability_first", "execution_first", "learning_first"),
	}
}

const (
	historyCap = 1000
	minWeight  = 0.1
	maxWeight  = 4.0
	minParam   = 1e-6
)

// Bandit owns the persisted policy state.
type Bandit struct {
	mu    sync.Mutex
	store *storagev2.Store
	state storagev2.PolicyState
	rng   *rand.Rand
	log   *logging.Logger
}

// New loads (or seeds) the policy state from store.
func New(store *storagev2.Store) *Bandit {
	state := store.LoadPolicyState()
	if state.Arms == nil || len(state.Arms) == 0 {
		state.Arms = DefaultArms()
	}
	return &Bandit{
		store: store,
		state: state,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		log:   logging.Get(logging.CategoryBandit),
	}
}

// sampleGamma draws Gamma(shape, 1) via Marsaglia–Tsang, with the usual
// boost for shape < 1.
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		u := rng.Float64()
		if u <= 0 {
			u = minParam
		}
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// sampleBeta draws Beta(a,b) as Ga/(Ga+Gb).
func sampleBeta(rng *rand.Rand, a, b float64) float64 {
	if a < minParam {
		a = minParam
	}
	if b < minParam {
		b = minParam
	}
	ga := sampleGamma(rng, a)
	gb := sampleGamma(rng, b)
	if ga+gb == 0 {
		return 0.5
	}
	return ga / (ga + gb)
}

// SelectPolicy samples Beta for each arm of each family, picks the argmax,
// persists and returns the selection.
func (b *Bandit) SelectPolicy() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	selected := make(map[string]string, len(b.state.Arms))
	for family, arms := range b.state.Arms {
		bestArm := ""
		bestSample := -1.0
		for name, arm := range arms {
			sample := sampleBeta(b.rng, arm.A, arm.B)
			if sample > bestSample {
				bestSample = sample
				bestArm = name
			}
		}
		selected[family] = bestArm
	}

	now := time.Now()
	b.state.Selected = selected
	b.state.SelectedAt = &now
	b.persistLocked()
	return selected
}

// Selected returns the last selection, or nil before the first SelectPolicy.
func (b *Bandit) Selected() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Selected == nil {
		return nil
	}
	out := make(map[string]string, len(b.state.Selected))
	for k, v := range b.state.Selected {
		out[k] = v
	}
	return out
}

// Update applies a verdict to the chosen arms. Inconclusive verdicts leave
// the posterior unchanged. Weight is clamped to [0.1, 4.0]; a win adds it
// to a, a loss to b.
func (b *Bandit) Update(verdict string, selected map[string]string, weight float64, metadata map[string]interface{}) {
	if verdict == storagev2.VerdictInconclusive {
		return
	}
	if weight < minWeight {
		weight = minWeight
	}
	if weight > maxWeight {
		weight = maxWeight
	}
	reward := verdict == storagev2.VerdictWin

	b.mu.Lock()
	defer b.mu.Unlock()

	for family, armName := range selected {
		arms, ok := b.state.Arms[family]
		if !ok {
			continue
		}
		arm, ok := arms[armName]
		if !ok {
			continue
		}
		if reward {
			arm.A += weight
		} else {
			arm.B += weight
		}
		arms[armName] = arm
	}

	b.state.History = append(b.state.History, storagev2.PolicyHistoryEntry{
		TS:       time.Now(),
		Verdict:  verdict,
		Selected: selected,
		Weight:   weight,
		Metadata: metadata,
	})
	if len(b.state.History) > historyCap {
		b.state.History = b.state.History[len(b.state.History)-historyCap:]
	}
	b.persistLocked()
}

// DriftGuardResult reports the arms adjusted by ApplyDriftGuard.
type DriftGuardResult struct {
	Adjusted []string `json:"adjusted"`
	DryRun   bool     `json:"dry_run"`
}

// ApplyDriftGuard shrinks any arm whose posterior total exceeds maxTotal or
// whose mean leaves [minMean, maxMean] back toward the Beta(1,1) prior:
// a' = 1 + (a−1)·(1−shrink). With dryRun the state is left untouched and
// only the would-be adjustments are reported.
func (b *Bandit) ApplyDriftGuard(maxTotal, minMean, maxMean, shrinkRatio float64, dryRun bool) DriftGuardResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := DriftGuardResult{DryRun: dryRun}
	for family, arms := range b.state.Arms {
		for name, arm := range arms {
			total := arm.A + arm.B
			mean := arm.Mean()
			if total <= maxTotal && mean >= minMean && mean <= maxMean {
				continue
			}
			result.Adjusted = append(result.Adjusted, family+"/"+name)
			if dryRun {
				continue
			}
			arm.A = 1 + (arm.A-1)*(1-shrinkRatio)
			arm.B = 1 + (arm.B-1)*(1-shrinkRatio)
			if arm.A < minParam {
				arm.A = minParam
			}
			if arm.B < minParam {
				arm.B = minParam
			}
			arms[name] = arm
		}
	}

	if len(result.Adjusted) > 0 && !dryRun {
		b.state.History = append(b.state.History, storagev2.PolicyHistoryEntry{
			TS:      time.Now(),
			Verdict: "drift_guard",
			Metadata: map[string]interface{}{
				"adjusted": result.Adjusted,
			},
		})
		if len(b.state.History) > historyCap {
			b.state.History = b.state.History[len(b.state.History)-historyCap:]
		}
		b.persistLocked()
		b.log.Info("drift guard shrank %d arms", len(result.Adjusted))
	}
	return result
}

// State returns a deep copy of the current policy state.
func (b *Bandit) State() storagev2.PolicyState {
	b.mu.Lock()
	defer b.mu.Unlock()

	copied := storagev2.PolicyState{
		Arms:       make(map[string]map[string]storagev2.Arm, len(b.state.Arms)),
		SelectedAt: b.state.SelectedAt,
	}
	for family, arms := range b.state.Arms {
		copied.Arms[family] = make(map[string]storagev2.Arm, len(arms))
		for name, arm := range arms {
			copied.Arms[family][name] = arm
		}
	}
	if b.state.Selected != nil {
		copied.Selected = make(map[string]string, len(b.state.Selected))
		for k, v := range b.state.Selected {
			copied.Selected[k] = v
		}
	}
	copied.History = append(copied.History, b.state.History...)
	return copied
}

func (b *Bandit) persistLocked() {
	if err := b.store.SavePolicyState(b.state); err != nil {
		b.log.Error("persist policy state: %v", err)
	}
}
