package bandit

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-agent/nexus/internal/storagev2"
)

func newTestBandit(t *testing.T) *Bandit {
	t.Helper()
	return New(storagev2.New(t.TempDir()))
}

func TestSelectPolicyCoversAllFamilies(t *testing.T) {
	b := newTestBandit(t)
	selected := b.SelectPolicy()

	require.Len(t, selected, 3)
	assert.Contains(t, []string{"0.78", "0.82", "0.86"}, selected[FamilyApproveThreshold])
	assert.Contains(t, []string{"5.8", "6.0", "6.2"}, selected[FamilyScanMinScore])
	assert.Contains(t, []string{"reliability_first", "execution_first", "learning_first"}, selected[FamilyFocusPolicy])
}

func TestUpdateWinAddsWeightToA(t *testing.T) {
	b := newTestBandit(t)
	selected := map[string]string{FamilyApproveThreshold: "0.82"}

	before := b.State().Arms[FamilyApproveThreshold]["0.82"]
	b.Update(storagev2.VerdictWin, selected, 1.0, nil)
	after := b.State().Arms[FamilyApproveThreshold]["0.82"]

	assert.InDelta(t, 1.0, after.A-before.A, 1e-9)
	assert.InDelta(t, 0.0, after.B-before.B, 1e-9)
}

func TestUpdateLossAddsWeightToB(t *testing.T) {
	b := newTestBandit(t)
	selected := map[string]string{FamilyScanMinScore: "6.0"}

	b.Update(storagev2.VerdictLoss, selected, 2.5, nil)
	arm := b.State().Arms[FamilyScanMinScore]["6.0"]
	assert.InDelta(t, 1.0, arm.A, 1e-9)
	assert.InDelta(t, 3.5, arm.B, 1e-9)
}

func TestUpdateInconclusiveIsNoop(t *testing.T) {
	b := newTestBandit(t)
	before := b.State()
	b.Update(storagev2.VerdictInconclusive, map[string]string{FamilyApproveThreshold: "0.82"}, 1.0, nil)
	after := b.State()
	assert.Equal(t, before.Arms, after.Arms)
	assert.Len(t, after.History, 0)
}

func TestUpdateClampsWeight(t *testing.T) {
	b := newTestBandit(t)
	sel := map[string]string{FamilyApproveThreshold: "0.78"}

	b.Update(storagev2.VerdictWin, sel, 100, nil)
	arm := b.State().Arms[FamilyApproveThreshold]["0.78"]
	assert.InDelta(t, 5.0, arm.A, 1e-9) // 1 + clamped 4.0

	b.Update(storagev2.VerdictLoss, sel, 0.001, nil)
	arm = b.State().Arms[FamilyApproveThreshold]["0.78"]
	assert.InDelta(t, 1.1, arm.B, 1e-9) // 1 + clamped 0.1
}

func TestTenWinsShiftSamplingTowardArm(t *testing.T) {
	b := newTestBandit(t)
	sel := map[string]string{FamilyApproveThreshold: "0.82"}
	for i := 0; i < 10; i++ {
		b.Update(storagev2.VerdictWin, sel, 1.0, nil)
	}
	arm := b.State().Arms[FamilyApproveThreshold]["0.82"]
	assert.InDelta(t, 11.0, arm.A, 1e-9)
	assert.InDelta(t, 1.0, arm.B, 1e-9)

	// with a=11,b=1 the trained arm should win most selections
	wins := 0
	for i := 0; i < 200; i++ {
		if b.SelectPolicy()[FamilyApproveThreshold] == "0.82" {
			wins++
		}
	}
	assert.Greater(t, wins, 120)
}

func TestDriftGuardShrinksRunawayArm(t *testing.T) {
	b := newTestBandit(t)
	sel := map[string]string{FamilyApproveThreshold: "0.86"}
	for i := 0; i < 30; i++ {
		b.Update(storagev2.VerdictWin, sel, 4.0, nil)
	}
	arm := b.State().Arms[FamilyApproveThreshold]["0.86"]
	require.InDelta(t, 121.0, arm.A, 1e-9)

	// dry run reports but does not modify
	res := b.ApplyDriftGuard(50, 0.05, 0.95, 0.5, true)
	assert.Contains(t, res.Adjusted, FamilyApproveThreshold+"/0.86")
	assert.InDelta(t, 121.0, b.State().Arms[FamilyApproveThreshold]["0.86"].A, 1e-9)

	// real run shrinks toward the prior: a' = 1 + 120*0.5 = 61
	res = b.ApplyDriftGuard(50, 0.05, 0.95, 0.5, false)
	assert.False(t, res.DryRun)
	arm = b.State().Arms[FamilyApproveThreshold]["0.86"]
	assert.InDelta(t, 61.0, arm.A, 1e-9)
	assert.InDelta(t, 1.0, arm.B, 1e-9)
}

func TestStatePersistsAcrossInstances(t *testing.T) {
	store := storagev2.New(t.TempDir())
	b1 := New(store)
	b1.Update(storagev2.VerdictWin, map[string]string{FamilyFocusPolicy: "execution_first"}, 1.0, nil)

	b2 := New(store)
	arm := b2.State().Arms[FamilyFocusPolicy]["execution_first"]
	assert.InDelta(t, 2.0, arm.A, 1e-9)
}

func TestSampleBetaBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		v := sampleBeta(rng, 0.5, 0.5)
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}
