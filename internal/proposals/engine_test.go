package proposals

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-agent/nexus/internal/cafe"
	"github.com/nexus-agent/nexus/internal/config"
	"github.com/nexus-agent/nexus/internal/storagev2"
)

func testEngine(t *testing.T, autoApprove float64) (*Engine, *storagev2.Store) {
	t.Helper()
	store := storagev2.New(t.TempDir())
	propCfg := config.ProposalConfig{
		EnableV2:             true,
		CreateThreshold:      0.3,
		AutoApproveThreshold: autoApprove,
	}
	cafeCfg := config.CAFEConfig{
		ConfidenceMin:     0.6,
		HelpfulMin:        0.5,
		HarmlessMin:       0.55,
		WeightHelpful:     0.5,
		WeightHarmless:    0.3,
		WeightReliability: 0.2,
	}
	scorer := cafe.NewScorer(cafeCfg, nil)
	return NewEngine(propCfg, cafeCfg, store, scorer, nil), store
}

func scanEvent(id string) storagev2.LearningEvent {
	return storagev2.LearningEvent{
		ID:         id,
		TS:         time.Now(),
		Source:     "scan",
		EventType:  "scan_insight",
		Content:    "optimise X " + id,
		Novelty:    0.9,
		Value:      0.9,
		Risk:       0.1,
		Confidence: 0.9,
	}
}

func TestPriorityFormula(t *testing.T) {
	// 0.40·0.9 + 0.25·0.9 + 0.20·0.9 − 0.15·0.1 = 0.75
	assert.InDelta(t, 0.75, Priority(0.9, 0.9, 0.9, 0.1), 1e-9)
	assert.Equal(t, 0.0, Priority(0, 0, 0, 1))
	assert.Equal(t, 1.0, Priority(1, 1, 1, -10))
}

func TestRiskLevelBuckets(t *testing.T) {
	assert.Equal(t, storagev2.RiskHigh, RiskLevelFor(0.75))
	assert.Equal(t, storagev2.RiskMedium, RiskLevelFor(0.45))
	assert.Equal(t, storagev2.RiskLow, RiskLevelFor(0.44))
}

func TestGenerateHappyPathNotAutoApprovedAtHighThreshold(t *testing.T) {
	e, _ := testEngine(t, 0.82)
	created := e.GenerateFromEvents([]storagev2.LearningEvent{scanEvent("e1")}, 5, false)

	require.Len(t, created, 1)
	p := created[0]
	assert.InDelta(t, 0.75, p.Priority, 1e-9)
	assert.Equal(t, storagev2.RiskLow, p.RiskLevel)
	assert.Equal(t, storagev2.ProposalPendingApproval, p.Status)
}

func TestGenerateAutoApprovedAtLowerThreshold(t *testing.T) {
	e, _ := testEngine(t, 0.74)
	created := e.GenerateFromEvents([]storagev2.LearningEvent{scanEvent("e1")}, 5, false)

	require.Len(t, created, 1)
	assert.Equal(t, storagev2.ProposalApproved, created[0].Status)
	assert.NotNil(t, created[0].ApprovedAt)
}

func TestAutoApproveAtExactThreshold(t *testing.T) {
	// priority 0.75, threshold exactly 0.75 → approved (≥ comparison)
	e, _ := testEngine(t, 0.75)
	created := e.GenerateFromEvents([]storagev2.LearningEvent{scanEvent("e1")}, 5, false)
	require.Len(t, created, 1)
	assert.Equal(t, storagev2.ProposalApproved, created[0].Status)
}

func TestDuplicateSignatureSkipped(t *testing.T) {
	e, _ := testEngine(t, 0.82)
	ev := scanEvent("e1")
	created := e.GenerateFromEvents([]storagev2.LearningEvent{ev}, 5, false)
	require.Len(t, created, 1)

	again := e.GenerateFromEvents([]storagev2.LearningEvent{ev}, 5, false)
	assert.Empty(t, again)
}

func TestNonProductionFiltered(t *testing.T) {
	e, _ := testEngine(t, 0.82)
	ev := scanEvent("e1")
	ev.Source = "manual_test"
	ev.Stream = ""

	created := e.GenerateFromEvents([]storagev2.LearningEvent{ev}, 5, false)
	assert.Empty(t, created)

	created = e.GenerateFromEvents([]storagev2.LearningEvent{ev}, 5, true)
	assert.Len(t, created, 1)
}

func TestBlockedEventEmitsNoProposal(t *testing.T) {
	e, _ := testEngine(t, 0.82)
	ev := storagev2.LearningEvent{
		ID: "blocked", Source: "scan", EventType: "scan_insight",
		Content: "risky idea", Value: 0.9, Novelty: 0.9, Risk: 0.95, Confidence: 0.05,
	}
	created := e.GenerateFromEvents([]storagev2.LearningEvent{ev}, 5, false)
	assert.Empty(t, created)
}

func TestMarkStatusForwardOnly(t *testing.T) {
	e, store := testEngine(t, 0.74)
	created := e.GenerateFromEvents([]storagev2.LearningEvent{scanEvent("e1")}, 5, false)
	require.Len(t, created, 1)
	id := created[0].ID // approved

	require.NoError(t, e.MarkStatus(id, storagev2.ProposalExecuted, nil))
	require.NoError(t, e.MarkStatus(id, storagev2.ProposalVerified, map[string]interface{}{"verdict": "win"}))

	// back-edges rejected
	assert.Error(t, e.MarkStatus(id, storagev2.ProposalApproved, nil))
	assert.Error(t, e.MarkStatus(id, storagev2.ProposalExecuted, nil))

	p, ok := store.GetProposal(id)
	require.True(t, ok)
	assert.Equal(t, storagev2.ProposalVerified, p.Status)
	assert.Equal(t, "win", p.Metadata["verdict"])
}

func TestAutoApproveSafeSweep(t *testing.T) {
	e, store := testEngine(t, 0.99) // nothing auto-approves at create time
	events := []storagev2.LearningEvent{scanEvent("e1"), scanEvent("e2"), scanEvent("e3")}
	created := e.GenerateFromEvents(events, 5, false)
	require.Len(t, created, 3)

	approved := e.AutoApproveSafe(2, 0.7)
	assert.Len(t, approved, 2)

	doc := store.LoadProposals()
	assert.Len(t, doc.Pending, 1)
}

func TestAutoApproveSafeSkipsHighRisk(t *testing.T) {
	e, _ := testEngine(t, 0.99)
	ev := scanEvent("e1")
	ev.Risk = 0.8
	ev.Confidence = 0.95 // keep it unblocked
	created := e.GenerateFromEvents([]storagev2.LearningEvent{ev}, 5, false)
	require.Len(t, created, 1)
	require.Equal(t, storagev2.RiskHigh, created[0].RiskLevel)

	approved := e.AutoApproveSafe(5, 0.0)
	assert.Empty(t, approved)
}

func TestLegacyAutoApproveAndMigrate(t *testing.T) {
	store := storagev2.New(t.TempDir())
	brainDir := t.TempDir()
	path := V1Path(brainDir)

	doc := V1Doc{Proposals: []ProposalV1{
		{ID: "v1-a", Title: "high scorer", SourceScore: 9.0, Status: "pending", CreatedAt: time.Now()},
		{ID: "v1-b", Title: "mid scorer", SourceScore: 6.5, Status: "pending", CreatedAt: time.Now()},
		{ID: "v1-c", Title: "low scorer", SourceScore: 2.0, Status: "pending", CreatedAt: time.Now()},
	}}
	require.NoError(t, storagev2.AtomicWriteJSON(path, doc))

	// threshold 8.5: only v1-a; stagnation unblocks one more above 6.0
	approved := LegacyAutoApprove(path, 8.5, 6.0, true)
	assert.ElementsMatch(t, []string{"v1-a", "v1-b"}, approved)

	migrated := MigrateV1ToV2(path, store)
	assert.Equal(t, 3, migrated)

	// second run is idempotent
	assert.Equal(t, 0, MigrateV1ToV2(path, store))

	v2 := store.LoadProposals()
	assert.Len(t, v2.Proposals, 3)
}
