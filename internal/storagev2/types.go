// Package storagev2 owns the typed v2 learning stores: learning events,
// proposals, experiment runs, outcome evidence, and policy state, all on a
// stable JSON/JSONL file contract with atomic writes.
package storagev2

import "time"

// Stream classifies where a learning event came from.
const (
	StreamProduction    = "production"
	StreamNonProduction = "non_production"
)

// CAFEResult is the computed confidence-aware score attached to events and
// evidences. The scorer lives in internal/cafe; the record shape lives here
// because StorageV2 owns the persisted envelope.
type CAFEResult struct {
	Score         float64  `json:"score"`
	Confidence    float64  `json:"confidence"`
	Helpful       float64  `json:"helpful"`
	Harmless      float64  `json:"harmless"`
	Reliability   float64  `json:"reliability"`
	Blocked       bool     `json:"blocked"`
	Reasons       []string `json:"reasons,omitempty"`
	ModelConfBias float64  `json:"model_conf_bias"`
}

// LearningEvent is a scored observation eligible for proposal generation.
type LearningEvent struct {
	ID         string                 `json:"id"`
	TS         time.Time              `json:"ts"`
	Source     string                 `json:"source"`
	EventType  string                 `json:"event_type"`
	Content    string                 `json:"content"`
	Title      string                 `json:"title,omitempty"`
	Hypothesis string                 `json:"hypothesis,omitempty"`
	Novelty    float64                `json:"novelty"`
	Value      float64                `json:"value"`
	Risk       float64                `json:"risk"`
	Confidence float64                `json:"confidence"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Model      string                 `json:"model,omitempty"`
	Stream     string                 `json:"stream"`
	CAFE       *CAFEResult            `json:"cafe,omitempty"`
}

// Proposal status values; transitions are strictly forward.
const (
	ProposalPendingApproval = "pending_approval"
	ProposalApproved        = "approved"
	ProposalExecuted        = "executed"
	ProposalVerified        = "verified"
	ProposalRejected        = "rejected"
)

// Risk levels for a proposal.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// ProposalV2 is a candidate self-improvement change.
type ProposalV2 struct {
	ID             string                 `json:"id"`
	CreatedAt      time.Time              `json:"created_at"`
	ApprovedAt     *time.Time             `json:"approved_at,omitempty"`
	OriginEventIDs []string               `json:"origin_event_ids"`
	Title          string                 `json:"title"`
	Hypothesis     string                 `json:"hypothesis"`
	PlanSteps      []string               `json:"plan_steps"`
	ExpectedImpact string                 `json:"expected_impact"`
	RiskLevel      string                 `json:"risk_level"`
	Status         string                 `json:"status"`
	Confidence     float64                `json:"confidence"`
	Priority       float64                `json:"priority"`
	Signature      string                 `json:"signature"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// IsTerminal reports whether a proposal can no longer advance.
func (p *ProposalV2) IsTerminal() bool {
	return p.Status == ProposalVerified || p.Status == ProposalRejected
}

// Experiment modes.
const (
	ModeSafe   = "safe"
	ModeNormal = "normal"
)

// ExperimentRun is one invocation of the ExperimentExecutor on an approved
// proposal. Artifacts carry the baseline snapshot and apply results.
type ExperimentRun struct {
	ID              string                 `json:"id"`
	ProposalID      string                 `json:"proposal_id"`
	Mode            string                 `json:"mode"`
	StartedAt       time.Time              `json:"started_at"`
	FinishedAt      *time.Time             `json:"finished_at,omitempty"`
	DurationMs      int64                  `json:"duration_ms"`
	Actions         []string               `json:"actions,omitempty"`
	Artifacts       map[string]interface{} `json:"artifacts,omitempty"`
	ExecutionStatus string                 `json:"execution_status"`
	ExecutionOK     bool                   `json:"execution_success"`
	Verification    map[string]interface{} `json:"verification,omitempty"`
}

// Metrics is the before/after health snapshot compared by the verifier.
type Metrics struct {
	HealthScore        float64 `json:"health_score"`
	OpenIssues         int     `json:"open_issues"`
	TotalErrors        int     `json:"total_errors"`
	AvgDurationMs      float64 `json:"avg_duration_ms"`
	SuccessRate        float64 `json:"success_rate"`
	ProposalThroughput int     `json:"proposal_throughput"`
}

// Delta is metrics_after minus metrics_before.
type Delta struct {
	HealthScore        float64 `json:"health_score"`
	OpenIssues         int     `json:"open_issues"`
	TotalErrors        int     `json:"total_errors"`
	AvgDurationMs      float64 `json:"avg_duration_ms"`
	SuccessRate        float64 `json:"success_rate"`
	ProposalThroughput int     `json:"proposal_throughput"`
}

// Sub computes after − before.
func Sub(after, before Metrics) Delta {
	return Delta{
		HealthScore:        after.HealthScore - before.HealthScore,
		OpenIssues:         after.OpenIssues - before.OpenIssues,
		TotalErrors:        after.TotalErrors - before.TotalErrors,
		AvgDurationMs:      after.AvgDurationMs - before.AvgDurationMs,
		SuccessRate:        after.SuccessRate - before.SuccessRate,
		ProposalThroughput: after.ProposalThroughput - before.ProposalThroughput,
	}
}

// Verdict values emitted by the OutcomeVerifier.
const (
	VerdictWin          = "win"
	VerdictLoss         = "loss"
	VerdictInconclusive = "inconclusive"
)

// OutcomeEvidence is the verifier's post-run record.
type OutcomeEvidence struct {
	ID               string      `json:"id"`
	ExperimentID     string      `json:"experiment_id"`
	TS               time.Time   `json:"ts"`
	MetricsBefore    Metrics     `json:"metrics_before"`
	MetricsAfter     Metrics     `json:"metrics_after"`
	Delta            Delta       `json:"delta"`
	Verdict          string      `json:"verdict"`
	Confidence       float64     `json:"confidence"`
	Signals          []string    `json:"signals,omitempty"`
	Execution        string      `json:"execution,omitempty"`
	PendingRecheck   bool        `json:"pending_recheck,omitempty"`
	NextRecheckAfter *time.Time  `json:"next_recheck_after,omitempty"`
	Attempt          int         `json:"attempt"`
	HoldoutPending   bool        `json:"holdout_pending,omitempty"`
	RetryExhausted   bool        `json:"retry_exhausted,omitempty"`
	CAFE             *CAFEResult `json:"cafe,omitempty"`
}

// Arm holds Beta posterior parameters for one bandit arm.
type Arm struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

// Mean returns the posterior mean a/(a+b).
func (a Arm) Mean() float64 {
	total := a.A + a.B
	if total <= 0 {
		return 0.5
	}
	return a.A / total
}

// PolicyHistoryEntry records one bandit update or guard action.
type PolicyHistoryEntry struct {
	TS       time.Time              `json:"ts"`
	Verdict  string                 `json:"verdict"`
	Selected map[string]string      `json:"selected,omitempty"`
	Weight   float64                `json:"weight,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// PolicyState is the bandit's persisted posterior and selection history.
type PolicyState struct {
	Arms       map[string]map[string]Arm `json:"arms"`
	Selected   map[string]string         `json:"selected,omitempty"`
	SelectedAt *time.Time                `json:"selected_at,omitempty"`
	History    []PolicyHistoryEntry      `json:"history,omitempty"`
}

// CAFEState is the calibrator's persisted per-model-family bias map.
type CAFEState struct {
	ModelBias    map[string]float64 `json:"model_bias"`
	CalibratedAt *time.Time         `json:"calibrated_at,omitempty"`
	SampleCounts map[string]int     `json:"sample_counts,omitempty"`
}
