package storagev2

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nexus-agent/nexus/internal/logging"
)

// Store is the typed v2 persistence layer. Five files, per the stable
// contract:
//
//	memory/learning_events.jsonl       (append)
//	memory/improvement_proposals_v2.json
//	experiments/experiment_runs_v2.json
//	memory/outcome_evidence.jsonl      (append)
//	state/learning_policy_state.json
//
// plus state/cafe_state.json for the CAFE calibrator's bias map.
// All JSON writes are atomic (temp+rename); JSONL readers skip malformed
// lines. A single sync.Mutex (not re-entrant) guards the read-modify-write
// documents.
type Store struct {
	mu      sync.Mutex
	dataDir string
	log     *logging.Logger
}

// ProposalsDoc is the on-disk envelope of improvement_proposals_v2.json.
type ProposalsDoc struct {
	Proposals []ProposalV2 `json:"proposals"`
	Pending   []string     `json:"pending"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// RunsDoc is the on-disk envelope of experiment_runs_v2.json.
type RunsDoc struct {
	Runs      []ExperimentRun `json:"runs"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// New constructs a Store rooted at dataDir.
func New(dataDir string) *Store {
	return &Store{dataDir: dataDir, log: logging.Get(logging.CategoryStorage)}
}

// DataDir returns the store's root directory.
func (s *Store) DataDir() string { return s.dataDir }

func (s *Store) eventsPath() string    { return filepath.Join(s.dataDir, "memory", "learning_events.jsonl") }
func (s *Store) proposalsPath() string { return filepath.Join(s.dataDir, "memory", "improvement_proposals_v2.json") }
func (s *Store) runsPath() string      { return filepath.Join(s.dataDir, "experiments", "experiment_runs_v2.json") }
func (s *Store) evidencePath() string  { return filepath.Join(s.dataDir, "memory", "outcome_evidence.jsonl") }
func (s *Store) policyPath() string    { return filepath.Join(s.dataDir, "state", "learning_policy_state.json") }
func (s *Store) cafePath() string      { return filepath.Join(s.dataDir, "state", "cafe_state.json") }

// LockPath returns the path for a named advisory lock under state/.
func (s *Store) LockPath(name string) string {
	return filepath.Join(s.dataDir, "state", name+".lock")
}

// AppendLearningEvent appends one event, deriving its stream when unset.
func (s *Store) AppendLearningEvent(event *LearningEvent) error {
	if event.Stream == "" {
		event.Stream = StreamFor(event.Source)
	}
	if event.TS.IsZero() {
		event.TS = time.Now()
	}
	return AppendJSONL(s.eventsPath(), event)
}

// TailLearningEvents returns the last limit events in file order.
func (s *Store) TailLearningEvents(limit int) []LearningEvent {
	return DecodeLines[LearningEvent](s.eventsPath(), limit)
}

// LoadProposals reads the proposals document; a missing or corrupt file
// yields an empty document.
func (s *Store) LoadProposals() ProposalsDoc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadProposalsLocked()
}

func (s *Store) loadProposalsLocked() ProposalsDoc {
	var doc ProposalsDoc
	if _, err := ReadJSON(s.proposalsPath(), &doc); err != nil {
		s.log.Error("load proposals: %v", err)
	}
	return doc
}

// SaveProposals writes the proposals document atomically.
func (s *Store) SaveProposals(doc ProposalsDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc.UpdatedAt = time.Now()
	return AtomicWriteJSON(s.proposalsPath(), doc)
}

// MutateProposals applies fn to the loaded document under the store lock
// and persists the result.
func (s *Store) MutateProposals(fn func(*ProposalsDoc)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.loadProposalsLocked()
	fn(&doc)
	doc.UpdatedAt = time.Now()
	return AtomicWriteJSON(s.proposalsPath(), doc)
}

// GetProposal returns a copy of the proposal with id, if present.
func (s *Store) GetProposal(id string) (ProposalV2, bool) {
	doc := s.LoadProposals()
	for _, p := range doc.Proposals {
		if p.ID == id {
			return p, true
		}
	}
	return ProposalV2{}, false
}

// AddExperimentRun appends run to the runs document.
func (s *Store) AddExperimentRun(run ExperimentRun) error {
	return s.MutateRuns(func(doc *RunsDoc) {
		doc.Runs = append(doc.Runs, run)
	})
}

// UpdateExperimentRun applies fn to the run with id. Returns false when the
// run is unknown.
func (s *Store) UpdateExperimentRun(id string, fn func(*ExperimentRun)) (bool, error) {
	found := false
	err := s.MutateRuns(func(doc *RunsDoc) {
		for i := range doc.Runs {
			if doc.Runs[i].ID == id {
				fn(&doc.Runs[i])
				found = true
				return
			}
		}
	})
	return found, err
}

// MutateRuns applies fn to the runs document under the store lock.
func (s *Store) MutateRuns(fn func(*RunsDoc)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc RunsDoc
	if _, err := ReadJSON(s.runsPath(), &doc); err != nil {
		s.log.Error("load runs: %v", err)
	}
	fn(&doc)
	doc.UpdatedAt = time.Now()
	return AtomicWriteJSON(s.runsPath(), doc)
}

// GetExperimentRun returns a copy of the run with id, if present.
func (s *Store) GetExperimentRun(id string) (ExperimentRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc RunsDoc
	if _, err := ReadJSON(s.runsPath(), &doc); err != nil {
		s.log.Error("load runs: %v", err)
	}
	for _, run := range doc.Runs {
		if run.ID == id {
			return run, true
		}
	}
	return ExperimentRun{}, false
}

// AppendEvidence appends one evidence record.
func (s *Store) AppendEvidence(ev *OutcomeEvidence) error {
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}
	return AppendJSONL(s.evidencePath(), ev)
}

// TailEvidence returns the last limit evidence records in file order.
func (s *Store) TailEvidence(limit int) []OutcomeEvidence {
	return DecodeLines[OutcomeEvidence](s.evidencePath(), limit)
}

// LoadPolicyState reads the bandit posterior; a missing file yields a zero
// state for the bandit to seed.
func (s *Store) LoadPolicyState() PolicyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var state PolicyState
	if _, err := ReadJSON(s.policyPath(), &state); err != nil {
		s.log.Error("load policy state: %v", err)
	}
	return state
}

// SavePolicyState writes the bandit posterior atomically.
func (s *Store) SavePolicyState(state PolicyState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return AtomicWriteJSON(s.policyPath(), state)
}

// LoadCAFEState reads the calibrator's bias map.
func (s *Store) LoadCAFEState() CAFEState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var state CAFEState
	if _, err := ReadJSON(s.cafePath(), &state); err != nil {
		s.log.Error("load cafe state: %v", err)
	}
	if state.ModelBias == nil {
		state.ModelBias = make(map[string]float64)
	}
	return state
}

// SaveCAFEState writes the calibrator's bias map atomically.
func (s *Store) SaveCAFEState(state CAFEState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return AtomicWriteJSON(s.cafePath(), state)
}

// nonProductionExact names event sources that must not feed the production
// proposal stream.
var nonProductionExact = map[string]bool{
	"unit_test":    true,
	"manual_test":  true,
	"manual_check": true,
	"manual_boost": true,
	"demo":         true,
	"debug":        true,
	"local_debug":  true,
}

var nonProductionPrefixes = []string{
	"test_", "unit_", "manual_", "debug_", "demo_",
}

// StreamFor classifies a source name into production/non_production. An
// empty source is production.
func StreamFor(source string) string {
	lower := strings.ToLower(strings.TrimSpace(source))
	if lower == "" {
		return StreamProduction
	}
	if nonProductionExact[lower] {
		return StreamNonProduction
	}
	for _, prefix := range nonProductionPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return StreamNonProduction
		}
	}
	return StreamProduction
}
