// Package proposals implements the v2 proposal pipeline: converting scored
// learning events into prioritized, deduplicated improvement proposals with
// forward-only status transitions, plus the legacy v1 compatibility path.
package proposals

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-agent/nexus/internal/cafe"
	"github.com/nexus-agent/nexus/internal/config"
	"github.com/nexus-agent/nexus/internal/eventbus"
	"github.com/nexus-agent/nexus/internal/logging"
	"github.com/nexus-agent/nexus/internal/storagev2"
)

// forwardTransitions encodes the only legal status edges.
var forwardTransitions = map[string][]string{
	storagev2.ProposalPendingApproval: {storagev2.ProposalApproved, storagev2.ProposalRejected},
	storagev2.ProposalApproved:        {storagev2.ProposalExecuted, storagev2.ProposalRejected},
	storagev2.ProposalExecuted:        {storagev2.ProposalVerified, storagev2.ProposalRejected},
}

// Engine is the v2 proposal engine.
type Engine struct {
	mu     sync.Mutex
	cfg    config.ProposalConfig
	cafe   config.CAFEConfig
	store  *storagev2.Store
	scorer *cafe.Scorer
	bus    *eventbus.Bus
	log    *logging.Logger
}

// NewEngine wires the engine over its stores and scorer. bus may be nil in
// tests.
func NewEngine(cfg config.ProposalConfig, cafeCfg config.CAFEConfig, store *storagev2.Store, scorer *cafe.Scorer, bus *eventbus.Bus) *Engine {
	return &Engine{
		cfg:    cfg,
		cafe:   cafeCfg,
		store:  store,
		scorer: scorer,
		bus:    bus,
		log:    logging.Get(logging.CategoryProposal),
	}
}

// Signature computes the dedup hash over event_type, source and the first
// 160 bytes of content.
func Signature(eventType, source, content string) string {
	if len(content) > 160 {
		content = content[:160]
	}
	sum := sha256.Sum256([]byte(eventType + "|" + source + "|" + content))
	return hex.EncodeToString(sum[:])[:20]
}

// Priority blends an event's scores: 0.40·value + 0.25·novelty +
// 0.20·confidence − 0.15·risk, clamped to [0,1].
func Priority(value, novelty, confidence, risk float64) float64 {
	p := 0.40*value + 0.25*novelty + 0.20*confidence - 0.15*risk
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// RiskLevelFor buckets a risk score.
func RiskLevelFor(risk float64) string {
	switch {
	case risk >= 0.75:
		return storagev2.RiskHigh
	case risk >= 0.45:
		return storagev2.RiskMedium
	default:
		return storagev2.RiskLow
	}
}

// GenerateFromEvents converts up to limit events into new proposals.
// Non-production events are filtered unless includeNonProduction; CAFE
// blocked events are skipped unless AllowBlocked; duplicate signatures
// against non-terminal proposals are skipped. Proposals at or above the
// auto approve threshold with low/medium risk are approved immediately.
func (e *Engine) GenerateFromEvents(events []storagev2.LearningEvent, limit int, includeNonProduction bool) []storagev2.ProposalV2 {
	if limit <= 0 {
		limit = 5
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var created []storagev2.ProposalV2
	err := e.store.MutateProposals(func(doc *storagev2.ProposalsDoc) {
		active := make(map[string]bool)
		for _, p := range doc.Proposals {
			if !p.IsTerminal() {
				active[p.Signature] = true
			}
		}

		for i := range events {
			if len(created) >= limit {
				break
			}
			event := &events[i]

			if event.Stream == "" {
				event.Stream = storagev2.StreamFor(event.Source)
			}
			if event.Stream == storagev2.StreamNonProduction && !includeNonProduction {
				continue
			}

			var cafeResult storagev2.CAFEResult
			if e.scorer != nil {
				cafeResult = e.scorer.ScoreEvent(event)
				event.CAFE = &cafeResult
				if cafeResult.Blocked && !e.cafe.AllowBlocked {
					e.log.Debug("event %s blocked by cafe: %v", event.ID, cafeResult.Reasons)
					continue
				}
			}

			priority := Priority(event.Value, event.Novelty, event.Confidence, event.Risk)
			if priority < e.cfg.CreateThreshold {
				continue
			}

			sig := Signature(event.EventType, event.Source, event.Content)
			if active[sig] {
				continue
			}
			active[sig] = true

			title := event.Title
			if title == "" {
				title = truncate(event.Content, 80)
			}
			hypothesis := event.Hypothesis
			if hypothesis == "" {
				hypothesis = fmt.Sprintf("Applying the %s insight from %s improves outcomes", event.EventType, event.Source)
			}

			proposal := storagev2.ProposalV2{
				ID:             "prop-" + uuid.NewString()[:8],
				CreatedAt:      time.Now(),
				OriginEventIDs: []string{event.ID},
				Title:          title,
				Hypothesis:     hypothesis,
				PlanSteps: []string{
					"snapshot baseline health",
					"apply the change in the selected mode",
					"verify outcome against baseline",
				},
				ExpectedImpact: truncate(event.Content, 160),
				RiskLevel:      RiskLevelFor(event.Risk),
				Status:         storagev2.ProposalPendingApproval,
				Confidence:     event.Confidence,
				Priority:       priority,
				Signature:      sig,
				Metadata: map[string]interface{}{
					"source": event.Source,
					"stream": event.Stream,
				},
			}
			if event.Model != "" {
				proposal.Metadata["model"] = event.Model
			}

			if priority >= e.cfg.AutoApproveThreshold && proposal.RiskLevel != storagev2.RiskHigh {
				now := time.Now()
				proposal.Status = storagev2.ProposalApproved
				proposal.ApprovedAt = &now
			}

			doc.Proposals = append(doc.Proposals, proposal)
			if proposal.Status == storagev2.ProposalPendingApproval {
				doc.Pending = append(doc.Pending, proposal.ID)
			}
			created = append(created, proposal)
		}
	})
	if err != nil {
		e.log.Error("generate proposals: %v", err)
		return nil
	}

	for _, p := range created {
		e.emit("proposal_created", map[string]interface{}{"id": p.ID, "status": p.Status, "priority": p.Priority})
	}
	return created
}

// AutoApproveSafe is the second-pass approval sweep: approves up to limit
// pending proposals with priority ≥ minPriority and low/medium risk.
func (e *Engine) AutoApproveSafe(limit int, minPriority float64) []string {
	if limit <= 0 {
		limit = 3
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var approved []string
	err := e.store.MutateProposals(func(doc *storagev2.ProposalsDoc) {
		for i := range doc.Proposals {
			if len(approved) >= limit {
				break
			}
			p := &doc.Proposals[i]
			if p.Status != storagev2.ProposalPendingApproval {
				continue
			}
			if p.Priority < minPriority || p.RiskLevel == storagev2.RiskHigh {
				continue
			}
			now := time.Now()
			p.Status = storagev2.ProposalApproved
			p.ApprovedAt = &now
			approved = append(approved, p.ID)
		}
		doc.Pending = removePending(doc.Pending, approved)
	})
	if err != nil {
		e.log.Error("auto approve: %v", err)
		return nil
	}

	for _, id := range approved {
		e.emit("proposal_approved", map[string]interface{}{"id": id, "auto": true})
	}
	return approved
}

// MarkStatus transitions a proposal forward, rejecting back-edges. extra is
// merged into metadata.
func (e *Engine) MarkStatus(id, status string, extra map[string]interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var transitionErr error
	err := e.store.MutateProposals(func(doc *storagev2.ProposalsDoc) {
		for i := range doc.Proposals {
			p := &doc.Proposals[i]
			if p.ID != id {
				continue
			}
			if !transitionAllowed(p.Status, status) {
				transitionErr = fmt.Errorf("illegal transition %s -> %s for %s", p.Status, status, id)
				return
			}
			p.Status = status
			if status == storagev2.ProposalApproved && p.ApprovedAt == nil {
				now := time.Now()
				p.ApprovedAt = &now
			}
			if len(extra) > 0 {
				if p.Metadata == nil {
					p.Metadata = make(map[string]interface{})
				}
				for k, v := range extra {
					p.Metadata[k] = v
				}
			}
			if status != storagev2.ProposalPendingApproval {
				doc.Pending = removePending(doc.Pending, []string{id})
			}
			return
		}
		transitionErr = fmt.Errorf("proposal %s not found", id)
	})
	if err != nil {
		return err
	}
	if transitionErr == nil {
		e.emit("proposal_status", map[string]interface{}{"id": id, "status": status})
	}
	return transitionErr
}

// Annotate merges extra into a proposal's metadata without a status
// transition (used for guardrail flags on already-terminal proposals).
func (e *Engine) Annotate(id string, extra map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.store.MutateProposals(func(doc *storagev2.ProposalsDoc) {
		for i := range doc.Proposals {
			if doc.Proposals[i].ID != id {
				continue
			}
			if doc.Proposals[i].Metadata == nil {
				doc.Proposals[i].Metadata = make(map[string]interface{})
			}
			for k, v := range extra {
				doc.Proposals[i].Metadata[k] = v
			}
			return
		}
	})
	if err != nil {
		e.log.Error("annotate %s: %v", id, err)
	}
}

// Actionable returns up to limit approved proposals, highest priority first.
func (e *Engine) Actionable(limit int) []storagev2.ProposalV2 {
	doc := e.store.LoadProposals()
	var out []storagev2.ProposalV2
	for _, p := range doc.Proposals {
		if p.Status == storagev2.ProposalApproved {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Stats summarizes proposal counts by status.
func (e *Engine) Stats() map[string]int {
	doc := e.store.LoadProposals()
	stats := make(map[string]int)
	for _, p := range doc.Proposals {
		stats[p.Status]++
	}
	stats["total"] = len(doc.Proposals)
	stats["pending_list"] = len(doc.Pending)
	return stats
}

func (e *Engine) emit(eventType string, data map[string]interface{}) {
	if e.bus != nil {
		e.bus.Emit(eventType, data)
	}
}

func transitionAllowed(from, to string) bool {
	if from == to {
		return false
	}
	for _, next := range forwardTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func removePending(pending []string, ids []string) []string {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	out := pending[:0]
	for _, id := range pending {
		if !drop[id] {
			out = append(out, id)
		}
	}
	return out
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
