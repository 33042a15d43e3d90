// Package logging also provides audit logging: a flat JSONL trail of
// decisions, actions and errors. Components such as SelfDebugger write to
// it; nothing in NEXUS reads the trail back.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType names the kind of audit event recorded.
type AuditEventType string

const (
	AuditActionDispatch   AuditEventType = "action_dispatch"
	AuditActionComplete   AuditEventType = "action_complete"
	AuditActionError      AuditEventType = "action_error"
	AuditPolicyAllow      AuditEventType = "policy_allow"
	AuditPolicyBlock      AuditEventType = "policy_block"
	AuditProposalCreated  AuditEventType = "proposal_created"
	AuditProposalApproved AuditEventType = "proposal_approved"
	AuditProposalBlocked  AuditEventType = "proposal_blocked"
	AuditExperimentStart  AuditEventType = "experiment_start"
	AuditExperimentVerdict AuditEventType = "experiment_verdict"
	AuditBanditSelect     AuditEventType = "bandit_arm_selected"
	AuditBanditDriftGuard AuditEventType = "bandit_drift_guard"
	AuditCAFEScore        AuditEventType = "cafe_score"
	AuditCycleStart       AuditEventType = "learning_cycle_start"
	AuditCycleComplete    AuditEventType = "learning_cycle_complete"
	AuditSourceScan       AuditEventType = "source_scan"
	AuditSourceError      AuditEventType = "source_error"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"`
	EventType  AuditEventType         `json:"event"`
	Category   string                 `json:"cat,omitempty"`
	RequestID  string                 `json:"req,omitempty"`
	Target     string                 `json:"target,omitempty"`
	Action     string                 `json:"action,omitempty"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"msg,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// AuditLogger writes AuditEvents scoped to a category/request.
type AuditLogger struct {
	requestID string
	category  Category
}

// InitAudit opens the audit log file; a no-op if debug mode is off.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.jsonl", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("create audit log: %w", err)
	}
	auditFile = file
	return nil
}

// CloseAudit closes the audit log file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the process-wide unscoped audit logger.
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// AuditWithRequest scopes an audit logger to a request/correlation ID.
func AuditWithRequest(requestID string) *AuditLogger {
	return &AuditLogger{requestID: requestID}
}

// AuditWithCategory scopes an audit logger to a category.
func AuditWithCategory(category Category) *AuditLogger {
	return &AuditLogger{category: category}
}

// Log appends an event to the audit trail.
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsDebugMode() || auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.RequestID == "" && a.requestID != "" {
		event.RequestID = a.requestID
	}
	if event.Category == "" && a.category != "" {
		event.Category = string(a.category)
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// ActionDispatch logs an action being handed to its handler.
func (a *AuditLogger) ActionDispatch(action, target string) {
	a.Log(AuditEvent{EventType: AuditActionDispatch, Action: action, Target: target, Success: true,
		Message: fmt.Sprintf("dispatching %s -> %s", action, target)})
}

// ActionComplete logs an action's terminal outcome.
func (a *AuditLogger) ActionComplete(action, target string, durationMs int64, success bool, errMsg string) {
	et := AuditActionComplete
	if !success {
		et = AuditActionError
	}
	a.Log(AuditEvent{EventType: et, Action: action, Target: target, Success: success, DurationMs: durationMs, Error: errMsg,
		Message: fmt.Sprintf("%s -> %s done success=%v %dms", action, target, success, durationMs)})
}

// PolicyDecision logs a PolicyGate check.
func (a *AuditLogger) PolicyDecision(action string, allowed bool, reason string) {
	et := AuditPolicyAllow
	if !allowed {
		et = AuditPolicyBlock
	}
	a.Log(AuditEvent{EventType: et, Action: action, Success: allowed,
		Fields:  map[string]interface{}{"reason": reason},
		Message: fmt.Sprintf("policy %s: %s (%s)", et, action, reason)})
}

// ProposalEvent logs a proposal lifecycle transition.
func (a *AuditLogger) ProposalEvent(eventType AuditEventType, proposalID string, score float64, success bool) {
	a.Log(AuditEvent{EventType: eventType, Target: proposalID, Success: success,
		Fields:  map[string]interface{}{"score": score},
		Message: fmt.Sprintf("proposal %s: %s score=%.3f", eventType, proposalID, score)})
}

// ExperimentEvent logs an experiment run starting or resolving.
func (a *AuditLogger) ExperimentEvent(eventType AuditEventType, runID, verdict string, success bool) {
	a.Log(AuditEvent{EventType: eventType, Target: runID, Success: success,
		Fields:  map[string]interface{}{"verdict": verdict},
		Message: fmt.Sprintf("experiment %s: run=%s verdict=%s", eventType, runID, verdict)})
}

// BanditEvent logs a policy bandit arm selection or drift-guard shrink.
func (a *AuditLogger) BanditEvent(eventType AuditEventType, arm string, value float64) {
	a.Log(AuditEvent{EventType: eventType, Target: arm, Success: true,
		Fields:  map[string]interface{}{"value": value},
		Message: fmt.Sprintf("bandit %s: arm=%s value=%.3f", eventType, arm, value)})
}

// CAFEScoreEvent logs a CAFE multi-channel score.
func (a *AuditLogger) CAFEScoreEvent(target string, confidence, helpful, harmless float64, gated bool) {
	a.Log(AuditEvent{EventType: AuditCAFEScore, Target: target, Success: !gated,
		Fields: map[string]interface{}{
			"confidence": confidence,
			"helpful":    helpful,
			"harmless":   harmless,
			"gated":      gated,
		},
		Message: fmt.Sprintf("cafe score %s: confidence=%.3f helpful=%.3f harmless=%.3f gated=%v", target, confidence, helpful, harmless, gated)})
}

// CycleEvent logs a LearningLoop cycle boundary.
func (a *AuditLogger) CycleEvent(eventType AuditEventType, cycleID string, durationMs int64) {
	a.Log(AuditEvent{EventType: eventType, Target: cycleID, Success: true, DurationMs: durationMs,
		Message: fmt.Sprintf("cycle %s: %s %dms", eventType, cycleID, durationMs)})
}

// SourceEvent logs a KnowledgeScout source scan outcome.
func (a *AuditLogger) SourceEvent(source string, success bool, findings int, errMsg string) {
	et := AuditSourceScan
	if !success {
		et = AuditSourceError
	}
	a.Log(AuditEvent{EventType: et, Target: source, Success: success, Error: errMsg,
		Fields:  map[string]interface{}{"findings": findings},
		Message: fmt.Sprintf("source scan %s: findings=%d success=%v", source, findings, success)})
}
