// Package debugger implements NEXUS's self-observation layer: a decision/
// action/error log with anomaly detection, a deduplicating open-issue store,
// and the health report the rest of the control plane steers by.
package debugger

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-agent/nexus/internal/config"
	"github.com/nexus-agent/nexus/internal/eventbus"
	"github.com/nexus-agent/nexus/internal/logging"
	"github.com/nexus-agent/nexus/internal/storagev2"
)

// Issue types and severities.
const (
	IssuePerformance = "performance"
	IssueError       = "error"
	IssueQuality     = "quality"
	IssueBehavior    = "behavior"
	IssueResource    = "resource"

	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// duplicate issues within this window are merged instead of re-created.
const issueMergeWindow = 30 * time.Minute

// expectedRepeating actions are exempt from the infinite-loop detector.
var expectedRepeating = map[string]bool{
	"iteration":          true,
	"heartbeat":          true,
	"ping":               true,
	"poll":               true,
	"health_check":       true,
	"knowledge_scan":     true,
	"save_state":         true,
	"check_improvements": true,
}

// Decision is one logged decision.
type Decision struct {
	TS        time.Time `json:"ts"`
	Agent     string    `json:"agent"`
	Decision  string    `json:"decision"`
	Reasoning string    `json:"reasoning,omitempty"`
}

// ActionLog is one logged action execution.
type ActionLog struct {
	TS         time.Time `json:"ts"`
	Agent      string    `json:"agent"`
	ActionType string    `json:"action_type"`
	DurationMs float64   `json:"duration_ms"`
	Success    bool      `json:"success"`
	Detail     string    `json:"detail,omitempty"`
}

// ErrorLog is one logged error.
type ErrorLog struct {
	TS        time.Time `json:"ts"`
	Agent     string    `json:"agent"`
	ErrorType string    `json:"error_type"`
	Message   string    `json:"message"`
}

// Metric is one logged metric observation.
type Metric struct {
	TS    time.Time `json:"ts"`
	Name  string    `json:"name"`
	Value float64   `json:"value"`
	Agent string    `json:"agent,omitempty"`
}

// Issue is an open or resolved self-diagnosed problem.
type Issue struct {
	ID              string     `json:"id"`
	Timestamp       time.Time  `json:"timestamp"`
	Type            string     `json:"type"`
	Severity        string     `json:"severity"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	AffectedAgent   string     `json:"affected_agent,omitempty"`
	Status          string     `json:"status"` // open | resolved
	OccurrenceCount int        `json:"occurrence_count"`
	LastSeen        time.Time  `json:"last_seen"`
	FixProposal     string     `json:"fix_proposal,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

// SessionStats summarizes one debugger session at end.
type SessionStats struct {
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	Decisions     int       `json:"decisions"`
	Actions       int       `json:"actions"`
	Errors        int       `json:"errors"`
	ErrorRate     float64   `json:"error_rate"`
	SuccessRate   float64   `json:"success_rate"`
	AvgDurationMs float64   `json:"avg_duration_ms"`
}

// HealthReport is the computed health snapshot.
type HealthReport struct {
	HealthScore float64        `json:"health_score"`
	Status      string         `json:"status"` // healthy | degraded | critical
	OpenIssues  int            `json:"open_issues"`
	BySeverity  map[string]int `json:"by_severity"`
	TotalErrors int            `json:"total_errors"`
	GeneratedAt time.Time      `json:"generated_at"`
}

type issuesDoc struct {
	Issues   []Issue `json:"issues"`
	Resolved []Issue `json:"resolved"`
}

type sessionDoc struct {
	Sessions []SessionStats `json:"sessions"`
}

// Debugger is the self-observation singleton, constructed once in main and
// threaded through the core context. All methods are goroutine-safe.
type Debugger struct {
	mu       sync.Mutex
	cfg      config.DebuggerConfig
	brainDir string
	bus      *eventbus.Bus
	log      *logging.Logger
	audit    *logging.AuditLogger

	sessionStart time.Time
	decisions    []Decision
	actions      []ActionLog
	errors       []ErrorLog
	metrics      []Metric
	issues       []Issue
	resolved     []Issue
}

// New loads persisted issues and opens a fresh session. bus may be nil.
func New(cfg config.DebuggerConfig, brainDir string, bus *eventbus.Bus, audit *logging.AuditLogger) *Debugger {
	d := &Debugger{
		cfg:          cfg,
		brainDir:     brainDir,
		bus:          bus,
		log:          logging.Get(logging.CategoryDebugger),
		audit:        audit,
		sessionStart: time.Now(),
	}
	var doc issuesDoc
	if _, err := storagev2.ReadJSON(d.issuesPath(), &doc); err == nil {
		d.issues = doc.Issues
		d.resolved = doc.Resolved
	}
	return d
}

func (d *Debugger) issuesPath() string  { return filepath.Join(d.brainDir, "issues.json") }
func (d *Debugger) sessionPath() string { return filepath.Join(d.brainDir, "decision_log.json") }

// LogDecision records one decision.
func (d *Debugger) LogDecision(agent, decision, reasoning string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decisions = append(d.decisions, Decision{TS: time.Now(), Agent: agent, Decision: bound(decision, 500), Reasoning: bound(reasoning, 1000)})
	d.decisions = capTail(d.decisions, d.cfg.MaxDecisions)
	if d.audit != nil {
		d.audit.Log(logging.AuditEvent{
			EventType: logging.AuditActionDispatch,
			Action:    "decision",
			Target:    agent,
			Success:   true,
			Message:   decision,
		})
	}
}

// LogAction records one action execution and runs anomaly detection.
func (d *Debugger) LogAction(agent, actionType string, durationMs float64, success bool, detail string) {
	d.mu.Lock()
	d.actions = append(d.actions, ActionLog{TS: time.Now(), Agent: agent, ActionType: actionType, DurationMs: durationMs, Success: success, Detail: bound(detail, 500)})
	d.actions = capTail(d.actions, d.cfg.MaxActions)
	d.mu.Unlock()

	d.checkActionAnomalies(agent, actionType, durationMs)
}

// LogError records one error and runs recurring-pattern detection.
func (d *Debugger) LogError(agent, errorType, message string) {
	d.mu.Lock()
	d.errors = append(d.errors, ErrorLog{TS: time.Now(), Agent: agent, ErrorType: errorType, Message: bound(message, 1000)})
	d.errors = capTail(d.errors, d.cfg.MaxErrors)
	d.mu.Unlock()

	if d.audit != nil {
		d.audit.Log(logging.AuditEvent{
			EventType: logging.AuditActionError,
			Action:    errorType,
			Target:    agent,
			Error:     message,
		})
	}
	d.checkErrorPatterns(agent, errorType)
}

// LogMetric records one metric observation and checks thresholds.
func (d *Debugger) LogMetric(name string, value float64, agent string) {
	d.mu.Lock()
	d.metrics = append(d.metrics, Metric{TS: time.Now(), Name: name, Value: value, Agent: agent})
	d.metrics = capTail(d.metrics, d.cfg.MaxActions)
	d.mu.Unlock()

	d.checkMetricThresholds(name, value, agent)
}

func (d *Debugger) checkActionAnomalies(agent, actionType string, durationMs float64) {
	switch {
	case durationMs >= 120_000:
		d.RaiseIssue(IssuePerformance, SeverityCritical,
			fmt.Sprintf("Very slow action: %s", actionType),
			fmt.Sprintf("%s took %.0f ms", actionType, durationMs), agent,
			"investigate timeout budget or split the action")
	case durationMs >= 60_000:
		d.RaiseIssue(IssuePerformance, SeverityMedium,
			fmt.Sprintf("Slow action: %s", actionType),
			fmt.Sprintf("%s took %.0f ms", actionType, durationMs), agent, "")
	}

	if expectedRepeating[actionType] {
		return
	}

	d.mu.Lock()
	window := d.actions
	if len(window) > 20 {
		window = window[len(window)-20:]
	}
	repeats := 0
	for _, a := range window {
		if a.ActionType == actionType && a.Agent == agent {
			repeats++
		}
	}
	d.mu.Unlock()

	if repeats >= 5 {
		d.RaiseIssue(IssueBehavior, SeverityHigh,
			fmt.Sprintf("Possible infinite loop: %s", actionType),
			fmt.Sprintf("%s repeated %d times within the last 20 actions", actionType, repeats), agent,
			"add a loop breaker or backoff for this action")
	}
}

func (d *Debugger) checkMetricThresholds(name string, value float64, agent string) {
	switch name {
	case "quality_score":
		if value < 4 {
			d.RaiseIssue(IssueQuality, SeverityCritical, "Quality score critically low",
				fmt.Sprintf("quality_score=%.2f", value), agent, "")
		} else if value < 6 {
			d.RaiseIssue(IssueQuality, SeverityMedium, "Quality score low",
				fmt.Sprintf("quality_score=%.2f", value), agent, "")
		}
	case "error_rate":
		if value > 0.10 {
			d.RaiseIssue(IssueError, SeverityCritical, "Error rate above threshold",
				fmt.Sprintf("error_rate=%.3f", value), agent, "")
		}
	}
}

func (d *Debugger) checkErrorPatterns(agent, errorType string) {
	d.mu.Lock()
	window := d.errors
	if len(window) > 10 {
		window = window[len(window)-10:]
	}
	count := 0
	for _, e := range window {
		if e.ErrorType == errorType {
			count++
		}
	}
	d.mu.Unlock()

	if count >= 3 {
		d.RaiseIssue(IssueError, SeverityHigh,
			fmt.Sprintf("Recurring error: %s", errorType),
			fmt.Sprintf("%s occurred %d times in the last 10 errors", errorType, count), agent,
			"learn a failure pattern and adjust retry strategy")
		if d.bus != nil {
			d.bus.Emit("learn_pattern", map[string]interface{}{
				"kind":       "failure_pattern",
				"error_type": errorType,
				"agent":      agent,
			})
		}
	}
}

// RaiseIssue creates an issue, merging into an open duplicate (same type,
// title, agent) seen within the merge window.
func (d *Debugger) RaiseIssue(issueType, severity, title, description, agent, fixProposal string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for i := range d.issues {
		issue := &d.issues[i]
		if issue.Status == "open" && issue.Type == issueType && issue.Title == title && issue.AffectedAgent == agent &&
			now.Sub(issue.LastSeen) <= issueMergeWindow {
			issue.OccurrenceCount++
			issue.LastSeen = now
			d.persistIssuesLocked()
			return issue.ID
		}
	}

	issue := Issue{
		ID:              "issue-" + uuid.NewString()[:8],
		Timestamp:       now,
		Type:            issueType,
		Severity:        severity,
		Title:           title,
		Description:     bound(description, 1000),
		AffectedAgent:   agent,
		Status:          "open",
		OccurrenceCount: 1,
		LastSeen:        now,
		FixProposal:     fixProposal,
	}
	d.issues = append(d.issues, issue)
	d.issues = capTail(d.issues, d.cfg.MaxIssues)
	d.persistIssuesLocked()

	if d.bus != nil {
		go d.bus.Emit("issue_raised", map[string]interface{}{"id": issue.ID, "severity": severity, "type": issueType})
	}
	d.log.Warn("issue raised [%s/%s]: %s", issueType, severity, title)
	return issue.ID
}

// ResolveIssue marks an open issue resolved.
func (d *Debugger) ResolveIssue(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range d.issues {
		if d.issues[i].ID == id && d.issues[i].Status == "open" {
			now := time.Now()
			d.issues[i].Status = "resolved"
			d.issues[i].ResolvedAt = &now
			d.resolved = append(d.resolved, d.issues[i])
			d.issues = append(d.issues[:i], d.issues[i+1:]...)
			d.resolved = capTail(d.resolved, d.cfg.MaxIssues)
			d.persistIssuesLocked()
			return true
		}
	}
	return false
}

// OpenIssues returns a copy of the open issue list.
func (d *Debugger) OpenIssues() []Issue {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Issue, len(d.issues))
	copy(out, d.issues)
	return out
}

// GetHealthReport computes health_score = 100 − 20·critical − 10·high −
// 5·medium and buckets the status.
func (d *Debugger) GetHealthReport() HealthReport {
	d.mu.Lock()
	defer d.mu.Unlock()

	bySeverity := make(map[string]int)
	for _, issue := range d.issues {
		bySeverity[issue.Severity]++
	}

	score := 100.0 - 20*float64(bySeverity[SeverityCritical]) - 10*float64(bySeverity[SeverityHigh]) - 5*float64(bySeverity[SeverityMedium])
	if score < 0 {
		score = 0
	}

	status := "critical"
	switch {
	case score >= 80:
		status = "healthy"
	case score >= 50:
		status = "degraded"
	}

	return HealthReport{
		HealthScore: score,
		Status:      status,
		OpenIssues:  len(d.issues),
		BySeverity:  bySeverity,
		TotalErrors: len(d.errors),
		GeneratedAt: time.Now(),
	}
}

// HealthMetrics exposes the debugger's portion of the verifier's metric
// snapshot.
func (d *Debugger) HealthMetrics() (healthScore float64, openIssues, totalErrors int) {
	report := d.GetHealthReport()
	return report.HealthScore, report.OpenIssues, report.TotalErrors
}

// RecentStats aggregates the current session's action statistics.
func (d *Debugger) RecentStats() SessionStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statsLocked()
}

func (d *Debugger) statsLocked() SessionStats {
	stats := SessionStats{
		StartedAt: d.sessionStart,
		EndedAt:   time.Now(),
		Decisions: len(d.decisions),
		Actions:   len(d.actions),
		Errors:    len(d.errors),
	}
	if stats.Actions > 0 {
		var totalMs float64
		successes := 0
		for _, a := range d.actions {
			totalMs += a.DurationMs
			if a.Success {
				successes++
			}
		}
		stats.AvgDurationMs = totalMs / float64(stats.Actions)
		stats.SuccessRate = float64(successes) / float64(stats.Actions)
		stats.ErrorRate = float64(stats.Errors) / float64(stats.Actions)
	}
	return stats
}

// EndSession computes final stats, appends the session to the decision log,
// and resets the in-memory buffers.
func (d *Debugger) EndSession() SessionStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := d.statsLocked()

	var doc sessionDoc
	if _, err := storagev2.ReadJSON(d.sessionPath(), &doc); err != nil {
		d.log.Error("load sessions: %v", err)
	}
	doc.Sessions = append(doc.Sessions, stats)
	doc.Sessions = capTail(doc.Sessions, d.cfg.MaxSessions)
	if err := storagev2.AtomicWriteJSON(d.sessionPath(), doc); err != nil {
		d.log.Error("save sessions: %v", err)
	}

	d.decisions = nil
	d.actions = nil
	d.errors = nil
	d.metrics = nil
	d.sessionStart = time.Now()
	return stats
}

func (d *Debugger) persistIssuesLocked() {
	doc := issuesDoc{Issues: d.issues, Resolved: d.resolved}
	if err := storagev2.AtomicWriteJSON(d.issuesPath(), doc); err != nil {
		d.log.Error("save issues: %v", err)
	}
}

func bound(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func capTail[T any](s []T, max int) []T {
	if max > 0 && len(s) > max {
		return append([]T(nil), s[len(s)-max:]...)
	}
	return s
}

// SubscribeToBus wires the debugger to action/error events emitted by the
// executor and loop, so components don't need a direct handle on it.
func (d *Debugger) SubscribeToBus() {
	if d.bus == nil {
		return
	}
	d.bus.Subscribe("action_completed", func(ev eventbus.Event) {
		agent, _ := ev.Data["agent"].(string)
		actionType, _ := ev.Data["action_type"].(string)
		durationMs, _ := ev.Data["duration_ms"].(float64)
		success, _ := ev.Data["success"].(bool)
		if agent == "" {
			agent = "executor"
		}
		d.LogAction(agent, actionType, durationMs, success, "")
	})
	d.bus.Subscribe("action_error", func(ev eventbus.Event) {
		agent, _ := ev.Data["agent"].(string)
		errorType, _ := ev.Data["error_type"].(string)
		message, _ := ev.Data["message"].(string)
		if agent == "" {
			agent = "executor"
		}
		d.LogError(agent, errorType, message)
	})
}

// Summary returns counts for the system-overview endpoint.
func (d *Debugger) Summary() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]interface{}{
		"decisions":   len(d.decisions),
		"actions":     len(d.actions),
		"errors":      len(d.errors),
		"open_issues": len(d.issues),
		"resolved":    len(d.resolved),
		"session_age": strings.TrimSpace(time.Since(d.sessionStart).Round(time.Second).String()),
	}
}
