// Package action implements NEXUS's typed action dispatcher: side-effectful
// operations (files, shell, HTTP, browser, git, knowledge) executed through
// the policy gate with full history and failure classification.
package action

import (
	"fmt"
	"time"
)

// Status is an action's lifecycle state. Exactly one terminal status per
// result: success, failed, or timeout.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
)

// Registered action types, the stable contract.
const (
	// file
	ActionReadFile        = "read_file"
	ActionWriteFile       = "write_file"
	ActionEditFile        = "edit_file"
	ActionDeleteFile      = "delete_file"
	ActionListDirectory   = "list_directory"
	ActionCreateDirectory = "create_directory"
	// code
	ActionRunPython = "run_python"
	ActionRunShell  = "run_shell"
	ActionRunScript = "run_script"
	// browser
	ActionOpenBrowser    = "open_browser"
	ActionNavigateURL    = "navigate_url"
	ActionTakeScreenshot = "take_screenshot"
	// http
	ActionHTTPGet   = "http_get"
	ActionHTTPPost  = "http_post"
	ActionWebSearch = "web_search"
	// system
	ActionInstallPackage = "install_package"
	ActionRunTests       = "run_tests"
	ActionGitStatus      = "git_status"
	ActionGitCommit      = "git_commit"
	// knowledge
	ActionLearnKnowledge = "learn_knowledge"
	ActionQueryKnowledge = "query_knowledge"
	ActionCreateTask     = "create_task"
	ActionAnalyzeCode    = "analyze_code"
)

// maxPersistedOutput caps the output field in the history JSONL.
const maxPersistedOutput = 2048

// Params carries an action's named parameters.
type Params map[string]interface{}

// Str returns the string parameter named key, or "".
func (p Params) Str(key string) string {
	v, _ := p[key].(string)
	return v
}

// Float returns the numeric parameter named key, or def.
func (p Params) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// Bool returns the boolean parameter named key, or def.
func (p Params) Bool(key string, def bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return def
}

// Result is the terminal record of one action execution.
type Result struct {
	ID               string                 `json:"id"`
	Type             string                 `json:"type"`
	Status           Status                 `json:"status"`
	Output           string                 `json:"output,omitempty"`
	Error            string                 `json:"error,omitempty"`
	Data             map[string]interface{} `json:"data,omitempty"`
	StartedAt        time.Time              `json:"started_at"`
	CompletedAt      time.Time              `json:"completed_at"`
	DurationMs       int64                  `json:"duration_ms"`
	PolicyBlocked    bool                   `json:"policy_blocked,omitempty"`
	ObjectiveSuccess *bool                  `json:"objective_success,omitempty"`
}

// Output is what a handler returns on completion.
type Output struct {
	Text string
	Data map[string]interface{}
}

// handlerError wraps a handler failure with a short classification.
func handlerError(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}
