package scheduler

import (
	"path/filepath"
	"time"

	"github.com/nexus-agent/nexus/internal/storagev2"
)

// reminderNote is one line of logs/self_reminder_log.jsonl.
type reminderNote struct {
	TS      time.Time `json:"ts"`
	Message string    `json:"message"`
	Streak  int       `json:"streak,omitempty"`
}

// selfReminder appends a short note when stagnation crosses the warning
// threshold, gated by SELF_REMINDER_ENABLED.
func (ll *LearningLoop) selfReminder(message string) {
	if !ll.core.Cfg.Scheduler.SelfReminderEnabled {
		return
	}
	path := filepath.Join(ll.core.Root, ll.core.Cfg.DataDir, "logs", "self_reminder_log.jsonl")
	note := reminderNote{
		TS:      time.Now(),
		Message: message,
		Streak:  ll.stateSnapshot().NoLearningStreak,
	}
	if err := storagev2.AppendJSONL(path, &note); err != nil {
		ll.log.Error("append self reminder: %v", err)
	}
}
