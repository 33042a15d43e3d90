package config

// SchedulerConfig drives LearningLoop's per-iteration cadences.
type SchedulerConfig struct {
	CycleIntervalSeconds        int     `yaml:"cycle_interval_seconds" json:"cycle_interval_seconds"`
	KnowledgeScanIntervalHours  float64 `yaml:"knowledge_scan_interval_hours" json:"knowledge_scan_interval_hours"`
	AdvancedReviewIntervalHours float64 `yaml:"advanced_review_interval_hours" json:"advanced_review_interval_hours"`
	DailyLearningIntervalHours  float64 `yaml:"daily_self_learning_interval_hours" json:"daily_self_learning_interval_hours"`
	CleanupIntervalDays         float64 `yaml:"cleanup_interval_days" json:"cleanup_interval_days"`
	MemoryRetentionDays         int     `yaml:"memory_retention_days" json:"memory_retention_days"`
	NoProgressWarnThreshold     int     `yaml:"no_progress_warn_threshold" json:"no_progress_warn_threshold"`
	SelfReminderEnabled         bool    `yaml:"self_reminder_enabled" json:"self_reminder_enabled"`
	EnablePolicyBandit          bool    `yaml:"enable_policy_bandit" json:"enable_policy_bandit"`
}

func defaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		CycleIntervalSeconds:        60,
		KnowledgeScanIntervalHours:  1,
		AdvancedReviewIntervalHours: 6,
		DailyLearningIntervalHours:  24,
		CleanupIntervalDays:         7,
		MemoryRetentionDays:         90,
		NoProgressWarnThreshold:     5,
		SelfReminderEnabled:         true,
		EnablePolicyBandit:          true,
	}
}

// DebuggerConfig caps SelfDebugger's in-memory history.
type DebuggerConfig struct {
	MaxDecisions int `yaml:"max_decisions" json:"max_decisions"`
	MaxActions   int `yaml:"max_actions" json:"max_actions"`
	MaxErrors    int `yaml:"max_errors" json:"max_errors"`
	MaxSessions  int `yaml:"max_sessions" json:"max_sessions"`
	MaxIssues    int `yaml:"max_issues" json:"max_issues"`
}

func defaultDebuggerConfig() DebuggerConfig {
	return DebuggerConfig{
		MaxDecisions: 500,
		MaxActions:   500,
		MaxErrors:    500,
		MaxSessions:  200,
		MaxIssues:    1000,
	}
}

// BackupConfig controls backup/restore CLI defaults.
type BackupConfig struct {
	Dir        string `yaml:"dir" json:"dir"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"` // 0 = unlimited
}

func defaultBackupConfig() BackupConfig {
	return BackupConfig{Dir: "data/backups", MaxBackups: 10}
}

// RateLimitConfig tunes the per-client token bucket.
type RateLimitConfig struct {
	RatePerMinute int `yaml:"rate_per_minute" json:"rate_per_minute"`
	Burst         int `yaml:"burst" json:"burst"`
}

func defaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RatePerMinute: 60, Burst: 10}
}
