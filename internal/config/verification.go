package config

// VerificationConfig tunes OutcomeVerifier holdout/retry behaviour.
type VerificationConfig struct {
	HoldoutEnabled         bool    `yaml:"holdout_enabled" json:"holdout_enabled"`
	HoldoutSeconds         int     `yaml:"holdout_seconds" json:"holdout_seconds"`
	RetryIntervalSeconds   int     `yaml:"retry_interval_seconds" json:"retry_interval_seconds"`
	MaxAttempts            int     `yaml:"max_attempts" json:"max_attempts"`
	PendingConfidenceBelow float64 `yaml:"pending_confidence_below" json:"pending_confidence_below"`
}

func defaultVerificationConfig() VerificationConfig {
	return VerificationConfig{
		HoldoutEnabled:         true,
		HoldoutSeconds:         180,
		RetryIntervalSeconds:   120,
		MaxAttempts:            5,
		PendingConfidenceBelow: 0.58,
	}
}

// CanaryConfig is the normal-mode execution guardrail.
type CanaryConfig struct {
	ExecutionModeDefault  string   `yaml:"execution_mode_default" json:"execution_mode_default"` // safe | normal
	Enabled               bool     `yaml:"enabled" json:"enabled"`
	MaxPerHour            int      `yaml:"max_per_hour" json:"max_per_hour"`
	MinPriority           float64  `yaml:"min_priority" json:"min_priority"`
	AllowedRisk           []string `yaml:"allowed_risk" json:"allowed_risk"`
	CooldownSeconds       int      `yaml:"cooldown_seconds" json:"cooldown_seconds"`
}

func defaultCanaryConfig() CanaryConfig {
	return CanaryConfig{
		ExecutionModeDefault: "safe",
		Enabled:              true,
		MaxPerHour:           2,
		MinPriority:          0.9,
		AllowedRisk:          []string{"low"},
		CooldownSeconds:      3600,
	}
}
