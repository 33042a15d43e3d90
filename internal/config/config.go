// Package config holds NEXUS's statically-seeded and env-overridable
// configuration, constructed once in main and threaded through a
// core.Context rather than held as package-level mutable state.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all NEXUS configuration.
type Config struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
	DataDir string `yaml:"data_dir" json:"data_dir"`

	Execution    ExecutionConfig    `yaml:"execution" json:"execution"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
	CAFE         CAFEConfig         `yaml:"cafe" json:"cafe"`
	Proposal     ProposalConfig     `yaml:"proposal" json:"proposal"`
	Verification VerificationConfig `yaml:"verification" json:"verification"`
	Canary       CanaryConfig       `yaml:"canary" json:"canary"`
	Scheduler    SchedulerConfig    `yaml:"scheduler" json:"scheduler"`
	Debugger     DebuggerConfig     `yaml:"debugger" json:"debugger"`
	Backup       BackupConfig       `yaml:"backup" json:"backup"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit" json:"rate_limit"`

	// CacheTTLSeconds bounds the advisor query cache (integration-hub
	// equivalent); see NEXUS_CACHE_TTL.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds" json:"cache_ttl_seconds"`

	// Sources seeds the KnowledgeScout registry on first boot.
	Sources []SourceSeed `yaml:"sources" json:"sources"`
}

// SourceSeed is the static seed for a KnowledgeScout Source, loaded from
// nexus.yaml. Runtime mutations (last_scan, last_error, total_findings)
// live in the JSON state file, not here.
type SourceSeed struct {
	Name               string `yaml:"name" json:"name"`
	Category           string `yaml:"category" json:"category"`
	URL                string `yaml:"url" json:"url"`
	ScanIntervalMinutes int   `yaml:"scan_interval_minutes" json:"scan_interval_minutes"`
	ParserType         string `yaml:"parser_type" json:"parser_type"`
	Enabled            bool   `yaml:"enabled" json:"enabled"`
}

// DefaultConfig returns NEXUS's default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "nexus",
		Version: "0.1.0",
		DataDir: "data",

		Execution: ExecutionConfig{
			Mode:                 "SAFE",
			WorkspaceRoot:        "workspace",
			AllowedRoots:         []string{"workspace", "data", "src"},
			DefaultTimeoutSec:    60,
			MaxTimeoutSec:        300,
			ModeDefault:          "safe",
			EnableRealApply:      false,
			RealApplyMaxPatches:  3,
			GracefulShutdownSecs: 30,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "json",
			DebugMode: true,
		},
		CAFE:         defaultCAFEConfig(),
		Proposal:     defaultProposalConfig(),
		Verification: defaultVerificationConfig(),
		Canary:       defaultCanaryConfig(),
		Scheduler:    defaultSchedulerConfig(),
		Debugger:     defaultDebuggerConfig(),
		Backup:       defaultBackupConfig(),
		RateLimit:    defaultRateLimitConfig(),

		CacheTTLSeconds: 300,
	}
}

// Load reads a yaml seed file (if present) over the defaults, then applies
// environment variable overrides. A missing path is not an error: NEXUS
// runs on defaults alone.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("NEXUS_EXECUTION_MODE"); v != "" {
		c.Execution.Mode = strings.ToUpper(v)
	}
	if v := envInt("NEXUS_CACHE_TTL"); v != nil {
		c.CacheTTLSeconds = *v
	}
	if v := envInt("NEXUS_CYCLE_INTERVAL"); v != nil {
		c.Scheduler.CycleIntervalSeconds = *v
	}
	if v := os.Getenv("NEXUS_BACKUP_DIR"); v != "" {
		c.Backup.Dir = v
	}
	if v := envInt("NEXUS_MAX_BACKUPS"); v != nil {
		c.Backup.MaxBackups = *v
	}

	if v := envFloat("AUTO_APPROVE_PROPOSAL_SCORE"); v != nil {
		c.Proposal.V1AutoApproveScore = *v
	}
	if v := envBool("ENABLE_AUTO_APPROVE_PROPOSALS"); v != nil {
		c.Proposal.EnableV1AutoApprove = *v
	}
	if v := envBool("ENABLE_PROPOSAL_V2"); v != nil {
		c.Proposal.EnableV2 = *v
	}
	if v := envFloat("PROPOSAL_V2_CREATE_THRESHOLD"); v != nil {
		c.Proposal.CreateThreshold = *v
	}
	if v := envFloat("PROPOSAL_V2_AUTO_APPROVE_THRESHOLD"); v != nil {
		c.Proposal.AutoApproveThreshold = *v
	}
	if v := envBool("ENABLE_EXPERIMENT_EXECUTOR"); v != nil {
		c.Proposal.EnableExperimentExec = *v
	}

	if v := os.Getenv("EXECUTION_MODE_DEFAULT"); v != "" {
		c.Execution.ModeDefault = strings.ToLower(v)
		c.Canary.ExecutionModeDefault = strings.ToLower(v)
	}
	if v := envBool("ENABLE_EXECUTOR_REAL_APPLY"); v != nil {
		c.Execution.EnableRealApply = *v
	}
	if v := envInt("EXECUTOR_REAL_APPLY_MAX_PATCHES"); v != nil {
		c.Execution.RealApplyMaxPatches = *v
	}

	if v := envBool("VERIFICATION_HOLDOUT_ENABLED"); v != nil {
		c.Verification.HoldoutEnabled = *v
	}
	if v := envInt("VERIFICATION_HOLDOUT_SECONDS"); v != nil {
		c.Verification.HoldoutSeconds = *v
	}
	if v := envInt("VERIFICATION_RETRY_INTERVAL_SECONDS"); v != nil {
		c.Verification.RetryIntervalSeconds = *v
	}
	if v := envInt("VERIFICATION_MAX_ATTEMPTS"); v != nil {
		c.Verification.MaxAttempts = *v
	}

	if v := envBool("ENABLE_NORMAL_MODE_CANARY"); v != nil {
		c.Canary.Enabled = *v
	}
	if v := envInt("NORMAL_MODE_MAX_PER_HOUR"); v != nil {
		c.Canary.MaxPerHour = *v
	}
	if v := envFloat("NORMAL_MODE_MIN_PRIORITY"); v != nil {
		c.Canary.MinPriority = *v
	}
	if v := os.Getenv("NORMAL_MODE_ALLOWED_RISK"); v != "" {
		c.Canary.AllowedRisk = strings.Split(v, ",")
	}
	if v := envInt("NORMAL_MODE_COOLDOWN_SECONDS"); v != nil {
		c.Canary.CooldownSeconds = *v
	}

	if v := envBool("ENABLE_POLICY_BANDIT"); v != nil {
		c.Scheduler.EnablePolicyBandit = *v
	}
	if v := envBool("ENABLE_CAFE_LOOP"); v != nil {
		c.CAFE.EnableLoop = *v
		c.CAFE.Enabled = *v
	}
	if v := envBool("ENABLE_CAFE_CALIBRATION"); v != nil {
		// calibration reuses EnableLoop as its gate unless explicitly set
		c.CAFE.Enabled = c.CAFE.Enabled && *v
	}
	if v := envFloat("CAFE_CONFIDENCE_MIN"); v != nil {
		c.CAFE.ConfidenceMin = *v
	}
	if v := envFloat("CAFE_HELPFUL_MIN"); v != nil {
		c.CAFE.HelpfulMin = *v
	}
	if v := envFloat("CAFE_HARMLESS_MIN"); v != nil {
		c.CAFE.HarmlessMin = *v
	}
	if v := envFloat("CAFE_WEIGHT_HELPFUL"); v != nil {
		c.CAFE.WeightHelpful = *v
	}
	if v := envFloat("CAFE_WEIGHT_HARMLESS"); v != nil {
		c.CAFE.WeightHarmless = *v
	}
	if v := envFloat("CAFE_WEIGHT_RELIABILITY"); v != nil {
		c.CAFE.WeightReliability = *v
	}
	if v := envBool("CAFE_ALLOW_BLOCKED_PROPOSALS"); v != nil {
		c.CAFE.AllowBlocked = *v
	}

	if v := envInt("DEBUGGER_DECISIONS_MAX"); v != nil {
		c.Debugger.MaxDecisions = *v
	}
	if v := envInt("DEBUGGER_ACTIONS_MAX"); v != nil {
		c.Debugger.MaxActions = *v
	}
	if v := envInt("DEBUGGER_ERRORS_MAX"); v != nil {
		c.Debugger.MaxErrors = *v
	}
	if v := envInt("DEBUGGER_SESSIONS_MAX"); v != nil {
		c.Debugger.MaxSessions = *v
	}
	if v := envInt("DEBUGGER_ISSUES_MAX"); v != nil {
		c.Debugger.MaxIssues = *v
	}

	if v := envBool("SELF_REMINDER_ENABLED"); v != nil {
		c.Scheduler.SelfReminderEnabled = *v
	}
}

func envInt(name string) *int {
	raw, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return nil
	}
	return &n
}

func envFloat(name string) *float64 {
	raw, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return nil
	}
	return &f
}

func envBool(name string) *bool {
	raw, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	b := strings.ToLower(strings.TrimSpace(raw))
	v := b == "1" || b == "true" || b == "yes" || b == "y" || b == "on"
	return &v
}
