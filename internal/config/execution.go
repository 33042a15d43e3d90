package config

// ExecutionConfig configures ActionExecutor/ExperimentExecutor run modes.
type ExecutionConfig struct {
	Mode                 string   `yaml:"mode" json:"mode,omitempty"` // FULL_AUTO | SAFE
	WorkspaceRoot        string   `yaml:"workspace_root" json:"workspace_root,omitempty"`
	AllowedRoots         []string `yaml:"allowed_roots" json:"allowed_roots,omitempty"`
	DefaultTimeoutSec    int      `yaml:"default_timeout_sec" json:"default_timeout_sec,omitempty"`
	MaxTimeoutSec        int      `yaml:"max_timeout_sec" json:"max_timeout_sec,omitempty"`
	ModeDefault          string   `yaml:"mode_default" json:"mode_default,omitempty"` // safe | normal
	EnableRealApply      bool     `yaml:"enable_real_apply" json:"enable_real_apply,omitempty"`
	RealApplyMaxPatches  int      `yaml:"real_apply_max_patches" json:"real_apply_max_patches,omitempty"`
	GracefulShutdownSecs int      `yaml:"graceful_shutdown_secs" json:"graceful_shutdown_secs,omitempty"`
}
