package config

// ProposalConfig tunes the v1/v2 proposal pipelines.
type ProposalConfig struct {
	EnableV1AutoApprove    bool    `yaml:"enable_v1_auto_approve" json:"enable_v1_auto_approve"`
	V1AutoApproveScore     float64 `yaml:"v1_auto_approve_score" json:"v1_auto_approve_score"`
	EnableV2               bool    `yaml:"enable_v2" json:"enable_v2"`
	CreateThreshold        float64 `yaml:"create_threshold" json:"create_threshold"`
	AutoApproveThreshold   float64 `yaml:"auto_approve_threshold" json:"auto_approve_threshold"`
	StagnationRelaxation   float64 `yaml:"stagnation_relaxation" json:"stagnation_relaxation"`
	UnblockMinScore        float64 `yaml:"unblock_min_score" json:"unblock_min_score"`
	EnableExperimentExec   bool    `yaml:"enable_experiment_executor" json:"enable_experiment_executor"`
	MaxActionablePerCycle  int     `yaml:"max_actionable_per_cycle" json:"max_actionable_per_cycle"`
}

func defaultProposalConfig() ProposalConfig {
	return ProposalConfig{
		EnableV1AutoApprove:   true,
		V1AutoApproveScore:    8.5,
		EnableV2:              true,
		CreateThreshold:       0.62,
		AutoApproveThreshold:  0.82,
		StagnationRelaxation:  0.2,
		UnblockMinScore:       6.0,
		EnableExperimentExec:  true,
		MaxActionablePerCycle: 3,
	}
}
