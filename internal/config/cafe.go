package config

// CAFEConfig tunes the Confidence-Aware Feedback Ensemble scorer.
type CAFEConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	ConfidenceMin     float64 `yaml:"confidence_min" json:"confidence_min"`
	HelpfulMin        float64 `yaml:"helpful_min" json:"helpful_min"`
	HarmlessMin       float64 `yaml:"harmless_min" json:"harmless_min"`
	WeightHelpful     float64 `yaml:"weight_helpful" json:"weight_helpful"`
	WeightHarmless    float64 `yaml:"weight_harmless" json:"weight_harmless"`
	WeightReliability float64 `yaml:"weight_reliability" json:"weight_reliability"`
	AllowBlocked      bool    `yaml:"allow_blocked_proposals" json:"allow_blocked_proposals"`
	CalibrationHours  float64 `yaml:"calibration_interval_hours" json:"calibration_interval_hours"`
	CalibrationMinN   int     `yaml:"calibration_min_samples" json:"calibration_min_samples"`
	BiasScale         float64 `yaml:"bias_scale" json:"bias_scale"`
	BiasCap           float64 `yaml:"bias_cap" json:"bias_cap"`
	BiasSmoothing     float64 `yaml:"bias_smoothing" json:"bias_smoothing"`
	EnableLoop        bool    `yaml:"enable_loop" json:"enable_loop"`
}

func defaultCAFEConfig() CAFEConfig {
	return CAFEConfig{
		Enabled:           true,
		ConfidenceMin:     0.6,
		HelpfulMin:        0.5,
		HarmlessMin:       0.55,
		WeightHelpful:     0.5,
		WeightHarmless:    0.3,
		WeightReliability: 0.2,
		AllowBlocked:      false,
		CalibrationHours:  6.0,
		CalibrationMinN:   8,
		BiasScale:         0.2,
		BiasCap:           0.15,
		BiasSmoothing:     0.35,
		EnableLoop:        true,
	}
}
