// internal/workers/analytics/build-plan/config.go
package buildplan

import "bnpl-copilot/internal/common/config"

type Config struct {
	MaxRows           int
	HardMaxRows       int
	DefaultWindowDays int
	RiskThreshold     float64
}

func LoadConfig() *Config {
	return &Config{
		MaxRows:           1000,
		HardMaxRows:       5000,
		DefaultWindowDays: 30,
		RiskThreshold:     0.5,
	}
}

// FromPipeline overrides the defaults with the pipeline settings that are set.
func FromPipeline(p config.PipelineConfig) *Config {
	c := LoadConfig()
	if p.MaxRows > 0 {
		c.MaxRows = p.MaxRows
	}
	if p.HardMaxRows > 0 {
		c.HardMaxRows = p.HardMaxRows
	}
	if p.DefaultWindowDays > 0 {
		c.DefaultWindowDays = p.DefaultWindowDays
	}
	if p.RiskThreshold > 0 {
		c.RiskThreshold = p.RiskThreshold
	}
	return c
}
