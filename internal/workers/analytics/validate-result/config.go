// internal/workers/analytics/validate-result/config.go
package validateresult

import (
	"bnpl-copilot/internal/common/config"
	"bnpl-copilot/internal/models"
)

type Config struct {
	MaxRetries int
	// MaxWindowDays caps widened retry windows at what the executor accepts.
	MaxWindowDays int
}

func LoadConfig() *Config {
	return &Config{MaxRetries: 1, MaxWindowDays: models.MaxWindowDays}
}

// FromPipeline overrides the defaults with the pipeline settings that are set.
func FromPipeline(p config.PipelineConfig) *Config {
	c := LoadConfig()
	if p.MaxRetries > 0 {
		c.MaxRetries = p.MaxRetries
	}
	return c
}
