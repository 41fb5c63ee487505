// internal/workers/analytics/route-intent/config.go
package routeintent

import (
	"time"

	"bnpl-copilot/internal/common/config"
)

type Config struct {
	DefaultWindowDays int
	MinConfidence     float64
	ClassifyTimeout   time.Duration
}

func LoadConfig() *Config {
	return &Config{
		DefaultWindowDays: 30,
		MinConfidence:     0.6,
		ClassifyTimeout:   8 * time.Second,
	}
}

// FromPipeline overrides the defaults with the pipeline settings that are set.
func FromPipeline(p config.PipelineConfig) *Config {
	c := LoadConfig()
	if p.DefaultWindowDays > 0 {
		c.DefaultWindowDays = p.DefaultWindowDays
	}
	if p.MinConfidence > 0 {
		c.MinConfidence = p.MinConfidence
	}
	if p.ClassifyTimeout > 0 {
		c.ClassifyTimeout = config.GetDuration(p.ClassifyTimeout)
	}
	return c
}
