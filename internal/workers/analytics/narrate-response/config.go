// internal/workers/analytics/narrate-response/config.go
package narrateresponse

import (
	"time"

	"bnpl-copilot/internal/common/config"
)

type Config struct {
	NarrateTimeout time.Duration
	MaxTokens      int
	Temperature    float64
	TopN           int
	PromptRows     int
}

func LoadConfig() *Config {
	return &Config{
		NarrateTimeout: 5 * time.Second,
		MaxTokens:      700,
		Temperature:    0.2,
		TopN:           3,
		PromptRows:     40,
	}
}

// FromPipeline overrides the defaults with the pipeline settings that are set.
func FromPipeline(p config.PipelineConfig) *Config {
	c := LoadConfig()
	if p.NarrateTimeout > 0 {
		c.NarrateTimeout = config.GetDuration(p.NarrateTimeout)
	}
	return c
}
