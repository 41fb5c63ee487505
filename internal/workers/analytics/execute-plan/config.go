// internal/workers/analytics/execute-plan/config.go
package executeplan

import (
	"time"

	"bnpl-copilot/internal/common/config"
	"bnpl-copilot/internal/models"
)

type Config struct {
	ToolTimeout        time.Duration
	ParallelComparison bool
	Workers            int
	MaxWindowDays      int
}

func LoadConfig() *Config {
	return &Config{
		ToolTimeout:        5 * time.Second,
		ParallelComparison: true,
		Workers:            8,
		MaxWindowDays:      models.MaxWindowDays,
	}
}

// FromPipeline overrides the defaults with the pipeline settings that are set.
func FromPipeline(p config.PipelineConfig) *Config {
	c := LoadConfig()
	if p.ToolTimeout > 0 {
		c.ToolTimeout = config.GetDuration(p.ToolTimeout)
	}
	c.ParallelComparison = p.ParallelComparison
	return c
}
