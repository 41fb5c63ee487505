// internal/copilot/config.go
package copilot

import (
	"time"

	"bnpl-copilot/internal/common/config"
)

type Config struct {
	HistoryTurns   int
	RequestTimeout time.Duration
	SessionTTL     time.Duration
	LockStripes    int
}

func LoadConfig() *Config {
	return &Config{
		HistoryTurns:   10,
		RequestTimeout: 20 * time.Second,
		SessionTTL:     24 * time.Hour,
		LockStripes:    64,
	}
}

// FromPipeline overrides the defaults with the pipeline settings that are set.
func FromPipeline(p config.PipelineConfig) *Config {
	c := LoadConfig()
	if p.HistoryTurns > 0 {
		c.HistoryTurns = p.HistoryTurns
	}
	if p.RequestTimeout > 0 {
		c.RequestTimeout = config.GetDuration(p.RequestTimeout)
	}
	if p.SessionTTL > 0 {
		c.SessionTTL = config.GetDuration(p.SessionTTL)
	}
	return c
}
