// internal/workers/data-access/index-trace/config.go
package indextrace

import (
	"time"

	"bnpl-copilot/internal/common/config"
)

type Config struct {
	Index       string
	Timeout     time.Duration
	DefaultSize int
	MaxSize     int
}

func LoadConfig() *Config {
	return &Config{
		Index:       "copilot-traces",
		Timeout:     3 * time.Second,
		DefaultSize: 20,
		MaxSize:     100,
	}
}

func FromElasticsearch(es config.ElasticsearchConfig) *Config {
	c := LoadConfig()
	if es.TraceIndex != "" {
		c.Index = es.TraceIndex
	}
	return c
}
