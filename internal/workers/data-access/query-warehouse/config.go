// internal/workers/data-access/query-warehouse/config.go
package querywarehouse

import "time"

type Config struct {
	Timeout       time.Duration
	HardMaxRows   int
	RiskCacheTTL  time.Duration
	LatestDateTTL time.Duration
}

func LoadConfig() *Config {
	return &Config{
		Timeout:       5 * time.Second,
		HardMaxRows:   5000,
		RiskCacheTTL:  15 * time.Minute,
		LatestDateTTL: 5 * time.Minute,
	}
}
