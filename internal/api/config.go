// internal/api/config.go
package api

import (
	"time"

	"bnpl-copilot/internal/common/config"
)

type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RateLimitRPS    float64
	RateLimitBurst  int
	LimiterIdle     time.Duration
	MaxBodyBytes    int64
}

func LoadConfig() *Config {
	return &Config{
		Address:         ":8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		RateLimitRPS:    2,
		RateLimitBurst:  5,
		LimiterIdle:     10 * time.Minute,
		MaxBodyBytes:    64 << 10,
	}
}

// FromServer applies the server section over the defaults. A zero rate
// disables limiting.
func FromServer(s config.ServerConfig) *Config {
	c := LoadConfig()
	if s.Address != "" {
		c.Address = s.Address
	}
	if s.ReadTimeout > 0 {
		c.ReadTimeout = config.GetDuration(s.ReadTimeout)
	}
	if s.WriteTimeout > 0 {
		c.WriteTimeout = config.GetDuration(s.WriteTimeout)
	}
	if s.ShutdownTimeout > 0 {
		c.ShutdownTimeout = config.GetDuration(s.ShutdownTimeout)
	}
	c.RateLimitRPS = s.RateLimitRPS
	if s.RateLimitBurst > 0 {
		c.RateLimitBurst = s.RateLimitBurst
	}
	return c
}
