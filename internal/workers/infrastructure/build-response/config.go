// internal/workers/infrastructure/build-response/config.go
package buildresponse

import "bnpl-copilot/internal/common/config"

type Config struct {
	AppVersion     string
	MaxKPIs        int
	MaxTableRows   int
	MaxChartPoints int
	ValidateOutput bool
}

func LoadConfig() *Config {
	return &Config{
		AppVersion:     "1.0.0",
		MaxKPIs:        8,
		MaxTableRows:   20,
		MaxChartPoints: 30,
		ValidateOutput: true,
	}
}

// FromApp stamps the running version on responses.
func FromApp(app config.AppConfig) *Config {
	c := LoadConfig()
	if app.Version != "" {
		c.AppVersion = app.Version
	}
	return c
}
