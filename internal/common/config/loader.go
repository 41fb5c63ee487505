// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load reads configs/config.yaml, merges configs/config.<APP_ENVIRONMENT>.yaml
// and applies environment overrides. A missing base file is not an error.
func Load() (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")
	if root := findProjectRoot(); root != "" {
		v.AddConfigPath(filepath.Join(root, "configs"))
	}

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig() // environment overlay is optional

	return finish(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return finish(v)
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg, err := finish(newViper())
	if err != nil {
		// defaults always validate
		panic(err)
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func finish(v *viper.Viper) (*Config, error) {
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideFromEnv(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// loadEnvFile loads the first .env found between the working directory and the project root.
func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env", // tests in test/e2e/
		"../../../.env",
	}
	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// Find project root by looking for go.mod
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		strVal, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
			expanded := os.ExpandEnv(strVal)
			if expanded != strVal {
				v.Set(key, expanded)
			}
		}
	}
}

// setDefaults registers every key so AutomaticEnv can override it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "bnpl-copilot")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.metrics_address", "")
	v.SetDefault("server.read_timeout", 15000)
	v.SetDefault("server.write_timeout", 30000)
	v.SetDefault("server.shutdown_timeout", 10000)
	v.SetDefault("server.rate_limit_rps", 2.0)
	v.SetDefault("server.rate_limit_burst", 5)

	v.SetDefault("warehouse.driver", DriverSQLite)
	v.SetDefault("warehouse.sqlite.path", ":memory:")
	v.SetDefault("warehouse.sqlite.seed_demo", true)
	v.SetDefault("warehouse.postgres.host", "localhost")
	v.SetDefault("warehouse.postgres.port", 5432)
	v.SetDefault("warehouse.postgres.database", "bnpl")
	v.SetDefault("warehouse.postgres.user", "")
	v.SetDefault("warehouse.postgres.password", "")
	v.SetDefault("warehouse.postgres.sslmode", "disable")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.risk_ttl", 300000)

	v.SetDefault("elasticsearch.enabled", false)
	v.SetDefault("elasticsearch.addresses", []string{"http://localhost:9200"})
	v.SetDefault("elasticsearch.username", "")
	v.SetDefault("elasticsearch.password", "")
	v.SetDefault("elasticsearch.trace_index", "copilot-traces")

	v.SetDefault("genai.provider", ProviderNone)
	v.SetDefault("genai.base_url", "")
	v.SetDefault("genai.api_key", "")
	v.SetDefault("genai.model", "claude-sonnet-4-5")
	v.SetDefault("genai.max_tokens", 1024)
	v.SetDefault("genai.temperature", 0.0)
	v.SetDefault("genai.timeout", 10000)
	v.SetDefault("genai.max_retries", 2)
	v.SetDefault("genai.breaker_failures", 3)
	v.SetDefault("genai.breaker_open_delay", 30000)

	v.SetDefault("pipeline.history_turns", 10)
	v.SetDefault("pipeline.max_rows", 1000)
	v.SetDefault("pipeline.hard_max_rows", 5000)
	v.SetDefault("pipeline.default_window_days", 30)
	v.SetDefault("pipeline.max_retries", 1)
	v.SetDefault("pipeline.tool_timeout", 5000)
	v.SetDefault("pipeline.classify_timeout", 3000)
	v.SetDefault("pipeline.narrate_timeout", 5000)
	v.SetDefault("pipeline.request_timeout", 20000)
	v.SetDefault("pipeline.min_confidence", 0.5)
	v.SetDefault("pipeline.risk_threshold", 0.5)
	v.SetDefault("pipeline.parallel_comparison", true)
	v.SetDefault("pipeline.session_ttl", int((24 * time.Hour).Milliseconds()))

	v.SetDefault("registry.allowlist_path", "")
	v.SetDefault("registry.kpis_path", "")

	v.SetDefault("alerts.enabled", false)
	v.SetDefault("alerts.region", "us-east-1")
	v.SetDefault("alerts.topic_arn", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")
}

// overrideFromEnv honours the flat variable names operators already use.
func overrideFromEnv(cfg *Config) {
	if val := os.Getenv("MAX_SQL_ROWS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			cfg.Pipeline.MaxRows = n
		}
	}
	if val := os.Getenv("DEFAULT_TIME_WINDOW_DAYS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			cfg.Pipeline.DefaultWindowDays = n
		}
	}

	if cfg.GenAI.APIKey == "" {
		if val := os.Getenv("GENAI_API_KEY"); val != "" {
			cfg.GenAI.APIKey = val
		} else if val := os.Getenv("ANTHROPIC_API_KEY"); val != "" && cfg.GenAI.Provider == ProviderAnthropic {
			cfg.GenAI.APIKey = val
		}
	}

	if cfg.Warehouse.Postgres.User == "" {
		if val := os.Getenv("DB_USER"); val != "" {
			cfg.Warehouse.Postgres.User = val
		}
	}
	if cfg.Warehouse.Postgres.Password == "" {
		if val := os.Getenv("DB_PASSWORD"); val != "" {
			cfg.Warehouse.Postgres.Password = val
		}
	}
}

// applyDefaults repairs zero values an explicit file may have set.
func applyDefaults(cfg *Config) {
	if cfg.Warehouse.Postgres.MaxConnections == 0 {
		cfg.Warehouse.Postgres.MaxConnections = 25
	}
	if cfg.Warehouse.Postgres.MaxIdle == 0 {
		cfg.Warehouse.Postgres.MaxIdle = 5
	}
	if cfg.Warehouse.Postgres.SSLMode == "" {
		cfg.Warehouse.Postgres.SSLMode = "disable"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Pipeline.HistoryTurns <= 0 {
		cfg.Pipeline.HistoryTurns = 10
	}
	if cfg.Pipeline.MaxRows <= 0 {
		cfg.Pipeline.MaxRows = 1000
	}
	if cfg.Pipeline.HardMaxRows <= 0 {
		cfg.Pipeline.HardMaxRows = 5000
	}
	if cfg.Pipeline.DefaultWindowDays <= 0 {
		cfg.Pipeline.DefaultWindowDays = 30
	}
	if cfg.Pipeline.MaxRetries < 0 {
		cfg.Pipeline.MaxRetries = 1
	}
	if cfg.Pipeline.ToolTimeout <= 0 {
		cfg.Pipeline.ToolTimeout = 5000
	}
	if cfg.Pipeline.ClassifyTimeout <= 0 {
		cfg.Pipeline.ClassifyTimeout = 3000
	}
	if cfg.Pipeline.NarrateTimeout <= 0 {
		cfg.Pipeline.NarrateTimeout = 5000
	}
	if cfg.Pipeline.RequestTimeout <= 0 {
		cfg.Pipeline.RequestTimeout = 20000
	}

	if cfg.GenAI.Timeout == 0 {
		cfg.GenAI.Timeout = 10000
	}
	if cfg.Elasticsearch.TraceIndex == "" {
		cfg.Elasticsearch.TraceIndex = "copilot-traces"
	}
}

// validateConfig validates critical configuration fields
func validateConfig(cfg *Config) error {
	switch cfg.Warehouse.Driver {
	case DriverSQLite:
		if cfg.Warehouse.SQLite.Path == "" {
			return fmt.Errorf("warehouse.sqlite.path is required")
		}
	case DriverPostgres:
		if cfg.Warehouse.Postgres.Host == "" {
			return fmt.Errorf("warehouse.postgres.host is required")
		}
		if cfg.Warehouse.Postgres.Database == "" {
			return fmt.Errorf("warehouse.postgres.database is required")
		}
		if cfg.Warehouse.Postgres.User == "" {
			return fmt.Errorf("warehouse.postgres.user is required")
		}
	default:
		return fmt.Errorf("warehouse.driver must be %q or %q, got %q", DriverPostgres, DriverSQLite, cfg.Warehouse.Driver)
	}

	if cfg.Pipeline.MaxRows > cfg.Pipeline.HardMaxRows {
		return fmt.Errorf("pipeline.max_rows (%d) exceeds pipeline.hard_max_rows (%d)", cfg.Pipeline.MaxRows, cfg.Pipeline.HardMaxRows)
	}
	if cfg.Pipeline.MinConfidence < 0 || cfg.Pipeline.MinConfidence > 1 {
		return fmt.Errorf("pipeline.min_confidence must be within [0,1]")
	}

	switch cfg.GenAI.Provider {
	case ProviderNone, "":
	case ProviderGateway:
		if cfg.GenAI.BaseURL == "" {
			return fmt.Errorf("genai.base_url is required for the gateway provider")
		}
	case ProviderAnthropic:
	default:
		return fmt.Errorf("unknown genai.provider %q", cfg.GenAI.Provider)
	}

	if cfg.Redis.Enabled && cfg.Redis.Address == "" {
		return fmt.Errorf("redis.address is required")
	}
	if cfg.Elasticsearch.Enabled && len(cfg.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("elasticsearch.addresses is required")
	}
	if cfg.Alerts.Enabled && cfg.Alerts.TopicARN == "" {
		return fmt.Errorf("alerts.topic_arn is required")
	}
	return nil
}

// GetDuration converts milliseconds from config to time.Duration
func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}
