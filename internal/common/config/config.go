// internal/common/config/config.go
package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Server        ServerConfig        `mapstructure:"server"`
	Warehouse     WarehouseConfig     `mapstructure:"warehouse"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	GenAI         GenAIConfig         `mapstructure:"genai"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
	Registry      RegistryConfig      `mapstructure:"registry"`
	Alerts        AlertsConfig        `mapstructure:"alerts"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Address         string  `mapstructure:"address"`
	MetricsAddress  string  `mapstructure:"metrics_address"`
	ReadTimeout     int     `mapstructure:"read_timeout"`     // milliseconds
	WriteTimeout    int     `mapstructure:"write_timeout"`    // milliseconds
	ShutdownTimeout int     `mapstructure:"shutdown_timeout"` // milliseconds
	RateLimitRPS    float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int     `mapstructure:"rate_limit_burst"`
}

// Warehouse drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// WarehouseConfig selects the analytical store backing the data tools.
type WarehouseConfig struct {
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type SQLiteConfig struct {
	Path     string `mapstructure:"path"` // ":memory:" keeps the warehouse in process
	SeedDemo bool   `mapstructure:"seed_demo"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	RiskTTL  int    `mapstructure:"risk_ttl"` // milliseconds
}

type ElasticsearchConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Addresses  []string `mapstructure:"addresses"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	TraceIndex string   `mapstructure:"trace_index"`
}

// LLM providers.
const (
	ProviderGateway   = "gateway"
	ProviderAnthropic = "anthropic"
	ProviderNone      = "none"
)

// GenAIConfig configures the classification and narration capability.
type GenAIConfig struct {
	Provider         string  `mapstructure:"provider"`
	BaseURL          string  `mapstructure:"base_url"`
	APIKey           string  `mapstructure:"api_key"`
	Model            string  `mapstructure:"model"`
	MaxTokens        int     `mapstructure:"max_tokens"`
	Temperature      float64 `mapstructure:"temperature"`
	Timeout          int     `mapstructure:"timeout"` // milliseconds
	MaxRetries       int     `mapstructure:"max_retries"`
	BreakerFailures  int     `mapstructure:"breaker_failures"`
	BreakerOpenDelay int     `mapstructure:"breaker_open_delay"` // milliseconds
}

// PipelineConfig holds the per-turn bounds shared by every stage.
type PipelineConfig struct {
	HistoryTurns       int     `mapstructure:"history_turns"`
	MaxRows            int     `mapstructure:"max_rows"`
	HardMaxRows        int     `mapstructure:"hard_max_rows"`
	DefaultWindowDays  int     `mapstructure:"default_window_days"`
	MaxRetries         int     `mapstructure:"max_retries"`
	ToolTimeout        int     `mapstructure:"tool_timeout"`     // milliseconds
	ClassifyTimeout    int     `mapstructure:"classify_timeout"` // milliseconds
	NarrateTimeout     int     `mapstructure:"narrate_timeout"`  // milliseconds
	RequestTimeout     int     `mapstructure:"request_timeout"`  // milliseconds
	MinConfidence      float64 `mapstructure:"min_confidence"`
	RiskThreshold      float64 `mapstructure:"risk_threshold"`
	ParallelComparison bool    `mapstructure:"parallel_comparison"`
	SessionTTL         int     `mapstructure:"session_ttl"` // milliseconds
}

// RegistryConfig points at allowlist and KPI documents. Empty paths use the embedded defaults.
type RegistryConfig struct {
	AllowlistPath string `mapstructure:"allowlist_path"`
	KPIsPath      string `mapstructure:"kpis_path"`
}

type AlertsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Region   string `mapstructure:"region"`
	TopicARN string `mapstructure:"topic_arn"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
