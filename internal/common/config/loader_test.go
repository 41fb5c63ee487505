package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DriverSQLite, cfg.Warehouse.Driver)
	assert.Equal(t, 10, cfg.Pipeline.HistoryTurns)
	assert.Equal(t, 1000, cfg.Pipeline.MaxRows)
	assert.Equal(t, 30, cfg.Pipeline.DefaultWindowDays)
	assert.Equal(t, 1, cfg.Pipeline.MaxRetries)
	assert.True(t, cfg.Pipeline.ParallelComparison)
	assert.Equal(t, 24*time.Hour, GetDuration(cfg.Pipeline.SessionTTL))
	assert.Equal(t, ProviderNone, cfg.GenAI.Provider)
}

func TestLoadFromFile(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		env         map[string]string
		expectError bool
		validate    func(t *testing.T, cfg *Config)
	}{
		{
			name: "file values override defaults",
			body: `
pipeline:
  max_rows: 200
  history_turns: 4
warehouse:
  driver: sqlite
  sqlite:
    path: /tmp/bnpl.db
`,
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 200, cfg.Pipeline.MaxRows)
				assert.Equal(t, 4, cfg.Pipeline.HistoryTurns)
				assert.Equal(t, "/tmp/bnpl.db", cfg.Warehouse.SQLite.Path)
			},
		},
		{
			name: "flat env names override pipeline bounds",
			body: `pipeline: {max_rows: 200}`,
			env: map[string]string{
				"MAX_SQL_ROWS":             "50",
				"DEFAULT_TIME_WINDOW_DAYS": "7",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 50, cfg.Pipeline.MaxRows)
				assert.Equal(t, 7, cfg.Pipeline.DefaultWindowDays)
			},
		},
		{
			name: "placeholders expand from the environment",
			body: `
genai:
  provider: gateway
  base_url: ${TEST_GENAI_URL}
`,
			env: map[string]string{"TEST_GENAI_URL": "http://genai.local"},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "http://genai.local", cfg.GenAI.BaseURL)
			},
		},
		{
			name:        "unknown driver is rejected",
			body:        `warehouse: {driver: oracle}`,
			expectError: true,
		},
		{
			name:        "soft cap above hard cap is rejected",
			body:        `pipeline: {max_rows: 9000, hard_max_rows: 5000}`,
			expectError: true,
		},
		{
			name:        "gateway without base url is rejected",
			body:        `genai: {provider: gateway}`,
			expectError: true,
		},
		{
			name:        "postgres requires a user",
			body:        `warehouse: {driver: postgres, postgres: {host: db, database: bnpl}}`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := LoadFromFile(writeConfig(t, tt.body))
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.validate != nil {
				tt.validate(t, cfg)
			}
		})
	}
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
