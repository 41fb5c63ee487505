package executeplan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bnpl-copilot/internal/common/config"
	"bnpl-copilot/internal/common/database"
	"bnpl-copilot/internal/models"
	buildplan "bnpl-copilot/internal/workers/analytics/build-plan"
	querywarehouse "bnpl-copilot/internal/workers/data-access/query-warehouse"
	"bnpl-copilot/pkg/registry"
)

// ==========================
// Planner + warehouse over the demo data
// ==========================

func createDemoExecutor(t *testing.T) (*Handler, *buildplan.Planner) {
	store, err := database.NewSQLite(config.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, database.SeedDemo(context.Background(), store, database.DemoOptions{}))

	reg := registry.MustLoadDefault()
	wh := querywarehouse.NewHandler(&querywarehouse.Config{
		Timeout:       5 * time.Second,
		HardMaxRows:   5000,
		RiskCacheTTL:  time.Minute,
		LatestDateTTL: time.Minute,
	}, store, reg, nil, createTestLogger(t))

	h := NewHandler(createTestConfig(), reg, store.Dialect(), wh, nil, createTestLogger(t))
	t.Cleanup(h.Close)
	return h, buildplan.NewPlanner(buildplan.LoadConfig(), reg)
}

func TestDemo_PlannedExecution(t *testing.T) {
	h, planner := createDemoExecutor(t)
	threshold := 0.0

	tests := []struct {
		name           string
		entities       models.ExtractedEntities
		validateOutput func(t *testing.T, exec *models.ExecutionResult)
	}{
		{
			name: "gmv last month against the month before",
			entities: models.ExtractedEntities{
				Intent:     models.IntentGrowthAnalytics,
				Metrics:    []string{"gmv"},
				TimeWindow: november,
				Comparison: true,
			},
			validateOutput: func(t *testing.T, exec *models.ExecutionResult) {
				require.NotNil(t, exec.Result)
				require.Len(t, exec.Result.Rows, 1)
				row := exec.Result.Rows[0]
				cur, ok := models.AsFloat(row["gmv"])
				require.True(t, ok)
				prev, ok := models.AsFloat(row["gmv_previous"])
				require.True(t, ok)
				assert.Greater(t, cur, 0.0)
				assert.Greater(t, prev, 0.0)
				assert.InDelta(t, cur-prev, row["gmv_change"], 1e-6)
			},
		},
		{
			name: "merchant dispute ranking",
			entities: models.ExtractedEntities{
				Intent:     models.IntentDisputesRefunds,
				Metrics:    []string{"dispute_rate"},
				TimeWindow: november,
				GroupBy:    []string{"merchant_id"},
				Order:      models.SortDesc,
			},
			validateOutput: func(t *testing.T, exec *models.ExecutionResult) {
				require.NotNil(t, exec.Result)
				require.NotEmpty(t, exec.Result.Rows)
				var last float64 = 2
				for _, row := range exec.Result.Rows {
					v, ok := models.AsFloat(row["dispute_rate"])
					require.True(t, ok)
					assert.LessOrEqual(t, v, last)
					assert.GreaterOrEqual(t, v, 0.0)
					last = v
				}
			},
		},
		{
			name: "risky users",
			entities: models.ExtractedEntities{
				Intent:          models.IntentRisk,
				Subject:         models.SubjectUsers,
				TimeWindow:      november,
				WindowDefaulted: true,
				RiskThreshold:   &threshold,
			},
			validateOutput: func(t *testing.T, exec *models.ExecutionResult) {
				require.NotNil(t, exec.Result)
				assert.Contains(t, exec.ToolsUsed, models.ToolRiskLookup)
				assert.True(t, exec.Result.HasColumn(models.ColumnRiskScore))
				require.NotNil(t, exec.Result.Population)
				assert.Greater(t, *exec.Result.Population, int64(0))
				last := 1.0
				for _, row := range exec.Result.Rows {
					v, ok := models.AsFloat(row[models.ColumnRiskScore])
					require.True(t, ok)
					assert.LessOrEqual(t, v, last)
					last = v
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := planner.Plan(tt.entities)
			require.False(t, plan.Unanswerable, plan.Reason)

			out, err := h.Execute(context.Background(), &Input{Plan: plan})
			require.NoError(t, err)
			assert.Empty(t, out.Execution.Failures)
			tt.validateOutput(t, out.Execution)
		})
	}
}
