package validateresult

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	apperrors "bnpl-copilot/internal/common/errors"
	"bnpl-copilot/internal/common/logger"
	"bnpl-copilot/internal/models"
)

// ==========================
// Test Helper Functions
// ==========================

func createTestLogger(t *testing.T) logger.Logger {
	return logger.NewZapAdapter(zaptest.NewLogger(t))
}

func createHandler(t *testing.T) *Handler {
	return NewHandler(LoadConfig(), createTestLogger(t))
}

func window(start, end string) models.TimeWindow {
	s, _ := time.Parse(models.DateLayout, start)
	e, _ := time.Parse(models.DateLayout, end)
	return models.NewTimeWindow(s, e)
}

var november = window("2025-11-01", "2025-11-30")

func population(n int64) *int64 { return &n }

// merchantPlan is a dispute-rate ranking by merchant answered from the
// merchant feature table, with a detail-table fallback.
func merchantPlan() *models.Plan {
	fallback := models.ToolCall{
		Tool: models.ToolSQLQuery,
		Role: models.RolePrimary,
		Query: &models.QuerySpec{
			Table: "orders",
			Select: []models.SelectItem{
				{Alias: "merchant_id", Column: &models.ColumnRef{Table: "orders", Column: "merchant_id"}},
				{Alias: "dispute_rate", Aggregation: models.AggRate, Where: &models.QueryFilter{Ref: models.ColumnRef{Table: "orders", Column: "status"}, Values: []string{"disputed"}}},
			},
			DateColumn: &models.ColumnRef{Table: "orders", Column: "created_at"},
			Window:     november,
			GroupBy:    []models.ColumnRef{{Table: "orders", Column: "merchant_id"}},
			OrderBy:    "dispute_rate",
			Order:      models.SortDesc,
			Limit:      1000,
		},
	}
	return &models.Plan{
		ID:      "plan_m",
		Intent:  models.IntentDisputesRefunds,
		Metrics: []string{"dispute_rate"},
		Keys:    []string{"merchant_id"},
		Window:  november,
		Calls: []models.ToolCall{
			{
				Tool:     models.ToolKPIFetch,
				Role:     models.RolePrimary,
				KPI:      &models.KPIArgs{Metrics: []string{"dispute_rate"}, Window: november, GroupBy: []string{"merchant_id"}, Order: models.SortDesc, Limit: 1000},
				Fallback: &fallback,
			},
			{Tool: models.ToolTraceLog, Role: models.RoleTrace, Trace: &models.TraceArgs{Event: "plan"}},
		},
		Expect: models.Expectations{
			Columns: []string{"merchant_id", "dispute_rate"},
			Bounds:  map[string]models.Bounds{"dispute_rate": {Min: 0, Max: 1}},
		},
	}
}

func executed(rs *models.ResultSet, failures ...models.ToolFailure) *models.ExecutionResult {
	return &models.ExecutionResult{PlanID: "plan_m", Result: rs, Failures: failures}
}

func merchantRows(values ...interface{}) *models.ResultSet {
	rs := &models.ResultSet{ID: "rs_1", Columns: []string{"merchant_id", "dispute_rate"}, SourceTool: models.ToolKPIFetch, Window: november}
	for i, v := range values {
		rs.Rows = append(rs.Rows, models.Row{"merchant_id": "merchant_000" + string(rune('1'+i)), "dispute_rate": v})
	}
	rs.RowCount = len(rs.Rows)
	return rs
}

// ==========================
// Single attempt
// ==========================

func TestHandler_Execute(t *testing.T) {
	tests := []struct {
		name           string
		plan           func() *models.Plan
		exec           *models.ExecutionResult
		wantDecision   Decision
		validateOutput func(t *testing.T, out *Output)
	}{
		{
			name:         "plain result is accepted",
			plan:         merchantPlan,
			exec:         executed(merchantRows(0.05, 0.02)),
			wantDecision: DecisionAccept,
			validateOutput: func(t *testing.T, out *Output) {
				require.NotNil(t, out.Result)
				assert.Equal(t, models.StateAccepted, out.Outcome.State)
				assert.False(t, out.Outcome.LegitimateZero)
				assert.Empty(t, out.Outcome.Code)
			},
		},
		{
			name:         "zero dispute rates are a legitimate answer",
			plan:         merchantPlan,
			exec:         executed(merchantRows(0.0, 0, "0")),
			wantDecision: DecisionAccept,
			validateOutput: func(t *testing.T, out *Output) {
				assert.True(t, out.Outcome.LegitimateZero)
				assert.Equal(t, "legitimate zero", out.Outcome.Transitions[0].Reason)
			},
		},
		{
			name: "no rows over a populated denominator",
			plan: merchantPlan,
			exec: func() *models.ExecutionResult {
				rs := merchantRows()
				rs.Population = population(42)
				return executed(rs)
			}(),
			wantDecision: DecisionAccept,
			validateOutput: func(t *testing.T, out *Output) {
				assert.True(t, out.Outcome.LegitimateZero)
			},
		},
		{
			name: "no rows and no population retries wider and coarser",
			plan: merchantPlan,
			exec: func() *models.ExecutionResult {
				rs := merchantRows()
				rs.Population = population(0)
				return executed(rs)
			}(),
			wantDecision: DecisionRetry,
			validateOutput: func(t *testing.T, out *Output) {
				next := out.Retry
				require.NotNil(t, next)
				assert.Equal(t, "plan_m_r1", next.ID)
				assert.Equal(t, 1, next.Attempt)
				assert.Equal(t, "2025-10-01", next.Window.StartDate())
				assert.Equal(t, "2025-11-30", next.Window.EndDate())
				assert.Empty(t, next.Keys)
				assert.Equal(t, []string{"dispute_rate"}, next.Expect.Columns)

				primary := next.Calls[next.PrimaryIndex()]
				assert.Equal(t, models.ToolSQLQuery, primary.Tool, "kpi fetch swapped for its fallback")
				assert.Equal(t, models.RolePrimary, primary.Role)
				assert.Equal(t, []string{"dispute_rate"}, primary.Query.Aliases())
				assert.Empty(t, primary.Query.GroupBy)
				assert.Equal(t, "2025-10-01", primary.Query.Window.StartDate())
				assert.Len(t, next.Notes, 3)

				assert.Equal(t, models.StateRetrying, out.Outcome.State)
				assert.Equal(t, string(apperrors.ErrCodeEmptyResult), out.Outcome.Cause)
			},
		},
		{
			name: "null aggregate counts as empty",
			plan: merchantPlan,
			exec: executed(merchantRows(nil)),
			wantDecision: DecisionRetry,
			validateOutput: func(t *testing.T, out *Output) {
				assert.Equal(t, string(apperrors.ErrCodeEmptyResult), out.Outcome.Cause)
			},
		},
		{
			name: "missing expected column",
			plan: merchantPlan,
			exec: executed(&models.ResultSet{
				Columns: []string{"merchant_id"},
				Rows:    []models.Row{{"merchant_id": "merchant_0001"}},
			}),
			wantDecision: DecisionRetry,
			validateOutput: func(t *testing.T, out *Output) {
				assert.Equal(t, string(apperrors.ErrCodeSchemaMismatch), out.Outcome.Cause)
				assert.Equal(t, november, out.Retry.Window, "a swap alone does not widen")
				assert.Equal(t, []string{"merchant_id"}, out.Retry.Keys)
			},
		},
		{
			name:         "rate outside its bounds",
			plan:         merchantPlan,
			exec:         executed(merchantRows(0.02, 1.7)),
			wantDecision: DecisionRetry,
			validateOutput: func(t *testing.T, out *Output) {
				assert.Equal(t, string(apperrors.ErrCodeAnomalousValue), out.Outcome.Cause)
				assert.Contains(t, out.Outcome.Transitions[0].Reason, "dispute_rate")
			},
		},
		{
			name: "primary tool failure",
			plan: merchantPlan,
			exec: executed(nil, models.ToolFailure{
				CallIndex: 0, Tool: models.ToolKPIFetch, Role: models.RolePrimary,
				Code: string(apperrors.ErrCodeDataUnavailable), Message: "connection refused",
			}),
			wantDecision: DecisionRetry,
			validateOutput: func(t *testing.T, out *Output) {
				assert.Equal(t, string(apperrors.ErrCodeDataUnavailable), out.Outcome.Cause)
				assert.Equal(t, models.ToolSQLQuery, out.Retry.Calls[0].Tool)
			},
		},
		{
			name: "previous window failure is data unavailable",
			plan: func() *models.Plan {
				p := merchantPlan()
				p.Comparison = true
				p.Calls = append(p.Calls, models.ToolCall{
					Tool: models.ToolKPIFetch,
					Role: models.RolePrevious,
					KPI:  &models.KPIArgs{Metrics: []string{"dispute_rate"}, Window: november.Previous(), GroupBy: []string{"merchant_id"}},
				})
				p.Expect.Columns = append(p.Expect.Columns, "dispute_rate_previous", "dispute_rate_change")
				return p
			},
			exec: executed(merchantRows(0.05), models.ToolFailure{
				CallIndex: 2, Tool: models.ToolKPIFetch, Role: models.RolePrevious,
				Code: string(apperrors.ErrCodeDataUnavailable), Message: "connection reset",
			}),
			wantDecision: DecisionRetry,
			validateOutput: func(t *testing.T, out *Output) {
				assert.Equal(t, string(apperrors.ErrCodeDataUnavailable), out.Outcome.Cause)
				assert.Contains(t, out.Outcome.Transitions[0].Reason, "connection reset")
			},
		},
		{
			name: "nothing left to adjust",
			plan: func() *models.Plan {
				return &models.Plan{
					ID:      "plan_flat",
					Metrics: []string{"count"},
					Calls: []models.ToolCall{{
						Tool:  models.ToolSQLQuery,
						Role:  models.RolePrimary,
						Query: &models.QuerySpec{Table: "merchants", Select: []models.SelectItem{{Alias: "count", Aggregation: models.AggCount}}},
					}},
					Expect: models.Expectations{Columns: []string{"count"}},
				}
			},
			exec:         executed(&models.ResultSet{Columns: []string{"count"}}),
			wantDecision: DecisionFail,
			validateOutput: func(t *testing.T, out *Output) {
				assert.Nil(t, out.Retry)
				assert.Equal(t, models.StateFailed, out.Outcome.State)
				assert.Equal(t, string(apperrors.ErrCodeRetryExhausted), out.Outcome.Code)
				assert.Equal(t, string(apperrors.ErrCodeEmptyResult), out.Outcome.Cause)
				assert.Equal(t, 0, out.Outcome.Retries)
			},
		},
		{
			name: "failed enrichment leaves a partial answer",
			plan: func() *models.Plan {
				p := merchantPlan()
				p.Expect.Columns = append(p.Expect.Columns, "risk_score", "risk_band")
				return p
			},
			exec: executed(merchantRows(0.1), models.ToolFailure{
				CallIndex: 1, Tool: models.ToolRiskLookup, Role: models.RoleEnrichment,
				Code: string(apperrors.ErrCodeDataUnavailable), Message: "timeout",
			}),
			wantDecision: DecisionAccept,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := createHandler(t)
			plan := tt.plan()
			before := plan.Clone()

			out, err := h.Execute(context.Background(), &Input{Plan: plan, Execution: tt.exec})
			require.NoError(t, err)
			assert.Equal(t, tt.wantDecision, out.Decision)
			assert.Equal(t, before, plan, "the checked plan is never mutated")
			if tt.validateOutput != nil {
				tt.validateOutput(t, out)
			}
		})
	}
}

// ==========================
// Retry boundedness
// ==========================

func TestHandler_RetryIsBounded(t *testing.T) {
	h := createHandler(t)
	m := h.NewMachine()
	plan := merchantPlan()

	attempts := 0
	for !m.State().Terminal() {
		attempts++
		require.LessOrEqual(t, attempts, 5, "validation loop did not terminate")

		out, err := h.Execute(context.Background(), &Input{
			Plan:      plan,
			Execution: executed(merchantRows(3.5)),
			Machine:   m,
		})
		require.NoError(t, err)
		if out.Decision == DecisionRetry {
			assert.NotEqual(t, plan, out.Retry, "a retry always changes the plan")
			plan = out.Retry
		}
	}

	assert.Equal(t, 2, attempts)
	outcome := m.Outcome()
	assert.Equal(t, models.StateFailed, outcome.State)
	assert.Equal(t, 1, outcome.Retries)
	assert.Equal(t, string(apperrors.ErrCodeRetryExhausted), outcome.Code)
	assert.Equal(t, string(apperrors.ErrCodeAnomalousValue), outcome.Cause)
	assert.Len(t, outcome.Transitions, 2)
}

func TestHandler_AcceptAfterRetry(t *testing.T) {
	h := createHandler(t)
	m := h.NewMachine()

	first, err := h.Execute(context.Background(), &Input{Plan: merchantPlan(), Execution: executed(merchantRows(nil)), Machine: m})
	require.NoError(t, err)
	require.Equal(t, DecisionRetry, first.Decision)

	second, err := h.Execute(context.Background(), &Input{Plan: first.Retry, Execution: executed(merchantRows(0.04)), Machine: m})
	require.NoError(t, err)
	assert.Equal(t, DecisionAccept, second.Decision)
	assert.Equal(t, models.StateAccepted, second.Outcome.State)
	assert.Equal(t, 1, second.Outcome.Retries)

	_, err = h.Execute(context.Background(), &Input{Plan: first.Retry, Execution: executed(merchantRows(0.04)), Machine: m})
	assert.ErrorIs(t, err, ErrTerminalState)
}

func TestHandler_Execute_InvalidInput(t *testing.T) {
	h := createHandler(t)
	_, err := h.Execute(context.Background(), &Input{})
	assert.ErrorIs(t, err, ErrMissingInput)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.Execute(ctx, &Input{Plan: merchantPlan(), Execution: executed(merchantRows(0.1))})
	assert.ErrorIs(t, err, context.Canceled)
}

// ==========================
// Replanning
// ==========================

func TestReplan_ComparisonWindows(t *testing.T) {
	october := window("2025-10-01", "2025-10-31")
	plan := &models.Plan{
		ID:         "plan_c",
		Window:     november,
		Comparison: true,
		Metrics:    []string{"gmv"},
		Calls: []models.ToolCall{
			{Tool: models.ToolKPIFetch, Role: models.RolePrimary, KPI: &models.KPIArgs{Metrics: []string{"gmv"}, Window: november}},
			{Tool: models.ToolKPIFetch, Role: models.RolePrevious, KPI: &models.KPIArgs{Metrics: []string{"gmv"}, Window: october}},
		},
	}

	next, ok := Replan(plan, apperrors.ErrCodeAnomalousValue)
	require.True(t, ok)
	assert.Equal(t, "2025-10-01", next.Calls[0].KPI.Window.StartDate())
	assert.Equal(t, "2025-11-30", next.Calls[0].KPI.Window.EndDate())
	assert.Equal(t, "2025-08-01", next.Calls[1].KPI.Window.StartDate())
	assert.Equal(t, "2025-09-30", next.Calls[1].KPI.Window.EndDate())

	again, ok := Replan(next, apperrors.ErrCodeAnomalousValue)
	require.True(t, ok)
	assert.Equal(t, "plan_c_r2", again.ID)
}

// longPlan is merchantPlan over w with no detail-table fallback, so a
// retry can only widen the window.
func longPlan(w models.TimeWindow) *models.Plan {
	p := merchantPlan()
	p.Calls[0].Fallback = nil
	p.Calls[0] = p.Calls[0].WithWindow(w)
	p.Window = w
	return p
}

func TestReplan_WindowIsCapped(t *testing.T) {
	threeYears := window("2023-01-01", "2025-12-31")

	next, ok := Replan(longPlan(threeYears), apperrors.ErrCodeAnomalousValue)
	require.True(t, ok)
	assert.Equal(t, models.MaxWindowDays, next.Window.Days())
	assert.Equal(t, "2025-12-31", next.Window.EndDate())
	assert.Equal(t, next.Window, next.Calls[0].Window())

	_, ok = Replan(next, apperrors.ErrCodeAnomalousValue)
	assert.False(t, ok, "a window at the cap has nothing left to widen")

	tight, ok := ReplanWithin(longPlan(november), apperrors.ErrCodeEmptyResult, 45)
	require.True(t, ok)
	assert.Equal(t, 45, tight.Window.Days())
}

func TestHandler_WindowAtCapExhausts(t *testing.T) {
	capped := models.TrailingWindow(time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC), models.MaxWindowDays)

	out, err := createHandler(t).Execute(context.Background(), &Input{
		Plan:      longPlan(capped),
		Execution: executed(merchantRows(3.5)),
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionFail, out.Decision)
	assert.Nil(t, out.Retry)
	assert.Equal(t, models.StateFailed, out.Outcome.State)
	assert.Equal(t, string(apperrors.ErrCodeRetryExhausted), out.Outcome.Code)
	assert.Equal(t, string(apperrors.ErrCodeAnomalousValue), out.Outcome.Cause)
	assert.Equal(t, 0, out.Outcome.Retries)
}
