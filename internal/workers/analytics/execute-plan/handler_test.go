package executeplan

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bnpl-copilot/internal/common/database"
	apperrors "bnpl-copilot/internal/common/errors"
	"bnpl-copilot/internal/common/logger"
	"bnpl-copilot/internal/models"
	"bnpl-copilot/pkg/registry"
)

// ==========================
// Mock Implementations
// ==========================

type MockWarehouse struct {
	mock.Mock
}

func (m *MockWarehouse) FetchKPI(ctx context.Context, args models.KPIArgs) (*models.ResultSet, error) {
	a := m.Called(ctx, args)
	if a.Get(0) == nil {
		return nil, a.Error(1)
	}
	return a.Get(0).(*models.ResultSet), a.Error(1)
}

func (m *MockWarehouse) RunQuery(ctx context.Context, spec models.QuerySpec) (*models.ResultSet, error) {
	a := m.Called(ctx, spec)
	if a.Get(0) == nil {
		return nil, a.Error(1)
	}
	return a.Get(0).(*models.ResultSet), a.Error(1)
}

func (m *MockWarehouse) LookupRisk(ctx context.Context, userIDs []string, minScore float64, limit int) (*models.ResultSet, error) {
	a := m.Called(ctx, userIDs, minScore, limit)
	if a.Get(0) == nil {
		return nil, a.Error(1)
	}
	return a.Get(0).(*models.ResultSet), a.Error(1)
}

type MockTraceSink struct {
	mock.Mock
}

func (m *MockTraceSink) Record(ctx context.Context, record models.TraceRecord) error {
	return m.Called(ctx, record).Error(0)
}

// ==========================
// Test Helper Functions
// ==========================

func createTestLogger(t *testing.T) logger.Logger {
	return logger.NewZapAdapter(zaptest.NewLogger(t))
}

func createTestConfig() *Config {
	return &Config{
		ToolTimeout:        time.Second,
		ParallelComparison: true,
		Workers:            2,
		MaxWindowDays:      1830,
	}
}

func createHandler(t *testing.T, config *Config, wh Warehouse, sink TraceSink) *Handler {
	h := NewHandler(config, registry.MustLoadDefault(), database.DialectPostgres, wh, sink, createTestLogger(t))
	h.WithClock(clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)))
	t.Cleanup(h.Close)
	return h
}

func window(start, end string) models.TimeWindow {
	s, _ := time.Parse(models.DateLayout, start)
	e, _ := time.Parse(models.DateLayout, end)
	return models.NewTimeWindow(s, e)
}

var (
	november = window("2025-11-01", "2025-11-30")
	october  = window("2025-10-01", "2025-10-31")
)

func kpiCall(metric string, w models.TimeWindow, role models.CallRole, groupBy ...string) models.ToolCall {
	return models.ToolCall{
		Tool: models.ToolKPIFetch,
		Role: role,
		KPI:  &models.KPIArgs{Metrics: []string{metric}, Window: w, GroupBy: groupBy, Limit: 100},
	}
}

func traceCall() models.ToolCall {
	return models.ToolCall{Tool: models.ToolTraceLog, Role: models.RoleTrace, Trace: &models.TraceArgs{Event: "plan"}}
}

func schemaCall(tables ...string) models.ToolCall {
	return models.ToolCall{Tool: models.ToolSchemaLookup, Role: models.RoleSchema, Schema: &models.SchemaArgs{Tables: tables}}
}

func usersListing() models.ToolCall {
	q := models.QuerySpec{
		Table: "users",
		Select: []models.SelectItem{
			{Alias: "user_id", Column: &models.ColumnRef{Table: "users", Column: "user_id"}},
			{Alias: "city", Column: &models.ColumnRef{Table: "users", Column: "city"}},
		},
		Filters: []models.QueryFilter{{Ref: models.ColumnRef{Table: "users", Column: "city"}, Values: []string{"Casablanca"}}},
		OrderBy: "user_id",
		Order:   models.SortAsc,
		Limit:   100,
	}
	return models.ToolCall{Tool: models.ToolSQLQuery, Role: models.RolePrimary, Query: &q}
}

func resultSet(tool models.ToolKind, columns []string, rows ...models.Row) *models.ResultSet {
	return &models.ResultSet{
		ID:         "rs_fixture",
		Columns:    columns,
		Rows:       rows,
		RowCount:   len(rows),
		SourceTool: tool,
	}
}

func inWindow(w models.TimeWindow) interface{} {
	return mock.MatchedBy(func(args models.KPIArgs) bool {
		return args.Window.StartDate() == w.StartDate() && args.Window.EndDate() == w.EndDate()
	})
}

func riskPlan(threshold float64) *models.Plan {
	from := 0
	return &models.Plan{
		ID:     "plan_risk",
		Intent: models.IntentRisk,
		Keys:   []string{"user_id"},
		Calls: []models.ToolCall{
			usersListing(),
			{Tool: models.ToolRiskLookup, Role: models.RoleEnrichment, Risk: &models.RiskArgs{FromCall: &from, MinScore: threshold, Limit: 100}},
			traceCall(),
		},
	}
}

// ==========================
// Comparison Tests
// ==========================

func TestHandler_Execute_Comparison(t *testing.T) {
	for _, parallel := range []bool{true, false} {
		name := "sequential"
		if parallel {
			name = "parallel"
		}
		t.Run(name, func(t *testing.T) {
			wh := new(MockWarehouse)
			wh.On("FetchKPI", mock.Anything, inWindow(november)).
				Return(resultSet(models.ToolKPIFetch, []string{"gmv"}, models.Row{"gmv": 1200.0}), nil).Once()
			wh.On("FetchKPI", mock.Anything, inWindow(october)).
				Return(resultSet(models.ToolKPIFetch, []string{"gmv"}, models.Row{"gmv": 1000.0}), nil).Once()
			sink := new(MockTraceSink)
			sink.On("Record", mock.Anything, mock.MatchedBy(func(r models.TraceRecord) bool {
				return r.Event == models.TraceExecutionComplete && r.ResultSummary.Rows == 1 && r.SessionID == "sess_1"
			})).Return(nil).Once()

			config := createTestConfig()
			config.ParallelComparison = parallel
			h := createHandler(t, config, wh, sink)

			plan := &models.Plan{
				ID:         "plan_cmp",
				Intent:     models.IntentGrowthAnalytics,
				Comparison: true,
				Metrics:    []string{"gmv"},
				Calls: []models.ToolCall{
					kpiCall("gmv", november, models.RolePrimary),
					kpiCall("gmv", october, models.RolePrevious),
					traceCall(),
				},
			}
			out, err := h.Execute(context.Background(), &Input{Plan: plan, SessionID: "sess_1", TurnID: "turn_1"})
			require.NoError(t, err)

			exec := out.Execution
			require.NotNil(t, exec.Result)
			assert.Equal(t, "plan_cmp", exec.PlanID)
			assert.Empty(t, exec.Failures)
			assert.Equal(t, []models.ToolKind{models.ToolKPIFetch, models.ToolTraceLog}, exec.ToolsUsed)
			assert.Equal(t, []string{"gmv", "gmv_previous", "gmv_change", "gmv_pct_change"}, exec.Result.Columns)
			require.Len(t, exec.Result.Rows, 1)
			row := exec.Result.Rows[0]
			assert.Equal(t, 1200.0, row["gmv"])
			assert.Equal(t, 1000.0, row["gmv_previous"])
			assert.InDelta(t, 200.0, row["gmv_change"], 1e-9)
			assert.InDelta(t, 20.0, row["gmv_pct_change"], 1e-9)
			assert.Equal(t, models.ToolKPIFetch, exec.Result.SourceTool)

			wh.AssertExpectations(t)
			sink.AssertExpectations(t)
		})
	}
}

func TestCompareWindows_ByKey(t *testing.T) {
	current := resultSet(models.ToolKPIFetch, []string{"merchant_id", "dispute_rate"},
		models.Row{"merchant_id": "merchant_0001", "dispute_rate": 0.05},
		models.Row{"merchant_id": "merchant_0002", "dispute_rate": 0.02},
		models.Row{"merchant_id": "merchant_0003", "dispute_rate": 0.01},
	)
	current.Truncated = true
	previous := resultSet(models.ToolKPIFetch, []string{"merchant_id", "dispute_rate"},
		models.Row{"merchant_id": "merchant_0002", "dispute_rate": 0.0},
		models.Row{"merchant_id": "merchant_0001", "dispute_rate": 0.04},
		models.Row{"merchant_id": "merchant_0009", "dispute_rate": 0.09},
	)

	out := compareWindows([]string{"merchant_id"}, []string{"dispute_rate"}, current, previous)

	require.Len(t, out.Rows, 3)
	assert.True(t, out.Truncated)
	assert.Equal(t, 3, out.RowCount)
	assert.Equal(t, []string{"merchant_0001", "merchant_0002", "merchant_0003"}, out.Strings("merchant_id"))

	assert.InDelta(t, 0.01, out.Rows[0]["dispute_rate_change"], 1e-9)
	assert.InDelta(t, 25.0, out.Rows[0]["dispute_rate_pct_change"], 1e-9)

	assert.InDelta(t, 0.02, out.Rows[1]["dispute_rate_change"], 1e-9)
	assert.Nil(t, out.Rows[1]["dispute_rate_pct_change"], "no percent change from zero")

	assert.Nil(t, out.Rows[2]["dispute_rate_previous"])
	assert.Nil(t, out.Rows[2]["dispute_rate_change"])
	assert.Contains(t, out.Rows[2], "dispute_rate_pct_change")
}

// ==========================
// Failure Tests
// ==========================

func TestHandler_Execute_ToolFailures(t *testing.T) {
	tests := []struct {
		name           string
		setup          func(wh *MockWarehouse)
		validateOutput func(t *testing.T, exec *models.ExecutionResult)
	}{
		{
			name: "primary failure leaves no result",
			setup: func(wh *MockWarehouse) {
				wh.On("FetchKPI", mock.Anything, inWindow(november)).Return(nil, errors.New("connection refused"))
				wh.On("FetchKPI", mock.Anything, inWindow(october)).
					Return(resultSet(models.ToolKPIFetch, []string{"gmv"}, models.Row{"gmv": 1000.0}), nil)
			},
			validateOutput: func(t *testing.T, exec *models.ExecutionResult) {
				assert.Nil(t, exec.Result)
				require.Len(t, exec.Failures, 1)
				f := exec.Failures[0]
				assert.Equal(t, 0, f.CallIndex)
				assert.Equal(t, models.RolePrimary, f.Role)
				assert.Equal(t, string(apperrors.ErrCodeDataUnavailable), f.Code)
				assert.Contains(t, f.Message, "connection refused")
				assert.True(t, exec.Failed(models.RolePrimary))
			},
		},
		{
			name: "previous window failure keeps the current window",
			setup: func(wh *MockWarehouse) {
				wh.On("FetchKPI", mock.Anything, inWindow(november)).
					Return(resultSet(models.ToolKPIFetch, []string{"gmv"}, models.Row{"gmv": 1200.0}), nil)
				wh.On("FetchKPI", mock.Anything, inWindow(october)).Return(nil, errors.New("timeout"))
			},
			validateOutput: func(t *testing.T, exec *models.ExecutionResult) {
				require.NotNil(t, exec.Result)
				assert.Equal(t, []string{"gmv"}, exec.Result.Columns)
				assert.True(t, exec.Failed(models.RolePrevious))
				assert.False(t, exec.Failed(models.RolePrimary))
			},
		},
		{
			name: "standard error codes are kept",
			setup: func(wh *MockWarehouse) {
				wh.On("FetchKPI", mock.Anything, mock.Anything).
					Return(nil, apperrors.NewEmptyResultError("no rows"))
			},
			validateOutput: func(t *testing.T, exec *models.ExecutionResult) {
				require.Len(t, exec.Failures, 2)
				assert.Equal(t, string(apperrors.ErrCodeEmptyResult), exec.Failures[0].Code)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wh := new(MockWarehouse)
			tt.setup(wh)
			h := createHandler(t, createTestConfig(), wh, nil)

			plan := &models.Plan{
				ID:      "plan_fail",
				Metrics: []string{"gmv"},
				Calls: []models.ToolCall{
					kpiCall("gmv", november, models.RolePrimary),
					kpiCall("gmv", october, models.RolePrevious),
					traceCall(),
				},
			}
			out, err := h.Execute(context.Background(), &Input{Plan: plan})
			require.NoError(t, err)
			tt.validateOutput(t, out.Execution)
		})
	}
}

func TestHandler_Execute_ToolTimeout(t *testing.T) {
	wh := new(MockWarehouse)
	wh.On("RunQuery", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	config := createTestConfig()
	config.ToolTimeout = 20 * time.Millisecond
	h := createHandler(t, config, wh, nil)

	plan := &models.Plan{ID: "plan_slow", Calls: []models.ToolCall{usersListing(), traceCall()}}
	out, err := h.Execute(context.Background(), &Input{Plan: plan})
	require.NoError(t, err)
	require.Len(t, out.Execution.Failures, 1)
	assert.Equal(t, models.ToolSQLQuery, out.Execution.Failures[0].Tool)
	assert.Nil(t, out.Execution.Result)
}

func TestHandler_Execute_TraceSinkFailureIgnored(t *testing.T) {
	wh := new(MockWarehouse)
	wh.On("FetchKPI", mock.Anything, mock.Anything).
		Return(resultSet(models.ToolKPIFetch, []string{"gmv"}, models.Row{"gmv": 10.0}), nil)
	sink := new(MockTraceSink)
	sink.On("Record", mock.Anything, mock.Anything).Return(errors.New("index unavailable"))

	h := createHandler(t, createTestConfig(), wh, sink)
	plan := &models.Plan{ID: "plan_trace", Calls: []models.ToolCall{kpiCall("gmv", november, models.RolePrimary), traceCall()}}

	out, err := h.Execute(context.Background(), &Input{Plan: plan})
	require.NoError(t, err)
	assert.Empty(t, out.Execution.Failures)
	require.NotNil(t, out.Execution.Result)
	sink.AssertNumberOfCalls(t, "Record", 1)
}

// ==========================
// Guardrail Tests
// ==========================

func TestHandler_Execute_GuardrailViolation(t *testing.T) {
	wh := new(MockWarehouse)
	sink := new(MockTraceSink)
	sink.On("Record", mock.Anything, mock.MatchedBy(func(r models.TraceRecord) bool {
		return r.Event == models.TraceGuardrailViolation && r.Outcome == string(apperrors.ErrCodeGuardrailViolation)
	})).Return(nil).Once()
	h := createHandler(t, createTestConfig(), wh, sink)

	bad := usersListing()
	bad.Query.Select = append(bad.Query.Select, models.SelectItem{
		Alias:  "password_hash",
		Column: &models.ColumnRef{Table: "users", Column: "password_hash"},
	})
	plan := &models.Plan{
		ID:    "plan_bad",
		Calls: []models.ToolCall{kpiCall("gmv", november, models.RolePrimary), bad, traceCall()},
	}

	out, err := h.Execute(context.Background(), &Input{Plan: plan})
	require.Error(t, err)
	assert.Nil(t, out)
	assert.Equal(t, apperrors.ErrCodeGuardrailViolation, apperrors.CodeOf(err))
	assert.Contains(t, err.Error(), "users.password_hash")

	wh.AssertNotCalled(t, "FetchKPI", mock.Anything, mock.Anything)
	wh.AssertNotCalled(t, "RunQuery", mock.Anything, mock.Anything)
	sink.AssertExpectations(t)
}

// ==========================
// Risk Enrichment Tests
// ==========================

func TestHandler_Execute_RiskEnrichment(t *testing.T) {
	users := resultSet(models.ToolSQLQuery, []string{"user_id", "city"},
		models.Row{"user_id": "user_00001", "city": "Casablanca"},
		models.Row{"user_id": "user_00002", "city": "Casablanca"},
		models.Row{"user_id": "user_00003", "city": "Casablanca"},
		models.Row{"user_id": "user_00004", "city": "Casablanca"},
	)
	scores := resultSet(models.ToolRiskLookup, []string{"user_id", "risk_score", "risk_band", "model_version"},
		models.Row{"user_id": "user_00003", "risk_score": 0.91, "risk_band": "very_high", "model_version": "v1"},
		models.Row{"user_id": "user_00001", "risk_score": 0.82, "risk_band": "high", "model_version": "v1"},
		models.Row{"user_id": "user_00002", "risk_score": 0.40, "risk_band": "medium", "model_version": "v1"},
	)

	wh := new(MockWarehouse)
	wh.On("RunQuery", mock.Anything, mock.Anything).Return(users, nil)
	wh.On("LookupRisk", mock.Anything,
		[]string{"user_00001", "user_00002", "user_00003", "user_00004"}, 0.8, 100).Return(scores, nil)

	h := createHandler(t, createTestConfig(), wh, nil)
	out, err := h.Execute(context.Background(), &Input{Plan: riskPlan(0.8)})
	require.NoError(t, err)

	rs := out.Execution.Result
	require.NotNil(t, rs)
	assert.Equal(t, []string{"user_id", "city", "risk_score", "risk_band", "model_version"}, rs.Columns)
	assert.Equal(t, []string{"user_00003", "user_00001"}, rs.Strings("user_id"))
	assert.Equal(t, "very_high", rs.Rows[0]["risk_band"])
	require.NotNil(t, rs.Population)
	assert.Equal(t, int64(4), *rs.Population)
	assert.Equal(t, models.ToolSQLQuery, rs.SourceTool)
	assert.Equal(t, []models.ToolKind{models.ToolSQLQuery, models.ToolRiskLookup, models.ToolTraceLog}, out.Execution.ToolsUsed)
	wh.AssertExpectations(t)
}

func TestHandler_Execute_RiskEnrichment_NoUsers(t *testing.T) {
	wh := new(MockWarehouse)
	wh.On("RunQuery", mock.Anything, mock.Anything).
		Return(resultSet(models.ToolSQLQuery, []string{"user_id", "city"}), nil)

	h := createHandler(t, createTestConfig(), wh, nil)
	out, err := h.Execute(context.Background(), &Input{Plan: riskPlan(0.5)})
	require.NoError(t, err)

	rs := out.Execution.Result
	require.NotNil(t, rs)
	assert.Empty(t, rs.Rows)
	require.NotNil(t, rs.Population)
	assert.Equal(t, int64(0), *rs.Population)
	wh.AssertNotCalled(t, "LookupRisk", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandler_Execute_RiskLookupFailure(t *testing.T) {
	wh := new(MockWarehouse)
	wh.On("RunQuery", mock.Anything, mock.Anything).
		Return(resultSet(models.ToolSQLQuery, []string{"user_id"}, models.Row{"user_id": "user_00001"}), nil)
	wh.On("LookupRisk", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("redis and warehouse down"))

	h := createHandler(t, createTestConfig(), wh, nil)
	out, err := h.Execute(context.Background(), &Input{Plan: riskPlan(0.5)})
	require.NoError(t, err)

	exec := out.Execution
	require.NotNil(t, exec.Result, "the listing is still returned")
	assert.Equal(t, []string{"user_id"}, exec.Result.Columns)
	assert.True(t, exec.Failed(models.RoleEnrichment))
}

// ==========================
// Short-circuit Tests
// ==========================

func TestHandler_Execute_Unanswerable(t *testing.T) {
	wh := new(MockWarehouse)
	var recorded atomic.Int32
	sink := new(MockTraceSink)
	sink.On("Record", mock.Anything, mock.MatchedBy(func(r models.TraceRecord) bool {
		return r.Outcome == string(apperrors.ErrCodeUnanswerable) && r.Error == "no metric"
	})).Run(func(mock.Arguments) { recorded.Add(1) }).Return(nil)

	h := createHandler(t, createTestConfig(), wh, sink)
	plan := &models.Plan{
		ID:           "plan_none",
		Unanswerable: true,
		Reason:       "no metric",
		Calls:        []models.ToolCall{{Tool: models.ToolTraceLog, Role: models.RoleTrace, Trace: &models.TraceArgs{Event: "unanswerable"}}},
	}
	out, err := h.Execute(context.Background(), &Input{Plan: plan})
	require.NoError(t, err)
	assert.Nil(t, out.Execution.Result)
	assert.Equal(t, []models.ToolKind{models.ToolTraceLog}, out.Execution.ToolsUsed)
	assert.Equal(t, int32(1), recorded.Load())
	assert.Empty(t, wh.Calls)
}

func TestHandler_Execute_SchemaLookup(t *testing.T) {
	wh := new(MockWarehouse)
	wh.On("RunQuery", mock.Anything, mock.Anything).
		Return(resultSet(models.ToolSQLQuery, []string{"user_id", "city"}, models.Row{"user_id": "user_00001", "city": "Rabat"}), nil)

	h := createHandler(t, createTestConfig(), wh, nil)
	plan := &models.Plan{ID: "plan_schema", Calls: []models.ToolCall{schemaCall("users"), usersListing(), traceCall()}}
	out, err := h.Execute(context.Background(), &Input{Plan: plan})
	require.NoError(t, err)

	exec := out.Execution
	assert.Equal(t, []models.ToolKind{models.ToolSchemaLookup, models.ToolSQLQuery, models.ToolTraceLog}, exec.ToolsUsed)
	require.NotNil(t, exec.Result)
	assert.Equal(t, models.ToolSQLQuery, exec.Result.SourceTool, "the schema lookup is not the answer")
}

func TestHandler_Execute_Validation(t *testing.T) {
	h := createHandler(t, createTestConfig(), new(MockWarehouse), nil)

	_, err := h.Execute(context.Background(), &Input{})
	assert.ErrorIs(t, err, ErrMissingPlan)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	wh := new(MockWarehouse)
	wh.On("FetchKPI", mock.Anything, mock.Anything).Return(nil, context.Canceled)
	h = createHandler(t, createTestConfig(), wh, nil)
	_, err = h.Execute(ctx, &Input{Plan: &models.Plan{ID: "p", Calls: []models.ToolCall{kpiCall("gmv", november, models.RolePrimary)}}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSchemaResult(t *testing.T) {
	rs := schemaResult(registry.MustLoadDefault().Describe([]string{"merchants", "unknown"}))
	require.Len(t, rs.Rows, 1)
	assert.Equal(t, "merchants", rs.Rows[0]["table"])
	assert.Equal(t, "silver", rs.Rows[0]["layer"])
	assert.Equal(t, "merchant_id, merchant_name, category, city, risk_tier", rs.Rows[0]["columns"])
}
