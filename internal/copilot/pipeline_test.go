package copilot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bnpl-copilot/internal/common/database"
	apperrors "bnpl-copilot/internal/common/errors"
	"bnpl-copilot/internal/common/logger"
	"bnpl-copilot/internal/common/metrics"
	"bnpl-copilot/internal/conversation"
	"bnpl-copilot/internal/models"
	buildplan "bnpl-copilot/internal/workers/analytics/build-plan"
	executeplan "bnpl-copilot/internal/workers/analytics/execute-plan"
	narrateresponse "bnpl-copilot/internal/workers/analytics/narrate-response"
	routeintent "bnpl-copilot/internal/workers/analytics/route-intent"
	validateresult "bnpl-copilot/internal/workers/analytics/validate-result"
	buildresponse "bnpl-copilot/internal/workers/infrastructure/build-response"
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

type MockSink struct {
	mock.Mock
}

func (m *MockSink) Record(ctx context.Context, rec models.TraceRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *MockSink) Name() string { return "mock" }

func (m *MockSink) events() []models.TraceRecord {
	var out []models.TraceRecord
	for _, c := range m.Calls {
		out = append(out, c.Arguments.Get(1).(models.TraceRecord))
	}
	return out
}

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Load(ctx context.Context, sessionID string) (*models.ConversationState, error) {
	a := m.Called(ctx, sessionID)
	if a.Get(0) == nil {
		return nil, a.Error(1)
	}
	return a.Get(0).(*models.ConversationState), a.Error(1)
}

func (m *MockStore) Append(ctx context.Context, sessionID string, turns []models.ConversationTurn, results []*models.ResultSet) error {
	return m.Called(ctx, sessionID, turns, results).Error(0)
}

type fixedDate time.Time

func (d fixedDate) LatestDataDate(context.Context) (time.Time, error) { return time.Time(d), nil }

// ==========================
// Test Helper Functions
// ==========================

var latest = time.Date(2025, 11, 30, 0, 0, 0, 0, time.UTC)

func createTestLogger(t *testing.T) logger.Logger {
	return logger.NewZapAdapter(zaptest.NewLogger(t))
}

type fixture struct {
	pipeline  *Pipeline
	warehouse *MockWarehouse
	sink      *MockSink
	metrics   *metrics.Metrics
}

func createPipeline(t *testing.T, store conversation.Store) *fixture {
	reg := registry.MustLoadDefault()
	log := createTestLogger(t)
	f := &fixture{
		warehouse: &MockWarehouse{},
		sink:      &MockSink{},
		metrics:   metrics.New(prometheus.NewRegistry()),
	}
	f.sink.On("Record", mock.Anything, mock.Anything).Return(nil)

	if store == nil {
		mem := conversation.NewMemoryStore(100, time.Hour)
		t.Cleanup(mem.Close)
		store = mem
	}
	execConfig := executeplan.LoadConfig()
	execConfig.ToolTimeout = time.Second

	f.pipeline = New(&Config{HistoryTurns: 100, RequestTimeout: 5 * time.Second, LockStripes: 8}, Components{
		Router:    routeintent.NewHandler(routeintent.LoadConfig(), reg, nil, log),
		Planner:   buildplan.NewHandler(buildplan.LoadConfig(), reg, log),
		Executor:  executeplan.NewHandler(execConfig, reg, database.DialectPostgres, f.warehouse, f.sink, log),
		Validator: validateresult.NewHandler(validateresult.LoadConfig(), log),
		Narrator:  narrateresponse.NewHandler(narrateresponse.LoadConfig(), reg, nil, log),
		Responder: buildresponse.NewHandler(buildresponse.LoadConfig(), log),
		DataClock: fixedDate(latest),
		Store:     store,
		Sink:      f.sink,
		Metrics:   f.metrics,
	}, log)
	t.Cleanup(f.pipeline.Close)
	return f
}

func gmvResult() *models.ResultSet {
	return &models.ResultSet{
		ID:         "rs_gmv",
		Columns:    []string{"gmv"},
		Rows:       []models.Row{{"gmv": 1250000.0}},
		RowCount:   1,
		SourceTool: models.ToolKPIFetch,
	}
}

func turnOutcome(f *fixture) string {
	for _, rec := range f.sink.events() {
		if rec.Event == models.TraceTurnComplete {
			return rec.Outcome
		}
	}
	return ""
}

// ==========================
// Chat
// ==========================

func TestPipeline_Chat(t *testing.T) {
	tests := []struct {
		name           string
		message        string
		setup          func(wh *MockWarehouse)
		validateOutput func(t *testing.T, resp *models.ChatResponse, f *fixture)
	}{
		{
			name:    "single KPI answered",
			message: "What was GMV last month?",
			setup: func(wh *MockWarehouse) {
				wh.On("FetchKPI", mock.Anything, mock.MatchedBy(func(a models.KPIArgs) bool {
					return a.Window.Start.Equal(time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)) &&
						a.Window.End.Equal(time.Date(2025, 10, 31, 0, 0, 0, 0, time.UTC))
				})).Return(gmvResult(), nil).Once()
			},
			validateOutput: func(t *testing.T, resp *models.ChatResponse, f *fixture) {
				assert.Equal(t, models.RoleAssistantName, resp.Role)
				assert.True(t, resp.HasAnalytics)
				require.NotNil(t, resp.Report)
				assert.NotEmpty(t, resp.Report.KeyMetrics)
				assert.Contains(t, resp.Content, models.SectionSummary)
				assert.Contains(t, resp.Content, models.SectionAssumptions)
				assert.Contains(t, resp.Content, "2025-10-01")
				assert.Equal(t, OutcomeAnswered, turnOutcome(f))
				assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TurnsTotal.WithLabelValues(string(models.IntentGrowthAnalytics), OutcomeAnswered)))
			},
		},
		{
			name:    "warehouse down exhausts the retry",
			message: "What was GMV last month?",
			setup: func(wh *MockWarehouse) {
				wh.On("FetchKPI", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))
				wh.On("RunQuery", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))
			},
			validateOutput: func(t *testing.T, resp *models.ChatResponse, f *fixture) {
				assert.False(t, resp.HasAnalytics)
				assert.Len(t, f.warehouse.Calls, 2)
				assert.Contains(t, resp.Content, apperrors.Caveat(apperrors.ErrCodeRetryExhausted))
				assert.Empty(t, resp.Report.KeyMetrics)
				assert.Empty(t, resp.Report.Actions)
				assert.Equal(t, OutcomeFailed, turnOutcome(f))
				assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ValidationTransitions.WithLabelValues(string(models.StatePending), string(models.StateRetrying))))
			},
		},
		{
			name:    "unanswerable question touches no data",
			message: "What's the weather in Paris tomorrow?",
			setup:   func(wh *MockWarehouse) {},
			validateOutput: func(t *testing.T, resp *models.ChatResponse, f *fixture) {
				assert.False(t, resp.HasAnalytics)
				assert.Empty(t, f.warehouse.Calls)
				assert.Contains(t, resp.Content, apperrors.Caveat(apperrors.ErrCodeUnanswerable))
				assert.Equal(t, OutcomeUnanswerable, turnOutcome(f))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := createPipeline(t, nil)
			tt.setup(f.warehouse)

			resp, err := f.pipeline.Chat(context.Background(), models.ChatRequest{Message: tt.message, SessionID: "s1"})
			require.NoError(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, "s1", resp.SessionID)
			tt.validateOutput(t, resp, f)
			f.warehouse.AssertExpectations(t)
		})
	}
}

func TestPipeline_Chat_InvalidRequest(t *testing.T) {
	tests := []struct {
		name string
		req  models.ChatRequest
	}{
		{name: "empty message", req: models.ChatRequest{Message: "   ", SessionID: "s1"}},
		{name: "control characters only", req: models.ChatRequest{Message: "\x00\x01", SessionID: "s1"}},
		{name: "malformed session", req: models.ChatRequest{Message: "GMV last month", SessionID: "bad id!"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := createPipeline(t, nil)
			resp, err := f.pipeline.Chat(context.Background(), tt.req)
			assert.Nil(t, resp)
			assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidRequest), "got %v", err)
			assert.Empty(t, f.warehouse.Calls)
		})
	}
}

// ==========================
// Session history
// ==========================

func TestPipeline_Chat_History(t *testing.T) {
	store := conversation.NewMemoryStore(100, time.Hour)
	defer store.Close()
	f := createPipeline(t, store)
	f.warehouse.On("FetchKPI", mock.Anything, mock.Anything).Return(gmvResult(), nil)

	resp, err := f.pipeline.Chat(context.Background(), models.ChatRequest{Message: "What was GMV last month?", SessionID: "s1"})
	require.NoError(t, err)

	state, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, state.Turns, 2)
	assert.Equal(t, models.RoleUser, state.Turns[0].Role)
	assert.Equal(t, []string{"gmv"}, state.Turns[0].Entities.Metrics)
	assert.Equal(t, resp.ID, state.Turns[1].ID)
	assert.Equal(t, resp.Content, state.Turns[1].Content)
	require.NotEmpty(t, state.Turns[1].ResultRef)
	assert.NotNil(t, state.LastResult())

	_, err = f.pipeline.Chat(context.Background(), models.ChatRequest{Message: "and the previous month?", SessionID: "s1"})
	require.NoError(t, err)
	state, err = store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, state.Turns, 4)
	assert.Equal(t, []string{"gmv"}, state.LastEntities().Metrics)
}

func TestPipeline_Chat_GeneratesSession(t *testing.T) {
	f := createPipeline(t, nil)
	f.warehouse.On("FetchKPI", mock.Anything, mock.Anything).Return(gmvResult(), nil)

	resp, err := f.pipeline.Chat(context.Background(), models.ChatRequest{Message: "GMV last month"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.SessionID)
}

func TestPipeline_Chat_Cancelled(t *testing.T) {
	store := conversation.NewMemoryStore(100, time.Hour)
	defer store.Close()
	f := createPipeline(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp, err := f.pipeline.Chat(ctx, models.ChatRequest{Message: "GMV last month", SessionID: "s1"})
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, context.Canceled)

	state, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, state.Turns)
}

func TestPipeline_Chat_StoreFailures(t *testing.T) {
	store := &MockStore{}
	store.On("Load", mock.Anything, "s1").Return(nil, errors.New("redis down"))
	store.On("Append", mock.Anything, "s1", mock.Anything, mock.Anything).Return(errors.New("redis down"))

	f := createPipeline(t, store)
	f.warehouse.On("FetchKPI", mock.Anything, mock.Anything).Return(gmvResult(), nil)

	resp, err := f.pipeline.Chat(context.Background(), models.ChatRequest{Message: "GMV last month", SessionID: "s1"})
	require.NoError(t, err)
	assert.True(t, resp.HasAnalytics)
	store.AssertExpectations(t)
}

func TestPipeline_Chat_SerializesSession(t *testing.T) {
	store := conversation.NewMemoryStore(100, time.Hour)
	defer store.Close()
	f := createPipeline(t, store)
	f.warehouse.On("FetchKPI", mock.Anything, mock.Anything).Return(gmvResult(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.pipeline.Chat(context.Background(), models.ChatRequest{
				Message:   fmt.Sprintf("GMV last %d days", i+7),
				SessionID: "shared",
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	state, err := store.Load(context.Background(), "shared")
	require.NoError(t, err)
	require.Len(t, state.Turns, 16)
	for i := 0; i < len(state.Turns); i += 2 {
		assert.Equal(t, models.RoleUser, state.Turns[i].Role)
		assert.Equal(t, models.RoleAssistant, state.Turns[i+1].Role)
	}
}
