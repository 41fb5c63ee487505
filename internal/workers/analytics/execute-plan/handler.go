// internal/workers/analytics/execute-plan/handler.go
package executeplan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"bnpl-copilot/internal/common/database"
	apperrors "bnpl-copilot/internal/common/errors"
	"bnpl-copilot/internal/common/logger"
	"bnpl-copilot/internal/models"
	"bnpl-copilot/pkg/registry"
)

const (
	TaskType = "execute-plan"
)

var (
	ErrMissingPlan = errors.New("MISSING_PLAN")
	ErrNoSource    = errors.New("SOURCE_CALL_FAILED")
)

type callResult struct {
	index int
	rs    *models.ResultSet
	err   error
}

type Handler struct {
	config    *Config
	registry  *registry.Registry
	guard     *Guard
	warehouse Warehouse
	sink      TraceSink
	pool      pond.ResultPool[callResult]
	clock     clockwork.Clock
	logger    logger.Logger
}

// NewHandler wires the executor. sink may be nil, in which case trace
// calls are only logged.
func NewHandler(config *Config, reg *registry.Registry, dialect database.Dialect, warehouse Warehouse, sink TraceSink, log logger.Logger) *Handler {
	workers := config.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Handler{
		config:    config,
		registry:  reg,
		guard:     NewGuard(reg, dialect, config.MaxWindowDays),
		warehouse: warehouse,
		sink:      sink,
		pool:      pond.NewResultPool[callResult](workers),
		clock:     clockwork.NewRealClock(),
		logger: log.WithFields(map[string]interface{}{
			"taskType": TaskType,
		}),
	}
}

func (h *Handler) WithClock(clock clockwork.Clock) *Handler {
	h.clock = clock
	return h
}

// Close stops the comparison pool after running tasks finish.
func (h *Handler) Close() {
	h.pool.StopAndWait()
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input)
}

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	if input == nil || input.Plan == nil {
		return nil, ErrMissingPlan
	}
	plan := input.Plan
	start := h.clock.Now()
	log := h.logger.WithFields(map[string]interface{}{
		logger.FieldPlanID:    plan.ID,
		logger.FieldSessionID: input.SessionID,
		logger.FieldTurnID:    input.TurnID,
	})
	exec := &models.ExecutionResult{PlanID: plan.ID}

	if plan.Unanswerable {
		h.runTraces(ctx, input, exec, start)
		log.Info("unanswerable plan, data tools skipped", map[string]interface{}{"reason": plan.Reason})
		return &Output{Execution: exec}, nil
	}

	if err := h.guard.Check(plan); err != nil {
		log.Warn("guardrail violation", map[string]interface{}{"error": err.Error()})
		exec.LatencyMs = h.clock.Since(start).Milliseconds()
		h.record(ctx, input, exec, models.TraceGuardrailViolation, "", start, err)
		return nil, err
	}

	results := make([]*models.ResultSet, len(plan.Calls))
	ran := make([]bool, len(plan.Calls))
	keep := func(r callResult) {
		ran[r.index] = true
		call := plan.Calls[r.index]
		if r.err != nil {
			exec.Failures = append(exec.Failures, toolFailure(r.index, call, r.err))
			log.Warn("tool call failed", map[string]interface{}{
				logger.FieldTool: string(call.Tool),
				"role":           string(call.Role),
				"error":          r.err.Error(),
			})
			return
		}
		results[r.index] = r.rs
	}

	for i, call := range plan.Calls {
		if call.Role == models.RoleSchema {
			keep(h.run(ctx, plan, i, results))
		}
	}

	var windows []int
	for i, call := range plan.Calls {
		if call.Role == models.RolePrimary || call.Role == models.RolePrevious {
			windows = append(windows, i)
		}
	}
	done, err := h.runWindows(ctx, plan, windows, results)
	if err != nil {
		return nil, err
	}
	for _, r := range done {
		keep(r)
	}

	for i, call := range plan.Calls {
		if call.Role != models.RoleEnrichment {
			continue
		}
		if from := call.Risk; from != nil && from.FromCall != nil && results[*from.FromCall] == nil {
			continue
		}
		keep(h.run(ctx, plan, i, results))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	exec.Result = combine(plan, results)
	for i, call := range plan.Calls {
		if ran[i] {
			exec.ToolsUsed = appendTool(exec.ToolsUsed, call.Tool)
		}
	}
	h.runTraces(ctx, input, exec, start)

	fields := map[string]interface{}{
		"tools":               exec.ToolsUsed,
		"failures":            len(exec.Failures),
		logger.FieldLatencyMs: exec.LatencyMs,
	}
	if exec.Result != nil {
		fields["rows"] = exec.Result.RowCount
		fields["truncated"] = exec.Result.Truncated
	}
	log.Info("plan executed", fields)
	return &Output{Execution: exec}, nil
}

// runWindows runs the primary and previous-window calls, concurrently when
// configured. Results come back in plan order either way.
func (h *Handler) runWindows(ctx context.Context, plan *models.Plan, idx []int, results []*models.ResultSet) ([]callResult, error) {
	if len(idx) < 2 || !h.config.ParallelComparison {
		out := make([]callResult, 0, len(idx))
		for _, i := range idx {
			out = append(out, h.run(ctx, plan, i, results))
		}
		return out, nil
	}

	group := h.pool.NewGroupContext(ctx)
	for _, i := range idx {
		i := i
		group.SubmitErr(func() (callResult, error) {
			return h.run(ctx, plan, i, results), nil
		})
	}
	out, err := group.Wait()
	if err != nil {
		return nil, fmt.Errorf("comparison windows: %w", err)
	}
	return out, nil
}

// run dispatches one call under the tool timeout. results holds the outputs
// of earlier calls; it is only read here.
func (h *Handler) run(ctx context.Context, plan *models.Plan, i int, results []*models.ResultSet) callResult {
	call := plan.Calls[i]
	ctx, cancel := context.WithTimeout(ctx, h.config.ToolTimeout)
	defer cancel()

	var rs *models.ResultSet
	var err error
	switch call.Tool {
	case models.ToolSchemaLookup:
		rs = schemaResult(h.registry.Describe(call.Schema.Tables))
	case models.ToolKPIFetch:
		rs, err = h.warehouse.FetchKPI(ctx, *call.KPI)
	case models.ToolSQLQuery:
		rs, err = h.warehouse.RunQuery(ctx, *call.Query)
	case models.ToolRiskLookup:
		rs, err = h.lookupRisk(ctx, call.Risk, results)
	case models.ToolTraceLog:
		err = fmt.Errorf("%w: trace calls run after the data calls", ErrUnknownTool)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownTool, call.Tool)
	}
	if err == nil && rs == nil {
		err = fmt.Errorf("%s returned no result", call.Tool)
	}
	return callResult{index: i, rs: rs, err: err}
}

func (h *Handler) lookupRisk(ctx context.Context, args *models.RiskArgs, results []*models.ResultSet) (*models.ResultSet, error) {
	ids := args.UserIDs
	if args.FromCall != nil {
		src := results[*args.FromCall]
		if src == nil {
			return nil, fmt.Errorf("%w: call %d", ErrNoSource, *args.FromCall)
		}
		ids = userIDs(src)
		if len(ids) == 0 {
			return &models.ResultSet{
				ID:         newResultID(),
				Columns:    []string{"user_id", models.ColumnRiskScore, models.ColumnRiskBand, "model_version"},
				SourceTool: models.ToolRiskLookup,
			}, nil
		}
	}
	return h.warehouse.LookupRisk(ctx, ids, args.MinScore, args.Limit)
}

// combine builds the answer from the primary result, the previous window
// and any risk enrichment. A failed primary call leaves no result.
func combine(plan *models.Plan, results []*models.ResultSet) *models.ResultSet {
	primary := plan.PrimaryIndex()
	if primary < 0 || results[primary] == nil {
		return nil
	}
	out := results[primary]

	for i, call := range plan.Calls {
		rs := results[i]
		if rs == nil {
			continue
		}
		switch call.Role {
		case models.RolePrevious:
			out = compareWindows(plan.Keys, plan.Metrics, out, rs)
		case models.RoleEnrichment:
			if call.Risk != nil && call.Risk.FromCall != nil && *call.Risk.FromCall == primary {
				out = enrichWithRisk(out, rs, call.Risk.MinScore)
			}
		}
	}
	return out
}

// runTraces sends every trace call of the plan. Sink failures are logged
// and never reach the execution result.
func (h *Handler) runTraces(ctx context.Context, input *Input, exec *models.ExecutionResult, start time.Time) {
	exec.LatencyMs = h.clock.Since(start).Milliseconds()
	for _, call := range input.Plan.Calls {
		if call.Tool != models.ToolTraceLog {
			continue
		}
		exec.ToolsUsed = appendTool(exec.ToolsUsed, call.Tool)
		stage := ""
		if call.Trace != nil {
			stage = call.Trace.Event
		}
		h.record(ctx, input, exec, models.TraceExecutionComplete, stage, start, nil)
	}
}

func (h *Handler) record(ctx context.Context, input *Input, exec *models.ExecutionResult, event, stage string, start time.Time, cause error) {
	planSummary, resultSummary := models.Summarize(input.Plan, exec)
	rec := models.TraceRecord{
		TraceID:       uuid.NewString(),
		SessionID:     input.SessionID,
		TurnID:        input.TurnID,
		Event:         event,
		UserQuery:     input.UserQuery,
		Plan:          planSummary,
		ResultSummary: resultSummary,
		LatencyMs:     h.clock.Since(start).Milliseconds(),
		Timestamp:     h.clock.Now().UTC(),
	}
	if stage != "" {
		rec.Metadata = map[string]interface{}{logger.FieldStage: stage}
	}
	if input.Plan.Unanswerable {
		rec.Outcome = string(apperrors.ErrCodeUnanswerable)
		rec.Error = input.Plan.Reason
	}
	if cause != nil {
		rec.Outcome = string(apperrors.CodeOf(cause))
		rec.Error = cause.Error()
	}

	if h.sink == nil {
		h.logger.Debug("trace recorded", map[string]interface{}{"event": event, logger.FieldPlanID: planSummary.ID})
		return
	}
	if err := h.sink.Record(ctx, rec); err != nil {
		h.logger.Warn("trace sink failed", map[string]interface{}{
			"event":            event,
			logger.FieldPlanID: planSummary.ID,
			"error":            err.Error(),
		})
	}
}

func toolFailure(i int, call models.ToolCall, err error) models.ToolFailure {
	code := apperrors.CodeOf(err)
	if code == "" || code == apperrors.ErrCodeInternal {
		code = apperrors.ErrCodeDataUnavailable
	}
	return models.ToolFailure{
		CallIndex: i,
		Tool:      call.Tool,
		Role:      call.Role,
		Code:      string(code),
		Message:   err.Error(),
	}
}

func appendTool(tools []models.ToolKind, t models.ToolKind) []models.ToolKind {
	for _, have := range tools {
		if have == t {
			return tools
		}
	}
	return append(tools, t)
}
