// internal/models/trace.go
package models

import "time"

// Trace events.
const (
	TraceExecutionComplete  = "execution_complete"
	TraceGuardrailViolation = "guardrail_violation"
	TraceTurnComplete       = "turn_complete"
)

type PlanSummary struct {
	ID      string     `json:"id"`
	Intent  IntentKind `json:"intent"`
	Tools   []ToolKind `json:"tools"`
	Calls   int        `json:"calls"`
	Attempt int        `json:"attempt"`
}

type ResultSummary struct {
	Rows       int      `json:"rows"`
	Columns    []string `json:"columns,omitempty"`
	SourceTool ToolKind `json:"sourceTool,omitempty"`
	Truncated  bool     `json:"truncated"`
	Failures   int      `json:"failures"`
}

// TraceRecord is a fire-and-forget structured log of one turn.
type TraceRecord struct {
	TraceID       string                 `json:"traceId"`
	SessionID     string                 `json:"sessionId"`
	TurnID        string                 `json:"turnId"`
	Event         string                 `json:"event"`
	UserQuery     string                 `json:"userQuery,omitempty"`
	Plan          PlanSummary            `json:"plan"`
	ResultSummary ResultSummary          `json:"resultSummary"`
	Outcome       string                 `json:"outcome,omitempty"`
	Error         string                 `json:"error,omitempty"`
	LatencyMs     int64                  `json:"latencyMs"`
	Timestamp     time.Time              `json:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Summarize builds the plan and result summaries of a trace record.
func Summarize(plan *Plan, exec *ExecutionResult) (PlanSummary, ResultSummary) {
	ps := PlanSummary{}
	if plan != nil {
		ps = PlanSummary{ID: plan.ID, Intent: plan.Intent, Tools: plan.Tools(), Calls: len(plan.Calls), Attempt: plan.Attempt}
	}
	rs := ResultSummary{}
	if exec != nil {
		rs.Failures = len(exec.Failures)
		if exec.Result != nil {
			rs.Rows = exec.Result.RowCount
			rs.Columns = exec.Result.Columns
			rs.SourceTool = exec.Result.SourceTool
			rs.Truncated = exec.Result.Truncated
		}
	}
	return ps, rs
}
