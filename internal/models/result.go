// internal/models/result.go
package models

import (
	"fmt"
	"strconv"
)

type ResultSetID string

// Row is one record keyed by column name.
type Row map[string]interface{}

// ResultSet is the tabular output of a tool call. Follow-up turns refer to
// it by ID.
type ResultSet struct {
	ID         ResultSetID `json:"id"`
	Columns    []string    `json:"columns"`
	Rows       []Row       `json:"rows"`
	RowCount   int         `json:"rowCount"`
	SourceTool ToolKind    `json:"sourceTool"`
	Truncated  bool        `json:"truncated"`
	Population *int64      `json:"population,omitempty"`
	Window     TimeWindow  `json:"window"`
}

func (r *ResultSet) HasColumn(name string) bool {
	for _, c := range r.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Strings returns the non-empty string form of column name for every row.
func (r *ResultSet) Strings(name string) []string {
	var out []string
	for _, row := range r.Rows {
		if v, ok := row[name]; ok && v != nil {
			s := fmt.Sprint(v)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// Floats returns every numeric cell of every row.
func (r *ResultSet) Floats() []float64 {
	var out []float64
	for _, row := range r.Rows {
		for _, c := range r.Columns {
			if f, ok := AsFloat(row[c]); ok {
				out = append(out, f)
			}
		}
	}
	return out
}

// AsFloat converts numeric cell values, including numeric strings.
func AsFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case []byte:
		f, err := strconv.ParseFloat(string(n), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// ToolFailure records a data tool that could not produce a result.
type ToolFailure struct {
	CallIndex int      `json:"callIndex"`
	Tool      ToolKind `json:"tool"`
	Role      CallRole `json:"role"`
	Code      string   `json:"code"`
	Message   string   `json:"message"`
}

// ExecutionResult is the executor's output for one plan attempt.
type ExecutionResult struct {
	PlanID    string        `json:"planId"`
	Result    *ResultSet    `json:"result,omitempty"`
	ToolsUsed []ToolKind    `json:"toolsUsed"`
	Failures  []ToolFailure `json:"failures,omitempty"`
	LatencyMs int64         `json:"latencyMs"`
}

// Failed reports whether a call with role failed.
func (e *ExecutionResult) Failed(role CallRole) bool {
	for _, f := range e.Failures {
		if f.Role == role {
			return true
		}
	}
	return false
}

type ValidationState string

const (
	StatePending  ValidationState = "pending"
	StateRetrying ValidationState = "retrying"
	StateAccepted ValidationState = "accepted"
	StateFailed   ValidationState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s ValidationState) Terminal() bool {
	return s == StateAccepted || s == StateFailed
}

type Transition struct {
	From   ValidationState `json:"from"`
	To     ValidationState `json:"to"`
	Reason string          `json:"reason,omitempty"`
}

// ValidationOutcome is the validator's final verdict for a turn.
type ValidationOutcome struct {
	State          ValidationState `json:"state"`
	Code           string          `json:"code,omitempty"`
	Cause          string          `json:"cause,omitempty"`
	Retries        int             `json:"retries"`
	LegitimateZero bool            `json:"legitimateZero,omitempty"`
	Transitions    []Transition    `json:"transitions"`
}

// Derived column suffixes of a comparison result.
const (
	SuffixPrevious  = "_previous"
	SuffixChange    = "_change"
	SuffixPctChange = "_pct_change"
)

// Columns added by risk enrichment.
const (
	ColumnRiskScore    = "risk_score"
	ColumnRiskBand     = "risk_band"
	ColumnModelVersion = "model_version"
)
