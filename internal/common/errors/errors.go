// Package errors provides the copilot's error taxonomy and the user-facing
// caveats each failure kind maps to.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeGuardrailViolation        ErrorCode = "GUARDRAIL_VIOLATION"
	ErrCodeDataUnavailable           ErrorCode = "DATA_UNAVAILABLE"
	ErrCodeEmptyResult               ErrorCode = "EMPTY_RESULT"
	ErrCodeSchemaMismatch            ErrorCode = "SCHEMA_MISMATCH"
	ErrCodeAnomalousValue            ErrorCode = "ANOMALOUS_VALUE"
	ErrCodeRetryExhausted            ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeClassificationUnavailable ErrorCode = "CLASSIFICATION_UNAVAILABLE"
	ErrCodeNarrationUnavailable      ErrorCode = "NARRATION_UNAVAILABLE"

	ErrCodeUnanswerable   ErrorCode = "UNANSWERABLE"
	ErrCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrCodeRateLimited    ErrorCode = "RATE_LIMITED"
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("StandardError[%s]: %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// WithMetadata returns e with key set in its metadata.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = map[string]interface{}{}
	}
	e.Metadata[key] = value
	return e
}

// ==========================
// 2. Error Constructors
// ==========================

func newError(code ErrorCode, message, details string) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: IsRetryable(code),
		Timestamp: time.Now().UTC(),
	}
}

// NewGuardrailViolationError rejects access outside the allowlist.
func NewGuardrailViolationError(details string) *StandardError {
	return newError(ErrCodeGuardrailViolation, "Access outside the approved schema was rejected", details)
}

// NewDataUnavailableError reports a failing or timed-out data tool.
func NewDataUnavailableError(tool string, err error) *StandardError {
	details := fmt.Sprintf("tool: %s", tool)
	if err != nil {
		details = fmt.Sprintf("tool: %s, error: %s", tool, err.Error())
	}
	return newError(ErrCodeDataUnavailable, "Data source unavailable", details).WithMetadata("tool", tool)
}

func NewEmptyResultError(details string) *StandardError {
	return newError(ErrCodeEmptyResult, "Query produced no rows", details)
}

func NewSchemaMismatchError(missing []string) *StandardError {
	return newError(ErrCodeSchemaMismatch, "Result shape did not match the plan",
		fmt.Sprintf("missing columns: %s", strings.Join(missing, ", ")))
}

func NewAnomalousValueError(column string, value float64) *StandardError {
	return newError(ErrCodeAnomalousValue, "Value outside sanity bounds",
		fmt.Sprintf("column: %s, value: %g", column, value)).WithMetadata("column", column)
}

// NewRetryExhaustedError wraps the failure kind seen on the last attempt.
func NewRetryExhaustedError(cause ErrorCode) *StandardError {
	return newError(ErrCodeRetryExhausted, "Retry bound exceeded",
		fmt.Sprintf("last failure: %s", cause)).WithMetadata("cause", string(cause))
}

func NewClassificationUnavailableError(err error) *StandardError {
	return newError(ErrCodeClassificationUnavailable, "Classification capability unavailable", errDetails(err))
}

func NewNarrationUnavailableError(err error) *StandardError {
	return newError(ErrCodeNarrationUnavailable, "Narration capability unavailable", errDetails(err))
}

func NewUnanswerableError(reason string) *StandardError {
	return newError(ErrCodeUnanswerable, "No viable plan for the question", reason)
}

func NewInvalidRequestError(details string) *StandardError {
	return newError(ErrCodeInvalidRequest, "Invalid request", details)
}

// NewRateLimitedError rejects a session sending faster than its budget.
func NewRateLimitedError(key string) *StandardError {
	return newError(ErrCodeRateLimited, "Too many requests", key)
}

func errDetails(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ==========================
// 3. Classification Helpers
// ==========================

// IsRetryable reports whether the validator may retry a plan after code.
func IsRetryable(code ErrorCode) bool {
	switch code {
	case ErrCodeDataUnavailable, ErrCodeEmptyResult, ErrCodeSchemaMismatch, ErrCodeAnomalousValue:
		return true
	}
	return false
}

// GetErrorCategory groups codes for logging and metrics.
func GetErrorCategory(code ErrorCode) string {
	switch code {
	case ErrCodeGuardrailViolation:
		return "guardrail"
	case ErrCodeDataUnavailable:
		return "data"
	case ErrCodeEmptyResult, ErrCodeSchemaMismatch, ErrCodeAnomalousValue, ErrCodeRetryExhausted:
		return "validation"
	case ErrCodeClassificationUnavailable, ErrCodeNarrationUnavailable:
		return "capability"
	case ErrCodeUnanswerable, ErrCodeInvalidRequest, ErrCodeRateLimited:
		return "request"
	default:
		return "internal"
	}
}

var caveats = map[ErrorCode]string{
	ErrCodeGuardrailViolation:        "Guardrail violation: the request referenced data outside the approved schema and was not executed.",
	ErrCodeDataUnavailable:           "Data unavailable: a backing data source failed or timed out, so figures may be incomplete.",
	ErrCodeEmptyResult:               "Empty result: no rows matched the requested filters and time window.",
	ErrCodeSchemaMismatch:            "Schema mismatch: a data source returned an unexpected shape and its output was not used.",
	ErrCodeAnomalousValue:            "Anomalous value: a metric fell outside its expected range and was withheld.",
	ErrCodeRetryExhausted:            "Retry exhausted: the query was retried once with adjusted parameters and still could not be answered reliably.",
	ErrCodeClassificationUnavailable: "Classification unavailable: the question was interpreted with rule-based matching, so interpretation may be less precise.",
	ErrCodeNarrationUnavailable:      "Narration unavailable: this report was rendered from a template without generated prose.",
	ErrCodeUnanswerable:              "Unanswerable: no approved metric or column matched the question.",
}

// Caveat returns the fixed user-facing disclosure for code.
func Caveat(code ErrorCode) string {
	if c, ok := caveats[code]; ok {
		return c
	}
	return fmt.Sprintf("Internal error (%s): the request could not be completed.", code)
}

// AsStandardError finds a StandardError in err's chain.
func AsStandardError(err error) (*StandardError, bool) {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr, true
	}
	return nil, false
}

// CodeOf returns the code of err, or INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if stdErr, ok := AsStandardError(err); ok {
		return stdErr.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
