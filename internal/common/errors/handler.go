// internal/common/errors/handler.go
package errors

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"
)

// ErrorHandler normalizes and logs errors at the request boundary.
type ErrorHandler struct {
	logger Logger
}

type Logger interface {
	Error(msg string, fields map[string]interface{})
}

func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// Handle normalizes err, logs it once and returns the standard form.
func (h *ErrorHandler) Handle(ctx context.Context, err error, fields map[string]interface{}) *StandardError {
	stdErr := h.normalizeError(err)

	logFields := map[string]interface{}{
		"errorCode":     string(stdErr.Code),
		"message":       stdErr.Message,
		"details":       stdErr.Details,
		"retryable":     stdErr.Retryable,
		"errorCategory": GetErrorCategory(stdErr.Code),
	}
	for k, v := range fields {
		logFields[k] = v
	}
	if ctx != nil && ctx.Err() != nil {
		logFields["contextError"] = ctx.Err().Error()
	}
	h.logger.Error("request failed", logFields)

	return stdErr
}

// normalizeError ensures we always have a StandardError
func (h *ErrorHandler) normalizeError(err error) *StandardError {
	if stdErr, ok := AsStandardError(err); ok {
		return stdErr
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return &StandardError{
			Code:      ErrCodeDataUnavailable,
			Message:   "Request cancelled or timed out",
			Details:   err.Error(),
			Retryable: false,
			Timestamp: time.Now().UTC(),
		}
	}
	return &StandardError{
		Code:      ErrCodeInternal,
		Message:   "Unexpected error",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// HTTPStatus maps an error code to the status the API responds with.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeDataUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeGuardrailViolation:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
