package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	msgs   []string
	fields []map[string]interface{}
}

func (l *recordingLogger) Error(msg string, fields map[string]interface{}) {
	l.msgs = append(l.msgs, msg)
	l.fields = append(l.fields, fields)
}

func TestCaveatsAreDistinct(t *testing.T) {
	codes := []ErrorCode{
		ErrCodeGuardrailViolation,
		ErrCodeDataUnavailable,
		ErrCodeEmptyResult,
		ErrCodeSchemaMismatch,
		ErrCodeAnomalousValue,
		ErrCodeRetryExhausted,
		ErrCodeClassificationUnavailable,
		ErrCodeNarrationUnavailable,
		ErrCodeUnanswerable,
	}
	seen := map[string]ErrorCode{}
	for _, code := range codes {
		c := Caveat(code)
		require.NotEmpty(t, c)
		prev, dup := seen[c]
		assert.False(t, dup, "%s shares its caveat with %s", code, prev)
		seen[c] = code
	}
	assert.Contains(t, Caveat("SOMETHING_ELSE"), "SOMETHING_ELSE")
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		expected bool
	}{
		{ErrCodeDataUnavailable, true},
		{ErrCodeEmptyResult, true},
		{ErrCodeSchemaMismatch, true},
		{ErrCodeAnomalousValue, true},
		{ErrCodeGuardrailViolation, false},
		{ErrCodeRetryExhausted, false},
		{ErrCodeUnanswerable, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryable(tt.code))
			assert.Equal(t, tt.expected, newError(tt.code, "m", "").Retryable)
		})
	}
}

func TestCodeOf_UnwrapsChains(t *testing.T) {
	wrapped := fmt.Errorf("execute: %w", NewGuardrailViolationError("table secrets"))
	assert.Equal(t, ErrCodeGuardrailViolation, CodeOf(wrapped))
	assert.True(t, Is(wrapped, ErrCodeGuardrailViolation))
	assert.Equal(t, ErrCodeInternal, CodeOf(stderrors.New("boom")))
	assert.Equal(t, ErrorCode(""), CodeOf(nil))
}

func TestRetryExhaustedCarriesCause(t *testing.T) {
	err := NewRetryExhaustedError(ErrCodeAnomalousValue)
	assert.Equal(t, "ANOMALOUS_VALUE", err.Metadata["cause"])
	assert.Contains(t, err.Error(), "RETRY_EXHAUSTED")
}

func TestErrorHandler_Handle(t *testing.T) {
	log := &recordingLogger{}
	h := NewErrorHandler(log)

	stdErr := h.Handle(context.Background(), stderrors.New("boom"), map[string]interface{}{"sessionId": "s1"})
	assert.Equal(t, ErrCodeInternal, stdErr.Code)
	require.Len(t, log.fields, 1)
	assert.Equal(t, "s1", log.fields[0]["sessionId"])
	assert.Equal(t, "internal", log.fields[0]["errorCategory"])

	stdErr = h.Handle(context.Background(), context.DeadlineExceeded, nil)
	assert.Equal(t, ErrCodeDataUnavailable, stdErr.Code)

	stdErr = h.Handle(context.Background(), NewInvalidRequestError("empty message"), nil)
	assert.Equal(t, ErrCodeInvalidRequest, stdErr.Code)
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(stdErr.Code))
}
