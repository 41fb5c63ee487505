package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bnpl-copilot/internal/common/config"
	"bnpl-copilot/internal/common/logger"
)

func createTestLogger(t *testing.T) logger.Logger {
	return logger.NewZapAdapter(zaptest.NewLogger(t))
}

func gatewayConfig(url string) config.GenAIConfig {
	return config.GenAIConfig{
		Provider:    config.ProviderGateway,
		BaseURL:     url,
		APIKey:      "test-key",
		Model:       "test-model",
		MaxTokens:   256,
		Temperature: 0.1,
		Timeout:     2000,
		MaxRetries:  2,
	}
}

// ==========================
// Gateway
// ==========================

func TestGatewayCompleter(t *testing.T) {
	tests := []struct {
		name          string
		handler       func(calls *int32) http.HandlerFunc
		expectedText  string
		expectedError error
		expectedCalls int32
	}{
		{
			name: "success",
			handler: func(calls *int32) http.HandlerFunc {
				return func(w http.ResponseWriter, r *http.Request) {
					atomic.AddInt32(calls, 1)
					var body generateRequest
					_ = json.NewDecoder(r.Body).Decode(&body)
					if r.URL.Path != generatePath || r.Header.Get("Authorization") != "Bearer test-key" || body.Prompt != "hi" {
						w.WriteHeader(http.StatusBadRequest)
						return
					}
					_ = json.NewEncoder(w).Encode(generateResponse{Text: "hello"})
				}
			},
			expectedText:  "hello",
			expectedCalls: 1,
		},
		{
			name: "retries server errors",
			handler: func(calls *int32) http.HandlerFunc {
				return func(w http.ResponseWriter, r *http.Request) {
					if atomic.AddInt32(calls, 1) < 3 {
						w.WriteHeader(http.StatusServiceUnavailable)
						return
					}
					_ = json.NewEncoder(w).Encode(generateResponse{Text: "third time"})
				}
			},
			expectedText:  "third time",
			expectedCalls: 3,
		},
		{
			name: "client errors are not retried",
			handler: func(calls *int32) http.HandlerFunc {
				return func(w http.ResponseWriter, r *http.Request) {
					atomic.AddInt32(calls, 1)
					w.WriteHeader(http.StatusUnauthorized)
				}
			},
			expectedError: ErrUnavailable,
			expectedCalls: 1,
		},
		{
			name: "empty text",
			handler: func(calls *int32) http.HandlerFunc {
				return func(w http.ResponseWriter, r *http.Request) {
					atomic.AddInt32(calls, 1)
					_ = json.NewEncoder(w).Encode(generateResponse{Text: "  "})
				}
			},
			expectedError: ErrEmptyResponse,
			expectedCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(tt.handler(&calls))
			defer server.Close()

			g := NewGatewayCompleter(gatewayConfig(server.URL))
			text, err := g.Complete(context.Background(), Request{Prompt: "hi"})

			if tt.expectedError != nil {
				assert.ErrorIs(t, err, tt.expectedError)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expectedText, text)
			}
			assert.Equal(t, tt.expectedCalls, atomic.LoadInt32(&calls))
		})
	}
}

func TestGatewayCompleter_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	g := NewGatewayCompleter(gatewayConfig(server.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := g.Complete(ctx, Request{Prompt: "slow"})
	assert.ErrorIs(t, err, ErrTimeout)
}

// ==========================
// Breaker
// ==========================

func TestBreakerCompleter_OpensAfterFailures(t *testing.T) {
	var calls int32
	failing := CompleterFunc(func(ctx context.Context, req Request) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", ErrUnavailable
	})
	b := NewBreakerCompleter(failing, BreakerConfig{Name: "test", MaxFailures: 2, OpenTimeout: time.Minute}, createTestLogger(t))

	for i := 0; i < 2; i++ {
		_, err := b.Complete(context.Background(), Request{})
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, "open", b.State())

	_, err := b.Complete(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestBreakerCompleter_PassesThrough(t *testing.T) {
	ok := CompleterFunc(func(ctx context.Context, req Request) (string, error) {
		return "prose for " + req.Prompt, nil
	})
	b := NewBreakerCompleter(ok, BreakerConfig{Name: "test"}, createTestLogger(t))

	text, err := b.Complete(context.Background(), Request{Prompt: "q"})
	require.NoError(t, err)
	assert.Equal(t, "prose for q", text)
	assert.Equal(t, "closed", b.State())
}

// ==========================
// Helpers
// ==========================

func TestNew_NoneIsDisabled(t *testing.T) {
	c := New(config.GenAIConfig{Provider: config.ProviderNone}, createTestLogger(t))
	_, err := c.Complete(context.Background(), Request{Prompt: "x"})
	assert.True(t, errors.Is(err, ErrDisabled))
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}```", `{"a":1}`},
		{"  plain text  ", "plain text"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StripFences(tt.in))
	}
}
