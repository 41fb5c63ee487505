// internal/common/llm/llm.go
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bnpl-copilot/internal/common/config"
	"bnpl-copilot/internal/common/logger"
)

var (
	ErrDisabled      = errors.New("LLM_DISABLED")
	ErrUnavailable   = errors.New("LLM_UNAVAILABLE")
	ErrTimeout       = errors.New("LLM_TIMEOUT")
	ErrEmptyResponse = errors.New("LLM_EMPTY_RESPONSE")
	ErrCircuitOpen   = errors.New("LLM_CIRCUIT_OPEN")
)

// Request is one prompt to a text completion capability.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Completer is the narrow capability both classification and narration use.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Disabled is the completer used when no provider is configured.
type Disabled struct{}

func (Disabled) Complete(context.Context, Request) (string, error) {
	return "", ErrDisabled
}

// New builds the configured provider wrapped in a circuit breaker. The
// "none" provider returns Disabled so callers go straight to their fallback.
func New(cfg config.GenAIConfig, log logger.Logger) Completer {
	var inner Completer
	switch cfg.Provider {
	case config.ProviderGateway:
		inner = NewGatewayCompleter(cfg)
	case config.ProviderAnthropic:
		inner = NewAnthropicCompleter(cfg)
	default:
		return Disabled{}
	}
	return NewBreakerCompleter(inner, BreakerConfig{
		Name:        cfg.Provider,
		MaxFailures: uint32(cfg.BreakerFailures),
		OpenTimeout: config.GetDuration(cfg.BreakerOpenDelay),
	}, log)
}

// StripFences removes a surrounding markdown code fence, if any.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
