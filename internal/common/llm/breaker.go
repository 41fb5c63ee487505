// internal/common/llm/breaker.go
package llm

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"bnpl-copilot/internal/common/logger"
)

type BreakerConfig struct {
	Name        string
	MaxFailures uint32
	OpenTimeout time.Duration
}

// BreakerCompleter stops calling a failing provider so callers fall back
// immediately instead of waiting out a timeout on every turn.
type BreakerCompleter struct {
	inner   Completer
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerCompleter(inner Completer, cfg BreakerConfig, log logger.Logger) *BreakerCompleter {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	log = log.WithFields(map[string]interface{}{"component": "llm-breaker", "provider": cfg.Name})

	return &BreakerCompleter{
		inner: inner,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "llm-" + cfg.Name,
			MaxRequests: 1,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.MaxFailures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("llm circuit state changed", map[string]interface{}{
					"from": from.String(),
					"to":   to.String(),
				})
			},
		}),
	}
}

func (b *BreakerCompleter) Complete(ctx context.Context, req Request) (string, error) {
	out, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.Complete(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", ErrCircuitOpen
		}
		return "", err
	}
	return out.(string), nil
}

// State is the breaker state name: closed, half-open or open.
func (b *BreakerCompleter) State() string {
	return b.breaker.State().String()
}
