// internal/common/database/retry.go
package database

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"bnpl-copilot/internal/common/logger"
)

// WaitReady pings until the dependency answers or maxElapsed passes.
func WaitReady(ctx context.Context, name string, ping func(context.Context) error, maxElapsed time.Duration, log logger.Logger) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = maxElapsed

	attempt := 0
	op := func() error {
		attempt++
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := ping(pctx); err != nil {
			log.Warn("dependency not ready", map[string]interface{}{
				"dependency": name,
				"attempt":    attempt,
				"error":      err.Error(),
			})
			return err
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}
