// internal/api/limiter.go
package api

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// sessionLimiter holds one token bucket per key. Idle buckets expire so
// abandoned sessions do not accumulate.
type sessionLimiter struct {
	mu       sync.Mutex
	limiters *ttlcache.Cache[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

func newSessionLimiter(rps float64, burst int, idle time.Duration) *sessionLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	l := &sessionLimiter{
		limiters: ttlcache.New(ttlcache.WithTTL[string, *rate.Limiter](idle)),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
	go l.limiters.Start()
	return l
}

// Allow reports whether key may make a request now. A nil limiter allows
// everything.
func (l *sessionLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	item := l.limiters.Get(key)
	if item == nil {
		item = l.limiters.Set(key, rate.NewLimiter(l.limit, l.burst), ttlcache.DefaultTTL)
	}
	l.mu.Unlock()
	return item.Value().Allow()
}

func (l *sessionLimiter) Len() int {
	if l == nil {
		return 0
	}
	return l.limiters.Len()
}

func (l *sessionLimiter) Stop() {
	if l != nil {
		l.limiters.Stop()
	}
}
