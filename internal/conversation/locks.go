// internal/conversation/locks.go
package conversation

import (
	"context"
	"hash/fnv"
)

// Locks serializes work per session over a fixed set of stripes. Two
// sessions may share a stripe; one session always maps to the same stripe.
type Locks struct {
	stripes []chan struct{}
}

func NewLocks(n int) *Locks {
	if n <= 0 {
		n = 64
	}
	l := &Locks{stripes: make([]chan struct{}, n)}
	for i := range l.stripes {
		l.stripes[i] = make(chan struct{}, 1)
	}
	return l
}

func (l *Locks) stripe(sessionID string) chan struct{} {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return l.stripes[h.Sum32()%uint32(len(l.stripes))]
}

// Lock waits for the session's stripe or the context, whichever comes
// first. The returned func releases the stripe.
func (l *Locks) Lock(ctx context.Context, sessionID string) (func(), error) {
	s := l.stripe(sessionID)
	select {
	case s <- struct{}{}:
		return func() { <-s }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
