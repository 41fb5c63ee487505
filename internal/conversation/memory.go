// internal/conversation/memory.go
package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"bnpl-copilot/internal/models"
)

// MemoryStore keeps sessions in process. Idle sessions expire after ttl.
type MemoryStore struct {
	mu       sync.Mutex
	sessions *ttlcache.Cache[string, *models.ConversationState]
	bound    int
	clock    clockwork.Clock
}

func NewMemoryStore(bound int, ttl time.Duration) *MemoryStore {
	opts := []ttlcache.Option[string, *models.ConversationState]{}
	if ttl > 0 {
		opts = append(opts, ttlcache.WithTTL[string, *models.ConversationState](ttl))
	}
	s := &MemoryStore{
		sessions: ttlcache.New(opts...),
		bound:    bound,
		clock:    clockwork.NewRealClock(),
	}
	go s.sessions.Start()
	return s
}

func (s *MemoryStore) WithClock(clock clockwork.Clock) *MemoryStore {
	s.clock = clock
	return s
}

// Close stops the expiry loop.
func (s *MemoryStore) Close() {
	s.sessions.Stop()
}

func (s *MemoryStore) Load(ctx context.Context, sessionID string) (*models.ConversationState, error) {
	if sessionID == "" {
		return nil, ErrMissingSession
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if item := s.sessions.Get(sessionID); item != nil {
		return item.Value().Clone(), nil
	}
	return models.NewConversationState(sessionID), nil
}

func (s *MemoryStore) Append(ctx context.Context, sessionID string, turns []models.ConversationTurn, results []*models.ResultSet) error {
	if sessionID == "" {
		return ErrMissingSession
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := models.NewConversationState(sessionID)
	if item := s.sessions.Get(sessionID); item != nil {
		state = item.Value().Clone()
	}
	state.Append(turns, results, s.clock.Now())
	state.Trim(s.bound)
	s.sessions.Set(sessionID, state, ttlcache.DefaultTTL)
	return nil
}

// Len reports the number of live sessions.
func (s *MemoryStore) Len() int {
	return s.sessions.Len()
}
