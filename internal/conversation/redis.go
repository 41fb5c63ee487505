// internal/conversation/redis.go
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"bnpl-copilot/internal/models"
)

const (
	keyPrefix      = "copilot:session:"
	maxTxnAttempts = 5
)

// RedisStore keeps each session as one JSON document. Appends run in an
// optimistic WATCH/MULTI transaction so concurrent writers on other
// processes never lose turns.
type RedisStore struct {
	client *redis.Client
	bound  int
	ttl    time.Duration
	clock  clockwork.Clock
}

func NewRedisStore(client *redis.Client, bound int, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		bound:  bound,
		ttl:    ttl,
		clock:  clockwork.NewRealClock(),
	}
}

func (s *RedisStore) WithClock(clock clockwork.Clock) *RedisStore {
	s.clock = clock
	return s
}

func sessionKey(sessionID string) string {
	return keyPrefix + sessionID
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (*models.ConversationState, error) {
	if sessionID == "" {
		return nil, ErrMissingSession
	}
	return s.read(ctx, s.client, sessionKey(sessionID), sessionID)
}

func (s *RedisStore) Append(ctx context.Context, sessionID string, turns []models.ConversationTurn, results []*models.ResultSet) error {
	if sessionID == "" {
		return ErrMissingSession
	}
	key := sessionKey(sessionID)

	txf := func(tx *redis.Tx) error {
		state, err := s.read(ctx, tx, key, sessionID)
		if err != nil {
			return err
		}
		state.Append(turns, results, s.clock.Now())
		state.Trim(s.bound)

		body, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, body, s.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: %s", ErrConflict, sessionID)
}

func (s *RedisStore) read(ctx context.Context, c redis.Cmdable, key, sessionID string) (*models.ConversationState, error) {
	body, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.NewConversationState(sessionID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	state := models.NewConversationState(sessionID)
	if err := json.Unmarshal(body, state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if state.Results == nil {
		state.Results = map[models.ResultSetID]*models.ResultSet{}
	}
	return state, nil
}
