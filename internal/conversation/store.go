// internal/conversation/store.go
package conversation

import (
	"context"
	"errors"

	"bnpl-copilot/internal/models"
)

var (
	ErrMissingSession = errors.New("MISSING_SESSION_ID")
	ErrConflict       = errors.New("SESSION_WRITE_CONFLICT")
	ErrCorruptState   = errors.New("CORRUPT_SESSION_STATE")
)

// Store holds conversation state per session. Load returns an empty state
// for an unknown session and never shares memory with the store. Append is
// atomic: either every turn and result is stored, with the history trimmed
// to the store's bound, or none is.
type Store interface {
	Load(ctx context.Context, sessionID string) (*models.ConversationState, error)
	Append(ctx context.Context, sessionID string, turns []models.ConversationTurn, results []*models.ResultSet) error
}
