// internal/models/session.go
package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationTurn is immutable once appended.
type ConversationTurn struct {
	ID        string             `json:"id"`
	Role      Role               `json:"role"`
	Content   string             `json:"content"`
	Entities  *ExtractedEntities `json:"entities,omitempty"`
	ResultRef ResultSetID        `json:"resultRef,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
}

// ConversationState carries one session's history and the result sets its
// turns still reference.
type ConversationState struct {
	SessionID string                     `json:"sessionId"`
	Turns     []ConversationTurn         `json:"turns"`
	Results   map[ResultSetID]*ResultSet `json:"results"`
	UpdatedAt time.Time                  `json:"updatedAt"`
}

func NewConversationState(sessionID string) *ConversationState {
	return &ConversationState{
		SessionID: sessionID,
		Results:   map[ResultSetID]*ResultSet{},
	}
}

// Append adds turns and the results they reference.
func (s *ConversationState) Append(turns []ConversationTurn, results []*ResultSet, at time.Time) {
	if s.Results == nil {
		s.Results = map[ResultSetID]*ResultSet{}
	}
	s.Turns = append(s.Turns, turns...)
	for _, r := range results {
		if r != nil && r.ID != "" {
			s.Results[r.ID] = r
		}
	}
	s.UpdatedAt = at
}

// Trim keeps the last bound turns and evicts unreferenced result sets.
func (s *ConversationState) Trim(bound int) {
	if bound > 0 && len(s.Turns) > bound {
		s.Turns = append([]ConversationTurn(nil), s.Turns[len(s.Turns)-bound:]...)
	}
	referenced := map[ResultSetID]bool{}
	for _, t := range s.Turns {
		if t.ResultRef != "" {
			referenced[t.ResultRef] = true
		}
	}
	for id := range s.Results {
		if !referenced[id] {
			delete(s.Results, id)
		}
	}
}

// History returns a copy of the turns, oldest first.
func (s *ConversationState) History() []ConversationTurn {
	return append([]ConversationTurn(nil), s.Turns...)
}

// LastEntities returns the entities of the most recent user turn.
func (s *ConversationState) LastEntities() *ExtractedEntities {
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if s.Turns[i].Entities != nil {
			e := s.Turns[i].Entities.Clone()
			return &e
		}
	}
	return nil
}

// LastResult returns the most recent result set still held by the session.
func (s *ConversationState) LastResult() *ResultSet {
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if ref := s.Turns[i].ResultRef; ref != "" {
			if r, ok := s.Results[ref]; ok {
				return r
			}
		}
	}
	return nil
}

// Clone copies the turn slice and result map. Turns and result sets are
// shared since neither is mutated after append.
func (s *ConversationState) Clone() *ConversationState {
	out := &ConversationState{
		SessionID: s.SessionID,
		Turns:     s.History(),
		Results:   make(map[ResultSetID]*ResultSet, len(s.Results)),
		UpdatedAt: s.UpdatedAt,
	}
	for k, v := range s.Results {
		out.Results[k] = v
	}
	return out
}
