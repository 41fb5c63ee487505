package models

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationState_TrimEvictsUnreferencedResults(t *testing.T) {
	s := NewConversationState("s1")
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 6; i++ {
		rs := &ResultSet{ID: ResultSetID(fmt.Sprintf("r%d", i))}
		s.Append([]ConversationTurn{
			{ID: fmt.Sprintf("u%d", i), Role: RoleUser, Content: "q", Entities: &ExtractedEntities{Intent: IntentAdHoc}},
			{ID: fmt.Sprintf("a%d", i), Role: RoleAssistant, Content: "a", ResultRef: rs.ID},
		}, []*ResultSet{rs}, now)
	}
	require.Len(t, s.Turns, 12)
	require.Len(t, s.Results, 6)

	s.Trim(4)

	assert.Len(t, s.Turns, 4)
	assert.Equal(t, "u4", s.Turns[0].ID)
	assert.Len(t, s.Results, 2)
	assert.Contains(t, s.Results, ResultSetID("r4"))
	assert.Contains(t, s.Results, ResultSetID("r5"))
	assert.Equal(t, ResultSetID("r5"), s.LastResult().ID)
}

func TestConversationState_LastEntitiesIsACopy(t *testing.T) {
	s := NewConversationState("s1")
	s.Append([]ConversationTurn{
		{ID: "u1", Role: RoleUser, Entities: &ExtractedEntities{Intent: IntentRisk, Metrics: []string{"late_rate"}}},
	}, nil, time.Now())

	e := s.LastEntities()
	require.NotNil(t, e)
	e.Metrics[0] = "changed"

	assert.Equal(t, "late_rate", s.Turns[0].Entities.Metrics[0])
}

func TestConversationState_Empty(t *testing.T) {
	s := NewConversationState("s1")
	assert.Nil(t, s.LastEntities())
	assert.Nil(t, s.LastResult())
	assert.Empty(t, s.History())
}

func TestResponse_RenderMarksEmptySections(t *testing.T) {
	r := &StructuredResponse{AnswerSummary: "GMV was 10."}
	out := r.Render()

	for _, section := range []string{SectionSummary, SectionKeyMetrics, SectionDrivers, SectionActions, SectionAssumptions} {
		assert.Contains(t, out, section)
	}
	assert.Contains(t, out, "- "+NotApplicable)
	assert.Contains(t, out, "Primary tool: "+NotApplicable)
}

func TestEnumsAreClosed(t *testing.T) {
	for _, k := range IntentKinds() {
		parsed, err := ParseIntentKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := ParseIntentKind("greeting")
	assert.Error(t, err)

	for _, k := range ToolKinds() {
		assert.True(t, k.Valid())
	}
	_, err = ParseToolKind("shell")
	assert.Error(t, err)
}
