// internal/workers/analytics/route-intent/models.go
package routeintent

import (
	"time"

	"bnpl-copilot/internal/models"
)

type Input struct {
	Message        string                    `json:"message"`
	History        []models.ConversationTurn `json:"history"`
	PriorResult    *models.ResultSet         `json:"-"`
	LatestDataDate time.Time                 `json:"latestDataDate"`
}

type Output struct {
	Entities   models.ExtractedEntities `json:"entities"`
	Confidence float64                  `json:"confidence"`
	Source     string                   `json:"source"`
	Degraded   bool                     `json:"degraded"`
	Notes      []string                 `json:"notes,omitempty"`
}

// Classification sources.
const (
	SourceLLM   = "llm"
	SourceRules = "rules"
)

// Classification is what a Classifier reads from a message. Empty fields
// mean the classifier had no opinion and the rule-based reading stands.
type Classification struct {
	Intent     models.IntentKind `json:"intent"`
	Confidence float64           `json:"confidence"`
	Metrics    []string          `json:"metrics,omitempty"`
	GroupBy    []string          `json:"group_by,omitempty"`
	Comparison *bool             `json:"comparison,omitempty"`
	Limit      *int              `json:"limit,omitempty"`
	Window     *WindowHint       `json:"time_window,omitempty"`
}

// WindowHint is a classifier-proposed window in DateLayout.
type WindowHint struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Window parses the hint. Malformed or inverted hints are ignored.
func (h *WindowHint) Window() (models.TimeWindow, bool) {
	if h == nil {
		return models.TimeWindow{}, false
	}
	start, err := time.Parse(models.DateLayout, h.Start)
	if err != nil {
		return models.TimeWindow{}, false
	}
	end, err := time.Parse(models.DateLayout, h.End)
	if err != nil || end.Before(start) {
		return models.TimeWindow{}, false
	}
	return models.NewTimeWindow(start, end), true
}
