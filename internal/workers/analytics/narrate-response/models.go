// internal/workers/analytics/narrate-response/models.go
package narrateresponse

import (
	apperrors "bnpl-copilot/internal/common/errors"
	"bnpl-copilot/internal/models"
)

// Input is everything known about a finished turn. Execution and Outcome are
// nil when the plan never ran; Failure carries the error that stopped it.
type Input struct {
	Question  string
	Entities  *models.ExtractedEntities
	Plan      *models.Plan
	Execution *models.ExecutionResult
	Outcome   *models.ValidationOutcome
	Failure   *apperrors.StandardError
	Degraded  []apperrors.ErrorCode
	LatencyMs int64
}

type Output struct {
	Response    *models.StructuredResponse
	ProseSource string
	Degraded    bool
}

// Prose sources.
const (
	SourceTemplate = "template"
	SourceLLM      = "llm"
)

// Prose is the free-text part of a report.
type Prose struct {
	Summary string   `json:"summary"`
	Drivers []string `json:"drivers"`
}

// NarrationContext is what a Generator may draw on. Draft is the template
// prose for the same answer.
type NarrationContext struct {
	Question   string
	Intent     models.IntentKind
	Window     models.TimeWindow
	Comparison bool
	Metrics    []string
	Keys       []string
	Result     *models.ResultSet
	KeyMetrics []models.KeyMetric
	Draft      Prose
	Notes      []string
}
