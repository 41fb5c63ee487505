// internal/workers/infrastructure/build-response/models.go
package buildresponse

import "bnpl-copilot/internal/models"

type Input struct {
	ResponseID string                     `json:"responseId,omitempty"`
	SessionID  string                     `json:"sessionId"`
	Report     *models.StructuredResponse `json:"report"`
	Plan       *models.Plan               `json:"plan,omitempty"`
	// Result is set only for accepted results; failed turns carry no analytics.
	Result *models.ResultSet `json:"result,omitempty"`
}

type Output struct {
	Response *models.ChatResponse `json:"response"`
	Metadata ResponseMetadata     `json:"metadata"`
}

type ResponseMetadata struct {
	Timestamp string `json:"timestamp"` // ISO 8601
	Version   string `json:"version"`
}
