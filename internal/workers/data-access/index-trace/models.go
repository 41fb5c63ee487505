// internal/workers/data-access/index-trace/models.go
package indextrace

import "bnpl-copilot/internal/models"

type Input struct {
	SessionID  string     `json:"sessionId"`
	Event      string     `json:"event,omitempty"`
	Pagination Pagination `json:"pagination"`
}

type Pagination struct {
	From int `json:"from"`
	Size int `json:"size"`
}

type Output struct {
	Traces    []models.TraceRecord `json:"traces"`
	TotalHits int64                `json:"totalHits"`
	Took      int64                `json:"took"` // milliseconds
}
