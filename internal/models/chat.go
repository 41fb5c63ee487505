// internal/models/chat.go
package models

// ChatRequest is the single inbound request shape.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

const RoleAssistantName = "assistant"

// ChatResponse is returned for every request, including failed pipelines.
type ChatResponse struct {
	ID           string            `json:"id"`
	Role         string            `json:"role"`
	Content      string            `json:"content"`
	HasAnalytics bool              `json:"hasAnalytics"`
	Analytics    *AnalyticsPayload `json:"analytics,omitempty"`

	SessionID string              `json:"-"`
	Report    *StructuredResponse `json:"-"`
}

// AnalyticsPayload is the structured data the dashboard renders.
type AnalyticsPayload struct {
	KPIs   []KPIItem `json:"kpis"`
	Charts []Chart   `json:"charts"`
	Tables []Table   `json:"tables"`
	Cards  []Card    `json:"cards"`
}

type KPIItem struct {
	Label string      `json:"label"`
	Value interface{} `json:"value"`
	Unit  string      `json:"unit,omitempty"`
}

type ChartKind string

const (
	ChartBar  ChartKind = "bar"
	ChartLine ChartKind = "line"
)

type Series struct {
	DataKey string `json:"dataKey"`
	Color   string `json:"color,omitempty"`
}

type Chart struct {
	ID     string                   `json:"id"`
	Kind   ChartKind                `json:"kind"`
	Title  string                   `json:"title"`
	XKey   string                   `json:"xKey"`
	Series []Series                 `json:"series"`
	Rows   []map[string]interface{} `json:"rows"`
}

type Table struct {
	ID      string                   `json:"id"`
	Title   string                   `json:"title"`
	Columns []string                 `json:"columns"`
	Rows    []map[string]interface{} `json:"rows"`
}

type Card struct {
	Title string   `json:"title"`
	Items []string `json:"items"`
}
