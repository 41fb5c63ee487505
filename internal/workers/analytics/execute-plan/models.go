// internal/workers/analytics/execute-plan/models.go
package executeplan

import (
	"context"

	"bnpl-copilot/internal/models"
)

type Input struct {
	Plan      *models.Plan
	SessionID string
	TurnID    string
	UserQuery string
}

type Output struct {
	Execution *models.ExecutionResult
}

// Warehouse is the data store the tools read from.
type Warehouse interface {
	FetchKPI(ctx context.Context, args models.KPIArgs) (*models.ResultSet, error)
	RunQuery(ctx context.Context, spec models.QuerySpec) (*models.ResultSet, error)
	LookupRisk(ctx context.Context, userIDs []string, minScore float64, limit int) (*models.ResultSet, error)
}

// TraceSink receives trace_log records. Failures never fail a plan.
type TraceSink interface {
	Record(ctx context.Context, record models.TraceRecord) error
}
