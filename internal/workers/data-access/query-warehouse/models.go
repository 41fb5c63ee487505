// internal/workers/data-access/query-warehouse/models.go
package querywarehouse

import "bnpl-copilot/internal/models"

type Input struct {
	QueryType string            `json:"queryType"`
	KPI       *models.KPIArgs   `json:"kpi,omitempty"`
	Query     *models.QuerySpec `json:"query,omitempty"`
	Risk      *RiskInput        `json:"risk,omitempty"`
}

type RiskInput struct {
	UserIDs  []string `json:"userIds,omitempty"`
	MinScore float64  `json:"minScore"`
	Limit    int      `json:"limit"`
}

type Output struct {
	Result             *models.ResultSet `json:"result,omitempty"`
	LatestDataDate     string            `json:"latestDataDate,omitempty"`
	QueryExecutionTime int64             `json:"queryExecutionTime"` // milliseconds
}

type QueryType = models.QueryType

var (
	QueryTypeKPI            = models.QueryTypeKPI
	QueryTypeSelect         = models.QueryTypeSelect
	QueryTypeRiskScores     = models.QueryTypeRiskScores
	QueryTypeLatestDataDate = models.QueryTypeLatestDataDate
)

// riskEntry is the cached form of one user_risk_scores row.
type riskEntry struct {
	UserID       string  `json:"user_id"`
	Score        float64 `json:"score"`
	Band         string  `json:"band"`
	ModelVersion string  `json:"model_version"`
}
