// internal/models/query_types.go
package models

type QueryType string

const (
	QueryTypeKPI            QueryType = "kpi"
	QueryTypeSelect         QueryType = "select"
	QueryTypeRiskScores     QueryType = "risk_scores"
	QueryTypeLatestDataDate QueryType = "latest_data_date"
)
