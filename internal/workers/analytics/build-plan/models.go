// internal/workers/analytics/build-plan/models.go
package buildplan

import "bnpl-copilot/internal/models"

type Input struct {
	Entities models.ExtractedEntities `json:"entities"`
}

type Output struct {
	Plan *models.Plan `json:"plan"`
}

// Trace events written by the trailing trace_log call.
const (
	TraceEventPlan         = "plan"
	TraceEventUnanswerable = "unanswerable"
)

// CountAlias is the metric column of a grouped listing.
const CountAlias = "count"

// intentDefaults are the metrics shown when a question names none.
var intentDefaults = map[models.IntentKind][]string{
	models.IntentGrowthAnalytics: {"gmv"},
	models.IntentFunnel:          {"checkout_conversion"},
	models.IntentRisk:            {"late_rate"},
	models.IntentMerchantPerf:    {"gmv", "dispute_rate"},
	models.IntentDisputesRefunds: {"dispute_rate"},
}
