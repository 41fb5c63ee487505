// internal/workers/analytics/narrate-response/actions.go
package narrateresponse

import "bnpl-copilot/internal/models"

type actionTemplate struct {
	description string
	impact      models.Level
	effort      models.Level
	because     string
}

var intentActions = map[models.IntentKind][]actionTemplate{
	models.IntentGrowthAnalytics: {
		{"Focus acquisition and credit limits on the highest-GMV segments", models.LevelHigh, models.LevelMedium,
			"Top segments drive a disproportionate share of value"},
		{"Launch a loyalty push to lift repeat usage", models.LevelMedium, models.LevelMedium,
			"Repeat users carry a higher lifetime value"},
	},
	models.IntentFunnel: {
		{"Fix the checkout step with the largest drop-off", models.LevelHigh, models.LevelMedium,
			"Conversion gains at checkout flow straight into GMV"},
		{"A/B test approval messaging", models.LevelMedium, models.LevelLow,
			"Clearer approval messaging reduces abandonment"},
	},
	models.IntentRisk: {
		{"Tighten underwriting for the highest-risk users and cohorts", models.LevelHigh, models.LevelMedium,
			"Reducing exposure where scores are highest cuts future late payments"},
		{"Trigger early payment reminders for flagged users", models.LevelMedium, models.LevelLow,
			"Early contact keeps accounts from sliding into later delinquency buckets"},
	},
	models.IntentMerchantPerf: {
		{"Review the merchants at the top of this ranking", models.LevelHigh, models.LevelLow,
			"Outlier merchants drive operational cost and user complaints"},
		{"Expand partnerships with the strongest merchants", models.LevelHigh, models.LevelMedium,
			"Growth concentrates with proven partners"},
	},
	models.IntentDisputesRefunds: {
		{"Audit dispute and refund reasons for the leading merchants", models.LevelHigh, models.LevelLow,
			"Disputes concentrate in a few merchants"},
		{"Tighten refund policy checks where rates are highest", models.LevelMedium, models.LevelMedium,
			"Policy gaps show up first as elevated rates"},
	},
	models.IntentAdHoc: {
		{"Drill into the leading segment to find the root cause", models.LevelMedium, models.LevelLow,
			"A breakdown turns a single figure into something actionable"},
	},
}

var zeroActions = []actionTemplate{
	{"Keep monitoring this metric; no intervention is needed now", models.LevelLow, models.LevelLow,
		"The denominator is populated, so the zero is real"},
}

// actions instantiates the intent's templates. Every justification ends with
// the evidence sentence, which cites a result cell.
func actions(a *answer) []models.RecommendedAction {
	templates := intentActions[a.plan.Intent]
	if templates == nil {
		templates = intentActions[models.IntentAdHoc]
	}
	if a.shape() == shapeZero {
		templates = zeroActions
	}
	evidence := a.evidence()
	out := make([]models.RecommendedAction, 0, len(templates))
	for _, t := range templates {
		out = append(out, models.RecommendedAction{
			Description:   t.description,
			Impact:        t.impact,
			Effort:        t.effort,
			Justification: t.because + ": " + evidence + ".",
		})
	}
	return out
}
