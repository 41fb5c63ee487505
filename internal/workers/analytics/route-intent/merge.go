// internal/workers/analytics/route-intent/merge.go
package routeintent

import "bnpl-copilot/internal/models"

// Merge overlays next on prev. Fields next leaves at their zero value are
// inherited; filters merge per column. Merge(x, zero) == x, so merging the
// same follow-up twice changes nothing.
//
// Comparison and Explain are sticky: a follow-up can switch them on but
// never off, since a turn that does not mention a comparison is
// indistinguishable from one that drops it. A turn that names its own
// metrics or window is not merged and starts with both off.
func Merge(prev, next models.ExtractedEntities) models.ExtractedEntities {
	out := prev.Clone()
	n := next.Clone()

	if n.Intent != "" && n.Intent != models.IntentAdHoc {
		out.Intent = n.Intent
		out.LowConfidence = n.LowConfidence
	} else {
		out.LowConfidence = out.LowConfidence || n.LowConfidence
	}
	if len(n.Metrics) > 0 {
		out.Metrics = n.Metrics
		out.UnknownMetrics = n.UnknownMetrics
	} else if len(n.UnknownMetrics) > 0 {
		out.UnknownMetrics = n.UnknownMetrics
	}
	if !n.TimeWindow.IsZero() {
		out.TimeWindow = n.TimeWindow
		out.WindowDefaulted = n.WindowDefaulted
	}
	if len(n.GroupBy) > 0 {
		out.GroupBy = n.GroupBy
	}
	out.Comparison = out.Comparison || n.Comparison
	if n.Limit != nil {
		out.Limit = n.Limit
	}
	for _, f := range n.Filters {
		out.SetFilter(f)
	}
	if n.Subject != models.SubjectNone {
		out.Subject = n.Subject
	}
	if n.Order != models.SortNone {
		out.Order = n.Order
	}
	if n.RiskThreshold != nil {
		out.RiskThreshold = n.RiskThreshold
	}
	out.Explain = out.Explain || n.Explain
	if n.Reference != nil {
		out.Reference = n.Reference
	}
	return out
}
