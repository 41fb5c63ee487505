// internal/workers/analytics/narrate-response/assumptions.go
package narrateresponse

import (
	"fmt"
	"strings"

	apperrors "bnpl-copilot/internal/common/errors"
	"bnpl-copilot/internal/models"
)

// assumptions builds the Data & Assumptions section. Caveats are the fixed
// texts of every failure kind the turn hit, in the order they occurred.
func assumptions(input *Input, narration apperrors.ErrorCode) models.DataAssumptions {
	plan := input.Plan
	d := models.DataAssumptions{
		Tools:     []string{},
		Caveats:   []string{},
		LatencyMs: input.LatencyMs,
	}

	exec := input.Execution
	if exec != nil {
		for _, t := range exec.ToolsUsed {
			d.Tools = append(d.Tools, string(t))
		}
		if d.LatencyMs == 0 {
			d.LatencyMs = exec.LatencyMs
		}
	}
	if i := plan.PrimaryIndex(); i >= 0 {
		d.PrimaryTool = string(plan.Calls[i].Tool)
	}
	d.TimeRange = timeRange(input)
	if len(plan.Metrics) > 0 {
		d.GroupedBy = strings.Join(plan.Keys, ", ")
	}
	if exec != nil && exec.Result != nil && input.Outcome != nil && input.Outcome.State == models.StateAccepted {
		d.RowCount = exec.Result.RowCount
		d.Truncated = exec.Result.Truncated
	}

	var codes []apperrors.ErrorCode
	codes = append(codes, input.Degraded...)
	if plan.Unanswerable {
		codes = append(codes, apperrors.ErrCodeUnanswerable)
	}
	if input.Failure != nil {
		codes = append(codes, input.Failure.Code)
	}
	if o := input.Outcome; o != nil && o.State == models.StateFailed {
		if o.Cause != "" {
			codes = append(codes, apperrors.ErrorCode(o.Cause))
		}
		codes = append(codes, apperrors.ErrorCode(o.Code))
	}
	if exec != nil && exec.Failed(models.RoleEnrichment) {
		codes = append(codes, apperrors.ErrCodeDataUnavailable)
	}
	if narration != "" {
		codes = append(codes, narration)
	}
	seen := map[apperrors.ErrorCode]bool{}
	for _, c := range codes {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		d.Caveats = append(d.Caveats, apperrors.Caveat(c))
	}

	d.Limitations = append(d.Limitations, plan.Notes...)
	if input.Entities != nil && input.Entities.LowConfidence {
		d.Limitations = append(d.Limitations, "The question was interpreted with low confidence; check the metric and period above.")
	}
	if o := input.Outcome; o != nil && o.State == models.StateAccepted && o.Retries > 0 {
		for _, t := range o.Transitions {
			if t.To == models.StateRetrying {
				d.Limitations = append(d.Limitations, "Answered after an adjusted retry: "+t.Reason+".")
			}
		}
	}
	if d.Truncated {
		d.Limitations = append(d.Limitations, fmt.Sprintf("Results stop at the %d-row cap; rows beyond it are not shown.", plan.RowCap))
	}
	if exec != nil && exec.Failed(models.RoleEnrichment) {
		d.Limitations = append(d.Limitations, "Risk scores could not be loaded; rows are shown without them.")
	}
	return d
}

func timeRange(input *Input) string {
	w := input.Plan.Window
	if w.IsZero() {
		if input.Plan.Subject != models.SubjectNone {
			return "All records (no period applied)"
		}
		return ""
	}
	s := w.String()
	if input.Entities != nil && input.Entities.WindowDefaulted {
		if input.Plan.Attempt == 0 {
			s += fmt.Sprintf(" (default: last %d days)", w.Days())
		} else {
			s += " (widened from the default period)"
		}
	}
	if input.Plan.Comparison {
		s += "; compared with " + w.Previous().String()
	}
	return s
}
