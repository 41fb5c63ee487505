// internal/workers/analytics/narrate-response/diagnostics.go
package narrateresponse

import (
	"fmt"
	"strings"

	apperrors "bnpl-copilot/internal/common/errors"
	"bnpl-copilot/internal/models"
)

var failureSummaries = map[apperrors.ErrorCode]string{
	apperrors.ErrCodeEmptyResult:        "No data matched the requested filters%s.",
	apperrors.ErrCodeSchemaMismatch:     "The data source returned an unexpected shape, so no figures are reported.",
	apperrors.ErrCodeAnomalousValue:     "A computed value fell outside its plausible range and was withheld rather than reported.",
	apperrors.ErrCodeDataUnavailable:    "The data source could not be reached, so no figures are reported.",
	apperrors.ErrCodeGuardrailViolation: "The query was blocked before execution because it referenced data outside the approved schema.",
}

// diagnose explains a turn that produced no accepted result.
func (h *Handler) diagnose(input *Input) Prose {
	plan := input.Plan
	if plan.Unanswerable {
		return Prose{
			Summary: fmt.Sprintf("This question could not be answered from the approved data: %s.", plan.Reason),
			Drivers: []string{"Answerable metrics: " + strings.Join(h.registry.KPINames(), ", ") + "."},
		}
	}

	if input.Failure != nil {
		return Prose{
			Summary: failureSummary(input.Failure.Code, plan),
			Drivers: []string{input.Failure.Details},
		}
	}

	if input.Outcome == nil {
		return Prose{Summary: failureSummary(apperrors.ErrCodeInternal, plan)}
	}
	code := apperrors.ErrorCode(input.Outcome.Code)
	kind := code
	if code == apperrors.ErrCodeRetryExhausted && input.Outcome.Cause != "" {
		kind = apperrors.ErrorCode(input.Outcome.Cause)
	}
	summary := failureSummary(kind, plan)
	if code == apperrors.ErrCodeRetryExhausted {
		summary += " A retry with adjusted parameters did not resolve it."
	}
	var drivers []string
	for _, t := range input.Outcome.Transitions {
		drivers = append(drivers, fmt.Sprintf("%s → %s: %s", t.From, t.To, t.Reason))
	}
	return Prose{Summary: summary, Drivers: drivers}
}

func failureSummary(code apperrors.ErrorCode, plan *models.Plan) string {
	s, ok := failureSummaries[code]
	if !ok {
		return fmt.Sprintf("The request could not be completed (%s).", code)
	}
	if strings.Contains(s, "%s") {
		period := ""
		if !plan.Window.IsZero() {
			period = fmt.Sprintf(" between %s and %s", plan.Window.StartDate(), plan.Window.EndDate())
		}
		return fmt.Sprintf(s, period)
	}
	return s
}
