// internal/workers/analytics/validate-result/checks.go
package validateresult

import (
	"errors"
	"fmt"
	"math"

	apperrors "bnpl-copilot/internal/common/errors"
	"bnpl-copilot/internal/models"
)

// Verdict is the result of checking one attempt.
type Verdict struct {
	Err            *apperrors.StandardError
	LegitimateZero bool
}

// Check runs the acceptance checks in order: primary or previous-window
// failure, expected columns, emptiness against the denominator, then
// sanity bounds.
func Check(plan *models.Plan, exec *models.ExecutionResult) Verdict {
	if exec == nil || exec.Failed(models.RolePrimary) || exec.Result == nil {
		return Verdict{Err: apperrors.NewDataUnavailableError(failedTool(plan, exec, models.RolePrimary), failedError(exec, models.RolePrimary))}
	}
	// A comparison without its previous window lacks the delta columns
	// because the data was unreachable, not because the shape is wrong.
	if exec.Failed(models.RolePrevious) {
		return Verdict{Err: apperrors.NewDataUnavailableError(failedTool(plan, exec, models.RolePrevious), failedError(exec, models.RolePrevious))}
	}
	rs := exec.Result

	var missing []string
	for _, c := range expectedColumns(plan, exec) {
		if !rs.HasColumn(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return Verdict{Err: apperrors.NewSchemaMismatchError(missing)}
	}

	if isEmpty(plan, rs) {
		if rs.Population != nil && *rs.Population > 0 {
			return Verdict{LegitimateZero: true}
		}
		return Verdict{Err: apperrors.NewEmptyResultError(emptyDetails(plan, rs))}
	}

	for _, row := range rs.Rows {
		for col, b := range plan.Expect.Bounds {
			v, ok := models.AsFloat(row[col])
			if !ok {
				continue
			}
			if math.IsNaN(v) || math.IsInf(v, 0) || v < b.Min || v > b.Max {
				return Verdict{Err: apperrors.NewAnomalousValueError(col, v)}
			}
		}
	}

	return Verdict{LegitimateZero: allZero(plan, rs)}
}

// expectedColumns drops the columns of an enrichment that failed; the
// partial result is still answerable.
func expectedColumns(plan *models.Plan, exec *models.ExecutionResult) []string {
	if !exec.Failed(models.RoleEnrichment) {
		return plan.Expect.Columns
	}
	var out []string
	for _, c := range plan.Expect.Columns {
		if c == models.ColumnRiskScore || c == models.ColumnRiskBand {
			continue
		}
		out = append(out, c)
	}
	return out
}

// isEmpty treats an aggregate whose metric cells are all NULL as empty:
// SQL aggregates over no rows still return one row.
func isEmpty(plan *models.Plan, rs *models.ResultSet) bool {
	if len(rs.Rows) == 0 {
		return true
	}
	if len(plan.Metrics) == 0 {
		return false
	}
	for _, row := range rs.Rows {
		for _, m := range plan.Metrics {
			if row[m] != nil {
				return false
			}
		}
	}
	return true
}

// allZero reports whether every metric cell is numerically zero.
func allZero(plan *models.Plan, rs *models.ResultSet) bool {
	seen := false
	for _, row := range rs.Rows {
		for _, m := range plan.Metrics {
			v, ok := models.AsFloat(row[m])
			if !ok {
				continue
			}
			if v != 0 {
				return false
			}
			seen = true
		}
	}
	return seen
}

func emptyDetails(plan *models.Plan, rs *models.ResultSet) string {
	w := rs.Window
	if w.IsZero() {
		w = plan.Window
	}
	if w.IsZero() {
		return "no rows and no population for the requested filters"
	}
	return fmt.Sprintf("no rows and no population between %s and %s", w.StartDate(), w.EndDate())
}

func failedTool(plan *models.Plan, exec *models.ExecutionResult, role models.CallRole) string {
	if exec != nil {
		for _, f := range exec.Failures {
			if f.Role == role {
				return string(f.Tool)
			}
		}
	}
	if plan != nil {
		if i := plan.PrimaryIndex(); i >= 0 {
			return string(plan.Calls[i].Tool)
		}
	}
	return "unknown"
}

func failedError(exec *models.ExecutionResult, role models.CallRole) error {
	if exec != nil {
		for _, f := range exec.Failures {
			if f.Role == role {
				return errors.New(f.Message)
			}
		}
	}
	return errors.New("no result")
}
