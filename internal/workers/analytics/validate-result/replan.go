// internal/workers/analytics/validate-result/replan.go
package validateresult

import (
	"fmt"

	apperrors "bnpl-copilot/internal/common/errors"
	"bnpl-copilot/internal/models"
)

// Replan derives the retry plan for a failed check. Adjustments are applied
// in order and every one of them changes the plan:
//  1. kpi_fetch calls with a fallback are swapped for it;
//  2. the window is widened backwards by its own length, when nothing was
//     swapped or the result was empty, up to models.MaxWindowDays;
//  3. an empty result also drops the last group-by.
//
// ok is false when no adjustment applies.
func Replan(plan *models.Plan, code apperrors.ErrorCode) (next *models.Plan, ok bool) {
	return ReplanWithin(plan, code, models.MaxWindowDays)
}

// ReplanWithin is Replan with widened windows capped at maxDays. A window
// already at the cap is not widened.
func ReplanWithin(plan *models.Plan, code apperrors.ErrorCode, maxDays int) (next *models.Plan, ok bool) {
	next = plan.Clone()
	next.Attempt = plan.Attempt + 1
	next.ID = fmt.Sprintf("%s_r%d", baseID(plan), next.Attempt)

	swapped := swapFallbacks(next)
	widened := false
	if code == apperrors.ErrCodeEmptyResult || !swapped {
		widened = widen(next, maxDays)
	}
	dropped := false
	if code == apperrors.ErrCodeEmptyResult {
		dropped = dropGroup(next)
	}
	return next, swapped || widened || dropped
}

func baseID(plan *models.Plan) string {
	if plan.Attempt == 0 {
		return plan.ID
	}
	suffix := fmt.Sprintf("_r%d", plan.Attempt)
	if n := len(plan.ID) - len(suffix); n > 0 && plan.ID[n:] == suffix {
		return plan.ID[:n]
	}
	return plan.ID
}

func swapFallbacks(plan *models.Plan) bool {
	swapped := false
	for i, call := range plan.Calls {
		if call.Tool != models.ToolKPIFetch || call.Fallback == nil {
			continue
		}
		fb := call.Fallback.Clone()
		fb.Role = call.Role
		plan.Calls[i] = fb
		swapped = true
	}
	if swapped {
		plan.Notes = append(plan.Notes, "Precomputed KPIs were unusable; recomputed from detail tables.")
	}
	return swapped
}

func widen(plan *models.Plan, maxDays int) bool {
	if plan.Window.IsZero() {
		return false
	}
	wider := plan.Window.Widen().Clamp(maxDays)
	if wider.Start.Equal(plan.Window.Start) {
		return false
	}
	for i, call := range plan.Calls {
		switch call.Role {
		case models.RolePrimary:
			if !call.Window().IsZero() {
				plan.Calls[i] = call.WithWindow(wider)
			}
		case models.RolePrevious:
			plan.Calls[i] = call.WithWindow(wider.Previous())
		}
	}
	plan.Notes = append(plan.Notes, fmt.Sprintf("Widened the period from %s to %s.", plan.Window, wider))
	plan.Window = wider
	return true
}

// dropGroup removes the last grouping from every data call and from the
// expected shape.
func dropGroup(plan *models.Plan) bool {
	if len(plan.Keys) == 0 {
		return false
	}
	key := plan.Keys[len(plan.Keys)-1]
	if i := plan.PrimaryIndex(); i < 0 || !groupsBy(plan.Calls[i], key) {
		return false
	}
	plan.Keys = plan.Keys[:len(plan.Keys)-1]

	for i := range plan.Calls {
		call := &plan.Calls[i]
		if call.Role != models.RolePrimary && call.Role != models.RolePrevious {
			continue
		}
		ungroupKPI(call.KPI, key)
		ungroupQuery(call.Query, key)
		if call.Fallback != nil {
			ungroupKPI(call.Fallback.KPI, key)
			ungroupQuery(call.Fallback.Query, key)
		}
	}

	cols := plan.Expect.Columns[:0:0]
	for _, c := range plan.Expect.Columns {
		if c != key {
			cols = append(cols, c)
		}
	}
	plan.Expect.Columns = cols
	plan.Notes = append(plan.Notes, fmt.Sprintf("Dropped the breakdown by %s.", key))
	return true
}

func groupsBy(call models.ToolCall, key string) bool {
	switch {
	case call.KPI != nil:
		for _, g := range call.KPI.GroupBy {
			if g == key {
				return true
			}
		}
	case call.Query != nil && len(call.Query.GroupBy) > 0:
		for _, a := range call.Query.Aliases() {
			if a == key {
				return true
			}
		}
	}
	return false
}

func ungroupKPI(args *models.KPIArgs, key string) {
	if args == nil {
		return
	}
	out := args.GroupBy[:0:0]
	for _, g := range args.GroupBy {
		if g != key {
			out = append(out, g)
		}
	}
	args.GroupBy = out
}

func ungroupQuery(q *models.QuerySpec, key string) {
	if q == nil {
		return
	}
	var dropped *models.ColumnRef
	sel := q.Select[:0:0]
	for _, s := range q.Select {
		if s.Alias == key && s.Aggregation == models.AggNone && s.Column != nil {
			ref := *s.Column
			dropped = &ref
			continue
		}
		sel = append(sel, s)
	}
	q.Select = sel
	if dropped == nil {
		return
	}
	groups := q.GroupBy[:0:0]
	for _, g := range q.GroupBy {
		if g != *dropped {
			groups = append(groups, g)
		}
	}
	q.GroupBy = groups
	if q.OrderBy == key {
		q.OrderBy = ""
	}
}
