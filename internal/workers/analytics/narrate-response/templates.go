// internal/workers/analytics/narrate-response/templates.go
package narrateresponse

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"bnpl-copilot/internal/models"
	"bnpl-copilot/pkg/grounding"
	"bnpl-copilot/pkg/registry"
)

type shape string

const (
	shapeSingle     shape = "single"
	shapeComparison shape = "comparison"
	shapeRanking    shape = "ranking"
	shapeSeries     shape = "series"
	shapeZero       shape = "zero"
	shapeListing    shape = "listing"
	shapeRisk       shape = "risk"
)

// answer is an accepted result together with what is needed to describe it.
type answer struct {
	plan   *models.Plan
	rs     *models.ResultSet
	zero   bool
	risk   *models.RiskArgs
	order  models.SortOrder
	f      formatter
	topN   int
	counts map[string]int
}

func newAnswer(plan *models.Plan, exec *models.ExecutionResult, outcome *models.ValidationOutcome, f formatter, topN int) *answer {
	a := &answer{plan: plan, rs: exec.Result, f: f, topN: topN}
	if outcome != nil {
		a.zero = outcome.LegitimateZero
	}
	for _, c := range plan.Calls {
		switch c.Role {
		case models.RoleEnrichment:
			if c.Risk != nil && !exec.Failed(models.RoleEnrichment) && a.rs.HasColumn(models.ColumnRiskScore) {
				a.risk = c.Risk
			}
		case models.RolePrimary:
			switch {
			case c.KPI != nil:
				a.order = c.KPI.Order
			case c.Query != nil:
				a.order = c.Query.Order
			}
		}
	}
	return a
}

func (a *answer) shape() shape {
	switch {
	case a.risk != nil:
		return shapeRisk
	case a.zero || len(a.rs.Rows) == 0:
		return shapeZero
	case len(a.plan.Metrics) == 0:
		return shapeListing
	case a.plan.Comparison && a.rs.HasColumn(a.plan.Metrics[0]+models.SuffixPrevious):
		return shapeComparison
	case len(a.plan.Keys) > 0 && isDateKey(a.plan.Keys[0]) && len(a.rs.Rows) > 1:
		return shapeSeries
	case len(a.plan.Keys) > 0 && len(a.rs.Rows) > 1:
		return shapeRanking
	}
	return shapeSingle
}

// render builds the template prose and key metrics for the answer.
func (a *answer) render() (Prose, []models.KeyMetric) {
	switch a.shape() {
	case shapeRisk:
		return a.riskIntersection()
	case shapeZero:
		return a.allZero()
	case shapeListing:
		return a.listing()
	case shapeComparison:
		return a.comparison()
	case shapeSeries:
		return a.series()
	case shapeRanking:
		return a.ranking()
	default:
		return a.single()
	}
}

// facts is every number the answer's prose may quote.
func (a *answer) facts() *grounding.Facts {
	facts := grounding.NewFacts().
		WithFractions(a.f.fraction).
		AddResult(a.rs).
		AddWindow(a.plan.Window).
		Add(float64(a.plan.RowCap), float64(a.topN))
	if a.plan.Comparison {
		facts.AddWindow(a.plan.Window.Previous())
	}
	if a.risk != nil {
		facts.AddFraction(a.risk.MinScore)
	}
	for _, n := range a.bandCounts() {
		facts.Add(float64(n))
	}
	return facts
}

func (a *answer) period() string {
	w := a.plan.Window
	if w.IsZero() {
		w = a.rs.Window
	}
	if w.IsZero() {
		return ""
	}
	return fmt.Sprintf(" between %s and %s", w.StartDate(), w.EndDate())
}

func (a *answer) metric(column string, v float64) models.KeyMetric {
	val, unit := a.f.value(column, v)
	return models.KeyMetric{Label: a.f.label(column), Value: val, Unit: unit, Raw: v}
}

func (a *answer) single() (Prose, []models.KeyMetric) {
	row := a.rs.Rows[0]
	var parts []string
	var kms []models.KeyMetric
	for _, m := range a.plan.Metrics {
		v, ok := models.AsFloat(row[m])
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s was %s", a.f.phrase(m), a.f.text(m, v)))
		kms = append(kms, a.metric(m, v))
	}
	summary := capitalize(strings.Join(parts, " and ")) + a.period() + "."
	if len(a.plan.Keys) > 0 {
		summary = fmt.Sprintf("For %s, %s", keyText(row, a.plan.Keys), strings.Join(parts, " and ")) + a.period() + "."
	}
	return Prose{Summary: summary, Drivers: intentDrivers(a.plan.Intent)}, kms
}

func (a *answer) comparison() (Prose, []models.KeyMetric) {
	if len(a.plan.Keys) > 0 {
		return a.movers()
	}
	row := a.rs.Rows[0]
	prevWindow := a.plan.Window.Previous()
	var parts, drivers []string
	var kms []models.KeyMetric
	for _, m := range a.plan.Metrics {
		cur, ok := models.AsFloat(row[m])
		if !ok {
			continue
		}
		kms = append(kms, a.metric(m, cur))
		prev, hasPrev := models.AsFloat(row[m+models.SuffixPrevious])
		if !hasPrev {
			parts = append(parts, fmt.Sprintf("%s was %s with no value in the previous period", a.f.phrase(m), a.f.text(m, cur)))
			drivers = append(drivers, fmt.Sprintf("%s has no data between %s and %s, so no change is reported.",
				a.f.label(m), prevWindow.StartDate(), prevWindow.EndDate()))
			continue
		}
		prevMetric := a.metric(m, prev)
		prevMetric.Label += " (previous period)"
		kms = append(kms, prevMetric)

		delta, _ := models.AsFloat(row[m+models.SuffixChange])
		detail := a.f.change(m, delta)
		if pct, ok := models.AsFloat(row[m+models.SuffixPctChange]); ok {
			detail += ", " + percentChange(pct)
			kms = append(kms, models.KeyMetric{Label: a.f.label(m) + " % change", Value: percentChange(pct), Raw: pct})
		}
		kms = append(kms, models.KeyMetric{Label: a.f.label(m) + " change", Value: a.f.change(m, delta), Raw: delta})

		parts = append(parts, fmt.Sprintf("%s was %s, %s %s in the previous period (%s)",
			a.f.phrase(m), a.f.text(m, cur), direction(delta), a.f.text(m, prev), detail))
		if delta == 0 {
			drivers = append(drivers, fmt.Sprintf("%s held flat against %s to %s.",
				a.f.label(m), prevWindow.StartDate(), prevWindow.EndDate()))
		} else {
			drivers = append(drivers, fmt.Sprintf("%s %s by %s against %s to %s.",
				a.f.label(m), verb(delta), a.f.magnitude(m, delta), prevWindow.StartDate(), prevWindow.EndDate()))
		}
	}
	summary := capitalize(strings.Join(parts, "; ")) + a.period() + "."
	return Prose{Summary: summary, Drivers: drivers}, kms
}

// movers describes a grouped comparison by its largest absolute changes.
func (a *answer) movers() (Prose, []models.KeyMetric) {
	m := a.plan.Metrics[0]
	rows := append([]models.Row(nil), a.rs.Rows...)
	sort.SliceStable(rows, func(i, j int) bool {
		return math.Abs(floatOr(rows[i][m+models.SuffixChange])) > math.Abs(floatOr(rows[j][m+models.SuffixChange]))
	})

	var drivers []string
	var kms []models.KeyMetric
	for i, row := range rows {
		if i == a.topN {
			break
		}
		cur, _ := models.AsFloat(row[m])
		line := fmt.Sprintf("%s: %s", keyText(row, a.plan.Keys), a.f.text(m, cur))
		if prev, ok := models.AsFloat(row[m+models.SuffixPrevious]); ok {
			delta, _ := models.AsFloat(row[m+models.SuffixChange])
			line += fmt.Sprintf(" vs %s (%s)", a.f.text(m, prev), a.f.change(m, delta))
		} else {
			line += " (new this period)"
		}
		drivers = append(drivers, line+".")
		km := a.metric(m, cur)
		km.Label += " (" + keyText(row, a.plan.Keys) + ")"
		kms = append(kms, km)
	}

	top := rows[0]
	cur, _ := models.AsFloat(top[m])
	summary := fmt.Sprintf("Compared with the previous period, %s moved most for %s, now at %s",
		a.f.phrase(m), keyText(top, a.plan.Keys), a.f.text(m, cur))
	if delta, ok := models.AsFloat(top[m+models.SuffixChange]); ok {
		summary += fmt.Sprintf(" (%s)", a.f.change(m, delta))
	}
	return Prose{Summary: summary + a.period() + ".", Drivers: drivers}, kms
}

// ranked orders the rows on the first metric, best first for the
// requested direction.
func (a *answer) ranked() []models.Row {
	m := a.plan.Metrics[0]
	rows := append([]models.Row(nil), a.rs.Rows...)
	sort.SliceStable(rows, func(i, j int) bool {
		vi, vj := floatOr(rows[i][m]), floatOr(rows[j][m])
		if a.order == models.SortAsc {
			return vi < vj
		}
		return vi > vj
	})
	return rows
}

func (a *answer) ranking() (Prose, []models.KeyMetric) {
	m := a.plan.Metrics[0]
	rows := a.ranked()
	extreme, other := "highest", "Lowest"
	if a.order == models.SortAsc {
		extreme, other = "lowest", "Highest"
	}

	var drivers []string
	var kms []models.KeyMetric
	for i, row := range rows {
		if i == a.topN {
			break
		}
		v, _ := models.AsFloat(row[m])
		drivers = append(drivers, fmt.Sprintf("%s: %s", keyText(row, a.plan.Keys), a.f.text(m, v)))
		km := a.metric(m, v)
		km.Label += " (" + keyText(row, a.plan.Keys) + ")"
		kms = append(kms, km)
	}
	if len(rows) > a.topN {
		last := rows[len(rows)-1]
		v, _ := models.AsFloat(last[m])
		drivers = append(drivers, fmt.Sprintf("%s: %s at %s", other, keyText(last, a.plan.Keys), a.f.text(m, v)))
	}
	if a.rs.Truncated {
		drivers = append(drivers, fmt.Sprintf("Only the first %d %s were returned.", a.plan.RowCap, noun(a.plan)))
	}

	top := rows[0]
	v, _ := models.AsFloat(top[m])
	summary := fmt.Sprintf("%s has the %s %s at %s among %d %s",
		keyText(top, a.plan.Keys), extreme, a.f.phrase(m), a.f.text(m, v), len(rows), noun(a.plan))
	return Prose{Summary: summary + a.period() + ".", Drivers: drivers}, kms
}

func (a *answer) series() (Prose, []models.KeyMetric) {
	m := a.plan.Metrics[0]
	key := a.plan.Keys[0]
	rows := append([]models.Row(nil), a.rs.Rows...)
	sort.SliceStable(rows, func(i, j int) bool { return cell(rows[i][key]) < cell(rows[j][key]) })

	first, last := rows[0], rows[len(rows)-1]
	peak, low := first, first
	for _, row := range rows {
		if floatOr(row[m]) > floatOr(peak[m]) {
			peak = row
		}
		if floatOr(row[m]) < floatOr(low[m]) {
			low = row
		}
	}
	at := func(row models.Row) string {
		return fmt.Sprintf("%s on %s", a.f.text(m, floatOr(row[m])), cell(row[key]))
	}

	summary := fmt.Sprintf("%s went from %s to %s, peaking at %s.",
		capitalize(a.f.phrase(m)), at(first), at(last), at(peak))
	drivers := []string{
		fmt.Sprintf("Lowest point: %s.", at(low)),
		fmt.Sprintf("%d %s periods in the series.", len(rows), key),
	}

	latest := a.metric(m, floatOr(last[m]))
	latest.Label += " (latest)"
	high := a.metric(m, floatOr(peak[m]))
	high.Label += " (peak)"
	bottom := a.metric(m, floatOr(low[m]))
	bottom.Label += " (low)"
	return Prose{Summary: summary, Drivers: drivers}, []models.KeyMetric{latest, high, bottom}
}

// allZero states a zero that the denominator shows is real.
func (a *answer) allZero() (Prose, []models.KeyMetric) {
	var kms []models.KeyMetric
	var drivers []string
	if a.rs.Population != nil {
		drivers = append(drivers, fmt.Sprintf("The denominator held %s records in the period, so this is a true zero rather than missing data.",
			number(float64(*a.rs.Population), 0)))
	}

	if len(a.rs.Rows) == 0 || len(a.plan.Metrics) == 0 {
		summary := fmt.Sprintf("No %s matched", noun(a.plan)) + a.period() + "."
		kms = append(kms, models.KeyMetric{Label: capitalize(noun(a.plan)) + " matched", Value: "0"})
		return Prose{Summary: summary, Drivers: drivers}, a.withPopulation(kms)
	}

	m := a.plan.Metrics[0]
	zero := a.f.text(m, 0)
	var summary string
	switch {
	case len(a.plan.Keys) > 0 && a.f.kind(m) == registry.KindRate:
		summary = fmt.Sprintf("%s %s across %d %s", zero, a.f.phrase(m), len(a.rs.Rows), noun(a.plan))
	case len(a.plan.Keys) > 0:
		summary = fmt.Sprintf("%s was %s for all %d %s", capitalize(a.f.phrase(m)), zero, len(a.rs.Rows), noun(a.plan))
	default:
		summary = fmt.Sprintf("%s was %s", capitalize(a.f.phrase(m)), zero)
	}
	for _, metric := range a.plan.Metrics {
		kms = append(kms, a.metric(metric, 0))
	}
	return Prose{Summary: summary + a.period() + ".", Drivers: drivers}, a.withPopulation(kms)
}

func (a *answer) withPopulation(kms []models.KeyMetric) []models.KeyMetric {
	if a.rs.Population == nil {
		return kms
	}
	pop := float64(*a.rs.Population)
	return append(kms, models.KeyMetric{Label: "Records in denominator", Value: number(pop, 0), Raw: pop})
}

func (a *answer) listing() (Prose, []models.KeyMetric) {
	n := len(a.rs.Rows)
	summary := fmt.Sprintf("%d %s matched", n, noun(a.plan)) + a.period() + "."
	if n == 1 {
		summary = fmt.Sprintf("1 %s matched", strings.TrimSuffix(noun(a.plan), "s")) + a.period() + "."
	}
	var drivers []string
	if len(a.plan.Keys) > 0 && n > 0 {
		ids := a.rs.Strings(a.plan.Keys[0])
		shown := len(ids)
		if shown > a.topN {
			shown = a.topN
			drivers = append(drivers, fmt.Sprintf("First %d: %s.", shown, strings.Join(ids[:shown], ", ")))
		} else {
			drivers = append(drivers, fmt.Sprintf("Listed: %s.", strings.Join(ids, ", ")))
		}
	}
	if a.rs.Truncated {
		drivers = append(drivers, fmt.Sprintf("The list stops at the %d-row cap.", a.plan.RowCap))
	}
	kms := []models.KeyMetric{{Label: capitalize(noun(a.plan)) + " listed", Value: number(float64(n), 0), Raw: float64(n)}}
	return Prose{Summary: summary, Drivers: drivers}, kms
}

// riskIntersection describes the users of a listing that also carry a risk
// score at or above the threshold.
func (a *answer) riskIntersection() (Prose, []models.KeyMetric) {
	n := len(a.rs.Rows)
	screened := n
	if a.rs.Population != nil {
		screened = int(*a.rs.Population)
	}
	threshold := number(a.risk.MinScore, 2)
	summary := fmt.Sprintf("%d of %d %s scored at or above %s on late-payment risk", n, screened, noun(a.plan), threshold)

	var drivers []string
	if n > 0 {
		top := a.rs.Rows[0]
		score, _ := models.AsFloat(top[models.ColumnRiskScore])
		summary += fmt.Sprintf(", led by %s at %s (%s)", cell(top["user_id"]), number(score, 2), cell(top[models.ColumnRiskBand]))

		counts := a.bandCounts()
		bands := make([]string, 0, len(counts))
		for b := range counts {
			bands = append(bands, b)
		}
		sort.Slice(bands, func(i, j int) bool { return bandRank(bands[i]) > bandRank(bands[j]) })
		for _, b := range bands {
			drivers = append(drivers, fmt.Sprintf("%s band: %d %s", b, counts[b], plural(counts[b], "user", "users")))
		}
		for i, row := range a.rs.Rows {
			if i == a.topN {
				break
			}
			s, _ := models.AsFloat(row[models.ColumnRiskScore])
			drivers = append(drivers, fmt.Sprintf("%s: %s (%s)", cell(row["user_id"]), number(s, 2), cell(row[models.ColumnRiskBand])))
		}
	}

	kms := []models.KeyMetric{
		{Label: "Users at or above threshold", Value: number(float64(n), 0), Raw: float64(n)},
		{Label: "Users screened", Value: number(float64(screened), 0), Raw: float64(screened)},
	}
	if n > 0 {
		s, _ := models.AsFloat(a.rs.Rows[0][models.ColumnRiskScore])
		kms = append(kms, models.KeyMetric{Label: "Highest risk score", Value: number(s, 2), Raw: s})
	}
	return Prose{Summary: summary + a.period() + ".", Drivers: drivers}, kms
}

func (a *answer) bandCounts() map[string]int {
	if a.counts != nil || a.risk == nil {
		return a.counts
	}
	a.counts = map[string]int{}
	for _, row := range a.rs.Rows {
		if b, ok := row[models.ColumnRiskBand]; ok && b != nil {
			a.counts[cell(b)]++
		}
	}
	return a.counts
}

// evidence is one sentence citing a cell, used to justify actions.
func (a *answer) evidence() string {
	if len(a.rs.Rows) == 0 {
		return fmt.Sprintf("no %s matched%s", noun(a.plan), a.period())
	}
	row := a.rs.Rows[0]
	switch a.shape() {
	case shapeRisk:
		s, _ := models.AsFloat(row[models.ColumnRiskScore])
		return fmt.Sprintf("%s has a risk score of %s (%s)", cell(row["user_id"]), number(s, 2), cell(row[models.ColumnRiskBand]))
	case shapeListing:
		return fmt.Sprintf("%d %s matched%s", len(a.rs.Rows), noun(a.plan), a.period())
	case shapeZero:
		m := a.plan.Metrics[0]
		if len(a.plan.Keys) == 0 {
			return fmt.Sprintf("%s is %s%s", a.f.phrase(m), a.f.text(m, 0), a.period())
		}
		return fmt.Sprintf("%s is %s across %d %s", a.f.phrase(m), a.f.text(m, 0), len(a.rs.Rows), noun(a.plan))
	case shapeComparison:
		m := a.plan.Metrics[0]
		delta, ok := models.AsFloat(row[m+models.SuffixChange])
		if ok {
			subject := a.f.phrase(m)
			if len(a.plan.Keys) > 0 {
				subject += " for " + keyText(row, a.plan.Keys)
			}
			return fmt.Sprintf("%s moved %s against the previous period", subject, a.f.change(m, delta))
		}
	case shapeRanking:
		m := a.plan.Metrics[0]
		top := a.ranked()[0]
		return fmt.Sprintf("%s leads on %s at %s%s", keyText(top, a.plan.Keys), a.f.phrase(m), a.f.text(m, floatOr(top[m])), a.period())
	}
	m := a.plan.Metrics[0]
	v, _ := models.AsFloat(row[m])
	return fmt.Sprintf("%s was %s%s", a.f.phrase(m), a.f.text(m, v), a.period())
}

// intentDrivers are the prompts offered when the data isolates no driver.
func intentDrivers(intent models.IntentKind) []string {
	switch intent {
	case models.IntentGrowthAnalytics:
		return []string{"Break the figure down by city or category to see which segments drive it."}
	case models.IntentFunnel:
		return []string{"Compare with the previous period to locate the checkout step that moved."}
	case models.IntentRisk:
		return []string{"Split by signup cohort to see where late payments concentrate."}
	case models.IntentMerchantPerf:
		return []string{"Rank merchants on this metric to find the outliers."}
	case models.IntentDisputesRefunds:
		return []string{"Rank merchants by dispute rate to find where disputes concentrate."}
	}
	return []string{"Ask for a breakdown or a period comparison to isolate drivers."}
}

func direction(delta float64) string {
	switch {
	case delta > 0:
		return "up from"
	case delta < 0:
		return "down from"
	}
	return "unchanged from"
}

func verb(delta float64) string {
	if delta < 0 {
		return "fell"
	}
	return "rose"
}

func bandRank(b string) int {
	switch b {
	case "very_high":
		return 4
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	}
	return 0
}

func isDateKey(key string) bool {
	return key == registry.DateDimension || strings.HasSuffix(key, "_date") ||
		strings.HasSuffix(key, "_week") || strings.HasSuffix(key, "_month")
}

func floatOr(v interface{}) float64 {
	f, _ := models.AsFloat(v)
	return f
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
