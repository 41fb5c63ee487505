// internal/workers/analytics/narrate-response/format.go
package narrateresponse

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"

	"bnpl-copilot/internal/models"
	"bnpl-copilot/pkg/registry"
)

var acronyms = map[string]string{"gmv": "GMV", "id": "ID"}

// formatter renders result cells the way the registry describes them.
type formatter struct {
	registry *registry.Registry
}

func (f formatter) kind(column string) registry.Kind {
	if kpi, ok := f.registry.KPI(column); ok {
		return kpi.Kind
	}
	return ""
}

// fraction reports whether column holds a share that prose may quote as a
// percentage: rate KPIs with their previous values and deltas, and risk
// scores.
func (f formatter) fraction(column string) bool {
	if column == models.ColumnRiskScore {
		return true
	}
	if strings.HasSuffix(column, models.SuffixPctChange) {
		return false
	}
	base := strings.TrimSuffix(strings.TrimSuffix(column, models.SuffixPrevious), models.SuffixChange)
	return f.kind(base) == registry.KindRate
}

// label turns a column name into a heading: dispute_rate → Dispute rate.
func (f formatter) label(column string) string {
	words := strings.Split(column, "_")
	for i, w := range words {
		if a, ok := acronyms[w]; ok {
			words[i] = a
		} else if i == 0 && w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// phrase is the label used inside a sentence.
func (f formatter) phrase(column string) string {
	first := strings.SplitN(column, "_", 2)[0]
	l := f.label(column)
	if _, ok := acronyms[first]; ok || l == "" {
		return l
	}
	return strings.ToLower(l[:1]) + l[1:]
}

// value formats v as a display value and unit.
func (f formatter) value(column string, v float64) (string, string) {
	kpi, known := f.registry.KPI(column)
	switch {
	case known && kpi.Kind == registry.KindRate:
		return number(v*100, 1) + "%", ""
	case known && kpi.Kind == registry.KindAmount:
		return number(v, 2), kpi.Unit
	case known && kpi.Kind == registry.KindCount:
		return number(v, 0), kpi.Unit
	case v == math.Trunc(v):
		return number(v, 0), ""
	}
	return number(v, 2), ""
}

// text formats v with its unit for use in prose.
func (f formatter) text(column string, v float64) string {
	val, unit := f.value(column, v)
	if unit == "" || unit == "%" {
		return val
	}
	return val + " " + unit
}

// magnitude formats the size of a period delta. Rate deltas are
// percentage points.
func (f formatter) magnitude(metric string, v float64) string {
	v = math.Abs(v)
	if f.kind(metric) == registry.KindRate {
		return number(v*100, 1) + " pp"
	}
	return f.text(metric, v)
}

// change is the signed magnitude.
func (f formatter) change(metric string, v float64) string {
	if v < 0 {
		return "-" + f.magnitude(metric, v)
	}
	return "+" + f.magnitude(metric, v)
}

func percentChange(v float64) string {
	if v < 0 {
		return "-" + number(-v, 1) + "%"
	}
	return "+" + number(v, 1) + "%"
}

// number rounds v to digits decimals and adds thousands separators.
func number(v float64, digits int) string {
	p := math.Pow(10, float64(digits))
	r := math.Round(v*p) / p
	if r == 0 {
		r = 0 // drop negative zero
	}
	if digits == 0 {
		return humanize.Comma(int64(r))
	}
	return humanize.CommafWithDigits(r, digits)
}

// cell formats a non-numeric cell, dates as ISO days.
func cell(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "n/a"
	case []byte:
		return string(t)
	case interface{ Format(string) string }:
		return t.Format(models.DateLayout)
	}
	return fmt.Sprint(v)
}

// keyText joins the grouping cells of a row.
func keyText(row models.Row, keys []string) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, cell(row[k]))
	}
	return strings.Join(parts, " / ")
}

// noun names what the rows of a result are.
func noun(plan *models.Plan) string {
	if plan.Subject != models.SubjectNone {
		return string(plan.Subject)
	}
	if len(plan.Keys) > 0 {
		if s := models.SubjectForKey(plan.Keys[0]); s != models.SubjectNone {
			return string(s)
		}
		return plan.Keys[0] + " values"
	}
	return "rows"
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
