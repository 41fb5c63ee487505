// internal/workers/analytics/build-plan/sql.go
package buildplan

import (
	"fmt"

	"bnpl-copilot/internal/models"
	"bnpl-copilot/pkg/registry"
)

// specBuilder accumulates a QuerySpec rooted at one table, resolving
// columns through the registry's relations.
type specBuilder struct {
	registry *registry.Registry
	spec     models.QuerySpec
	joined   map[string]bool
	strict   bool
	failed   bool
}

func newSpecBuilder(reg *registry.Registry, base string, strict bool) *specBuilder {
	return &specBuilder{
		registry: reg,
		spec:     models.QuerySpec{Table: base},
		joined:   map[string]bool{base: true},
		strict:   strict,
	}
}

// resolve locates column from the base table. Columns that cannot be
// resolved are kept on the base table as asked, so the executor's guard
// rejects them instead of the planner silently dropping them.
func (b *specBuilder) resolve(column string) models.ColumnRef {
	path, ok := b.registry.ResolveColumn(b.spec.Table, column)
	if !ok {
		b.failed = b.failed || b.strict
		return models.ColumnRef{Table: b.spec.Table, Column: column}
	}
	for _, j := range path.Joins {
		if !b.joined[j.Table] {
			b.joined[j.Table] = true
			b.spec.Joins = append(b.spec.Joins, j)
		}
	}
	return path.Ref
}

func (b *specBuilder) group(e models.ExtractedEntities, dateColumn *models.ColumnRef) {
	for _, g := range e.GroupBy {
		var ref models.ColumnRef
		if g == registry.DateDimension && dateColumn != nil {
			ref = *dateColumn
		} else {
			ref = b.resolve(g)
		}
		r := ref
		b.spec.Select = append(b.spec.Select, models.SelectItem{Alias: g, Column: &r})
		b.spec.GroupBy = append(b.spec.GroupBy, ref)
	}
}

func (b *specBuilder) filter(e models.ExtractedEntities) {
	for _, f := range filters(e) {
		b.spec.Filters = append(b.spec.Filters, models.QueryFilter{
			Ref:    b.resolve(f.Column),
			Values: append([]string(nil), f.Values...),
		})
	}
}

// candidates lists the sources a metric can be computed from in SQL.
func candidates(kpi *registry.KPI, rawOnly bool) []*registry.Source {
	var out []*registry.Source
	if kpi.Raw != nil {
		out = append(out, kpi.Raw)
	}
	if rawOnly {
		return out
	}
	for i := range kpi.Sources {
		out = append(out, &kpi.Sources[i])
	}
	return out
}

// covers reports whether every dimension resolves from the source's table.
func (p *Planner) covers(src *registry.Source, dims []string) bool {
	for _, d := range dims {
		if d == registry.DateDimension {
			if src.DateColumn == "" {
				return false
			}
			continue
		}
		if _, ok := p.registry.ResolveColumn(src.Table, d); !ok {
			return false
		}
	}
	return true
}

// sqlAggregate builds one grouped SQL query for metrics and raw columns.
// With rawOnly only the KPIs' raw definitions are used and any unresolved
// reference makes the build fail; that form is the kpi_fetch fallback.
func (p *Planner) sqlAggregate(plan *models.Plan, e models.ExtractedEntities, metrics, columns []string, rawOnly bool) (models.ToolCall, bool) {
	dims := dimensions(e)

	type chosen struct {
		name string
		src  *registry.Source
	}
	var picks []chosen
	base := ""
	for _, name := range metrics {
		kpi, _ := p.registry.KPI(name)
		cands := candidates(kpi, rawOnly)
		if len(cands) == 0 {
			return models.ToolCall{}, false
		}
		var pick *registry.Source
		for _, src := range cands {
			if (base == "" || src.Table == base) && p.covers(src, dims) {
				pick = src
				break
			}
		}
		if pick == nil && base == "" && !rawOnly {
			pick = cands[0]
		}
		if pick == nil {
			if rawOnly {
				return models.ToolCall{}, false
			}
			plan.Notes = append(plan.Notes, fmt.Sprintf("%s could not be combined with %s in one query and was skipped.", name, picks[0].name))
			continue
		}
		if base == "" {
			base = pick.Table
		}
		picks = append(picks, chosen{name: name, src: pick})
	}
	if base == "" && len(columns) > 0 {
		base, _ = p.registry.FindColumn(columns[0])
	}

	b := newSpecBuilder(p.registry, base, rawOnly)
	var dateRef *models.ColumnRef
	denominator := base
	if len(picks) > 0 {
		dateRef = picks[0].src.DateRef()
		if picks[0].src.Denominator != "" {
			denominator = picks[0].src.Denominator
		}
	} else if dc := p.registry.DateColumn(base); dc != "" {
		dateRef = &models.ColumnRef{Table: base, Column: dc}
	}

	b.group(e, dateRef)
	for _, c := range picks {
		b.spec.Select = append(b.spec.Select, c.src.Select(c.name))
	}
	for _, col := range columns {
		ref := b.resolve(col)
		b.spec.Select = append(b.spec.Select, models.SelectItem{Alias: col, Column: &ref, Aggregation: models.AggAvg})
	}
	b.filter(e)
	if b.failed {
		return models.ToolCall{}, false
	}

	b.spec.DateColumn = dateRef
	b.spec.Window = e.TimeWindow
	b.spec.Limit = plan.RowCap
	b.spec.Population = denominator
	b.spec.Order = e.Order
	if e.Order != models.SortNone {
		if len(picks) > 0 {
			b.spec.OrderBy = picks[0].name
		} else if len(columns) > 0 {
			b.spec.OrderBy = columns[0]
		}
	}

	spec := b.spec
	return models.ToolCall{Tool: models.ToolSQLQuery, Role: models.RolePrimary, Query: &spec}, true
}

// listingCall selects the subject's rows, or counts them per group when the
// question asks for a breakdown.
func (p *Planner) listingCall(plan *models.Plan, e models.ExtractedEntities) models.ToolCall {
	subject := plan.Subject
	base := subject.Table()
	key := subject.KeyColumn()
	b := newSpecBuilder(p.registry, base, false)
	b.spec.Limit = plan.RowCap

	// Master data is listed whole unless a period was asked for; event
	// tables are always bounded by the window.
	windowed := !e.WindowDefaulted || subject == models.SubjectOrders || subject == models.SubjectInstallments
	var dateRef *models.ColumnRef
	if dc := p.registry.DateColumn(base); dc != "" {
		dateRef = &models.ColumnRef{Table: base, Column: dc}
		if windowed {
			b.spec.DateColumn = dateRef
			b.spec.Window = e.TimeWindow
		}
	}

	if len(e.GroupBy) > 0 {
		b.group(e, dateRef)
		b.spec.Select = append(b.spec.Select, models.SelectItem{Alias: CountAlias, Aggregation: models.AggCount})
		b.spec.OrderBy = CountAlias
		b.spec.Order = e.Order
		if b.spec.Order == models.SortNone {
			b.spec.Order = models.SortDesc
		}
		plan.Keys = append([]string(nil), e.GroupBy...)
		plan.Metrics = []string{CountAlias}
		plan.Expect.Columns = append(append([]string(nil), plan.Keys...), CountAlias)
		plan.Expect.Bounds[CountAlias] = models.Bounds{Min: 0, Max: float64(1 << 53)}
	} else {
		for _, c := range p.registry.Columns(base) {
			ref := models.ColumnRef{Table: base, Column: c}
			b.spec.Select = append(b.spec.Select, models.SelectItem{Alias: c, Column: &ref})
		}
		b.spec.OrderBy = key
		b.spec.Order = models.SortAsc
		plan.Keys = []string{key}
		plan.Expect.Columns = []string{key}
	}
	b.filter(e)
	if !windowed && !e.TimeWindow.IsZero() {
		plan.Window = models.TimeWindow{}
	}

	spec := b.spec
	return models.ToolCall{Tool: models.ToolSQLQuery, Role: models.RolePrimary, Query: &spec}
}
