// internal/workers/data-access/query-warehouse/queries/kpi.go
package queries

import (
	"errors"
	"fmt"

	"bnpl-copilot/internal/models"
	"bnpl-copilot/pkg/registry"
)

var (
	ErrUnknownKPI          = errors.New("unknown KPI")
	ErrUnsupportedGrouping = errors.New("no KPI source supports the requested grouping")
)

// CompiledKPI is the query answering one metric of a kpi_fetch.
type CompiledKPI struct {
	Metric string
	Spec   models.QuerySpec
}

// CompileKPI builds one QuerySpec per requested metric, each over the first
// source that covers the grouping and filters.
func CompileKPI(reg *registry.Registry, args models.KPIArgs) ([]CompiledKPI, error) {
	dims := append([]string(nil), args.GroupBy...)
	for _, f := range args.Filters {
		dims = append(dims, f.Column)
	}

	out := make([]CompiledKPI, 0, len(args.Metrics))
	for _, name := range args.Metrics {
		kpi, ok := reg.KPI(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKPI, name)
		}
		src, ok := kpi.SourceFor(dims)
		if !ok {
			return nil, fmt.Errorf("%w: %s by %v", ErrUnsupportedGrouping, name, dims)
		}
		out = append(out, CompiledKPI{Metric: name, Spec: SourceSpec(src, name, args)})
	}
	return out, nil
}

// SourceSpec renders a KPI source as a grouped aggregate query. The date
// dimension groups by the source's own date column under the alias "date".
func SourceSpec(src *registry.Source, alias string, args models.KPIArgs) models.QuerySpec {
	spec := models.QuerySpec{
		Table:      src.Table,
		DateColumn: src.DateRef(),
		Window:     args.Window,
		Order:      args.Order,
		Limit:      args.Limit,
		Population: src.Denominator,
	}
	for _, g := range args.GroupBy {
		ref := models.ColumnRef{Table: src.Table, Column: g}
		if g == registry.DateDimension && src.DateColumn != "" {
			ref.Column = src.DateColumn
		}
		spec.Select = append(spec.Select, models.SelectItem{Alias: g, Column: &ref})
		spec.GroupBy = append(spec.GroupBy, ref)
	}
	spec.Select = append(spec.Select, src.Select(alias))
	for _, f := range args.Filters {
		spec.Filters = append(spec.Filters, models.QueryFilter{
			Ref:    models.ColumnRef{Table: src.Table, Column: f.Column},
			Values: append([]string(nil), f.Values...),
		})
	}
	if args.Order != models.SortNone {
		spec.OrderBy = alias
	}
	return spec
}

// MergeByKey joins per-metric results on their group columns. Row order
// follows the first result; keys only present later are appended.
func MergeByKey(keys []string, parts []*models.ResultSet) *models.ResultSet {
	if len(parts) == 1 {
		return parts[0]
	}
	merged := &models.ResultSet{Columns: append([]string(nil), keys...)}
	index := map[string]models.Row{}

	for _, part := range parts {
		for _, c := range part.Columns {
			if !contains(merged.Columns, c) {
				merged.Columns = append(merged.Columns, c)
			}
		}
		merged.Truncated = merged.Truncated || part.Truncated
		if part.Population != nil && (merged.Population == nil || *part.Population > *merged.Population) {
			p := *part.Population
			merged.Population = &p
		}
		merged.Window = part.Window
		for _, row := range part.Rows {
			k := rowKey(keys, row)
			existing, ok := index[k]
			if !ok {
				existing = models.Row{}
				for _, key := range keys {
					existing[key] = row[key]
				}
				index[k] = existing
				merged.Rows = append(merged.Rows, existing)
			}
			for c, v := range row {
				existing[c] = v
			}
		}
	}
	for _, row := range merged.Rows {
		for _, c := range merged.Columns {
			if _, ok := row[c]; !ok {
				row[c] = nil
			}
		}
	}
	merged.RowCount = len(merged.Rows)
	return merged
}

func rowKey(keys []string, row models.Row) string {
	k := ""
	for _, key := range keys {
		k += fmt.Sprint(row[key]) + "\x1f"
	}
	return k
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
