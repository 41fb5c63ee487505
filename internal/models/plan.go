// internal/models/plan.go
package models

// ColumnRef names one allowlisted column.
type ColumnRef struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

func (c ColumnRef) String() string { return c.Table + "." + c.Column }

// Join is an equi-join from an already joined table onto Table.
type Join struct {
	Table string    `json:"table"`
	Left  ColumnRef `json:"left"`
	Right ColumnRef `json:"right"`
}

// Aggregation kinds a SelectItem may apply.
const (
	AggNone          = ""
	AggSum           = "sum"
	AggAvg           = "avg"
	AggCount         = "count"
	AggCountDistinct = "count_distinct"
	AggMin           = "min"
	AggMax           = "max"
	AggRate          = "rate" // share of rows matching Where
)

// SelectItem is either a plain column or a registry-defined aggregation.
// Where restricts the aggregated rows (conditional aggregation).
type SelectItem struct {
	Alias       string       `json:"alias"`
	Column      *ColumnRef   `json:"column,omitempty"`
	Aggregation string       `json:"aggregation,omitempty"`
	Where       *QueryFilter `json:"where,omitempty"`
}

type QueryFilter struct {
	Ref    ColumnRef `json:"ref"`
	Values []string  `json:"values"`
}

// QuerySpec is a structured read-only query over allowlisted tables.
// The warehouse renders it into SQL for its dialect.
type QuerySpec struct {
	Table      string        `json:"table"`
	Joins      []Join        `json:"joins,omitempty"`
	Select     []SelectItem  `json:"select"`
	DateColumn *ColumnRef    `json:"dateColumn,omitempty"`
	Window     TimeWindow    `json:"window"`
	Filters    []QueryFilter `json:"filters,omitempty"`
	GroupBy    []ColumnRef   `json:"groupBy,omitempty"`
	OrderBy    string        `json:"orderBy,omitempty"`
	Order      SortOrder     `json:"order,omitempty"`
	Limit      int           `json:"limit"`
	Population string        `json:"population,omitempty"`
}

// Tables lists the base table followed by joined tables.
func (q QuerySpec) Tables() []string {
	out := []string{q.Table}
	for _, j := range q.Joins {
		out = append(out, j.Table)
	}
	return out
}

// Refs lists every column reference in the spec, including join keys.
func (q QuerySpec) Refs() []ColumnRef {
	var refs []ColumnRef
	for _, j := range q.Joins {
		refs = append(refs, j.Left, j.Right)
	}
	for _, s := range q.Select {
		if s.Column != nil {
			refs = append(refs, *s.Column)
		}
		if s.Where != nil {
			refs = append(refs, s.Where.Ref)
		}
	}
	if q.DateColumn != nil {
		refs = append(refs, *q.DateColumn)
	}
	for _, f := range q.Filters {
		refs = append(refs, f.Ref)
	}
	refs = append(refs, q.GroupBy...)
	return refs
}

// Aliases lists the output column names in select order.
func (q QuerySpec) Aliases() []string {
	out := make([]string, 0, len(q.Select))
	for _, s := range q.Select {
		out = append(out, s.Alias)
	}
	return out
}

type KPIArgs struct {
	Metrics []string   `json:"metrics"`
	Window  TimeWindow `json:"window"`
	GroupBy []string   `json:"groupBy,omitempty"`
	Filters []Filter   `json:"filters,omitempty"`
	Order   SortOrder  `json:"order,omitempty"`
	Limit   int        `json:"limit"`
}

// RiskArgs selects precomputed risk scores. When FromCall is set the user
// keys are read from that call's result instead of UserIDs.
type RiskArgs struct {
	UserIDs  []string `json:"userIds,omitempty"`
	FromCall *int     `json:"fromCall,omitempty"`
	MinScore float64  `json:"minScore"`
	Limit    int      `json:"limit"`
}

type SchemaArgs struct {
	Tables []string `json:"tables"`
}

type TraceArgs struct {
	Event string `json:"event"`
}

// CallRole tells the executor how a call's output is combined.
type CallRole string

const (
	RolePrimary    CallRole = "primary"
	RolePrevious   CallRole = "previous"
	RoleEnrichment CallRole = "enrichment"
	RoleSchema     CallRole = "schema"
	RoleTrace      CallRole = "trace"
)

// ToolCall is one step of a plan. Exactly one args field matches Tool.
type ToolCall struct {
	Tool     ToolKind    `json:"tool"`
	Role     CallRole    `json:"role"`
	KPI      *KPIArgs    `json:"kpi,omitempty"`
	Query    *QuerySpec  `json:"query,omitempty"`
	Risk     *RiskArgs   `json:"risk,omitempty"`
	Schema   *SchemaArgs `json:"schema,omitempty"`
	Trace    *TraceArgs  `json:"trace,omitempty"`
	Fallback *ToolCall   `json:"fallback,omitempty"`
}

// Window returns the time window of a data call, or the zero window.
func (c ToolCall) Window() TimeWindow {
	switch {
	case c.KPI != nil:
		return c.KPI.Window
	case c.Query != nil:
		return c.Query.Window
	}
	return TimeWindow{}
}

// WithWindow returns a copy of the call with its data window replaced.
func (c ToolCall) WithWindow(w TimeWindow) ToolCall {
	out := c.Clone()
	if out.KPI != nil {
		out.KPI.Window = w
	}
	if out.Query != nil {
		out.Query.Window = w
	}
	if out.Fallback != nil {
		fb := out.Fallback.WithWindow(w)
		out.Fallback = &fb
	}
	return out
}

func (c ToolCall) Clone() ToolCall {
	out := c
	if c.KPI != nil {
		k := *c.KPI
		k.Metrics = cloneStrings(c.KPI.Metrics)
		k.GroupBy = cloneStrings(c.KPI.GroupBy)
		k.Filters = cloneFilters(c.KPI.Filters)
		out.KPI = &k
	}
	if c.Query != nil {
		q := *c.Query
		q.Joins = append([]Join(nil), c.Query.Joins...)
		q.Select = make([]SelectItem, len(c.Query.Select))
		for i, s := range c.Query.Select {
			q.Select[i] = s
			if s.Column != nil {
				col := *s.Column
				q.Select[i].Column = &col
			}
			if s.Where != nil {
				w := QueryFilter{Ref: s.Where.Ref, Values: cloneStrings(s.Where.Values)}
				q.Select[i].Where = &w
			}
		}
		if c.Query.DateColumn != nil {
			dc := *c.Query.DateColumn
			q.DateColumn = &dc
		}
		q.Filters = make([]QueryFilter, len(c.Query.Filters))
		for i, f := range c.Query.Filters {
			q.Filters[i] = QueryFilter{Ref: f.Ref, Values: cloneStrings(f.Values)}
		}
		q.GroupBy = append([]ColumnRef(nil), c.Query.GroupBy...)
		out.Query = &q
	}
	if c.Risk != nil {
		r := *c.Risk
		r.UserIDs = cloneStrings(c.Risk.UserIDs)
		if c.Risk.FromCall != nil {
			idx := *c.Risk.FromCall
			r.FromCall = &idx
		}
		out.Risk = &r
	}
	if c.Schema != nil {
		s := SchemaArgs{Tables: cloneStrings(c.Schema.Tables)}
		out.Schema = &s
	}
	if c.Trace != nil {
		t := *c.Trace
		out.Trace = &t
	}
	if c.Fallback != nil {
		fb := c.Fallback.Clone()
		out.Fallback = &fb
	}
	return out
}

// Bounds is the sane range of a numeric result column.
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Expectations describe the shape the planner expects back.
type Expectations struct {
	Columns []string          `json:"columns"`
	Bounds  map[string]Bounds `json:"bounds,omitempty"`
}

// Plan is the ordered tool-call sequence for one attempt of a turn.
// It is not mutated once built; retries produce a new plan.
type Plan struct {
	ID           string       `json:"id"`
	Intent       IntentKind   `json:"intent"`
	Calls        []ToolCall   `json:"calls"`
	Comparison   bool         `json:"comparison"`
	Metrics      []string     `json:"metrics,omitempty"`
	Keys         []string     `json:"keys,omitempty"`
	Subject      SubjectKind  `json:"subject,omitempty"`
	Window       TimeWindow   `json:"window"`
	RowCap       int          `json:"rowCap"`
	Expect       Expectations `json:"expect"`
	Notes        []string     `json:"notes,omitempty"`
	Unanswerable bool         `json:"unanswerable,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	Attempt      int          `json:"attempt"`
}

func (p *Plan) Clone() *Plan {
	out := *p
	out.Calls = make([]ToolCall, len(p.Calls))
	for i, c := range p.Calls {
		out.Calls[i] = c.Clone()
	}
	out.Metrics = cloneStrings(p.Metrics)
	out.Keys = cloneStrings(p.Keys)
	out.Notes = cloneStrings(p.Notes)
	out.Expect.Columns = cloneStrings(p.Expect.Columns)
	if p.Expect.Bounds != nil {
		out.Expect.Bounds = make(map[string]Bounds, len(p.Expect.Bounds))
		for k, v := range p.Expect.Bounds {
			out.Expect.Bounds[k] = v
		}
	}
	return &out
}

// Tools lists the distinct tools in call order.
func (p *Plan) Tools() []ToolKind {
	seen := map[ToolKind]bool{}
	var out []ToolKind
	for _, c := range p.Calls {
		if !seen[c.Tool] {
			seen[c.Tool] = true
			out = append(out, c.Tool)
		}
	}
	return out
}

// PrimaryIndex returns the index of the primary data call, or -1.
func (p *Plan) PrimaryIndex() int {
	for i, c := range p.Calls {
		if c.Role == RolePrimary {
			return i
		}
	}
	return -1
}

func cloneFilters(in []Filter) []Filter {
	if in == nil {
		return nil
	}
	out := make([]Filter, len(in))
	for i, f := range in {
		out[i] = Filter{Column: f.Column, Values: cloneStrings(f.Values)}
	}
	return out
}
