// internal/models/entities.go
package models

import "sort"

// Filter restricts a column to one of Values.
type Filter struct {
	Column string   `json:"column"`
	Values []string `json:"values"`
}

// ResultReference points a follow-up turn at rows of an earlier result.
type ResultReference struct {
	ResultID ResultSetID `json:"resultId"`
	Key      string      `json:"key"`
	Values   []string    `json:"values"`
}

// ExtractedEntities is the structured reading of one user message.
type ExtractedEntities struct {
	Intent          IntentKind       `json:"intent"`
	Metrics         []string         `json:"metrics"`
	UnknownMetrics  []string         `json:"unknownMetrics,omitempty"`
	TimeWindow      TimeWindow       `json:"timeWindow"`
	WindowDefaulted bool             `json:"windowDefaulted,omitempty"`
	GroupBy         []string         `json:"groupBy,omitempty"`
	Comparison      bool             `json:"comparison"`
	Limit           *int             `json:"limit,omitempty"`
	Filters         []Filter         `json:"filters,omitempty"`
	Subject         SubjectKind      `json:"subject,omitempty"`
	Order           SortOrder        `json:"order,omitempty"`
	RiskThreshold   *float64         `json:"riskThreshold,omitempty"`
	Explain         bool             `json:"explain,omitempty"`
	Reference       *ResultReference `json:"reference,omitempty"`
	LowConfidence   bool             `json:"lowConfidence,omitempty"`
}

// Clone returns a deep copy.
func (e ExtractedEntities) Clone() ExtractedEntities {
	out := e
	out.Metrics = cloneStrings(e.Metrics)
	out.UnknownMetrics = cloneStrings(e.UnknownMetrics)
	out.GroupBy = cloneStrings(e.GroupBy)
	if e.Limit != nil {
		v := *e.Limit
		out.Limit = &v
	}
	if e.RiskThreshold != nil {
		v := *e.RiskThreshold
		out.RiskThreshold = &v
	}
	if e.Filters != nil {
		out.Filters = make([]Filter, len(e.Filters))
		for i, f := range e.Filters {
			out.Filters[i] = Filter{Column: f.Column, Values: cloneStrings(f.Values)}
		}
	}
	if e.Reference != nil {
		ref := *e.Reference
		ref.Values = cloneStrings(e.Reference.Values)
		out.Reference = &ref
	}
	return out
}

// FilterFor returns the filter on column, if any.
func (e ExtractedEntities) FilterFor(column string) (Filter, bool) {
	for _, f := range e.Filters {
		if f.Column == column {
			return f, true
		}
	}
	return Filter{}, false
}

// SetFilter replaces or adds the filter on f.Column.
func (e *ExtractedEntities) SetFilter(f Filter) {
	for i := range e.Filters {
		if e.Filters[i].Column == f.Column {
			e.Filters[i] = f
			return
		}
	}
	e.Filters = append(e.Filters, f)
}

// AddMetric inserts name keeping Metrics sorted and unique.
func (e *ExtractedEntities) AddMetric(name string) {
	e.Metrics = addSorted(e.Metrics, name)
}

// AddUnknownMetric records a requested metric the registry does not know.
func (e *ExtractedEntities) AddUnknownMetric(name string) {
	e.UnknownMetrics = addSorted(e.UnknownMetrics, name)
}

func (e ExtractedEntities) HasGroupBy(column string) bool {
	for _, g := range e.GroupBy {
		if g == column {
			return true
		}
	}
	return false
}

func addSorted(list []string, v string) []string {
	i := sort.SearchStrings(list, v)
	if i < len(list) && list[i] == v {
		return list
	}
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = v
	return list
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// IntPtr and FloatPtr build optional entity fields.
func IntPtr(v int) *int { return &v }

func FloatPtr(v float64) *float64 { return &v }
