// internal/workers/analytics/build-plan/planner.go
package buildplan

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"bnpl-copilot/internal/models"
	"bnpl-copilot/pkg/registry"
)

// Planner turns extracted entities into a tool-call plan. Apart from the
// plan ID it is a pure function of its input, the registry and the config.
type Planner struct {
	config   *Config
	registry *registry.Registry
	newID    func() string
}

func NewPlanner(config *Config, reg *registry.Registry) *Planner {
	return &Planner{
		config:   config,
		registry: reg,
		newID:    func() string { return "plan_" + uuid.NewString() },
	}
}

// Plan builds the plan for one turn. A question with nothing to compute
// yields a plan marked Unanswerable that carries only the trace call.
func (p *Planner) Plan(entities models.ExtractedEntities) *models.Plan {
	e := entities.Clone()
	plan := &models.Plan{
		ID:      p.newID(),
		Intent:  e.Intent,
		Window:  e.TimeWindow,
		Subject: e.Subject,
		RowCap:  p.rowCap(e.Limit),
		Expect:  models.Expectations{Bounds: map[string]models.Bounds{}},
	}
	if plan.Subject == models.SubjectNone && e.Reference != nil {
		plan.Subject = models.SubjectForKey(e.Reference.Key)
	}

	var metrics []string
	for _, name := range e.Metrics {
		if _, ok := p.registry.KPI(name); ok {
			metrics = append(metrics, name)
		} else {
			e.AddUnknownMetric(name)
		}
	}

	var columns, unresolved []string
	for _, name := range e.UnknownMetrics {
		if table, ok := p.registry.FindColumn(name); ok {
			columns = append(columns, name)
			plan.Notes = append(plan.Notes, fmt.Sprintf("%s is not a registered KPI; reported as the average of %s.%s.", name, table, name))
		} else {
			unresolved = append(unresolved, name)
			plan.Notes = append(plan.Notes, fmt.Sprintf("%s is not a registered KPI or column and was not computed.", name))
		}
	}

	if len(metrics) == 0 && len(columns) == 0 && len(unresolved) == 0 && plan.Subject == models.SubjectNone {
		if defaults, ok := intentDefaults[e.Intent]; ok {
			metrics = append([]string(nil), defaults...)
			plan.Notes = append(plan.Notes, fmt.Sprintf("No metric was named; showing %s for %s questions.",
				strings.Join(metrics, " and "), e.Intent))
			if e.Intent == models.IntentMerchantPerf && len(e.GroupBy) == 0 {
				e.GroupBy = []string{"merchant_id"}
				if e.Order == models.SortNone {
					e.Order = models.SortDesc
				}
			}
		}
	}

	if e.WindowDefaulted && len(metrics) == 1 {
		if kpi, ok := p.registry.KPI(metrics[0]); ok && kpi.DefaultWindow != p.config.DefaultWindowDays {
			e.TimeWindow = models.TrailingWindow(e.TimeWindow.End, kpi.DefaultWindow)
			plan.Window = e.TimeWindow
			plan.Notes = append(plan.Notes, fmt.Sprintf("No period was named; using the %d-day default for %s.", kpi.DefaultWindow, kpi.Name))
		}
	}

	var primary models.ToolCall
	aggregate := len(metrics) > 0 || len(columns) > 0
	switch {
	case aggregate:
		primary = p.aggregateCall(plan, e, metrics, columns)
	case plan.Subject != models.SubjectNone:
		primary = p.listingCall(plan, e)
	default:
		reason := "the question did not name a metric, a subject or an earlier result"
		if len(unresolved) > 0 {
			reason = fmt.Sprintf("no registered metric or column matches %s", strings.Join(unresolved, ", "))
		}
		return p.unanswerable(plan, reason)
	}

	if primary.Tool == models.ToolSQLQuery {
		plan.Calls = append(plan.Calls, models.ToolCall{
			Tool:   models.ToolSchemaLookup,
			Role:   models.RoleSchema,
			Schema: &models.SchemaArgs{Tables: primary.Query.Tables()},
		})
	}
	primaryIdx := len(plan.Calls)
	plan.Calls = append(plan.Calls, primary)

	if e.Comparison || e.Explain {
		if aggregate {
			previous := primary.WithWindow(plan.Window.Previous())
			previous.Role = models.RolePrevious
			plan.Calls = append(plan.Calls, previous)
			plan.Comparison = true
			if !e.Comparison {
				plan.Notes = append(plan.Notes, "Added a comparison with the previous period to explain the result.")
			}
		} else if e.Comparison {
			plan.Notes = append(plan.Notes, "Period comparison does not apply to listings and was skipped.")
		}
	}

	if (e.Intent == models.IntentRisk || e.RiskThreshold != nil) && callHasColumn(primary, "user_id") {
		threshold := p.config.RiskThreshold
		if e.RiskThreshold != nil {
			threshold = *e.RiskThreshold
		}
		idx := primaryIdx
		plan.Calls = append(plan.Calls, models.ToolCall{
			Tool: models.ToolRiskLookup,
			Role: models.RoleEnrichment,
			Risk: &models.RiskArgs{FromCall: &idx, MinScore: threshold, Limit: plan.RowCap},
		})
		plan.Expect.Columns = append(plan.Expect.Columns, models.ColumnRiskScore, models.ColumnRiskBand)
		plan.Expect.Bounds[models.ColumnRiskScore] = models.Bounds{Min: 0, Max: 1}
	}

	plan.Calls = append(plan.Calls, models.ToolCall{
		Tool:  models.ToolTraceLog,
		Role:  models.RoleTrace,
		Trace: &models.TraceArgs{Event: TraceEventPlan},
	})
	return plan
}

func (p *Planner) unanswerable(plan *models.Plan, reason string) *models.Plan {
	plan.Unanswerable = true
	plan.Reason = reason
	plan.Calls = []models.ToolCall{{
		Tool:  models.ToolTraceLog,
		Role:  models.RoleTrace,
		Trace: &models.TraceArgs{Event: TraceEventUnanswerable},
	}}
	return plan
}

// aggregateCall prefers a kpi_fetch when every metric has a precomputed
// source covering the requested dimensions, and falls back to SQL over the
// detail tables otherwise.
func (p *Planner) aggregateCall(plan *models.Plan, e models.ExtractedEntities, metrics, columns []string) models.ToolCall {
	plan.Keys = append([]string(nil), e.GroupBy...)
	plan.Expect.Columns = append(plan.Expect.Columns, plan.Keys...)

	if len(columns) == 0 {
		if call, ok := p.kpiCall(plan, e, metrics); ok {
			if fb, ok := p.sqlAggregate(plan, e, metrics, nil, true); ok {
				call.Fallback = &fb
			}
			p.expectMetrics(plan, metrics)
			return call
		}
		plan.Notes = append(plan.Notes, fmt.Sprintf("%s is not precomputed for this breakdown; computed from detail tables.",
			strings.Join(metrics, ", ")))
	}

	call, _ := p.sqlAggregate(plan, e, metrics, columns, false)
	for _, s := range call.Query.Select {
		if s.Aggregation != models.AggNone {
			plan.Metrics = append(plan.Metrics, s.Alias)
			plan.Expect.Columns = append(plan.Expect.Columns, s.Alias)
			if kpi, ok := p.registry.KPI(s.Alias); ok {
				if b, ok := kpi.SanityBounds(); ok {
					plan.Expect.Bounds[s.Alias] = b
				}
			}
		}
	}
	return call
}

func (p *Planner) expectMetrics(plan *models.Plan, metrics []string) {
	for _, name := range metrics {
		plan.Metrics = append(plan.Metrics, name)
		plan.Expect.Columns = append(plan.Expect.Columns, name)
		if kpi, ok := p.registry.KPI(name); ok {
			if b, ok := kpi.SanityBounds(); ok {
				plan.Expect.Bounds[name] = b
			}
		}
	}
}

func (p *Planner) kpiCall(plan *models.Plan, e models.ExtractedEntities, metrics []string) (models.ToolCall, bool) {
	dims := dimensions(e)
	for _, name := range metrics {
		kpi, _ := p.registry.KPI(name)
		if _, ok := kpi.SourceFor(dims); !ok {
			return models.ToolCall{}, false
		}
	}
	return models.ToolCall{
		Tool: models.ToolKPIFetch,
		Role: models.RolePrimary,
		KPI: &models.KPIArgs{
			Metrics: append([]string(nil), metrics...),
			Window:  e.TimeWindow,
			GroupBy: append([]string(nil), e.GroupBy...),
			Filters: filters(e),
			Order:   e.Order,
			Limit:   plan.RowCap,
		},
	}, true
}

func (p *Planner) rowCap(limit *int) int {
	if limit == nil || *limit <= 0 {
		return p.config.MaxRows
	}
	if *limit > p.config.HardMaxRows {
		return p.config.HardMaxRows
	}
	return *limit
}

// dimensions are the columns a KPI source must be able to group or filter by.
func dimensions(e models.ExtractedEntities) []string {
	dims := append([]string(nil), e.GroupBy...)
	for _, f := range filters(e) {
		dims = append(dims, f.Column)
	}
	return dims
}

// filters folds a result reference into the entity filters.
func filters(e models.ExtractedEntities) []models.Filter {
	out := append([]models.Filter(nil), e.Filters...)
	if e.Reference != nil && len(e.Reference.Values) > 0 {
		out = append(out, models.Filter{Column: e.Reference.Key, Values: append([]string(nil), e.Reference.Values...)})
	}
	return out
}

func callHasColumn(call models.ToolCall, column string) bool {
	switch {
	case call.KPI != nil:
		for _, g := range call.KPI.GroupBy {
			if g == column {
				return true
			}
		}
	case call.Query != nil:
		for _, a := range call.Query.Aliases() {
			if a == column {
				return true
			}
		}
	}
	return false
}
