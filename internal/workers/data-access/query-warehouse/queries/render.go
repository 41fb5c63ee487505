// internal/workers/data-access/query-warehouse/queries/render.go
package queries

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"bnpl-copilot/internal/common/database"
	"bnpl-copilot/internal/models"
)

var (
	ErrEmptySelect        = errors.New("query selects no columns")
	ErrUnknownAggregation = errors.New("unknown aggregation")
	ErrMissingCondition   = errors.New("rate aggregation requires a condition")
)

// Statement is rendered SQL plus its bind arguments.
type Statement struct {
	SQL  string
	Args []interface{}
}

type builder struct {
	dialect database.Dialect
	sb      strings.Builder
	args    []interface{}
}

func (b *builder) bind(v interface{}) string {
	b.args = append(b.args, v)
	return b.dialect.Placeholder(len(b.args))
}

func (b *builder) col(ref models.ColumnRef) string {
	return b.dialect.Quote(ref.Table) + "." + b.dialect.Quote(ref.Column)
}

func (b *builder) in(ref models.ColumnRef, values []string) string {
	ph := make([]string, len(values))
	for i, v := range values {
		ph[i] = b.bind(v)
	}
	return fmt.Sprintf("%s IN (%s)", b.col(ref), strings.Join(ph, ", "))
}

func (b *builder) selectExpr(item models.SelectItem) (string, error) {
	colExpr := "*"
	if item.Column != nil {
		colExpr = b.col(*item.Column)
	}
	cond := ""
	if item.Where != nil {
		cond = b.in(item.Where.Ref, item.Where.Values)
	}

	switch item.Aggregation {
	case models.AggNone:
		if item.Column == nil {
			return "", fmt.Errorf("%w: plain select %q has no column", ErrEmptySelect, item.Alias)
		}
		return colExpr, nil
	case models.AggSum:
		if cond != "" {
			return fmt.Sprintf("SUM(CASE WHEN %s THEN %s ELSE 0 END)", cond, colExpr), nil
		}
		return fmt.Sprintf("SUM(%s)", colExpr), nil
	case models.AggAvg, models.AggMin, models.AggMax:
		fn := strings.ToUpper(item.Aggregation)
		if cond != "" {
			return fmt.Sprintf("%s(CASE WHEN %s THEN %s END)", fn, cond, colExpr), nil
		}
		return fmt.Sprintf("%s(%s)", fn, colExpr), nil
	case models.AggCount:
		if cond != "" {
			return fmt.Sprintf("SUM(CASE WHEN %s THEN 1 ELSE 0 END)", cond), nil
		}
		return fmt.Sprintf("COUNT(%s)", colExpr), nil
	case models.AggCountDistinct:
		if item.Column == nil {
			return "", fmt.Errorf("%w: count_distinct %q has no column", ErrEmptySelect, item.Alias)
		}
		if cond != "" {
			return fmt.Sprintf("COUNT(DISTINCT CASE WHEN %s THEN %s END)", cond, colExpr), nil
		}
		return fmt.Sprintf("COUNT(DISTINCT %s)", colExpr), nil
	case models.AggRate:
		if cond == "" {
			return "", fmt.Errorf("%w: %s", ErrMissingCondition, item.Alias)
		}
		return fmt.Sprintf("AVG(CASE WHEN %s THEN 1.0 ELSE 0.0 END)", cond), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownAggregation, item.Aggregation)
}

// Render turns a QuerySpec into a single read-only SELECT. Windows are
// half-open on the day after End. The LIMIT is one over the cap so the
// caller can detect truncation.
func Render(d database.Dialect, q models.QuerySpec) (Statement, error) {
	if len(q.Select) == 0 {
		return Statement{}, ErrEmptySelect
	}
	b := &builder{dialect: d}

	exprs := make([]string, 0, len(q.Select))
	for _, item := range q.Select {
		expr, err := b.selectExpr(item)
		if err != nil {
			return Statement{}, err
		}
		exprs = append(exprs, expr+" AS "+d.Quote(item.Alias))
	}
	b.sb.WriteString("SELECT ")
	b.sb.WriteString(strings.Join(exprs, ", "))
	b.sb.WriteString(" FROM " + d.Quote(q.Table))

	for _, j := range q.Joins {
		fmt.Fprintf(&b.sb, " JOIN %s ON %s = %s", d.Quote(j.Table), b.col(j.Left), b.col(j.Right))
	}

	var where []string
	if q.DateColumn != nil && !q.Window.IsZero() {
		dc := b.col(*q.DateColumn)
		where = append(where,
			fmt.Sprintf("%s >= %s", dc, b.bind(q.Window.StartDate())),
			fmt.Sprintf("%s < %s", dc, b.bind(q.Window.EndExclusive().Format(models.DateLayout))),
		)
	}
	for _, f := range q.Filters {
		if len(f.Values) == 0 {
			continue
		}
		where = append(where, b.in(f.Ref, f.Values))
	}
	if len(where) > 0 {
		b.sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}

	var groups []string
	for _, g := range q.GroupBy {
		groups = append(groups, b.col(g))
	}
	if len(groups) > 0 {
		b.sb.WriteString(" GROUP BY " + strings.Join(groups, ", "))
	}

	var order []string
	if q.OrderBy != "" {
		dir := "DESC"
		if q.Order == models.SortAsc {
			dir = "ASC"
		}
		order = append(order, d.Quote(q.OrderBy)+" "+dir)
	}
	order = append(order, groups...)
	if len(order) > 0 {
		b.sb.WriteString(" ORDER BY " + strings.Join(order, ", "))
	}

	if q.Limit > 0 {
		b.sb.WriteString(" LIMIT " + strconv.Itoa(q.Limit+1))
	}
	return Statement{SQL: b.sb.String(), Args: b.args}, nil
}

// RenderPopulation counts the rows of table inside the window. Tables
// without a date column are counted whole.
func RenderPopulation(d database.Dialect, table, dateColumn string, w models.TimeWindow) Statement {
	b := &builder{dialect: d}
	b.sb.WriteString("SELECT COUNT(*) FROM " + d.Quote(table))
	if dateColumn != "" && !w.IsZero() {
		dc := b.col(models.ColumnRef{Table: table, Column: dateColumn})
		fmt.Fprintf(&b.sb, " WHERE %s >= %s AND %s < %s",
			dc, b.bind(w.StartDate()),
			dc, b.bind(w.EndExclusive().Format(models.DateLayout)))
	}
	return Statement{SQL: b.sb.String(), Args: b.args}
}

// RenderRiskScores selects precomputed scores. With no user IDs it returns
// the highest scores at or above minScore.
func RenderRiskScores(d database.Dialect, userIDs []string, minScore float64, limit int) Statement {
	b := &builder{dialect: d}
	ref := func(c string) models.ColumnRef { return models.ColumnRef{Table: "user_risk_scores", Column: c} }
	fmt.Fprintf(&b.sb, "SELECT %s AS %s, %s AS %s, %s AS %s, %s AS %s FROM %s",
		b.col(ref("user_id")), d.Quote("user_id"),
		b.col(ref("score")), d.Quote("risk_score"),
		b.col(ref("band")), d.Quote("risk_band"),
		b.col(ref("model_version")), d.Quote("model_version"),
		d.Quote("user_risk_scores"))
	if len(userIDs) > 0 {
		b.sb.WriteString(" WHERE " + b.in(ref("user_id"), userIDs))
	} else {
		fmt.Fprintf(&b.sb, " WHERE %s >= %s", b.col(ref("score")), b.bind(minScore))
	}
	fmt.Fprintf(&b.sb, " ORDER BY %s DESC, %s", b.col(ref("score")), b.col(ref("user_id")))
	if len(userIDs) == 0 && limit > 0 {
		b.sb.WriteString(" LIMIT " + strconv.Itoa(limit+1))
	}
	return Statement{SQL: b.sb.String(), Args: b.args}
}
