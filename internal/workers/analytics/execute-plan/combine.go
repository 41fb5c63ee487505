// internal/workers/analytics/execute-plan/combine.go
package executeplan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"bnpl-copilot/internal/models"
	"bnpl-copilot/pkg/registry"
)

func newResultID() models.ResultSetID {
	return models.ResultSetID("rs_" + uuid.NewString())
}

func rowKey(keys []string, row models.Row) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprint(row[k])
	}
	return strings.Join(parts, "\x1f")
}

// compareWindows lines the previous window up against the current one by
// key. Rows follow the current result; keys seen only in the previous
// window are dropped so rankings keep their size.
func compareWindows(keys, metrics []string, current, previous *models.ResultSet) *models.ResultSet {
	columns := append([]string(nil), keys...)
	for _, m := range metrics {
		columns = append(columns, m, m+models.SuffixPrevious, m+models.SuffixChange, m+models.SuffixPctChange)
	}

	before := make(map[string]models.Row, len(previous.Rows))
	for _, row := range previous.Rows {
		k := rowKey(keys, row)
		if _, dup := before[k]; !dup {
			before[k] = row
		}
	}

	out := &models.ResultSet{
		ID:         newResultID(),
		Columns:    columns,
		Rows:       make([]models.Row, 0, len(current.Rows)),
		SourceTool: current.SourceTool,
		Truncated:  current.Truncated || previous.Truncated,
		Population: current.Population,
		Window:     current.Window,
	}
	for _, row := range current.Rows {
		out.Rows = append(out.Rows, deltaRow(keys, metrics, row, before[rowKey(keys, row)]))
	}
	out.RowCount = len(out.Rows)
	return out
}

func deltaRow(keys, metrics []string, cur, prev models.Row) models.Row {
	row := make(models.Row, len(keys)+4*len(metrics))
	for _, k := range keys {
		row[k] = cur[k]
	}
	for _, m := range metrics {
		row[m] = cur[m]
		row[m+models.SuffixPrevious] = nil
		row[m+models.SuffixChange] = nil
		row[m+models.SuffixPctChange] = nil
		if prev == nil {
			continue
		}
		row[m+models.SuffixPrevious] = prev[m]
		c, cok := models.AsFloat(cur[m])
		p, pok := models.AsFloat(prev[m])
		if !cok || !pok {
			continue
		}
		row[m+models.SuffixChange] = c - p
		if p != 0 {
			row[m+models.SuffixPctChange] = (c - p) / p * 100
		}
	}
	return row
}

// enrichWithRisk keeps the primary rows whose user scores at or above
// minScore, adding the score and band, highest score first. The
// population is the number of users that were scored.
func enrichWithRisk(primary, risk *models.ResultSet, minScore float64) *models.ResultSet {
	type scored struct {
		score float64
		row   models.Row
	}
	byUser := make(map[string]scored, len(risk.Rows))
	for _, r := range risk.Rows {
		score, ok := models.AsFloat(r[models.ColumnRiskScore])
		if !ok || score < minScore {
			continue
		}
		byUser[fmt.Sprint(r["user_id"])] = scored{score: score, row: r}
	}

	columns := append([]string(nil), primary.Columns...)
	for _, c := range []string{models.ColumnRiskScore, models.ColumnRiskBand, models.ColumnModelVersion} {
		if !primary.HasColumn(c) {
			columns = append(columns, c)
		}
	}

	type ranked struct {
		score float64
		id    string
		row   models.Row
	}
	var rows []ranked
	for _, row := range primary.Rows {
		id := fmt.Sprint(row["user_id"])
		s, ok := byUser[id]
		if !ok {
			continue
		}
		out := make(models.Row, len(row)+3)
		for k, v := range row {
			out[k] = v
		}
		out[models.ColumnRiskScore] = s.score
		out[models.ColumnRiskBand] = s.row[models.ColumnRiskBand]
		out[models.ColumnModelVersion] = s.row[models.ColumnModelVersion]
		rows = append(rows, ranked{score: s.score, id: id, row: out})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].score != rows[j].score {
			return rows[i].score > rows[j].score
		}
		return rows[i].id < rows[j].id
	})

	population := int64(len(primary.Rows))
	result := &models.ResultSet{
		ID:         newResultID(),
		Columns:    columns,
		Rows:       make([]models.Row, 0, len(rows)),
		SourceTool: primary.SourceTool,
		Truncated:  primary.Truncated,
		Population: &population,
		Window:     primary.Window,
	}
	for _, r := range rows {
		result.Rows = append(result.Rows, r.row)
	}
	result.RowCount = len(result.Rows)
	return result
}

func schemaResult(tables []registry.TableInfo) *models.ResultSet {
	rs := &models.ResultSet{
		ID:         newResultID(),
		Columns:    []string{"table", "layer", "description", "date_column", "columns"},
		SourceTool: models.ToolSchemaLookup,
	}
	for _, t := range tables {
		rs.Rows = append(rs.Rows, models.Row{
			"table":       t.Name,
			"layer":       t.Layer,
			"description": t.Description,
			"date_column": t.DateColumn,
			"columns":     strings.Join(t.Columns, ", "),
		})
	}
	rs.RowCount = len(rs.Rows)
	return rs
}

// userIDs returns the distinct user keys of a result in row order.
func userIDs(rs *models.ResultSet) []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range rs.Strings("user_id") {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
