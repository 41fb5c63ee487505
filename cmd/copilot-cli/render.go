// cmd/copilot-cli/render.go
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"

	apperrors "bnpl-copilot/internal/common/errors"
	"bnpl-copilot/internal/copilot"
	"bnpl-copilot/internal/models"
)

const debugRows = 20

type renderer struct {
	out io.Writer
}

func (r *renderer) rule() {
	fmt.Fprintln(r.out, strings.Repeat("=", 60))
}

func (r *renderer) banner(title string) {
	r.rule()
	fmt.Fprintln(r.out, title)
	r.rule()
}

func (r *renderer) question(q string) {
	fmt.Fprintln(r.out)
	r.rule()
	fmt.Fprintf(r.out, "Query: %s\n", q)
	r.rule()
}

func (r *renderer) examples(qs []string) {
	fmt.Fprintln(r.out, "Example questions:")
	for i, q := range qs {
		fmt.Fprintf(r.out, "  %d. %s\n", i+1, q)
	}
}

func (r *renderer) failure(err error) {
	se, ok := apperrors.AsStandardError(err)
	if !ok {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return
	}
	fmt.Fprintf(r.out, "error [%s]: %s\n", se.Code, se.Details)
}

func (r *renderer) response(resp *models.ChatResponse) {
	fmt.Fprintln(r.out, resp.Content)
	if resp.Analytics == nil {
		return
	}
	if len(resp.Analytics.KPIs) > 0 {
		t := r.table("KPI", "Value", "Unit")
		for _, k := range resp.Analytics.KPIs {
			t.Append([]string{k.Label, cell(k.Value), k.Unit})
		}
		t.Render()
	}
	for _, tbl := range resp.Analytics.Tables {
		fmt.Fprintf(r.out, "\n%s\n", tbl.Title)
		r.rows(tbl.Columns, tbl.Rows, debugRows)
	}
}

// inspection prints what the pipeline decided for a turn.
func (r *renderer) inspection(in copilot.Inspection) {
	fmt.Fprintf(r.out, "\n--- debug: turn %s (%s, %dms)\n", in.TurnID, in.Source, in.Elapsed.Milliseconds())
	r.dump("entities", in.Entities)
	if in.Plan != nil {
		r.dump("plan", in.Plan)
	}
	if in.Execution != nil {
		fmt.Fprintf(r.out, "tools: %v\n", in.Execution.ToolsUsed)
		for _, f := range in.Execution.Failures {
			fmt.Fprintf(r.out, "  failure: %s/%s %s %s\n", f.Tool, f.Role, f.Code, f.Message)
		}
		if res := in.Execution.Result; res != nil {
			fmt.Fprintf(r.out, "result %s: %d rows from %s (truncated=%t)\n", res.ID, res.RowCount, res.SourceTool, res.Truncated)
			rows := make([]map[string]interface{}, len(res.Rows))
			for i, row := range res.Rows {
				rows[i] = row
			}
			r.rows(res.Columns, rows, debugRows)
		}
	}
	if in.Outcome != nil {
		fmt.Fprintf(r.out, "validation: %s (retries=%d)\n", in.Outcome.State, in.Outcome.Retries)
		for _, tr := range in.Outcome.Transitions {
			fmt.Fprintf(r.out, "  %s -> %s %s\n", tr.From, tr.To, tr.Reason)
		}
	}
	if in.Failure != nil {
		fmt.Fprintf(r.out, "failure: %s %s\n", in.Failure.Code, in.Failure.Details)
	}
	fmt.Fprintf(r.out, "prose: %s\n---\n\n", in.ProseSource)
}

func (r *renderer) dump(label string, v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(r.out, "%s: %v\n", label, err)
		return
	}
	fmt.Fprintf(r.out, "%s: %s\n", label, b)
}

func (r *renderer) table(header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(r.out)
	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(false)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetHeader(header)
	return t
}

func (r *renderer) rows(columns []string, rows []map[string]interface{}, limit int) {
	t := r.table(columns...)
	for i, row := range rows {
		if i == limit {
			break
		}
		line := make([]string, len(columns))
		for j, c := range columns {
			line[j] = cell(row[c])
		}
		t.Append(line)
	}
	t.Render()
	if len(rows) > limit {
		fmt.Fprintf(r.out, "(%d more rows)\n", len(rows)-limit)
	}
}

func cell(v interface{}) string {
	switch n := v.(type) {
	case nil:
		return ""
	case float64:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", n), "0"), ".")
	case []byte:
		return string(n)
	}
	return fmt.Sprint(v)
}
