// internal/models/response.go
package models

import (
	"fmt"
	"strings"
)

// NotApplicable marks a report field that has no content for this answer.
const NotApplicable = "Not applicable"

type Level string

const (
	LevelHigh   Level = "High"
	LevelMedium Level = "Medium"
	LevelLow    Level = "Low"
)

type KeyMetric struct {
	Label string  `json:"label"`
	Value string  `json:"value"`
	Unit  string  `json:"unit,omitempty"`
	Raw   float64 `json:"raw"`
}

type RecommendedAction struct {
	Description   string `json:"description"`
	Impact        Level  `json:"impact"`
	Effort        Level  `json:"effort"`
	Justification string `json:"justification"`
}

type DataAssumptions struct {
	Tools       []string `json:"tools"`
	PrimaryTool string   `json:"primaryTool"`
	TimeRange   string   `json:"timeRange"`
	GroupedBy   string   `json:"groupedBy"`
	RowCount    int      `json:"rowCount"`
	Truncated   bool     `json:"truncated"`
	Caveats     []string `json:"caveats"`
	Limitations []string `json:"limitations"`
	LatencyMs   int64    `json:"latencyMs"`
}

// StructuredResponse is the fixed five-section business report.
type StructuredResponse struct {
	AnswerSummary   string              `json:"answerSummary"`
	KeyMetrics      []KeyMetric         `json:"keyMetrics"`
	Drivers         []string            `json:"drivers"`
	Actions         []RecommendedAction `json:"actions"`
	DataAssumptions DataAssumptions     `json:"dataAssumptions"`
}

// Section headers in render order.
const (
	SectionSummary     = "[Answer Summary]"
	SectionKeyMetrics  = "[Key Metrics]"
	SectionDrivers     = "[Drivers / Why]"
	SectionActions     = "[Recommended Actions]"
	SectionAssumptions = "[Data & Assumptions]"
)

// Render formats the report as plain text with every section present.
func (r *StructuredResponse) Render() string {
	var b strings.Builder

	b.WriteString(SectionSummary + "\n")
	if r.AnswerSummary == "" {
		b.WriteString(NotApplicable + "\n")
	} else {
		b.WriteString(r.AnswerSummary + "\n")
	}

	b.WriteString("\n" + SectionKeyMetrics + "\n")
	if len(r.KeyMetrics) == 0 {
		b.WriteString("- " + NotApplicable + "\n")
	}
	for _, m := range r.KeyMetrics {
		if m.Unit != "" {
			fmt.Fprintf(&b, "- %s: %s %s\n", m.Label, m.Value, m.Unit)
		} else {
			fmt.Fprintf(&b, "- %s: %s\n", m.Label, m.Value)
		}
	}

	b.WriteString("\n" + SectionDrivers + "\n")
	if len(r.Drivers) == 0 {
		b.WriteString("- " + NotApplicable + "\n")
	}
	for _, d := range r.Drivers {
		b.WriteString("- " + d + "\n")
	}

	b.WriteString("\n" + SectionActions + "\n")
	if len(r.Actions) == 0 {
		b.WriteString("- " + NotApplicable + "\n")
	}
	for i, a := range r.Actions {
		fmt.Fprintf(&b, "%d. %s (Impact: %s, Effort: %s)\n   Justification: %s\n", i+1, a.Description, a.Impact, a.Effort, a.Justification)
	}

	d := r.DataAssumptions
	b.WriteString("\n" + SectionAssumptions + "\n")
	fmt.Fprintf(&b, "- Tools used: %s\n", orNA(strings.Join(d.Tools, ", ")))
	fmt.Fprintf(&b, "- Primary tool: %s\n", orNA(d.PrimaryTool))
	fmt.Fprintf(&b, "- Time range: %s\n", orNA(d.TimeRange))
	fmt.Fprintf(&b, "- Grouped by: %s\n", orNA(d.GroupedBy))
	fmt.Fprintf(&b, "- Rows returned: %d\n", d.RowCount)
	if d.Truncated {
		b.WriteString("- Results truncated to the row cap\n")
	}
	for _, c := range d.Caveats {
		b.WriteString("- Caveat: " + c + "\n")
	}
	for _, l := range d.Limitations {
		b.WriteString("- Limitation: " + l + "\n")
	}
	fmt.Fprintf(&b, "- Latency: %dms\n", d.LatencyMs)

	return b.String()
}

func orNA(s string) string {
	if s == "" {
		return NotApplicable
	}
	return s
}
