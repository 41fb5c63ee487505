// internal/workers/analytics/narrate-response/generator.go
package narrateresponse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"bnpl-copilot/internal/common/llm"
	"bnpl-copilot/internal/common/validation"
	"bnpl-copilot/internal/models"
)

var ErrInvalidProse = errors.New("INVALID_PROSE")

// Generator is the pluggable prose capability. Its output is only used
// when every number in it can be traced to the result.
type Generator interface {
	Generate(ctx context.Context, nc NarrationContext) (*Prose, error)
}

var proseSchema = validation.MustCompile("prose", []byte(`{
  "type": "object",
  "required": ["summary", "drivers"],
  "properties": {
    "summary": {"type": "string", "minLength": 1},
    "drivers": {"type": "array", "maxItems": 6, "items": {"type": "string", "minLength": 1}}
  }
}`))

const narrateSystemPrompt = `You are an analytics narrator for a BNPL business.
Write an executive summary and the drivers behind it from the query result you are given.
Never invent numbers: every figure you write must appear in the result rows, the key metrics or the draft.
Do not compute new totals, averages or shares. Keep dates in YYYY-MM-DD form.
Reply with a single JSON object and nothing else:
{"summary": "1-3 sentences with the final numbers and conclusion", "drivers": ["2-4 short bullet points"]}`

// LLMGenerator asks a completer to rewrite the template draft as prose.
type LLMGenerator struct {
	completer   llm.Completer
	maxTokens   int
	temperature float64
	maxRows     int
}

func NewLLMGenerator(completer llm.Completer, config *Config) *LLMGenerator {
	return &LLMGenerator{
		completer:   completer,
		maxTokens:   config.MaxTokens,
		temperature: config.Temperature,
		maxRows:     config.PromptRows,
	}
}

func (g *LLMGenerator) Generate(ctx context.Context, nc NarrationContext) (*Prose, error) {
	raw, err := g.completer.Complete(ctx, llm.Request{
		System:      narrateSystemPrompt,
		Prompt:      g.buildPrompt(nc),
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	})
	if err != nil {
		return nil, err
	}

	body := []byte(llm.StripFences(raw))
	result, err := proseSchema.ValidateBytes(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProse, err)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProse, err)
	}

	var prose Prose
	if err := json.Unmarshal(body, &prose); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProse, err)
	}
	prose.Summary = strings.TrimSpace(prose.Summary)
	return &prose, nil
}

func (g *LLMGenerator) buildPrompt(nc NarrationContext) string {
	var parts []string

	parts = append(parts, fmt.Sprintf("User Question: %s", nc.Question))
	parts = append(parts, fmt.Sprintf("Intent: %s", nc.Intent))
	if !nc.Window.IsZero() {
		parts = append(parts, fmt.Sprintf("Period: %s", nc.Window))
		if nc.Comparison {
			parts = append(parts, fmt.Sprintf("Compared with: %s", nc.Window.Previous()))
		}
	}
	if len(nc.Keys) > 0 {
		parts = append(parts, fmt.Sprintf("Grouped by: %s", strings.Join(nc.Keys, ", ")))
	}

	if nc.Result != nil {
		rows := nc.Result.Rows
		if len(rows) > g.maxRows {
			rows = rows[:g.maxRows]
		}
		data, _ := json.MarshalIndent(struct {
			Columns []string     `json:"columns"`
			Rows    []models.Row `json:"rows"`
			Total   int          `json:"total_rows"`
		}{nc.Result.Columns, rows, nc.Result.RowCount}, "", "  ")
		parts = append(parts, "\nResult:")
		parts = append(parts, string(data))
	}

	if len(nc.KeyMetrics) > 0 {
		parts = append(parts, "\nKey Metrics:")
		for _, m := range nc.KeyMetrics {
			parts = append(parts, fmt.Sprintf("- %s: %s %s", m.Label, m.Value, m.Unit))
		}
	}

	parts = append(parts, "\nDraft:")
	parts = append(parts, nc.Draft.Summary)
	for _, d := range nc.Draft.Drivers {
		parts = append(parts, "- "+d)
	}

	if len(nc.Notes) > 0 {
		parts = append(parts, "\nNotes:")
		for _, n := range nc.Notes {
			parts = append(parts, "- "+n)
		}
	}

	parts = append(parts, "\nAnswer:")
	return strings.Join(parts, "\n")
}
