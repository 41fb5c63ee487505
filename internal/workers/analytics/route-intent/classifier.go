// internal/workers/analytics/route-intent/classifier.go
package routeintent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"bnpl-copilot/internal/common/llm"
	"bnpl-copilot/internal/common/validation"
	"bnpl-copilot/internal/models"
	"bnpl-copilot/pkg/registry"
)

var ErrInvalidClassification = errors.New("INVALID_CLASSIFICATION")

// Classifier is the pluggable text-classification capability.
type Classifier interface {
	Classify(ctx context.Context, text string, history []models.ConversationTurn) (*Classification, error)
}

var classificationSchema = validation.MustCompile("classification", []byte(`{
  "type": "object",
  "required": ["intent", "confidence"],
  "properties": {
    "intent": {"enum": ["growth_analytics", "funnel", "risk", "merchant_perf", "disputes_refunds", "ad_hoc"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "metrics": {"type": "array", "items": {"type": "string"}},
    "group_by": {"type": "array", "items": {"type": "string"}},
    "comparison": {"type": "boolean"},
    "limit": {"type": ["integer", "null"], "minimum": 1},
    "time_window": {
      "type": ["object", "null"],
      "required": ["start", "end"],
      "properties": {
        "start": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$"},
        "end": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$"}
      }
    }
  }
}`))

const classifySystemPrompt = `You classify questions about a BNPL analytics warehouse.
Reply with a single JSON object and nothing else:
{"intent": one of growth_analytics|funnel|risk|merchant_perf|disputes_refunds|ad_hoc,
 "confidence": 0..1, "metrics": [KPI names], "group_by": [column names],
 "comparison": bool, "limit": int|null, "time_window": {"start": "YYYY-MM-DD", "end": "YYYY-MM-DD"}|null}
Only use KPI names from this list: %s.`

// historyTurns bounds how much conversation goes into the prompt.
const historyTurns = 4

// LLMClassifier asks a completer for a JSON classification.
type LLMClassifier struct {
	completer llm.Completer
	registry  *registry.Registry
	maxTokens int
}

func NewLLMClassifier(completer llm.Completer, reg *registry.Registry) *LLMClassifier {
	return &LLMClassifier{completer: completer, registry: reg, maxTokens: 300}
}

func (c *LLMClassifier) Classify(ctx context.Context, text string, history []models.ConversationTurn) (*Classification, error) {
	raw, err := c.completer.Complete(ctx, llm.Request{
		System:    fmt.Sprintf(classifySystemPrompt, strings.Join(c.registry.KPINames(), ", ")),
		Prompt:    buildPrompt(text, history),
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return nil, err
	}

	body := []byte(llm.StripFences(raw))
	result, err := classificationSchema.ValidateBytes(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClassification, err)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClassification, err)
	}

	var cls Classification
	if err := json.Unmarshal(body, &cls); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClassification, err)
	}
	return &cls, nil
}

func buildPrompt(text string, history []models.ConversationTurn) string {
	var b strings.Builder
	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}
	for _, t := range history {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	fmt.Fprintf(&b, "user: %s\n", text)
	return b.String()
}
