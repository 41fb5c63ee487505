// internal/workers/analytics/narrate-response/handler.go
package narrateresponse

import (
	"context"
	"errors"

	apperrors "bnpl-copilot/internal/common/errors"
	"bnpl-copilot/internal/common/llm"
	"bnpl-copilot/internal/common/logger"
	"bnpl-copilot/internal/models"
	"bnpl-copilot/pkg/grounding"
	"bnpl-copilot/pkg/registry"
)

const (
	TaskType = "narrate-response"
)

var (
	ErrMissingPlan = errors.New("MISSING_PLAN")
)

type Handler struct {
	config    *Config
	registry  *registry.Registry
	generator Generator
	logger    logger.Logger
}

// NewHandler builds the narrator. generator may be nil, in which case every
// report uses template prose.
func NewHandler(config *Config, reg *registry.Registry, generator Generator, log logger.Logger) *Handler {
	return &Handler{
		config:    config,
		registry:  reg,
		generator: generator,
		logger: log.WithFields(map[string]interface{}{
			"taskType": TaskType,
		}),
	}
}

// Execute renders the five-section report. Key metrics, actions and the
// data section are always computed from the result; generated prose
// replaces the template summary and drivers only when it is grounded.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input)
}

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	if input == nil || input.Plan == nil {
		return nil, ErrMissingPlan
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := h.logger.WithFields(map[string]interface{}{
		logger.FieldPlanID: input.Plan.ID,
		logger.FieldIntent: string(input.Plan.Intent),
	})

	out := &Output{ProseSource: SourceTemplate}
	resp := &models.StructuredResponse{}

	if !accepted(input) {
		prose := h.diagnose(input)
		resp.AnswerSummary = prose.Summary
		resp.Drivers = prose.Drivers
		resp.DataAssumptions = assumptions(input, "")
		out.Response = resp
		log.Info("failure narrated", map[string]interface{}{
			"caveats": len(resp.DataAssumptions.Caveats),
		})
		return out, nil
	}

	a := newAnswer(input.Plan, input.Execution, input.Outcome, formatter{registry: h.registry}, h.config.TopN)
	prose, metrics := a.render()
	resp.KeyMetrics = metrics
	resp.Actions = actions(a)

	var narration apperrors.ErrorCode
	if h.generator != nil {
		generated, err := h.generate(ctx, input, a, prose, metrics)
		switch {
		case err == nil:
			if gerr := grounding.CheckAll(append([]string{generated.Summary}, generated.Drivers...), a.facts()); gerr != nil {
				log.Warn("generated prose rejected", map[string]interface{}{
					"error": gerr.Error(),
				})
				narration = apperrors.ErrCodeNarrationUnavailable
			} else {
				prose = *generated
				out.ProseSource = SourceLLM
			}
		case errors.Is(err, llm.ErrDisabled):
		default:
			log.Warn("narrator unavailable, using templates", map[string]interface{}{
				"error": err.Error(),
			})
			narration = apperrors.ErrCodeNarrationUnavailable
			out.Degraded = true
		}
	}

	resp.AnswerSummary = prose.Summary
	resp.Drivers = prose.Drivers
	resp.DataAssumptions = assumptions(input, narration)
	out.Response = resp

	log.Info("answer narrated", map[string]interface{}{
		"shape":       string(a.shape()),
		"proseSource": out.ProseSource,
		"rows":        len(a.rs.Rows),
		"degraded":    out.Degraded,
	})
	return out, nil
}

func (h *Handler) generate(ctx context.Context, input *Input, a *answer, draft Prose, metrics []models.KeyMetric) (*Prose, error) {
	if h.config.NarrateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.NarrateTimeout)
		defer cancel()
	}
	return h.generator.Generate(ctx, NarrationContext{
		Question:   input.Question,
		Intent:     input.Plan.Intent,
		Window:     input.Plan.Window,
		Comparison: input.Plan.Comparison,
		Metrics:    input.Plan.Metrics,
		Keys:       input.Plan.Keys,
		Result:     a.rs,
		KeyMetrics: metrics,
		Draft:      draft,
		Notes:      input.Plan.Notes,
	})
}

func accepted(input *Input) bool {
	return !input.Plan.Unanswerable &&
		input.Failure == nil &&
		input.Outcome != nil && input.Outcome.State == models.StateAccepted &&
		input.Execution != nil && input.Execution.Result != nil
}
