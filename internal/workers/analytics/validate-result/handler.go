// internal/workers/analytics/validate-result/handler.go
package validateresult

import (
	"context"
	"errors"
	"fmt"

	apperrors "bnpl-copilot/internal/common/errors"
	"bnpl-copilot/internal/common/logger"
)

const (
	TaskType = "validate-result"
)

var (
	ErrMissingInput = errors.New("MISSING_INPUT")
)

type Handler struct {
	config *Config
	logger logger.Logger
}

func NewHandler(config *Config, log logger.Logger) *Handler {
	return &Handler{
		config: config,
		logger: log.WithFields(map[string]interface{}{
			"taskType": TaskType,
		}),
	}
}

// NewMachine starts the validation state of a turn.
func (h *Handler) NewMachine() *Machine {
	return NewMachine(h.config.MaxRetries)
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input)
}

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	if input == nil || input.Plan == nil {
		return nil, ErrMissingInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := input.Machine
	if m == nil {
		m = h.NewMachine()
	}
	if m.State().Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminalState, m.State())
	}
	log := h.logger.WithFields(map[string]interface{}{
		logger.FieldPlanID: input.Plan.ID,
		"attempt":          input.Plan.Attempt,
	})

	out := &Output{Machine: m}
	verdict := Check(input.Plan, input.Execution)

	switch {
	case verdict.Err == nil:
		reason := "checks passed"
		if verdict.LegitimateZero {
			reason = "legitimate zero"
		}
		if err := m.Accept(reason, verdict.LegitimateZero); err != nil {
			return nil, err
		}
		out.Decision = DecisionAccept
		out.Result = input.Execution.Result

	case !apperrors.IsRetryable(verdict.Err.Code):
		if err := m.Fail(verdict.Err.Code, "", verdict.Err.Details); err != nil {
			return nil, err
		}
		out.Decision = DecisionFail

	case !m.CanRetry():
		if err := m.Fail(apperrors.ErrCodeRetryExhausted, verdict.Err.Code, verdict.Err.Details); err != nil {
			return nil, err
		}
		out.Decision = DecisionFail

	default:
		next, ok := ReplanWithin(input.Plan, verdict.Err.Code, h.config.MaxWindowDays)
		if !ok {
			if err := m.Fail(apperrors.ErrCodeRetryExhausted, verdict.Err.Code, "no adjustment available: "+verdict.Err.Details); err != nil {
				return nil, err
			}
			out.Decision = DecisionFail
			break
		}
		if err := m.Retry(verdict.Err.Code, verdict.Err.Details); err != nil {
			return nil, err
		}
		out.Decision = DecisionRetry
		out.Retry = next
	}

	out.Outcome = m.Outcome()
	fields := map[string]interface{}{
		"decision": string(out.Decision),
		"state":    string(m.State()),
		"retries":  m.Retries(),
	}
	if verdict.Err != nil {
		fields["code"] = string(verdict.Err.Code)
		fields["details"] = verdict.Err.Details
	}
	if out.Decision == DecisionAccept {
		log.Info("result accepted", fields)
	} else {
		log.Warn("result rejected", fields)
	}
	return out, nil
}
