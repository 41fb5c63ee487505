// internal/workers/analytics/build-plan/handler.go
package buildplan

import (
	"context"
	"errors"
	"fmt"

	"bnpl-copilot/internal/common/logger"
	"bnpl-copilot/pkg/registry"
)

const (
	TaskType = "build-plan"
)

var (
	ErrInvalidEntities = errors.New("INVALID_ENTITIES")
)

type Handler struct {
	config  *Config
	planner *Planner
	logger  logger.Logger
}

func NewHandler(config *Config, reg *registry.Registry, log logger.Logger) *Handler {
	return &Handler{
		config:  config,
		planner: NewPlanner(config, reg),
		logger: log.WithFields(map[string]interface{}{
			"taskType": TaskType,
		}),
	}
}

// Planner exposes the pure planning function for callers that re-plan.
func (h *Handler) Planner() *Planner {
	return h.planner
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input)
}

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	if !input.Entities.Intent.Valid() {
		return nil, fmt.Errorf("%w: intent %q", ErrInvalidEntities, input.Entities.Intent)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	plan := h.planner.Plan(input.Entities)

	fields := map[string]interface{}{
		logger.FieldPlanID: plan.ID,
		logger.FieldIntent: string(plan.Intent),
		"tools":            plan.Tools(),
		"rowCap":           plan.RowCap,
		"comparison":       plan.Comparison,
	}
	if plan.Unanswerable {
		fields["reason"] = plan.Reason
		h.logger.Warn("no viable plan", fields)
	} else {
		h.logger.Info("plan built", fields)
	}
	return &Output{Plan: plan}, nil
}
