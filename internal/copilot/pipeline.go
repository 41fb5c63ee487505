// internal/copilot/pipeline.go
package copilot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	apperrors "bnpl-copilot/internal/common/errors"
	"bnpl-copilot/internal/common/logger"
	"bnpl-copilot/internal/common/metrics"
	"bnpl-copilot/internal/common/observability"
	"bnpl-copilot/internal/common/validation"
	"bnpl-copilot/internal/conversation"
	"bnpl-copilot/internal/models"
	buildplan "bnpl-copilot/internal/workers/analytics/build-plan"
	executeplan "bnpl-copilot/internal/workers/analytics/execute-plan"
	narrateresponse "bnpl-copilot/internal/workers/analytics/narrate-response"
	routeintent "bnpl-copilot/internal/workers/analytics/route-intent"
	validateresult "bnpl-copilot/internal/workers/analytics/validate-result"
	buildresponse "bnpl-copilot/internal/workers/infrastructure/build-response"
)

// Stage names used in logs and the stage duration histogram.
const (
	StageRoute    = "route"
	StagePlan     = "plan"
	StageExecute  = "execute"
	StageValidate = "validate"
	StageNarrate  = "narrate"
	StageRespond  = "respond"
	StagePersist  = "persist"
)

// Turn outcomes reported on copilot_turns_total.
const (
	OutcomeAnswered     = "answered"
	OutcomeFailed       = "failed"
	OutcomeUnanswerable = "unanswerable"
	OutcomeGuardrail    = "guardrail"
)

// DataClock reports the newest day the warehouse holds. Relative windows
// are anchored on it.
type DataClock interface {
	LatestDataDate(ctx context.Context) (time.Time, error)
}

// Components are the stages and stores a Pipeline drives. Sink, Metrics
// and Observability may be nil.
type Components struct {
	Router        *routeintent.Handler
	Planner       *buildplan.Handler
	Executor      *executeplan.Handler
	Validator     *validateresult.Handler
	Narrator      *narrateresponse.Handler
	Responder     *buildresponse.Handler
	DataClock     DataClock
	Store         conversation.Store
	Sink          TraceSink
	Metrics       *metrics.Metrics
	Observability *observability.Observability
}

// Inspection is what one completed turn decided. The CLI prints it in
// debug mode.
type Inspection struct {
	SessionID   string
	TurnID      string
	Entities    models.ExtractedEntities
	Source      string
	Plan        *models.Plan
	Execution   *models.ExecutionResult
	Outcome     *models.ValidationOutcome
	Result      *models.ResultSet
	Failure     *apperrors.StandardError
	ProseSource string
	Elapsed     time.Duration
}

// Pipeline answers one chat message at a time per session.
type Pipeline struct {
	Components

	config  *Config
	locks   *conversation.Locks
	clock   clockwork.Clock
	inspect func(Inspection)
	logger  logger.Logger
}

func New(config *Config, c Components, log logger.Logger) *Pipeline {
	return &Pipeline{
		Components: c,
		config:     config,
		locks:      conversation.NewLocks(config.LockStripes),
		clock:      clockwork.NewRealClock(),
		logger:     log.Named("pipeline"),
	}
}

func (p *Pipeline) WithClock(clock clockwork.Clock) *Pipeline {
	p.clock = clock
	return p
}

// WithInspector calls fn after every completed turn.
func (p *Pipeline) WithInspector(fn func(Inspection)) *Pipeline {
	p.inspect = fn
	return p
}

// Close releases the executor's worker pool.
func (p *Pipeline) Close() {
	if p.Executor != nil {
		p.Executor.Close()
	}
}

// turn collects what each stage learned about one message.
type turn struct {
	id       string
	session  string
	question string
	start    time.Time
	log      logger.Logger

	state    *models.ConversationState
	routed   *routeintent.Output
	plan     *models.Plan
	exec     *models.ExecutionResult
	outcome  *models.ValidationOutcome
	result   *models.ResultSet
	failure  *apperrors.StandardError
	degraded []apperrors.ErrorCode
	report   *models.StructuredResponse
	proseSrc string
}

// Chat runs one message through the pipeline. It returns an error only for
// an invalid request or when ctx ends; every other failure is reported in
// the response.
func (p *Pipeline) Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if p.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.RequestTimeout)
		defer cancel()
	}
	defer p.Metrics.TurnStarted()()

	t := &turn{
		id:       uuid.NewString(),
		session:  req.SessionID,
		question: validation.SanitizeMessage(req.Message),
		start:    p.clock.Now(),
	}
	t.log = p.logger.WithFields(map[string]interface{}{
		logger.FieldSessionID: t.session,
		logger.FieldTurnID:    t.id,
	})
	t.log.Debug("turn received", map[string]interface{}{"message": t.question})

	release, err := p.locks.Lock(ctx, t.session)
	if err != nil {
		return nil, err
	}
	defer release()

	t.state = p.load(ctx, t)

	if err := p.route(ctx, t); err != nil {
		return nil, err
	}
	if err := p.planAndExecute(ctx, t); err != nil {
		return nil, err
	}
	if err := p.narrate(ctx, t); err != nil {
		return nil, err
	}
	resp, err := p.respond(ctx, t)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		t.log.Warn("turn cancelled, history unchanged", map[string]interface{}{"error": err.Error()})
		return nil, err
	}
	p.persist(ctx, t, resp)
	p.finish(ctx, t)
	return resp, nil
}

func validateRequest(req *models.ChatRequest) error {
	if vr := validation.ValidateMessage(req.Message); !vr.Valid {
		return apperrors.NewInvalidRequestError(strings.Join(vr.GetErrorMessages(), "; "))
	}
	if vr := validation.ValidateSessionID(req.SessionID); !vr.Valid {
		return apperrors.NewInvalidRequestError(strings.Join(vr.GetErrorMessages(), "; "))
	}
	if validation.SanitizeMessage(req.Message) == "" {
		return apperrors.NewInvalidRequestError("message is required")
	}
	return nil
}

// load reads the session. A store failure degrades to an empty history.
func (p *Pipeline) load(ctx context.Context, t *turn) *models.ConversationState {
	state, err := p.Store.Load(ctx, t.session)
	if err != nil {
		t.log.Warn("session state unavailable, continuing without history", map[string]interface{}{
			"error": err.Error(),
		})
		return models.NewConversationState(t.session)
	}
	return state
}

func (p *Pipeline) latestDataDate(ctx context.Context, t *turn) time.Time {
	if p.DataClock == nil {
		return time.Time{}
	}
	latest, err := p.DataClock.LatestDataDate(ctx)
	if err != nil {
		t.log.Warn("latest data date unavailable, anchoring on today", map[string]interface{}{
			"error": err.Error(),
		})
		return time.Time{}
	}
	return latest
}

func (p *Pipeline) route(ctx context.Context, t *turn) error {
	latest := p.latestDataDate(ctx, t)
	if err := ctx.Err(); err != nil {
		return err
	}

	start := p.clock.Now()
	out, err := p.Router.Execute(ctx, &routeintent.Input{
		Message:        t.question,
		History:        t.state.History(),
		PriorResult:    t.state.LastResult(),
		LatestDataDate: latest,
	})
	elapsed := p.clock.Since(start)
	p.Metrics.ObserveStage(StageRoute, elapsed)
	if err != nil {
		if errors.Is(err, routeintent.ErrEmptyMessage) {
			return apperrors.NewInvalidRequestError("message is required")
		}
		return err
	}
	t.routed = out
	for _, note := range out.Notes {
		t.degraded = append(t.degraded, apperrors.ErrorCode(note))
	}
	if out.Degraded {
		p.Metrics.Fallback("classification")
	}
	p.Observability.RecordCapability(ctx, elapsed, "classification", out.Degraded)
	return nil
}

// planAndExecute plans the turn, then executes and validates until the
// validator reaches a terminal state.
func (p *Pipeline) planAndExecute(ctx context.Context, t *turn) error {
	start := p.clock.Now()
	planned, err := p.Planner.Execute(ctx, &buildplan.Input{Entities: t.routed.Entities})
	p.Metrics.ObserveStage(StagePlan, p.clock.Since(start))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		t.failure = apperrors.NewUnanswerableError(err.Error())
		t.plan = &models.Plan{Intent: t.routed.Entities.Intent, Unanswerable: true, Reason: err.Error()}
		return nil
	}

	plan := planned.Plan
	machine := p.Validator.NewMachine()
	for {
		t.plan = plan
		start = p.clock.Now()
		executed, err := p.Executor.Execute(ctx, &executeplan.Input{
			Plan:      plan,
			SessionID: t.session,
			TurnID:    t.id,
			UserQuery: t.question,
		})
		p.Metrics.ObserveStage(StageExecute, p.clock.Since(start))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			p.executionFailed(t, err)
			return nil
		}
		t.exec = executed.Execution
		p.countTools(plan, t.exec)

		if plan.Unanswerable {
			return nil
		}

		start = p.clock.Now()
		validated, err := p.Validator.Execute(ctx, &validateresult.Input{
			Plan:      plan,
			Execution: t.exec,
			Machine:   machine,
		})
		p.Metrics.ObserveStage(StageValidate, p.clock.Since(start))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			t.failure = apperrors.NewDataUnavailableError(validateresult.TaskType, err)
			return nil
		}
		outcome := validated.Outcome
		t.outcome = &outcome

		switch validated.Decision {
		case validateresult.DecisionRetry:
			t.log.Info("retrying with adjusted plan", map[string]interface{}{
				logger.FieldPlanID: validated.Retry.ID,
				"attempt":          validated.Retry.Attempt,
			})
			plan = validated.Retry
			continue
		case validateresult.DecisionAccept:
			t.result = validated.Result
		}
		for _, tr := range outcome.Transitions {
			p.Metrics.Transition(string(tr.From), string(tr.To))
		}
		return nil
	}
}

func (p *Pipeline) executionFailed(t *turn, err error) {
	se, ok := apperrors.AsStandardError(err)
	if !ok {
		se = apperrors.NewDataUnavailableError(executeplan.TaskType, err)
	}
	t.failure = se
	if se.Code == apperrors.ErrCodeGuardrailViolation {
		tool, _ := se.Metadata["tool"].(string)
		p.Metrics.GuardrailViolation(tool)
	}
	t.log.Warn("plan not executed", map[string]interface{}{
		"code":  string(se.Code),
		"error": se.Details,
	})
}

func (p *Pipeline) countTools(plan *models.Plan, exec *models.ExecutionResult) {
	failed := map[models.ToolKind]bool{}
	for _, f := range exec.Failures {
		failed[f.Tool] = true
		p.Metrics.ToolCall(string(f.Tool), "error")
	}
	for _, tool := range exec.ToolsUsed {
		if !failed[tool] {
			p.Metrics.ToolCall(string(tool), "ok")
		}
	}
}

func (p *Pipeline) narrate(ctx context.Context, t *turn) error {
	start := p.clock.Now()
	out, err := p.Narrator.Execute(ctx, &narrateresponse.Input{
		Question:  t.question,
		Entities:  &t.routed.Entities,
		Plan:      t.plan,
		Execution: t.exec,
		Outcome:   t.outcome,
		Failure:   t.failure,
		Degraded:  t.degraded,
		LatencyMs: p.clock.Since(t.start).Milliseconds(),
	})
	elapsed := p.clock.Since(start)
	p.Metrics.ObserveStage(StageNarrate, elapsed)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		t.log.Error("narration failed", map[string]interface{}{"error": err.Error()})
		t.report = internalReport(err)
		t.result = nil
		return nil
	}
	t.report = out.Response
	t.proseSrc = out.ProseSource
	if out.Degraded {
		p.Metrics.Fallback("narration")
	}
	p.Observability.RecordCapability(ctx, elapsed, "narration", out.Degraded)
	return nil
}

// internalReport is the report of a turn whose narration itself failed.
func internalReport(err error) *models.StructuredResponse {
	return &models.StructuredResponse{
		AnswerSummary: fmt.Sprintf("The request could not be completed (%s).", apperrors.ErrCodeInternal),
		Drivers:       []string{err.Error()},
		DataAssumptions: models.DataAssumptions{
			Tools:   []string{},
			Caveats: []string{},
		},
	}
}

func (p *Pipeline) respond(ctx context.Context, t *turn) (*models.ChatResponse, error) {
	start := p.clock.Now()
	defer func() { p.Metrics.ObserveStage(StageRespond, p.clock.Since(start)) }()

	input := &buildresponse.Input{
		ResponseID: "msg_" + t.id,
		SessionID:  t.session,
		Report:     t.report,
		Plan:       t.plan,
		Result:     t.result,
	}
	out, err := p.Responder.Execute(ctx, input)
	if err != nil && t.result != nil && ctx.Err() == nil {
		t.log.Warn("analytics payload rejected, sending text only", map[string]interface{}{
			"error": err.Error(),
		})
		input.Result = nil
		out, err = p.Responder.Execute(ctx, input)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return &models.ChatResponse{
			ID:        input.ResponseID,
			Role:      models.RoleAssistantName,
			Content:   t.report.Render(),
			SessionID: t.session,
			Report:    t.report,
		}, nil
	}
	return out.Response, nil
}

// persist appends the user and assistant turns in one store operation. A
// failed append is logged; the answer is still returned.
func (p *Pipeline) persist(ctx context.Context, t *turn, resp *models.ChatResponse) {
	start := p.clock.Now()
	now := p.clock.Now().UTC()
	entities := t.routed.Entities.Clone()
	user := models.ConversationTurn{
		ID:        t.id,
		Role:      models.RoleUser,
		Content:   t.question,
		Entities:  &entities,
		CreatedAt: now,
	}
	assistant := models.ConversationTurn{
		ID:        resp.ID,
		Role:      models.RoleAssistant,
		Content:   resp.Content,
		CreatedAt: now,
	}
	var results []*models.ResultSet
	if t.result != nil {
		assistant.ResultRef = t.result.ID
		results = append(results, t.result)
	}

	err := p.Store.Append(ctx, t.session, []models.ConversationTurn{user, assistant}, results)
	p.Metrics.ObserveStage(StagePersist, p.clock.Since(start))
	if err != nil {
		t.log.Error("session append failed", map[string]interface{}{"error": err.Error()})
	}
}

func (t *turn) outcomeLabel() string {
	switch {
	case t.plan != nil && t.plan.Unanswerable:
		return OutcomeUnanswerable
	case t.failure != nil && t.failure.Code == apperrors.ErrCodeGuardrailViolation:
		return OutcomeGuardrail
	case t.result != nil:
		return OutcomeAnswered
	}
	return OutcomeFailed
}

// finish records the turn's metrics and its turn_complete trace.
func (p *Pipeline) finish(ctx context.Context, t *turn) {
	elapsed := p.clock.Since(t.start)
	intent := string(t.routed.Entities.Intent)
	outcome := t.outcomeLabel()
	p.Metrics.Turn(intent, outcome)
	p.Observability.RecordRequest(ctx, elapsed, intent, outcome)

	if p.Sink != nil {
		ps, rs := models.Summarize(t.plan, t.exec)
		rec := models.TraceRecord{
			TraceID:       uuid.NewString(),
			SessionID:     t.session,
			TurnID:        t.id,
			Event:         models.TraceTurnComplete,
			UserQuery:     t.question,
			Plan:          ps,
			ResultSummary: rs,
			Outcome:       outcome,
			LatencyMs:     elapsed.Milliseconds(),
			Timestamp:     p.clock.Now().UTC(),
			Metadata:      map[string]interface{}{"proseSource": t.proseSrc},
		}
		if t.failure != nil {
			rec.Error = t.failure.Error()
		} else if t.outcome != nil && t.outcome.Code != "" {
			rec.Error = t.outcome.Code
		}
		if err := p.Sink.Record(ctx, rec); err != nil {
			t.log.Warn("turn trace not recorded", map[string]interface{}{"error": err.Error()})
		}
	}

	t.log.Info("turn complete", map[string]interface{}{
		logger.FieldIntent:    intent,
		"outcome":             outcome,
		"proseSource":         t.proseSrc,
		"degraded":            len(t.degraded) > 0,
		logger.FieldLatencyMs: elapsed.Milliseconds(),
	})

	if p.inspect != nil {
		p.inspect(Inspection{
			SessionID:   t.session,
			TurnID:      t.id,
			Entities:    t.routed.Entities,
			Source:      t.routed.Source,
			Plan:        t.plan,
			Execution:   t.exec,
			Outcome:     t.outcome,
			Result:      t.result,
			Failure:     t.failure,
			ProseSource: t.proseSrc,
			Elapsed:     elapsed,
		})
	}
}
