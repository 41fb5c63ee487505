// internal/workers/analytics/validate-result/machine.go
package validateresult

import (
	"errors"
	"fmt"

	apperrors "bnpl-copilot/internal/common/errors"
	"bnpl-copilot/internal/models"
)

var (
	ErrTerminalState     = errors.New("TERMINAL_STATE")
	ErrInvalidTransition = errors.New("INVALID_TRANSITION")
	ErrRetryBudget       = errors.New("RETRY_BUDGET_SPENT")
)

var allowed = map[models.ValidationState][]models.ValidationState{
	models.StatePending:  {models.StateAccepted, models.StateRetrying, models.StateFailed},
	models.StateRetrying: {models.StateAccepted, models.StateRetrying, models.StateFailed},
}

// Machine is the validation state of one turn. Retries are bounded by
// maxRetries; once Accepted or Failed no transition is possible.
type Machine struct {
	state          models.ValidationState
	maxRetries     int
	retries        int
	code           apperrors.ErrorCode
	cause          apperrors.ErrorCode
	legitimateZero bool
	transitions    []models.Transition
}

func NewMachine(maxRetries int) *Machine {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Machine{state: models.StatePending, maxRetries: maxRetries}
}

func (m *Machine) State() models.ValidationState { return m.state }

func (m *Machine) Retries() int { return m.retries }

// CanRetry reports whether another Retrying transition fits the budget.
func (m *Machine) CanRetry() bool {
	return !m.state.Terminal() && m.retries < m.maxRetries
}

func (m *Machine) Accept(reason string, legitimateZero bool) error {
	if err := m.move(models.StateAccepted, reason); err != nil {
		return err
	}
	m.legitimateZero = legitimateZero
	return nil
}

func (m *Machine) Retry(code apperrors.ErrorCode, reason string) error {
	if !m.CanRetry() {
		return fmt.Errorf("%w: %d of %d used", ErrRetryBudget, m.retries, m.maxRetries)
	}
	if err := m.move(models.StateRetrying, reason); err != nil {
		return err
	}
	m.retries++
	m.cause = code
	return nil
}

// Fail ends the turn with code. cause is the underlying kind when code
// is RETRY_EXHAUSTED.
func (m *Machine) Fail(code, cause apperrors.ErrorCode, reason string) error {
	if err := m.move(models.StateFailed, reason); err != nil {
		return err
	}
	m.code = code
	m.cause = cause
	return nil
}

func (m *Machine) move(to models.ValidationState, reason string) error {
	if m.state.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminalState, m.state)
	}
	ok := false
	for _, s := range allowed[m.state] {
		if s == to {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, m.state, to)
	}
	m.transitions = append(m.transitions, models.Transition{From: m.state, To: to, Reason: reason})
	m.state = to
	return nil
}

// Outcome snapshots the machine for the narrator and the trace.
func (m *Machine) Outcome() models.ValidationOutcome {
	out := models.ValidationOutcome{
		State:          m.state,
		Code:           string(m.code),
		Retries:        m.retries,
		LegitimateZero: m.legitimateZero,
		Transitions:    append([]models.Transition(nil), m.transitions...),
	}
	if m.cause != "" && m.cause != m.code {
		out.Cause = string(m.cause)
	}
	return out
}
