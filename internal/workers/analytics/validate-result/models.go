// internal/workers/analytics/validate-result/models.go
package validateresult

import "bnpl-copilot/internal/models"

// Decision is what the caller does next with the turn.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionRetry  Decision = "retry"
	DecisionFail   Decision = "fail"
)

// Input carries one executed attempt. The Machine spans every attempt of
// a turn; a nil Machine starts a fresh one.
type Input struct {
	Plan      *models.Plan
	Execution *models.ExecutionResult
	Machine   *Machine
}

type Output struct {
	Decision Decision
	Result   *models.ResultSet
	Retry    *models.Plan
	Machine  *Machine
	Outcome  models.ValidationOutcome
}
