package engine

import "fmt"

// Stable rule IDs for engine-generated issues. Downstream tooling keys off
// these strings; never rename them.
const (
	RuleTimeout              = "system/timeout"
	RuleAPIKeyMissing        = "system/api-key-missing"
	RuleAIExecutionError     = "system/ai-execution-error"
	RuleAISessionReuseError  = "system/ai-session-reuse-error"
	RuleForEachExpectedArray = "system/foreach_expected_array"
	RuleLoopBudgetExceeded   = "routing/loop_budget_exceeded"
	RuleMaxRunsExceeded      = "routing/max_runs_exceeded"
	RuleGuaranteeFailed      = "contract/guarantee_failed"
	RulePlanCycle            = "plan/cycle"
	RuleUnresolvedDependency = "plan/unresolved_dependency"
	RuleSessionUnresolved    = "session/unresolved"
	RuleFailIf               = "fail_if"
	RuleSchemaValidation     = "schema/validation_failed"
)

// PlanErrorKind classifies why a plan could not be built.
type PlanErrorKind string

const (
	PlanCycle                PlanErrorKind = "cycle"
	PlanUnresolvedDependency PlanErrorKind = "unresolved_dependency"
	PlanUnknownProvider      PlanErrorKind = "unknown_provider"
)

// PlanError is returned when the check graph cannot be turned into an
// executable plan.
type PlanError struct {
	Kind    PlanErrorKind
	Detail  string
	Members []string
}

func (e *PlanError) Error() string {
	if len(e.Members) > 0 {
		return fmt.Sprintf("plan/%s: %s (checks: %v)", e.Kind, e.Detail, e.Members)
	}
	return fmt.Sprintf("plan/%s: %s", e.Kind, e.Detail)
}

// RuleID maps the plan failure to its stable issue rule.
func (e *PlanError) RuleID() string {
	switch e.Kind {
	case PlanCycle:
		return RulePlanCycle
	default:
		return RuleUnresolvedDependency
	}
}
