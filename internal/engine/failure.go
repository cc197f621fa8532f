package engine

import (
	"fmt"
	"strings"
)

// evaluateIfGate applies a check's `if` predicate. Fail-open: an expression
// error runs the check anyway and surfaces a warning.
func (e *Engine) evaluateIfGate(pc *ProviderContext) (run bool, warning *Issue) {
	expr := strings.TrimSpace(pc.Check.If)
	if expr == "" {
		return true, nil
	}
	ok, err := e.eval.EvaluateBool(expr, pc.SandboxEnv(nil))
	if err != nil {
		w := SystemIssue("if", fmt.Sprintf("check %q `if` did not evaluate (%v); running anyway", pc.CheckName, err), SeverityWarning)
		return true, &w
	}
	return ok, nil
}

// evaluateAssume applies the assume precondition. A false assumption skips
// the check; an expression error is fail-open like `if`.
func (e *Engine) evaluateAssume(pc *ProviderContext) (holds bool, warning *Issue) {
	expr := strings.TrimSpace(pc.Check.Assume)
	if expr == "" {
		return true, nil
	}
	ok, err := e.eval.EvaluateBool(expr, pc.SandboxEnv(nil))
	if err != nil {
		w := SystemIssue("assume", fmt.Sprintf("check %q `assume` did not evaluate (%v); running anyway", pc.CheckName, err), SeverityWarning)
		return true, &w
	}
	return ok, nil
}

// evaluateGuarantee applies the postcondition to a successful result. A
// violated guarantee appends contract/guarantee_failed but never flips the
// status: the check stays successful, dependents still run, and on_fail
// routing is not triggered. An expression error is fail-closed (warning
// only).
func (e *Engine) evaluateGuarantee(pc *ProviderContext, res *CheckResult) {
	expr := strings.TrimSpace(pc.Check.Guarantee)
	if expr == "" || res.Status != StatusSuccess {
		return
	}
	ok, err := e.eval.EvaluateBool(expr, pc.SandboxEnv(res))
	if err != nil {
		res.Issues = append(res.Issues, SystemIssue(RuleGuaranteeFailed,
			fmt.Sprintf("check %q `guarantee` did not evaluate: %v", pc.CheckName, err),
			SeverityWarning))
		return
	}
	if !ok {
		res.Issues = append(res.Issues, SystemIssue(RuleGuaranteeFailed,
			fmt.Sprintf("check %q violated its guarantee: %s", pc.CheckName, expr),
			SeverityError))
	}
}

// applyFailIf evaluates the check's fail_if contract against the result.
// Fail-closed: an expression error never fails the check, it only warns.
// Returns whether a truthy condition requested run-wide halt.
func (e *Engine) applyFailIf(pc *ProviderContext, res *CheckResult) (halt bool) {
	fi := pc.Check.FailIf
	if fi.IsZero() {
		return false
	}
	env := pc.SandboxEnv(res)

	if expr := strings.TrimSpace(fi.Expr); expr != "" {
		ok, err := e.eval.EvaluateBool(expr, env)
		if err != nil {
			res.Issues = append(res.Issues, SystemIssue(RuleFailIf,
				fmt.Sprintf("check %q fail_if did not evaluate: %v", pc.CheckName, err),
				SeverityWarning))
			return false
		}
		if ok {
			res.Status = StatusFailure
			res.Issues = append(res.Issues, SystemIssue(RuleFailIf,
				fmt.Sprintf("check %q failed condition: %s", pc.CheckName, expr),
				SeverityError))
		}
		return false
	}

	for _, cond := range fi.Conditions {
		ok, err := e.eval.EvaluateBool(cond.Condition, env)
		if err != nil {
			res.Issues = append(res.Issues, SystemIssue(RuleFailIf+"/"+cond.Name,
				fmt.Sprintf("check %q fail_if %q did not evaluate: %v", pc.CheckName, cond.Name, err),
				SeverityWarning))
			continue
		}
		if !ok {
			continue
		}
		sev := SeverityError
		if cond.Severity != "" {
			if parsed, perr := ParseSeverity(cond.Severity); perr == nil {
				sev = parsed
			}
		}
		msg := cond.Message
		if msg == "" {
			msg = fmt.Sprintf("check %q failed condition %q: %s", pc.CheckName, cond.Name, cond.Condition)
		}
		res.Issues = append(res.Issues, SystemIssue(RuleFailIf+"/"+cond.Name, msg, sev))
		if sev == SeverityError || sev == SeverityCritical {
			res.Status = StatusFailure
		}
		if cond.HaltExecution {
			halt = true
		}
	}
	return halt
}
