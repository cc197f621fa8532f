package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/probelabs/visor/internal/config"
)

// routeDecision is what one check execution (including its retries and
// routing hooks) hands back to the dispatcher.
type routeDecision struct {
	result   *CheckResult
	attempts int
	duration time.Duration

	gotoTarget string
	gotoEvent  string
	halt       bool
}

// executeStep drives one check through its full lifecycle in the given
// scope: if/assume gates, on_init, the attempt loop with on_fail retries,
// contract evaluation, and route resolution.
func (e *Engine) executeStep(ctx context.Context, scope *Scope, step *PlanStep) *routeDecision {
	start := time.Now()
	check := step.Check
	decision := &routeDecision{}
	defer func() { decision.duration = time.Since(start) }()

	pc := e.providerContext(scope, step, 1)

	if run, warning := e.evaluateIfGate(pc); !run {
		decision.result = &CheckResult{Status: StatusSkipped, SkipReason: "if", Issues: []Issue{}}
		return decision
	} else if warning != nil {
		e.Warn(warning.Message)
	}
	if holds, warning := e.evaluateAssume(pc); !holds {
		decision.result = &CheckResult{Status: StatusSkipped, SkipReason: "assume", Issues: []Issue{}}
		return decision
	} else if warning != nil {
		e.Warn(warning.Message)
	}

	// on_init runs preparation steps. Failures here are terminal for the
	// check: no retries, no on_fail routing.
	if check.OnInit != nil {
		if err := e.runRemediationSteps(ctx, scope, check.OnInit, pc); err != nil {
			decision.result = &CheckResult{
				Status: StatusFailure,
				Issues: []Issue{SystemIssue("provider/"+strings.ToLower(check.Type),
					fmt.Sprintf("on_init failed: %v", err), SeverityError)},
			}
			return decision
		}
		e.runJSHook(check.OnInit, pc, nil)
	}

	retryMax := 0
	var backoff *config.BackoffConfig
	if check.OnFail != nil && check.OnFail.Retry != nil {
		retryMax = check.OnFail.Retry.Max
		backoff = check.OnFail.Retry.Backoff
	}

	var res CheckResult
	attempt := 1
	for {
		decision.attempts = attempt
		pc = e.providerContext(scope, step, attempt)

		if runs := scope.CountRun(step.Name); check.MaxRuns > 0 && runs > check.MaxRuns {
			res = CheckResult{
				Status: StatusFailure,
				Issues: []Issue{SystemIssue(RuleMaxRunsExceeded,
					fmt.Sprintf("check %q exceeded max_runs=%d in its scope", step.Name, check.MaxRuns),
					SeverityError)},
			}
			break
		}

		e.log.Debug("check started",
			zap.String("check", step.Name), zap.Int("attempt", attempt),
			zap.String("event", string(scope.Event().Type)))
		var err error
		res, err = dispatch(ctx, e.registry, pc)
		if err != nil {
			res = CheckResult{
				Status: StatusFailure,
				Issues: []Issue{SystemIssue("provider/"+strings.ToLower(check.Type),
					err.Error(), SeverityError)},
			}
		}
		e.observe(step.Name, string(res.Status), time.Since(start))

		e.evaluateGuarantee(pc, &res)
		if e.applyFailIf(pc, &res) {
			decision.halt = true
		}

		if res.Status != StatusFailure || attempt > retryMax || ctx.Err() != nil {
			break
		}
		if _, ok := scope.ConsumeLoop(); !ok {
			res.Issues = append(res.Issues, SystemIssue(RuleLoopBudgetExceeded,
				fmt.Sprintf("check %q retry abandoned: scope loop budget exhausted after %d transitions",
					step.Name, scope.LoopsUsed()),
				SeverityError))
			break
		}
		delay := retryDelay(e.runID, step.Name, attempt, backoff)
		e.log.Debug("check retrying",
			zap.String("check", step.Name), zap.Int("attempt", attempt),
			zap.Duration("backoff", delay))
		if err := sleepWithContext(ctx, delay); err != nil {
			break
		}
		attempt++
	}

	decision.result = &res

	// Routing hooks see the terminal result of the attempt loop.
	var block *config.RoutingBlock
	switch res.Status {
	case StatusSuccess:
		block = check.OnSuccess
	case StatusFailure:
		block = check.OnFail
	}
	if block != nil {
		e.resolveRoute(ctx, scope, step, block, pc, &res, decision)
	}

	// on_finish of a forEach check is deferred until every child subtree
	// settles; the dispatcher fires it.
	if check.OnFinish != nil && !check.ForEach {
		e.resolveRoute(ctx, scope, step, check.OnFinish, pc, &res, decision)
	}
	return decision
}

// resolveRoute applies one routing block: remediation runs, then the first
// truthy transition, then goto_js, then the static goto and goto_event.
func (e *Engine) resolveRoute(ctx context.Context, scope *Scope, step *PlanStep,
	block *config.RoutingBlock, pc *ProviderContext, res *CheckResult, decision *routeDecision) {

	if err := e.runRemediationSteps(ctx, scope, block, pc); err != nil {
		res.Issues = append(res.Issues, SystemIssue("routing/run",
			fmt.Sprintf("check %q remediation step failed: %v", step.Name, err),
			SeverityWarning))
	}
	e.runJSHook(block, pc, res)

	env := pc.SandboxEnv(res)
	for _, tr := range block.Transitions {
		ok, err := e.eval.EvaluateBool(tr.When, env)
		if err != nil {
			res.Issues = append(res.Issues, SystemIssue("routing/transition",
				fmt.Sprintf("check %q transition `when` did not evaluate: %v", step.Name, err),
				SeverityWarning))
			continue
		}
		if !ok {
			continue
		}
		if tr.HasTo {
			// `to: null` stops routing outright
			decision.gotoTarget = tr.To
			if tr.To != "" {
				// the rule's own goto_event wins over the block's
				if tr.GotoEvent != "" {
					decision.gotoEvent = tr.GotoEvent
				} else {
					decision.gotoEvent = block.GotoEvent
				}
			}
			return
		}
		if tr.GotoEvent != "" {
			decision.gotoEvent = tr.GotoEvent
		}
		break
	}

	if block.GotoJS != "" {
		target, ok, err := e.eval.EvaluateString(block.GotoJS, env)
		if err != nil {
			res.Issues = append(res.Issues, SystemIssue("routing/goto_js",
				fmt.Sprintf("check %q goto_js did not evaluate: %v", step.Name, err),
				SeverityWarning))
		} else if ok {
			decision.gotoTarget = target
			if decision.gotoEvent == "" {
				decision.gotoEvent = block.GotoEvent
			}
			return
		} else {
			// explicit null disables the static goto
			return
		}
	}

	if block.Goto != "" {
		decision.gotoTarget = block.Goto
	}
	if decision.gotoEvent == "" {
		decision.gotoEvent = block.GotoEvent
	}
	if decision.gotoEvent != "" && decision.gotoTarget == "" {
		decision.gotoTarget = step.Name
	}
}

// runRemediationSteps executes a block's `run` list inline in the current
// scope, storing each step's output under its alias (or name).
func (e *Engine) runRemediationSteps(ctx context.Context, scope *Scope, block *config.RoutingBlock, parent *ProviderContext) error {
	for _, rs := range block.Run {
		check, ok := e.cfg.Checks[rs.Step]
		if !ok {
			return fmt.Errorf("unknown step %q", rs.Step)
		}
		step := &PlanStep{Name: rs.Step, Check: effectiveCheck(e.cfg, check)}
		pc := e.providerContext(scope, step, 1)
		pc.Depth = parent.Depth
		res, err := dispatch(ctx, e.registry, pc)
		if err != nil {
			return fmt.Errorf("step %q: %w", rs.Step, err)
		}
		if res.Status == StatusFailure {
			return fmt.Errorf("step %q failed", rs.Step)
		}
		key := rs.Step
		if rs.As != "" {
			key = rs.As
		}
		scope.SetOutput(key, res.Output)
	}
	return nil
}

// runJSHook evaluates a block's run_js for its side effects (logging,
// memory writes through providers are not reachable here; scripts observe
// only). Errors become engine warnings.
func (e *Engine) runJSHook(block *config.RoutingBlock, pc *ProviderContext, res *CheckResult) {
	if strings.TrimSpace(block.RunJS) == "" {
		return
	}
	if _, err := e.eval.Evaluate(block.RunJS, pc.SandboxEnv(res)); err != nil {
		e.Warn(fmt.Sprintf("check %q run_js failed: %v", pc.CheckName, err))
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
