package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/probelabs/visor/internal/config"
)

// fakeProvider lets each test script provider behavior per check.
type fakeProvider struct {
	validate func(*config.CheckConfig) error
	execute  func(ctx context.Context, pc *ProviderContext) (CheckResult, error)
}

func (f *fakeProvider) Validate(check *config.CheckConfig) error {
	if f.validate != nil {
		return f.validate(check)
	}
	return nil
}

func (f *fakeProvider) Execute(ctx context.Context, pc *ProviderContext) (CheckResult, error) {
	if f.execute != nil {
		return f.execute(ctx, pc)
	}
	return CheckResult{Status: StatusSuccess}, nil
}

func newTestEngine(t *testing.T, cfg *config.Config, exec func(ctx context.Context, pc *ProviderContext) (CheckResult, error)) *Engine {
	t.Helper()
	reg := NewRegistry()
	reg.Register("noop", &fakeProvider{execute: exec})
	e, err := New(cfg, Options{Registry: reg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func findExecutions(result *RunResult, name string) []ExecutedCheck {
	var out []ExecutedCheck
	for _, ex := range result.Executions {
		if ex.Name == name {
			out = append(out, ex)
		}
	}
	return out
}

func hasRule(res *CheckResult, rule string) bool {
	for _, is := range res.Issues {
		if is.RuleID == rule {
			return true
		}
	}
	return false
}

func TestRunLinearChainPassesOutputs(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"a": {},
		"b": {DependsOn: config.StringList{"a"}},
		"c": {DependsOn: config.StringList{"b"}},
	}, []string{"a", "b", "c"})

	var sawA any
	e := newTestEngine(t, cfg, func(_ context.Context, pc *ProviderContext) (CheckResult, error) {
		if pc.CheckName == "b" {
			sawA = pc.Outputs["a"]
		}
		return CheckResult{Status: StatusSuccess, Output: pc.CheckName + "-out"}, nil
	})

	result, err := e.Run(context.Background(), &Event{Type: EventManual}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Executions) != 3 {
		t.Fatalf("executions = %d, want 3", len(result.Executions))
	}
	if sawA != "a-out" {
		t.Fatalf("b saw outputs[a] = %v", sawA)
	}
	if result.Summary.Succeeded != 3 {
		t.Fatalf("summary = %+v", result.Summary)
	}
}

func TestRunRetryThenSucceed(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"flaky": {OnFail: &config.RoutingBlock{Retry: &config.RetryConfig{
			Max:     2,
			Backoff: &config.BackoffConfig{Mode: "fixed", DelayMS: 1},
		}}},
	}, []string{"flaky"})

	var calls int32
	e := newTestEngine(t, cfg, func(context.Context, *ProviderContext) (CheckResult, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return CheckResult{Status: StatusFailure}, nil
		}
		return CheckResult{Status: StatusSuccess}, nil
	})

	result, err := e.Run(context.Background(), &Event{Type: EventManual}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	execs := findExecutions(result, "flaky")
	if len(execs) != 1 {
		t.Fatalf("executions = %d, want one terminal record", len(execs))
	}
	if execs[0].Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", execs[0].Attempts)
	}
	if execs[0].Result.Status != StatusSuccess {
		t.Fatalf("status = %s", execs[0].Result.Status)
	}
}

func TestRunCascadeSkip(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"broken":   {},
		"blocked":  {DependsOn: config.StringList{"broken"}},
		"deeper":   {DependsOn: config.StringList{"blocked"}},
		"tolerant": {ContinueOnFailure: true},
		"after":    {DependsOn: config.StringList{"tolerant"}},
	}, []string{"broken", "blocked", "deeper", "tolerant", "after"})

	e := newTestEngine(t, cfg, func(_ context.Context, pc *ProviderContext) (CheckResult, error) {
		switch pc.CheckName {
		case "broken", "tolerant":
			return CheckResult{Status: StatusFailure}, nil
		}
		return CheckResult{Status: StatusSuccess}, nil
	})

	result, err := e.Run(context.Background(), &Event{Type: EventManual}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, name := range []string{"blocked", "deeper"} {
		execs := findExecutions(result, name)
		if len(execs) != 1 || execs[0].Result.Status != StatusSkipped || execs[0].Result.SkipReason != "dependency" {
			t.Fatalf("%s = %+v, want dependency skip", name, execs)
		}
	}
	after := findExecutions(result, "after")
	if len(after) != 1 || after[0].Result.Status != StatusSuccess {
		t.Fatalf("after = %+v, want to run despite tolerant failing", after)
	}
}

func TestRunForEachFanOut(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"fetch":   {ForEach: true, Fanout: "map"},
		"process": {DependsOn: config.StringList{"fetch"}},
		"reduce":  {DependsOn: config.StringList{"process"}, Fanout: "reduce"},
	}, []string{"fetch", "process", "reduce"})

	var mu sync.Mutex
	var processedItems []any
	var reduceSaw any
	e := newTestEngine(t, cfg, func(_ context.Context, pc *ProviderContext) (CheckResult, error) {
		switch pc.CheckName {
		case "fetch":
			return CheckResult{Status: StatusSuccess, Output: []any{"x", "y", "z"}}, nil
		case "process":
			mu.Lock()
			processedItems = append(processedItems, pc.Outputs["fetch"])
			mu.Unlock()
			return CheckResult{Status: StatusSuccess, Output: fmt.Sprintf("done-%v", pc.Outputs["fetch"])}, nil
		case "reduce":
			mu.Lock()
			reduceSaw = pc.Outputs["process"]
			mu.Unlock()
			return CheckResult{Status: StatusSuccess}, nil
		}
		return CheckResult{Status: StatusSuccess}, nil
	})

	result, err := e.Run(context.Background(), &Event{Type: EventManual}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(processedItems) != 3 {
		t.Fatalf("process ran %d times, want 3", len(processedItems))
	}
	agg, ok := reduceSaw.([]any)
	if !ok || len(agg) != 3 {
		t.Fatalf("reduce saw %v, want the 3 aggregated child outputs", reduceSaw)
	}
	procs := findExecutions(result, "process")
	if len(procs) != 3 {
		t.Fatalf("process executions = %d", len(procs))
	}
	scopes := map[string]bool{}
	for _, ex := range procs {
		scopes[ex.ScopePath] = true
	}
	if len(scopes) != 3 {
		t.Fatalf("scope paths = %v, want one per item", scopes)
	}
}

func TestRunForEachNonArrayFails(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"fetch": {ForEach: true, Fanout: "map"},
	}, []string{"fetch"})

	e := newTestEngine(t, cfg, func(context.Context, *ProviderContext) (CheckResult, error) {
		return CheckResult{Status: StatusSuccess, Output: map[string]any{"not": "array"}}, nil
	})
	result, err := e.Run(context.Background(), &Event{Type: EventManual}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	ex := findExecutions(result, "fetch")[0]
	if ex.Result.Status != StatusFailure || !hasRule(ex.Result, RuleForEachExpectedArray) {
		t.Fatalf("result = %+v", ex.Result)
	}
}

func TestRunForEachOnFinishFiresOnce(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"fetch": {
			ForEach: true, Fanout: "map",
			OnFinish: &config.RoutingBlock{RunJS: "log('settled')"},
		},
		"process": {DependsOn: config.StringList{"fetch"}},
	}, []string{"fetch", "process"})

	var processRuns int32
	e := newTestEngine(t, cfg, func(_ context.Context, pc *ProviderContext) (CheckResult, error) {
		if pc.CheckName == "fetch" {
			return CheckResult{Status: StatusSuccess, Output: []any{1, 2}}, nil
		}
		atomic.AddInt32(&processRuns, 1)
		return CheckResult{Status: StatusSuccess}, nil
	})
	result, err := e.Run(context.Background(), &Event{Type: EventManual}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if atomic.LoadInt32(&processRuns) != 2 {
		t.Fatalf("process ran %d times", processRuns)
	}
	if result.Halted {
		t.Fatal("unexpected halt")
	}
}

func TestRunGotoLoopBudget(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"looper": {OnSuccess: &config.RoutingBlock{Goto: "looper"}},
	}, []string{"looper"})
	cfg.Routing.MaxLoops = 3

	e := newTestEngine(t, cfg, func(context.Context, *ProviderContext) (CheckResult, error) {
		return CheckResult{Status: StatusSuccess}, nil
	})
	result, err := e.Run(context.Background(), &Event{Type: EventManual}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	execs := findExecutions(result, "looper")
	// initial run + 3 budgeted gotos, then the budget-exceeded record
	var successes, budgetFailures int
	for _, ex := range execs {
		switch {
		case ex.Result.Status == StatusSuccess:
			successes++
		case hasRule(ex.Result, RuleLoopBudgetExceeded):
			budgetFailures++
		}
	}
	if successes != 4 {
		t.Fatalf("successful runs = %d, want 4 (1 + budget of 3)", successes)
	}
	if budgetFailures != 1 {
		t.Fatalf("budget failures = %d, want 1", budgetFailures)
	}
}

func TestRunMaxRunsExceeded(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"looper": {MaxRuns: 2, OnSuccess: &config.RoutingBlock{Goto: "looper"}},
	}, []string{"looper"})

	e := newTestEngine(t, cfg, func(context.Context, *ProviderContext) (CheckResult, error) {
		return CheckResult{Status: StatusSuccess}, nil
	})
	result, err := e.Run(context.Background(), &Event{Type: EventManual}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	execs := findExecutions(result, "looper")
	last := execs[len(execs)-1]
	if last.Result.Status != StatusFailure || !hasRule(last.Result, RuleMaxRunsExceeded) {
		t.Fatalf("last = %+v, want max_runs failure", last.Result)
	}
}

func TestRunIfGateSkipsAndFailsOpen(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"gated":  {If: "false"},
		"broken": {If: "this is not javascript"},
	}, []string{"gated", "broken"})

	var brokenRan int32
	e := newTestEngine(t, cfg, func(_ context.Context, pc *ProviderContext) (CheckResult, error) {
		if pc.CheckName == "broken" {
			atomic.AddInt32(&brokenRan, 1)
		}
		return CheckResult{Status: StatusSuccess}, nil
	})
	result, err := e.Run(context.Background(), &Event{Type: EventManual}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	gated := findExecutions(result, "gated")[0]
	if gated.Result.Status != StatusSkipped || gated.Result.SkipReason != "if" {
		t.Fatalf("gated = %+v", gated.Result)
	}
	if atomic.LoadInt32(&brokenRan) != 1 {
		t.Fatal("a broken `if` must fail open and run the check")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected a warning about the unevaluable `if`")
	}
}

func TestRunFailIfMarksFailure(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"check": {FailIf: &config.FailIfConfig{Expr: "output.count > 1"}},
	}, []string{"check"})

	e := newTestEngine(t, cfg, func(context.Context, *ProviderContext) (CheckResult, error) {
		return CheckResult{Status: StatusSuccess, Output: map[string]any{"count": 5}}, nil
	})
	result, err := e.Run(context.Background(), &Event{Type: EventManual}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	ex := findExecutions(result, "check")[0]
	if ex.Result.Status != StatusFailure || !hasRule(ex.Result, RuleFailIf) {
		t.Fatalf("result = %+v", ex.Result)
	}
}

func TestRunFailIfEvalErrorFailsClosed(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"check": {FailIf: &config.FailIfConfig{Expr: "boom("}},
	}, []string{"check"})

	e := newTestEngine(t, cfg, func(context.Context, *ProviderContext) (CheckResult, error) {
		return CheckResult{Status: StatusSuccess}, nil
	})
	result, err := e.Run(context.Background(), &Event{Type: EventManual}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	ex := findExecutions(result, "check")[0]
	if ex.Result.Status != StatusSuccess {
		t.Fatalf("status = %s, want success (an unevaluable fail_if never fails the check)", ex.Result.Status)
	}
	var warned bool
	for _, is := range ex.Result.Issues {
		if is.RuleID == RuleFailIf && is.Severity == SeverityWarning {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("issues = %+v, want a %s warning", ex.Result.Issues, RuleFailIf)
	}
}

func TestRunGuaranteeViolation(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"check": {Guarantee: "output.ok === true"},
		"next":  {DependsOn: config.StringList{"check"}},
	}, []string{"check", "next"})

	e := newTestEngine(t, cfg, func(context.Context, *ProviderContext) (CheckResult, error) {
		return CheckResult{Status: StatusSuccess, Output: map[string]any{"ok": false}}, nil
	})
	result, err := e.Run(context.Background(), &Event{Type: EventManual}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	ex := findExecutions(result, "check")[0]
	if ex.Result.Status != StatusSuccess {
		t.Fatalf("status = %s, want success (a violated guarantee only appends an issue)", ex.Result.Status)
	}
	if !hasRule(ex.Result, RuleGuaranteeFailed) {
		t.Fatalf("issues = %+v, want %s", ex.Result.Issues, RuleGuaranteeFailed)
	}
	next := findExecutions(result, "next")[0]
	if next.Result.Status != StatusSuccess {
		t.Fatalf("dependent status = %s, want success (guarantee must not cascade)", next.Result.Status)
	}
}

func TestRunHaltExecution(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"sentinel": {FailIf: &config.FailIfConfig{Conditions: []config.FailCondition{{
			Name:          "disaster",
			Condition:     "true",
			HaltExecution: true,
		}}}},
		"later": {DependsOn: config.StringList{"sentinel"}},
	}, []string{"sentinel", "later"})

	e := newTestEngine(t, cfg, func(context.Context, *ProviderContext) (CheckResult, error) {
		return CheckResult{Status: StatusSuccess}, nil
	})
	result, err := e.Run(context.Background(), &Event{Type: EventManual}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Halted || result.HaltedBy != "sentinel" {
		t.Fatalf("halted = %v by %q", result.Halted, result.HaltedBy)
	}
}

func TestRunFailFastCancelsRest(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"first":  {},
		"second": {DependsOn: config.StringList{"first"}},
	}, []string{"first", "second"})
	cfg.FailFast = true
	cfg.MaxParallelism = 1

	e := newTestEngine(t, cfg, func(_ context.Context, pc *ProviderContext) (CheckResult, error) {
		if pc.CheckName == "first" {
			return CheckResult{Status: StatusFailure}, nil
		}
		return CheckResult{Status: StatusSuccess}, nil
	})
	result, err := e.Run(context.Background(), &Event{Type: EventManual}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	second := findExecutions(result, "second")
	if len(second) != 1 || second[0].Result.Status != StatusSkipped {
		t.Fatalf("second = %+v, want skipped", second)
	}
}

func TestRunMaxParallelismOne(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"a": {}, "b": {}, "c": {},
	}, []string{"a", "b", "c"})
	cfg.MaxParallelism = 1

	var active, maxActive int32
	e := newTestEngine(t, cfg, func(context.Context, *ProviderContext) (CheckResult, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			cur := atomic.LoadInt32(&maxActive)
			if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return CheckResult{Status: StatusSuccess}, nil
	})
	if _, err := e.Run(context.Background(), &Event{Type: EventManual}, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if atomic.LoadInt32(&maxActive) != 1 {
		t.Fatalf("max concurrent = %d, want 1", maxActive)
	}
}

func TestRunTransitionToNullStopsRouting(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"check": {OnSuccess: &config.RoutingBlock{
			Transitions: []config.Transition{{When: "true", HasTo: true}},
			Goto:        "check",
		}},
	}, []string{"check"})

	e := newTestEngine(t, cfg, func(context.Context, *ProviderContext) (CheckResult, error) {
		return CheckResult{Status: StatusSuccess}, nil
	})
	result, err := e.Run(context.Background(), &Event{Type: EventManual}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(findExecutions(result, "check")); n != 1 {
		t.Fatalf("executions = %d, want 1 (explicit `to: null` stops the goto)", n)
	}
}

func TestRunGotoEventStartsSubPlan(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"trigger": {
			On:        config.StringList{"manual"},
			OnSuccess: &config.RoutingBlock{Goto: "handler", GotoEvent: "webhook_received"},
		},
		"handler": {On: config.StringList{"webhook_received"}},
	}, []string{"trigger", "handler"})

	var handlerEvent EventType
	var handlerOutputs map[string]any
	e := newTestEngine(t, cfg, func(_ context.Context, pc *ProviderContext) (CheckResult, error) {
		if pc.CheckName == "handler" {
			handlerEvent = pc.Event.Type
			handlerOutputs = pc.Outputs
		}
		return CheckResult{Status: StatusSuccess, Output: map[string]any{"seeded": true}}, nil
	})
	result, err := e.Run(context.Background(), &Event{Type: EventManual}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	handlers := findExecutions(result, "handler")
	if len(handlers) != 1 {
		t.Fatalf("handler executions = %d, want 1", len(handlers))
	}
	if handlerEvent != EventWebhookReceived {
		t.Fatalf("handler event = %s", handlerEvent)
	}
	if handlers[0].ScopePath == "" {
		t.Fatal("handler should run in a derived event scope")
	}
	if _, ok := handlerOutputs["trigger"]; ok {
		t.Fatalf("outputs = %v; the derived event scope must not see the originating run's outputs", handlerOutputs)
	}
	if result.Stats.RoutingHops != 1 {
		t.Fatalf("routing hops = %d", result.Stats.RoutingHops)
	}
}

func TestRunTransitionGotoEventOverridesBlock(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"trigger": {
			On: config.StringList{"manual"},
			OnSuccess: &config.RoutingBlock{
				Transitions: []config.Transition{{
					When: "true", To: "handler", HasTo: true, GotoEvent: "webhook_received",
				}},
				GotoEvent: "schedule",
			},
		},
		"handler": {On: config.StringList{"webhook_received", "schedule"}},
	}, []string{"trigger", "handler"})

	var handlerEvent EventType
	e := newTestEngine(t, cfg, func(_ context.Context, pc *ProviderContext) (CheckResult, error) {
		if pc.CheckName == "handler" {
			handlerEvent = pc.Event.Type
		}
		return CheckResult{Status: StatusSuccess}, nil
	})
	result, err := e.Run(context.Background(), &Event{Type: EventManual}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(findExecutions(result, "handler")); n != 1 {
		t.Fatalf("handler executions = %d, want 1", n)
	}
	if handlerEvent != EventWebhookReceived {
		t.Fatalf("handler event = %s, want the winning rule's goto_event", handlerEvent)
	}
}

func TestRunOnFailRemediationSteps(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"main":   {OnFail: &config.RoutingBlock{Run: []config.RunStep{{Step: "cleanup", As: "cleaned"}}}},
		"notRun": {If: "false"},
	}, []string{"main", "notRun"})
	cfg.Checks["cleanup"] = &config.CheckConfig{Name: "cleanup", Type: "noop"}

	var cleanupRan int32
	e := newTestEngine(t, cfg, func(_ context.Context, pc *ProviderContext) (CheckResult, error) {
		switch pc.CheckName {
		case "main":
			return CheckResult{Status: StatusFailure}, nil
		case "cleanup":
			atomic.AddInt32(&cleanupRan, 1)
			return CheckResult{Status: StatusSuccess, Output: "tidy"}, nil
		}
		return CheckResult{Status: StatusSuccess}, nil
	})
	if _, err := e.Run(context.Background(), &Event{Type: EventManual}, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if atomic.LoadInt32(&cleanupRan) != 1 {
		t.Fatalf("cleanup ran %d times, want 1 (on_fail resolves once after the attempt loop)", cleanupRan)
	}
}

func TestRunSummaryAndWarnings(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"lint": {Group: "quality"},
	}, []string{"lint"})
	cfg.Warnings = []string{"config: something looked off"}

	e := newTestEngine(t, cfg, func(context.Context, *ProviderContext) (CheckResult, error) {
		return CheckResult{Status: StatusSuccess, Issues: []Issue{{
			File: "main.go", Line: 3, RuleID: "style/naming",
			Message: "rename me", Severity: SeverityWarning,
		}}}, nil
	})
	result, err := e.Run(context.Background(), &Event{Type: EventManual}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("warnings = %v", result.Warnings)
	}
	if len(result.Summary.Groups) != 1 || result.Summary.Groups[0].Group != "quality" {
		t.Fatalf("groups = %+v", result.Summary.Groups)
	}
	if result.Summary.WarningIssues != 1 {
		t.Fatalf("summary = %+v", result.Summary)
	}
}
