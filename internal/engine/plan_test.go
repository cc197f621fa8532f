package engine

import (
	"errors"
	"testing"

	"github.com/probelabs/visor/internal/config"
)

func planConfig(t *testing.T, checks map[string]*config.CheckConfig, order []string) *config.Config {
	t.Helper()
	for name, c := range checks {
		c.Name = name
		if c.Type == "" {
			c.Type = "noop"
		}
	}
	return &config.Config{
		Checks:         checks,
		CheckOrder:     order,
		MaxParallelism: 3,
		Routing:        config.RoutingDefaults{MaxLoops: 25},
	}
}

func TestBuildPlanEventFilter(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"a": {On: config.StringList{"pr_opened"}},
		"b": {On: config.StringList{"manual"}},
		"c": {},
	}, []string{"a", "b", "c"})

	plan, err := BuildPlan(cfg, &Event{Type: EventPROpened}, PlanOptions{})
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	var names []string
	for _, s := range plan.Steps {
		names = append(names, s.Name)
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "c" {
		t.Fatalf("steps = %v, want [a c]", names)
	}
}

func TestBuildPlanTagFilter(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"fast":  {Tags: config.StringList{"fast"}},
		"slow":  {Tags: config.StringList{"slow"}},
		"both":  {Tags: config.StringList{"fast", "slow"}},
		"plain": {},
	}, []string{"fast", "slow", "both", "plain"})
	cfg.TagFilter = config.TagFilter{Include: []string{"fast"}, Exclude: []string{"slow"}}

	plan, err := BuildPlan(cfg, &Event{Type: EventManual}, PlanOptions{})
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if len(plan.Steps) != 1 || plan.Steps[0].Name != "fast" {
		t.Fatalf("steps = %+v, want only fast (exclude wins over include)", plan.Steps)
	}
}

func TestBuildPlanTriggers(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"go-only": {Triggers: config.StringList{"**/*.go"}},
		"docs":    {Triggers: config.StringList{"docs/**"}},
	}, []string{"go-only", "docs"})

	plan, err := BuildPlan(cfg, &Event{
		Type:         EventPRUpdated,
		FilesChanged: []string{"internal/engine/plan.go"},
	}, PlanOptions{})
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if len(plan.Steps) != 1 || plan.Steps[0].Name != "go-only" {
		t.Fatalf("steps = %+v", plan.Steps)
	}

	// no file information leaves the gate open
	plan, err = BuildPlan(cfg, &Event{Type: EventManual}, PlanOptions{})
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if len(plan.Steps) != 2 {
		t.Fatalf("steps = %+v, want both", plan.Steps)
	}
}

func TestBuildPlanTopoOrderWithTieBreak(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"z-first":  {},
		"a-second": {},
		"joined":   {DependsOn: config.StringList{"a-second", "z-first"}},
	}, []string{"z-first", "a-second", "joined"})

	plan, err := BuildPlan(cfg, &Event{Type: EventManual}, PlanOptions{})
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	got := []string{plan.Steps[0].Name, plan.Steps[1].Name, plan.Steps[2].Name}
	want := []string{"z-first", "a-second", "joined"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestBuildPlanCycle(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"a": {DependsOn: config.StringList{"b"}},
		"b": {DependsOn: config.StringList{"a"}},
	}, []string{"a", "b"})

	_, err := BuildPlan(cfg, &Event{Type: EventManual}, PlanOptions{})
	var perr *PlanError
	if !errors.As(err, &perr) || perr.Kind != PlanCycle {
		t.Fatalf("err = %v, want plan cycle", err)
	}
	if len(perr.Members) != 2 {
		t.Fatalf("cycle members = %v", perr.Members)
	}
}

func TestBuildPlanUnknownProvider(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"a": {Type: "no-such-provider"},
	}, []string{"a"})

	known := func(typ string) bool { return typ == "noop" }
	_, err := BuildPlan(cfg, &Event{Type: EventManual}, PlanOptions{KnownProvider: known})
	var perr *PlanError
	if !errors.As(err, &perr) || perr.Kind != PlanUnknownProvider {
		t.Fatalf("err = %v, want unknown provider", err)
	}
}

func TestBuildPlanRequestedIncludesDeps(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"base":  {},
		"mid":   {DependsOn: config.StringList{"base"}},
		"top":   {DependsOn: config.StringList{"mid"}},
		"other": {},
	}, []string{"base", "mid", "top", "other"})

	plan, err := BuildPlan(cfg, &Event{Type: EventManual}, PlanOptions{Requested: []string{"top"}})
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if len(plan.Steps) != 3 {
		t.Fatalf("steps = %+v, want base/mid/top", plan.Steps)
	}
	if _, ok := plan.Step("other"); ok {
		t.Fatal("unrequested check leaked into the plan")
	}
}

func TestTransitiveDependents(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"root": {},
		"a":    {DependsOn: config.StringList{"root"}},
		"b":    {DependsOn: config.StringList{"a"}},
		"c":    {DependsOn: config.StringList{"root"}},
	}, []string{"root", "a", "b", "c"})

	plan, err := BuildPlan(cfg, &Event{Type: EventManual}, PlanOptions{})
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	got := plan.TransitiveDependents("root")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("dependents = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dependents = %v, want %v", got, want)
		}
	}
}

func TestEffectiveCheckRetryDefaults(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"ext": {Criticality: config.CriticalityExternal, OnFail: &config.RoutingBlock{Goto: "ext"}},
		"int": {Criticality: config.CriticalityInternal, OnFail: &config.RoutingBlock{Goto: "int"}},
	}, []string{"ext", "int"})

	plan, err := BuildPlan(cfg, &Event{Type: EventManual}, PlanOptions{})
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	ext, _ := plan.Step("ext")
	if ext.Check.OnFail.Retry == nil || ext.Check.OnFail.Retry.Max != 2 {
		t.Fatalf("external retry = %+v, want max 2", ext.Check.OnFail.Retry)
	}
	in, _ := plan.Step("int")
	if in.Check.OnFail.Retry == nil || in.Check.OnFail.Retry.Max != 1 {
		t.Fatalf("internal retry = %+v, want max 1", in.Check.OnFail.Retry)
	}
}

func TestEffectiveCheckGlobalFailIf(t *testing.T) {
	cfg := planConfig(t, map[string]*config.CheckConfig{
		"bare": {},
		"own":  {FailIf: &config.FailIfConfig{Expr: "output.n > 1"}},
	}, []string{"bare", "own"})
	cfg.FailIf = "metadata.criticalIssues > 0"

	plan, err := BuildPlan(cfg, &Event{Type: EventManual}, PlanOptions{})
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	bare, _ := plan.Step("bare")
	if bare.Check.FailIf.IsZero() || bare.Check.FailIf.Expr != cfg.FailIf {
		t.Fatalf("bare fail_if = %+v, want the global fallback", bare.Check.FailIf)
	}
	own, _ := plan.Step("own")
	if own.Check.FailIf.Expr != "output.n > 1" {
		t.Fatalf("own fail_if overridden: %+v", own.Check.FailIf)
	}
}
