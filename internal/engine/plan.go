package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/probelabs/visor/internal/config"
)

// PlanStep is one check selected for execution with its effective config.
type PlanStep struct {
	Name  string
	Check *config.CheckConfig
	// Deps are the depends_on entries that made it into the plan; entries
	// filtered out by the event are treated as satisfied.
	Deps []string
	// DeclIndex is the declaration position, the scheduler's tie-break.
	DeclIndex int
}

// Plan is an executable, topologically ordered subset of the config.
type Plan struct {
	Steps      []*PlanStep
	byName     map[string]*PlanStep
	dependents map[string][]string
}

// Step looks a plan step up by name.
func (p *Plan) Step(name string) (*PlanStep, bool) {
	s, ok := p.byName[name]
	return s, ok
}

// Dependents returns the names of steps that depend on name, in declaration
// order.
func (p *Plan) Dependents(name string) []string {
	return p.dependents[name]
}

// TransitiveDependents returns name's dependents closure (excluding name),
// in declaration order.
func (p *Plan) TransitiveDependents(name string) []string {
	seen := map[string]bool{}
	var walk func(string)
	walk = func(n string) {
		for _, dep := range p.dependents[n] {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(name)
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		return p.byName[out[i]].DeclIndex < p.byName[out[j]].DeclIndex
	})
	return out
}

// PlanOptions narrow and verify the plan.
type PlanOptions struct {
	// Requested restricts the plan to these checks plus their transitive
	// dependencies; empty means every eligible check.
	Requested []string
	// KnownProvider reports whether a provider type is registered; nil
	// skips the verification.
	KnownProvider func(string) bool
}

// BuildPlan selects and orders the checks that should run for an event.
func BuildPlan(cfg *config.Config, event *Event, opts PlanOptions) (*Plan, error) {
	eligible := map[string]bool{}
	declIndex := map[string]int{}
	for i, name := range cfg.CheckOrder {
		declIndex[name] = i
		check := cfg.Checks[name]
		if !eventMatches(check, event) {
			continue
		}
		if !tagsMatch(check, cfg.TagFilter) {
			continue
		}
		if !triggersMatch(check, event) {
			continue
		}
		eligible[name] = true
	}

	selected := eligible
	if len(opts.Requested) > 0 {
		selected = map[string]bool{}
		var include func(name string) error
		include = func(name string) error {
			if selected[name] {
				return nil
			}
			check, ok := cfg.Checks[name]
			if !ok {
				return &PlanError{
					Kind:   PlanUnresolvedDependency,
					Detail: fmt.Sprintf("requested check %q is not declared", name),
				}
			}
			if !eligible[name] {
				// requested explicitly: event/tag filters do not apply,
				// but its filtered-out deps stay satisfied-by-absence
				if !eventMatches(check, event) && !requestedDirectly(opts.Requested, name) {
					return nil
				}
			}
			selected[name] = true
			for _, dep := range check.DependsOn {
				if err := include(dep); err != nil {
					return err
				}
			}
			return nil
		}
		for _, name := range opts.Requested {
			if err := include(name); err != nil {
				return nil, err
			}
		}
	}

	// Verify deps and providers before ordering.
	for name := range selected {
		check := cfg.Checks[name]
		if opts.KnownProvider != nil && !opts.KnownProvider(check.Type) {
			return nil, &PlanError{
				Kind:   PlanUnknownProvider,
				Detail: fmt.Sprintf("check %q uses unknown provider type %q", name, check.Type),
			}
		}
		for _, dep := range check.DependsOn {
			if _, ok := cfg.Checks[dep]; !ok {
				return nil, &PlanError{
					Kind:   PlanUnresolvedDependency,
					Detail: fmt.Sprintf("check %q depends on undeclared check %q", name, dep),
				}
			}
		}
	}

	steps, err := topoOrder(cfg, selected, declIndex)
	if err != nil {
		return nil, err
	}

	plan := &Plan{byName: map[string]*PlanStep{}, dependents: map[string][]string{}}
	for _, name := range steps {
		check := effectiveCheck(cfg, cfg.Checks[name])
		var deps []string
		for _, dep := range check.DependsOn {
			if selected[dep] {
				deps = append(deps, dep)
			}
		}
		ps := &PlanStep{Name: name, Check: check, Deps: deps, DeclIndex: declIndex[name]}
		plan.Steps = append(plan.Steps, ps)
		plan.byName[name] = ps
	}
	for _, ps := range plan.Steps {
		for _, dep := range ps.Deps {
			plan.dependents[dep] = append(plan.dependents[dep], ps.Name)
		}
	}
	for dep := range plan.dependents {
		names := plan.dependents[dep]
		sort.Slice(names, func(i, j int) bool {
			return plan.byName[names[i]].DeclIndex < plan.byName[names[j]].DeclIndex
		})
	}
	return plan, nil
}

func requestedDirectly(requested []string, name string) bool {
	for _, r := range requested {
		if r == name {
			return true
		}
	}
	return false
}

func eventMatches(check *config.CheckConfig, event *Event) bool {
	if len(check.On) == 0 {
		return true
	}
	return check.On.Contains(string(event.Type))
}

func tagsMatch(check *config.CheckConfig, filter config.TagFilter) bool {
	for _, tag := range check.Tags {
		for _, excluded := range filter.Exclude {
			if tag == excluded {
				return false
			}
		}
	}
	if len(filter.Include) == 0 {
		return true
	}
	for _, tag := range check.Tags {
		for _, included := range filter.Include {
			if tag == included {
				return true
			}
		}
	}
	return false
}

// triggersMatch gates a check on the event's changed files. When the event
// carries no file information the gate is open.
func triggersMatch(check *config.CheckConfig, event *Event) bool {
	if len(check.Triggers) == 0 || len(event.FilesChanged) == 0 {
		return true
	}
	for _, pattern := range check.Triggers {
		for _, file := range event.FilesChanged {
			if ok, err := doublestar.Match(pattern, file); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// topoOrder runs Kahn's algorithm over the selected set, breaking ties by
// declaration order so plans are deterministic.
func topoOrder(cfg *config.Config, selected map[string]bool, declIndex map[string]int) ([]string, error) {
	indegree := map[string]int{}
	for name := range selected {
		indegree[name] = 0
	}
	for name := range selected {
		for _, dep := range cfg.Checks[name].DependsOn {
			if selected[dep] {
				indegree[name]++
			}
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	byDecl := func(names []string) {
		sort.Slice(names, func(i, j int) bool { return declIndex[names[i]] < declIndex[names[j]] })
	}
	byDecl(ready)

	var order []string
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		var unlocked []string
		for other := range selected {
			if other == name {
				continue
			}
			for _, dep := range cfg.Checks[other].DependsOn {
				if dep == name {
					indegree[other]--
					if indegree[other] == 0 {
						unlocked = append(unlocked, other)
					}
				}
			}
		}
		byDecl(unlocked)
		ready = append(ready, unlocked...)
		byDecl(ready)
	}

	if len(order) != len(selected) {
		var cycle []string
		for name, deg := range indegree {
			if deg > 0 {
				cycle = append(cycle, name)
			}
		}
		byDecl(cycle)
		return nil, &PlanError{
			Kind:    PlanCycle,
			Detail:  "dependency cycle among checks: " + strings.Join(cycle, ", "),
			Members: cycle,
		}
	}
	return order, nil
}

// effectiveCheck merges engine-wide routing defaults and criticality-derived
// retry defaults into a copy of the declared check.
func effectiveCheck(cfg *config.Config, check *config.CheckConfig) *config.CheckConfig {
	out := *check
	out.OnInit = check.OnInit.Clone()
	out.OnSuccess = check.OnSuccess.Clone()
	out.OnFail = check.OnFail.Clone()
	out.OnFinish = check.OnFinish.Clone()

	if out.OnFail == nil && cfg.Routing.Defaults.OnFail != nil {
		out.OnFail = cfg.Routing.Defaults.OnFail.Clone()
	}
	if out.OnFail != nil && out.OnFail.Retry == nil {
		max := 1
		if out.Criticality == config.CriticalityExternal {
			max = 2
		}
		out.OnFail.Retry = &config.RetryConfig{Max: max}
	}
	if out.FailIf.IsZero() && cfg.FailIf != "" {
		out.FailIf = &config.FailIfConfig{Expr: cfg.FailIf}
	}
	return &out
}
