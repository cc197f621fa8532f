package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/probelabs/visor/internal/config"
	"github.com/probelabs/visor/internal/memory"
	"github.com/probelabs/visor/internal/sandbox"
	"github.com/probelabs/visor/internal/session"
)

// Engine executes a config against events.
type Engine struct {
	cfg      *config.Config
	registry *Registry
	eval     *sandbox.Evaluator
	log      *zap.Logger
	mem      *memory.Store
	sessions *session.Registry
	metrics  *Metrics
	stats    *RunStats

	runID   string
	workDir string
	depth   int

	subWorkflow func(ctx context.Context, workflowPath string, event *Event) (any, error)

	warnMu   sync.Mutex
	warnings []string
}

// Options configure an Engine. Zero values get sensible defaults; Registry
// is required.
type Options struct {
	Registry *Registry
	Logger   *zap.Logger
	Memory   *memory.Store
	Sessions *session.Registry
	Metrics  *Metrics
	RunID    string
	WorkDir  string
	// Depth is the workflow nesting level; the top-level run is 0.
	Depth int
	// SubWorkflowRunner executes nested workflow configs.
	SubWorkflowRunner func(ctx context.Context, workflowPath string, event *Event) (any, error)
}

// New builds an engine for one config.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("engine: nil config")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("engine: provider registry is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	mem := opts.Memory
	if mem == nil {
		var err error
		mem, err = memory.New(memory.Options{
			Mode:      memory.Mode(cfg.Memory.Mode),
			File:      cfg.Memory.File,
			Format:    memory.Format(cfg.Memory.Format),
			Namespace: cfg.Memory.Namespace,
		})
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = session.NewRegistry()
	}
	runID := opts.RunID
	if runID == "" {
		runID = ulid.Make().String()
	}
	return &Engine{
		cfg:         cfg,
		registry:    opts.Registry,
		eval:        sandbox.New(log),
		log:         log,
		mem:         mem,
		sessions:    sessions,
		metrics:     opts.Metrics,
		stats:       newRunStats(),
		runID:       runID,
		workDir:     opts.WorkDir,
		depth:       opts.Depth,
		subWorkflow: opts.SubWorkflowRunner,
	}, nil
}

// RunID returns the engine's run identifier.
func (e *Engine) RunID() string { return e.runID }

// Warn records a non-fatal engine-level finding.
func (e *Engine) Warn(msg string) {
	e.warnMu.Lock()
	defer e.warnMu.Unlock()
	e.warnings = append(e.warnings, msg)
	e.log.Warn(msg)
}

func (e *Engine) warningsCopy() []string {
	e.warnMu.Lock()
	defer e.warnMu.Unlock()
	return append([]string(nil), e.warnings...)
}

// ExecutedCheck is one terminal check execution for reporting.
type ExecutedCheck struct {
	Name      string        `json:"name"`
	Event     EventType     `json:"event"`
	ScopePath string        `json:"scopePath,omitempty"`
	Result    *CheckResult  `json:"result"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
}

// RunResult is the aggregate outcome of one engine run.
type RunResult struct {
	RunID      string          `json:"runId"`
	Event      EventType       `json:"event"`
	Executions []ExecutedCheck `json:"executions"`
	Summary    *ReviewSummary  `json:"summary"`
	Stats      *StatsSnapshot  `json:"stats"`
	Halted     bool            `json:"halted"`
	HaltedBy   string          `json:"haltedBy,omitempty"`
	Warnings   []string        `json:"warnings,omitempty"`
}

// unit is one schedulable subgraph: the root plan in the root scope, a
// forEach child subtree, or a goto_event sub-plan.
type unit struct {
	plan      *Plan
	scope     *Scope
	scopePath string
	// owned is the full step set this unit may ever run; pending shrinks
	// as steps launch and grows back on goto resets.
	owned   map[string]bool
	pending map[string]bool
	running map[string]bool
	// barrier is set on forEach child units; decremented when this unit
	// settles.
	barrier *fanBarrier
	// barriers gate dependents of an in-flight forEach step in this unit.
	barriers map[string]*fanBarrier
}

type fanBarrier struct {
	step      *PlanStep
	owner     *unit
	remaining int
	fired     bool
	subtree   []string
	children  []*Scope
}

func newUnit(plan *Plan, scope *Scope, scopePath string, steps []string) *unit {
	u := &unit{
		plan:      plan,
		scope:     scope,
		scopePath: scopePath,
		owned:     map[string]bool{},
		pending:   map[string]bool{},
		running:   map[string]bool{},
		barriers:  map[string]*fanBarrier{},
	}
	for _, s := range steps {
		u.owned[s] = true
		u.pending[s] = true
	}
	return u
}

func (u *unit) settled() bool { return len(u.pending) == 0 && len(u.running) == 0 }

// task is one dispatched work item. finish marks a deferred forEach
// on_finish routing evaluation instead of a check execution.
type task struct {
	u      *unit
	step   *PlanStep
	finish bool
}

type completion struct {
	task     *task
	decision *routeDecision
}

// Run executes the plan for an event. requested narrows to specific checks
// (plus their dependencies).
func (e *Engine) Run(ctx context.Context, event *Event, requested []string) (*RunResult, error) {
	plan, err := BuildPlan(e.cfg, event, PlanOptions{
		Requested:     requested,
		KnownProvider: e.registry.Known,
	})
	if err != nil {
		return nil, err
	}
	for _, step := range plan.Steps {
		if provider, ok := e.registry.Resolve(step.Check.Type); ok {
			if verr := provider.Validate(step.Check); verr != nil {
				return nil, &PlanError{
					Kind:   PlanUnknownProvider,
					Detail: fmt.Sprintf("check %q: %v", step.Name, verr),
				}
			}
		}
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	result := &RunResult{RunID: e.runID, Event: event.Type}
	rootScope := NewRootScope(event, e.cfg.Routing.MaxLoops)
	stepNames := make([]string, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		stepNames = append(stepNames, s.Name)
	}
	units := []*unit{newUnit(plan, rootScope, "", stepNames)}

	resultsCh := make(chan *completion, e.cfg.MaxParallelism)
	inflight := 0

	launch := func(t *task) {
		t.u.running[t.step.Name] = true
		delete(t.u.pending, t.step.Name)
		inflight++
		go func() {
			var d *routeDecision
			if t.finish {
				d = e.runForEachFinish(runCtx, t.u.scope, t.step)
			} else {
				d = e.executeStep(runCtx, t.u.scope, t.step)
			}
			resultsCh <- &completion{task: t, decision: d}
		}()
	}

	for {
		progressed := true
		for progressed && inflight < e.cfg.MaxParallelism {
			progressed = false
			if t := e.nextReady(units, runCtx, result); t != nil {
				launch(t)
				progressed = true
			}
		}

		units = e.settleUnits(units, result, launch)

		if inflight == 0 {
			if allSettled(units) {
				break
			}
			if runCtx.Err() != nil {
				e.skipRemaining(units, result, "cancelled")
				break
			}
			// Pending steps that can never become ready: a scheduling
			// dead end surfaces as unresolved dependencies.
			e.failRemaining(units, result)
			break
		}

		comp := <-resultsCh
		inflight--
		delete(comp.task.u.running, comp.task.step.Name)
		e.handleCompletion(runCtx, cancel, comp, &units, result)
	}

	// drain any in-flight completions after an early break
	for inflight > 0 {
		comp := <-resultsCh
		inflight--
		delete(comp.task.u.running, comp.task.step.Name)
		e.handleCompletion(runCtx, cancel, comp, &units, result)
	}

	result.Warnings = append(e.configWarnings(), e.warningsCopy()...)
	result.Summary = BuildSummary(e.cfg, result.Executions)
	result.Stats = e.stats.Snapshot()
	return result, nil
}

func (e *Engine) configWarnings() []string {
	return append([]string(nil), e.cfg.Warnings...)
}

func allSettled(units []*unit) bool {
	for _, u := range units {
		if !u.settled() {
			return false
		}
	}
	return true
}

// nextReady finds the first runnable step across units, in declaration
// order, applying cascade-skips along the way.
func (e *Engine) nextReady(units []*unit, ctx context.Context, result *RunResult) *task {
	for _, u := range units {
		if len(u.pending) == 0 {
			continue
		}
		for _, step := range u.plan.Steps {
			if !u.pending[step.Name] {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			if e.gatedByBarrier(u, step) {
				continue
			}
			ready, cascade := e.depsState(u, step)
			if cascade {
				delete(u.pending, step.Name)
				res := &CheckResult{Status: StatusSkipped, SkipReason: "dependency", Issues: []Issue{}}
				u.scope.SetResult(step.Name, res)
				e.record(result, u, step, &routeDecision{result: res})
				// restart scanning; the skip may cascade further
				return e.nextReady(units, ctx, result)
			}
			if ready {
				return &task{u: u, step: step}
			}
		}
	}
	return nil
}

// gatedByBarrier holds dependents of a forEach step while its children run.
func (e *Engine) gatedByBarrier(u *unit, step *PlanStep) bool {
	for _, dep := range step.Deps {
		if b, ok := u.barriers[dep]; ok && b != nil {
			return true
		}
	}
	return false
}

// depsState reports whether a step is ready, or should cascade-skip
// because a dependency terminally failed or was skipped.
func (e *Engine) depsState(u *unit, step *PlanStep) (ready, cascade bool) {
	for _, dep := range step.Deps {
		st, ok := u.scope.Status(dep)
		if !ok {
			return false, false
		}
		if st == StatusSuccess {
			continue
		}
		depCheck, exists := e.cfg.Checks[dep]
		if exists && depCheck.ContinueOnFailure {
			continue
		}
		return false, true
	}
	return true, false
}

// handleCompletion applies a routing decision: result recording, forEach
// fan-out, goto re-enqueue, goto_event sub-plans, and halting.
func (e *Engine) handleCompletion(ctx context.Context, cancel context.CancelCauseFunc,
	comp *completion, units *[]*unit, result *RunResult) {

	u := comp.task.u
	step := comp.task.step
	d := comp.decision

	if comp.task.finish {
		// deferred forEach on_finish: barrier cleared, routing applied
		delete(u.barriers, step.Name)
		e.applyRouting(ctx, cancel, u, step, d, units, result)
		return
	}

	res := d.result

	// forEach fan-out happens on success when routing did not redirect.
	if step.Check.ForEach && res.Status == StatusSuccess && d.gotoTarget == "" {
		items, ok := ParseArrayOutput(res.Output)
		if !ok {
			res.Status = StatusFailure
			res.Issues = append(res.Issues, SystemIssue(RuleForEachExpectedArray,
				fmt.Sprintf("check %q has forEach: true but produced %T, want an array",
					step.Name, res.Output),
				SeverityError))
		} else {
			u.scope.SetOutput(step.Name, map[string]any{"items": items})
			u.scope.SetResult(step.Name, res)
			e.record(result, u, step, d)
			e.fanOut(u, step, items, units, result)
			e.applyRouting(ctx, cancel, u, step, d, units, result)
			return
		}
	}

	if res.Status == StatusSuccess {
		u.scope.SetOutput(step.Name, res.Output)
	}
	u.scope.SetResult(step.Name, res)
	e.record(result, u, step, d)

	if res.Status == StatusFailure && e.cfg.FailFast && !step.Check.ContinueOnFailure {
		cancel(fmt.Errorf("fail_fast: check %q failed", step.Name))
	}

	e.applyRouting(ctx, cancel, u, step, d, units, result)
}

// applyRouting handles halt, goto, and goto_event from a decision.
func (e *Engine) applyRouting(ctx context.Context, cancel context.CancelCauseFunc,
	u *unit, step *PlanStep, d *routeDecision, units *[]*unit, result *RunResult) {

	if d.halt {
		result.Halted = true
		result.HaltedBy = step.Name
		cancel(fmt.Errorf("halt_execution: check %q", step.Name))
		return
	}
	if d.gotoTarget == "" {
		return
	}

	if d.gotoEvent != "" {
		e.gotoEvent(u, step, d, units, result)
		return
	}

	if _, ok := u.plan.Step(d.gotoTarget); !ok {
		e.Warn(fmt.Sprintf("check %q routed to %q, which is not in the current plan", step.Name, d.gotoTarget))
		return
	}
	if _, ok := u.scope.ConsumeLoop(); !ok {
		e.loopBudgetExceeded(u, step, result)
		return
	}
	e.log.Debug("routing goto",
		zap.String("from", step.Name), zap.String("to", d.gotoTarget),
		zap.Int("loopsUsed", u.scope.LoopsUsed()))
	e.stats.RoutingHop()
	if e.metrics != nil {
		e.metrics.RoutingHops.Inc()
	}

	reset := append([]string{d.gotoTarget}, u.plan.TransitiveDependents(d.gotoTarget)...)
	var rerun []string
	for _, name := range reset {
		if !u.owned[name] || u.running[name] {
			continue
		}
		rerun = append(rerun, name)
	}
	u.scope.ResetSteps(rerun)
	for _, name := range rerun {
		u.pending[name] = true
	}
}

func (e *Engine) loopBudgetExceeded(u *unit, step *PlanStep, result *RunResult) {
	res := &CheckResult{
		Status: StatusFailure,
		Issues: []Issue{SystemIssue(RuleLoopBudgetExceeded,
			fmt.Sprintf("routing from %q abandoned: scope loop budget (%d) exhausted",
				step.Name, e.cfg.Routing.MaxLoops),
			SeverityError)},
	}
	u.scope.SetResult(step.Name, res)
	e.record(result, u, &PlanStep{Name: step.Name, Check: step.Check}, &routeDecision{result: res})
}

// gotoEvent starts the target and its dependents under a fresh root scope
// for the new event type.
func (e *Engine) gotoEvent(u *unit, step *PlanStep, d *routeDecision, units *[]*unit, result *RunResult) {
	if _, ok := u.scope.ConsumeLoop(); !ok {
		e.loopBudgetExceeded(u, step, result)
		return
	}
	evType, err := ParseEventType(d.gotoEvent)
	if err != nil {
		e.Warn(fmt.Sprintf("check %q goto_event: %v", step.Name, err))
		return
	}
	src := u.scope.Event()
	newEvent := &Event{
		Type:         evType,
		Repository:   src.Repository,
		Branch:       src.Branch,
		BaseBranch:   src.BaseBranch,
		Author:       src.Author,
		PRNumber:     src.PRNumber,
		IssueNumber:  src.IssueNumber,
		Comment:      src.Comment,
		FilesChanged: src.FilesChanged,
		Payload:      src.Payload,
	}
	subPlan, err := BuildPlan(e.cfg, newEvent, PlanOptions{
		Requested:     []string{d.gotoTarget},
		KnownProvider: e.registry.Known,
	})
	if err != nil {
		e.Warn(fmt.Sprintf("check %q goto_event plan failed: %v", step.Name, err))
		return
	}
	e.stats.RoutingHop()
	if e.metrics != nil {
		e.metrics.RoutingHops.Inc()
	}
	scope := NewRootScope(newEvent, e.cfg.Routing.MaxLoops)
	names := make([]string, 0, len(subPlan.Steps))
	for _, s := range subPlan.Steps {
		names = append(names, s.Name)
	}
	path := fmt.Sprintf("event(%s)", evType)
	if u.scopePath != "" {
		path = u.scopePath + "/" + path
	}
	*units = append(*units, newUnit(subPlan, scope, path, names))
}

// fanOut creates one child unit per item over the forEach step's map
// subtree and installs the settlement barrier.
func (e *Engine) fanOut(u *unit, step *PlanStep, items []any, units *[]*unit, result *RunResult) {
	subtree := mapSubtree(u.plan, step.Name)
	for _, name := range subtree {
		delete(u.pending, name)
	}
	barrier := &fanBarrier{step: step, owner: u, remaining: len(items), subtree: subtree}
	u.barriers[step.Name] = barrier
	if len(items) == 0 || len(subtree) == 0 {
		barrier.remaining = 0
		return
	}
	for i, item := range items {
		child := u.scope.Child(step.Name, i, item)
		path := fmt.Sprintf("%s[%d]", step.Name, i)
		if u.scopePath != "" {
			path = u.scopePath + "/" + path
		}
		cu := newUnit(u.plan, child, path, subtree)
		cu.barrier = barrier
		barrier.children = append(barrier.children, child)
		*units = append(*units, cu)
	}
	e.log.Debug("forEach fan-out",
		zap.String("check", step.Name),
		zap.Int("items", len(items)),
		zap.Int("subtree", len(subtree)))
}

// settleFanOut aggregates child subtree results into the parent scope so
// reduce steps can resolve their map-step dependencies.
func (e *Engine) settleFanOut(u *unit, b *fanBarrier) {
	for _, name := range b.subtree {
		if len(b.children) == 0 {
			u.scope.SetResult(name, &CheckResult{
				Status: StatusSkipped, SkipReason: "forEach_empty", Issues: []Issue{},
			})
			continue
		}
		var values []any
		allOK := true
		for _, child := range b.children {
			if st, ok := child.Status(name); ok && st == StatusFailure {
				allOK = false
			}
			if v, ok := child.Output(name); ok {
				values = append(values, v)
			}
		}
		status := StatusSuccess
		if !allOK {
			status = StatusFailure
		}
		u.scope.SetOutput(name, values)
		u.scope.SetResult(name, &CheckResult{Status: status, Output: values, Issues: []Issue{}})
	}
}

// settleUnits removes settled child units, decrements barriers, and fires
// deferred on_finish routing once a fan-out fully settles.
func (e *Engine) settleUnits(units []*unit, result *RunResult, launch func(*task)) []*unit {
	root := units[0]
	out := units[:0]
	for _, u := range units {
		if !u.settled() {
			out = append(out, u)
			continue
		}
		if u.barrier != nil {
			u.barrier.remaining--
			u.barrier = nil
		}
		if u == root || len(u.barriers) > 0 {
			out = append(out, u)
		}
	}
	units = out

	// fire on_finish (or just release) for barriers that fully settled
	for _, u := range units {
		for name, b := range u.barriers {
			if b == nil || b.remaining > 0 || b.fired {
				continue
			}
			b.fired = true
			e.settleFanOut(u, b)
			step, _ := u.plan.Step(name)
			if step != nil && step.Check.OnFinish != nil {
				launch(&task{u: u, step: step, finish: true})
				continue
			}
			delete(u.barriers, name)
		}
	}
	return units
}

// runForEachFinish evaluates a forEach step's on_finish block against its
// aggregated result in the parent scope.
func (e *Engine) runForEachFinish(ctx context.Context, scope *Scope, step *PlanStep) *routeDecision {
	decision := &routeDecision{}
	res, ok := scope.Result(step.Name)
	if !ok {
		res = &CheckResult{Status: StatusSuccess, Issues: []Issue{}}
	}
	if out, ok := scope.Output(step.Name); ok {
		r := *res
		r.Output = out
		res = &r
	}
	decision.result = res
	pc := e.providerContext(scope, step, 1)
	e.resolveRoute(ctx, scope, step, step.Check.OnFinish, pc, res, decision)
	return decision
}

// skipRemaining marks every pending step skipped with the given reason.
func (e *Engine) skipRemaining(units []*unit, result *RunResult, reason string) {
	for _, u := range units {
		for _, step := range u.plan.Steps {
			if !u.pending[step.Name] {
				continue
			}
			delete(u.pending, step.Name)
			res := &CheckResult{Status: StatusSkipped, SkipReason: reason, Issues: []Issue{}}
			u.scope.SetResult(step.Name, res)
			e.record(result, u, step, &routeDecision{result: res})
		}
	}
}

// failRemaining surfaces a scheduling dead end as unresolved dependencies.
func (e *Engine) failRemaining(units []*unit, result *RunResult) {
	for _, u := range units {
		for _, step := range u.plan.Steps {
			if !u.pending[step.Name] {
				continue
			}
			delete(u.pending, step.Name)
			res := &CheckResult{
				Status: StatusFailure,
				Issues: []Issue{SystemIssue(RuleUnresolvedDependency,
					fmt.Sprintf("check %q never became ready; its dependencies did not settle", step.Name),
					SeverityError)},
			}
			u.scope.SetResult(step.Name, res)
			e.record(result, u, step, &routeDecision{result: res})
		}
	}
}

func (e *Engine) record(result *RunResult, u *unit, step *PlanStep, d *routeDecision) {
	exec := ExecutedCheck{
		Name:      step.Name,
		Event:     u.scope.Event().Type,
		ScopePath: u.scopePath,
		Result:    d.result,
		Attempts:  d.attempts,
		Duration:  d.duration,
	}
	if exec.Attempts == 0 {
		exec.Attempts = 1
	}
	result.Executions = append(result.Executions, exec)
	e.stats.Record(step.Name, string(d.result.Status), d.duration)
	e.log.Info("check finished",
		zap.String("check", step.Name),
		zap.String("status", string(d.result.Status)),
		zap.String("scope", u.scopePath),
		zap.Duration("duration", d.duration))
}

func (e *Engine) observe(check, status string, elapsed time.Duration) {
	if e.metrics != nil {
		e.metrics.Executions.WithLabelValues(check, status).Inc()
		e.metrics.Duration.WithLabelValues(check).Observe(elapsed.Seconds())
	}
}

// providerContext assembles the dispatch context for one execution.
func (e *Engine) providerContext(scope *Scope, step *PlanStep, attempt int) *ProviderContext {
	return &ProviderContext{
		Event:         scope.Event(),
		CheckName:     step.Name,
		Check:         step.Check,
		Attempt:       attempt,
		RunID:         e.runID,
		Outputs:       scope.Outputs(),
		OutputHistory: scope.OutputHistory,
		Memory:        e.mem,
		Sessions:      e.sessions,
		Eval:          e.eval,
		Log:           e.log,
		WorkDir:       e.workDir,
		Depth:         e.depth,
		RunSubWorkflow: e.subWorkflow,
	}
}

// mapSubtree returns the forEach step's dependents that execute per item:
// a BFS over dependents that stops at (and excludes) fanout: reduce steps.
func mapSubtree(plan *Plan, forEachStep string) []string {
	var out []string
	seen := map[string]bool{}
	queue := append([]string(nil), plan.Dependents(forEachStep)...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if seen[name] {
			continue
		}
		seen[name] = true
		step, ok := plan.Step(name)
		if !ok || step.Check.Fanout == "reduce" {
			continue
		}
		out = append(out, name)
		queue = append(queue, plan.Dependents(name)...)
	}
	return out
}
