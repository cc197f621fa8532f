package engine

import (
	"sync"
)

// Scope is one execution context: the root scope of an event, or a forEach
// child. Reads fall through to ancestors within the same event; writes stay
// local. Loop budgets and run counts are per scope and never inherited.
type Scope struct {
	mu sync.Mutex

	event  *Event
	parent *Scope

	// forEach identity; zero-valued on root scopes.
	checkName string
	itemIndex int

	outputs  map[string]any
	history  map[string][]any
	statuses map[string]Status
	results  map[string]*CheckResult

	loopBudget int
	loopUsed   int
	runCounts  map[string]int
}

// NewRootScope starts a fresh scope tree for an event.
func NewRootScope(event *Event, loopBudget int) *Scope {
	return &Scope{
		event:      event,
		itemIndex:  -1,
		outputs:    map[string]any{},
		history:    map[string][]any{},
		statuses:   map[string]Status{},
		results:    map[string]*CheckResult{},
		loopBudget: loopBudget,
		runCounts:  map[string]int{},
	}
}

// Child creates a forEach child scope seeded with the parent step's item.
func (s *Scope) Child(checkName string, itemIndex int, item any) *Scope {
	c := &Scope{
		event:      s.event,
		parent:     s,
		checkName:  checkName,
		itemIndex:  itemIndex,
		outputs:    map[string]any{},
		history:    map[string][]any{},
		statuses:   map[string]Status{},
		results:    map[string]*CheckResult{},
		loopBudget: s.loopBudget,
		runCounts:  map[string]int{},
	}
	c.outputs[checkName] = item
	c.statuses[checkName] = StatusSuccess
	return c
}

// Event returns the scope's immutable event.
func (s *Scope) Event() *Event { return s.event }

// IsChild reports whether this is a forEach child scope.
func (s *Scope) IsChild() bool { return s.parent != nil }

// Parent returns the parent scope, nil at a root.
func (s *Scope) Parent() *Scope { return s.parent }

// ItemIndex returns the forEach item position, -1 on roots.
func (s *Scope) ItemIndex() int { return s.itemIndex }

// Output resolves a step's output, walking up the ancestor chain.
func (s *Scope) Output(step string) (any, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		cur.mu.Lock()
		v, ok := cur.outputs[step]
		cur.mu.Unlock()
		if ok {
			return v, true
		}
	}
	return nil, false
}

// Outputs snapshots every visible step output; nearer scopes shadow
// ancestors.
func (s *Scope) Outputs() map[string]any {
	out := map[string]any{}
	var chain []*Scope
	for cur := s; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		chain[i].mu.Lock()
		for k, v := range chain[i].outputs {
			out[k] = v
		}
		chain[i].mu.Unlock()
	}
	return out
}

// SetOutput records a step's output in this scope and appends to its
// history.
func (s *Scope) SetOutput(step string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[step] = value
	s.history[step] = append(s.history[step], value)
}

// OutputHistory returns every output the step produced in this scope, in
// order. goto re-runs append rather than overwrite here.
func (s *Scope) OutputHistory(step string) []any {
	for cur := s; cur != nil; cur = cur.parent {
		cur.mu.Lock()
		h, ok := cur.history[step]
		if ok {
			out := append([]any(nil), h...)
			cur.mu.Unlock()
			return out
		}
		cur.mu.Unlock()
	}
	return nil
}

// Status resolves a step's status through the ancestor chain.
func (s *Scope) Status(step string) (Status, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		cur.mu.Lock()
		st, ok := cur.statuses[step]
		cur.mu.Unlock()
		if ok {
			return st, true
		}
	}
	return "", false
}

// SetResult records the terminal result of a step in this scope.
func (s *Scope) SetResult(step string, res *CheckResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[step] = res.Status
	s.results[step] = res
}

// Result resolves a step's full result through the ancestor chain.
func (s *Scope) Result(step string) (*CheckResult, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		cur.mu.Lock()
		r, ok := cur.results[step]
		cur.mu.Unlock()
		if ok {
			return r, true
		}
	}
	return nil, false
}

// ResetSteps clears the recorded state of the named steps in this scope so
// a goto target and its dependents re-execute from scratch. Ancestor state
// is untouched.
func (s *Scope) ResetSteps(steps []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, step := range steps {
		delete(s.outputs, step)
		delete(s.statuses, step)
		delete(s.results, step)
		// history intentionally survives resets
	}
}

// ConsumeLoop spends one unit of the scope's routing budget. The second
// return is false once the budget is exhausted.
func (s *Scope) ConsumeLoop() (used int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loopUsed >= s.loopBudget {
		return s.loopUsed, false
	}
	s.loopUsed++
	return s.loopUsed, true
}

// LoopsUsed reports the routing transitions consumed so far.
func (s *Scope) LoopsUsed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loopUsed
}

// CountRun increments and returns the per-step execution count.
func (s *Scope) CountRun(step string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runCounts[step]++
	return s.runCounts[step]
}

// RunCount reads the per-step execution count without incrementing.
func (s *Scope) RunCount(step string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCounts[step]
}
