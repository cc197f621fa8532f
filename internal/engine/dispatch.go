package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/probelabs/visor/internal/config"
	"github.com/probelabs/visor/internal/memory"
	"github.com/probelabs/visor/internal/sandbox"
	"github.com/probelabs/visor/internal/session"
)

// Provider executes one kind of check. Implementations must be safe for
// concurrent Execute calls.
type Provider interface {
	// Validate rejects configs the provider cannot run, at plan time.
	Validate(check *config.CheckConfig) error
	// Execute runs the check. Returning an error (rather than a failed
	// CheckResult) marks the execution failed with the error message as a
	// system issue.
	Execute(ctx context.Context, pc *ProviderContext) (CheckResult, error)
}

// Registry maps provider type names to implementations.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

// Register adds or replaces a provider type.
func (r *Registry) Register(typeName string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[strings.ToLower(typeName)] = p
}

// Resolve returns the provider for a type name.
func (r *Registry) Resolve(typeName string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.ToLower(typeName)]
	return p, ok
}

// Known reports whether a type name is registered.
func (r *Registry) Known(typeName string) bool {
	_, ok := r.Resolve(typeName)
	return ok
}

// Types lists the registered type names sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for t := range r.providers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ProviderContext is everything a provider may touch during one execution.
type ProviderContext struct {
	Event     *Event
	CheckName string
	Check     *config.CheckConfig
	Attempt   int
	RunID     string

	// Outputs is a snapshot of dependency outputs visible in the scope.
	Outputs map[string]any
	// OutputHistory returns every output a step produced in the scope.
	OutputHistory func(step string) []any

	Memory   *memory.Store
	Sessions *session.Registry
	Eval     *sandbox.Evaluator
	Log      *zap.Logger

	// WorkDir is the directory subprocess providers run in.
	WorkDir string

	// Depth is the nesting level of workflow providers; the root run is 0.
	Depth int
	// RunSubWorkflow executes a nested workflow config file and returns its
	// aggregate output. Nil outside engine runs (unit tests).
	RunSubWorkflow func(ctx context.Context, workflowPath string, event *Event) (any, error)
}

// SandboxEnv builds the expression environment for this execution's
// predicates.
func (pc *ProviderContext) SandboxEnv(result *CheckResult) sandbox.Env {
	env := sandbox.Env{
		Outputs:      pc.Outputs,
		CheckName:    pc.CheckName,
		Group:        pc.Check.Group,
		Branch:       pc.Event.Branch,
		BaseBranch:   pc.Event.BaseBranch,
		FilesChanged: pc.Event.FilesChanged,
		Event:        pc.Event.Map(),
		EnvVars:      envMap(),
		Attempt:      pc.Attempt,
	}
	if pc.Check.Schema != nil {
		env.Schema = pc.Check.Schema.Name
	}
	if pc.Memory != nil {
		store := pc.Memory
		env.Memory = func(ns, key string) any {
			v, _ := store.Get(ns, key)
			return v
		}
	}
	if result != nil {
		env.Output = result.Output
		env.Issues = IssueMaps(result.Issues)
		env.Metadata = IssueMetadata(result.Issues, result.Output)
		env.Metadata["checkSucceeded"] = result.Status == StatusSuccess
	}
	return env
}

// dispatch runs one provider execution with its timeout, panic recovery,
// and output-schema validation.
func dispatch(ctx context.Context, reg *Registry, pc *ProviderContext) (res CheckResult, err error) {
	provider, ok := reg.Resolve(pc.Check.Type)
	if !ok {
		return CheckResult{}, fmt.Errorf("unknown provider type %q", pc.Check.Type)
	}

	timeout := pc.Check.Timeout.Std()
	if timeout <= 0 {
		timeout = defaultTimeoutFor(pc.Check.Type)
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err = executeRecovered(execCtx, provider, pc)
	elapsed := time.Since(start)

	if execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return CheckResult{
			Status: StatusFailure,
			Issues: []Issue{SystemIssue(RuleTimeout,
				fmt.Sprintf("check %q exceeded its %s timeout", pc.CheckName, timeout),
				SeverityError)},
			Debug: map[string]any{"elapsed": elapsed.String(), "timeout": timeout.String()},
		}, nil
	}
	if err != nil {
		return CheckResult{
			Status: StatusFailure,
			Issues: []Issue{SystemIssue("provider/"+strings.ToLower(pc.Check.Type),
				err.Error(), SeverityError)},
		}, nil
	}
	res, cerr := res.Canonicalize()
	if cerr != nil {
		return CheckResult{
			Status: StatusFailure,
			Issues: []Issue{SystemIssue("provider/"+strings.ToLower(pc.Check.Type),
				cerr.Error(), SeverityError)},
		}, nil
	}
	validateOutputSchema(pc, &res)
	return res, nil
}

func executeRecovered(ctx context.Context, provider Provider, pc *ProviderContext) (res CheckResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider panicked: %v", r)
		}
	}()
	return provider.Execute(ctx, pc)
}

func envMap() map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

const (
	defaultCheckTimeout = 60 * time.Second
	defaultAITimeout    = 600 * time.Second
)

func defaultTimeoutFor(providerType string) time.Duration {
	switch strings.ToLower(providerType) {
	case "ai", "claude-code":
		return defaultAITimeout
	default:
		return defaultCheckTimeout
	}
}

// validateOutputSchema checks structured output against the check's schema.
// Violations degrade to warnings; they never fail the check by themselves.
func validateOutputSchema(pc *ProviderContext, res *CheckResult) {
	ref := pc.Check.Schema
	if ref == nil || ref.Inline == nil || res.Output == nil {
		return
	}
	raw, err := json.Marshal(ref.Inline)
	if err != nil {
		return
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(string(raw))); err != nil {
		return
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		res.Issues = append(res.Issues, SystemIssue(RuleSchemaValidation,
			fmt.Sprintf("check %q schema does not compile: %v", pc.CheckName, err),
			SeverityWarning))
		return
	}
	// round-trip so typed values become plain JSON values
	encoded, err := json.Marshal(res.Output)
	if err != nil {
		return
	}
	var value any
	if err := json.Unmarshal(encoded, &value); err != nil {
		return
	}
	if err := schema.Validate(value); err != nil {
		res.Issues = append(res.Issues, SystemIssue(RuleSchemaValidation,
			fmt.Sprintf("check %q output does not match its schema: %v", pc.CheckName, err),
			SeverityWarning))
	}
}
