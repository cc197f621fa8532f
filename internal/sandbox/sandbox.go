// Package sandbox evaluates JS predicates and expressions for routing,
// fail_if/assume/guarantee gates, and goto_js/run_js hooks. Every evaluation
// gets a fresh runtime with a fixed global allowlist; nothing persists
// between calls and no host I/O is reachable from scripts.
package sandbox

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// Env is the variable set exposed to an expression. Zero values are fine;
// missing pieces surface as undefined/empty inside the script.
type Env struct {
	Output       any
	Outputs      map[string]any
	Issues       []map[string]any
	Metadata     map[string]any
	CheckName    string
	Schema       string
	Group        string
	Branch       string
	BaseBranch   string
	FilesChanged []string
	Event        map[string]any
	EnvVars      map[string]string
	Memory       func(namespace, key string) any
	Attempt      int
}

// Evaluator runs scripts with a bounded wall clock per call.
type Evaluator struct {
	timeout time.Duration
	log     *zap.Logger
}

// New returns an evaluator. A nil logger is replaced with zap.NewNop().
func New(log *zap.Logger) *Evaluator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Evaluator{timeout: 5 * time.Second, log: log}
}

var returnPattern = regexp.MustCompile(`\breturn\b`)

// Evaluate runs expr against env and returns the final value. Expressions
// may span multiple statements; an explicit `return` is honored by wrapping
// the body in a function, otherwise the last statement's value is used.
func (ev *Evaluator) Evaluate(expr string, env Env) (any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty expression")
	}
	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())
	if err := ev.install(vm, env); err != nil {
		return nil, err
	}

	timer := time.AfterFunc(ev.timeout, func() {
		vm.Interrupt("expression timeout")
	})
	defer timer.Stop()

	src := expr
	if returnPattern.MatchString(expr) {
		src = "(function() {\n" + expr + "\n})()"
	}
	val, err := vm.RunString(src)
	if err != nil {
		return nil, fmt.Errorf("expression error: %w", err)
	}
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	return val.Export(), nil
}

// EvaluateBool evaluates expr and applies JS truthiness to the result.
func (ev *Evaluator) EvaluateBool(expr string, env Env) (bool, error) {
	v, err := ev.Evaluate(expr, env)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// EvaluateString evaluates expr expecting a string or null result, the
// contract for goto_js targets.
func (ev *Evaluator) EvaluateString(expr string, env Env) (string, bool, error) {
	v, err := ev.Evaluate(expr, env)
	if err != nil {
		return "", false, err
	}
	if v == nil {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", false, fmt.Errorf("expression returned %T, want string or null", v)
	}
	return s, true, nil
}

// Truthy applies JS truthiness rules to an exported value.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int64:
		return t != 0
	case int:
		return t != 0
	case float64:
		return t != 0 && t == t // NaN is falsy
	default:
		return true
	}
}

func (ev *Evaluator) install(vm *goja.Runtime, env Env) error {
	// Remove escape hatches before anything user-visible runs.
	for _, name := range []string{"eval", "Function"} {
		if err := vm.GlobalObject().Delete(name); err != nil {
			return fmt.Errorf("sandbox setup: %w", err)
		}
	}

	issues := env.Issues
	if issues == nil {
		issues = []map[string]any{}
	}
	outputs := env.Outputs
	if outputs == nil {
		outputs = map[string]any{}
	}
	meta := env.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	files := env.FilesChanged
	if files == nil {
		files = []string{}
	}

	vars := map[string]any{
		"output":       env.Output,
		"outputs":      outputs,
		"issues":       issues,
		"metadata":     meta,
		"checkName":    env.CheckName,
		"schema":       env.Schema,
		"group":        env.Group,
		"branch":       env.Branch,
		"baseBranch":   env.BaseBranch,
		"filesChanged": files,
		"filesCount":   len(files),
		"event":        env.Event,
		"env":          env.EnvVars,
		"attempt":      env.Attempt,
	}
	for k, v := range vars {
		if err := vm.Set(k, v); err != nil {
			return fmt.Errorf("sandbox setup: %w", err)
		}
	}

	if env.Memory != nil {
		memFn := env.Memory
		if err := vm.Set("memory", map[string]any{
			"get": func(call goja.FunctionCall) goja.Value {
				key := call.Argument(0).String()
				ns := ""
				if len(call.Arguments) > 1 && !goja.IsUndefined(call.Argument(1)) {
					ns = call.Argument(1).String()
				}
				return vm.ToValue(memFn(ns, key))
			},
		}); err != nil {
			return fmt.Errorf("sandbox setup: %w", err)
		}
	}

	matchIssueField := func(list []map[string]any, field, value string) bool {
		for _, is := range list {
			if v, _ := is[field].(string); v == value {
				return true
			}
		}
		return false
	}
	// hasIssue(arr, field, value) is the canonical form; hasIssue(field,
	// value) looks at the current issues, hasIssue(pattern) substring-matches
	// message and ruleId. hasIssueWith is an alias.
	hasIssue := func(args ...goja.Value) bool {
		switch len(args) {
		case 1:
			pattern := args[0].String()
			for _, is := range issues {
				if msg, _ := is["message"].(string); strings.Contains(msg, pattern) {
					return true
				}
				if rule, _ := is["ruleId"].(string); strings.Contains(rule, pattern) {
					return true
				}
			}
			return false
		case 2:
			return matchIssueField(issues, args[0].String(), args[1].String())
		case 3:
			var list []map[string]any
			switch arr := args[0].Export().(type) {
			case []map[string]any:
				list = arr
			case []any:
				for _, el := range arr {
					if m, ok := el.(map[string]any); ok {
						list = append(list, m)
					}
				}
			}
			return matchIssueField(list, args[1].String(), args[2].String())
		}
		return false
	}

	helpers := map[string]any{
		"contains": func(haystack, needle string) bool {
			return strings.Contains(haystack, needle)
		},
		"startsWith": func(s, prefix string) bool {
			return strings.HasPrefix(s, prefix)
		},
		"endsWith": func(s, suffix string) bool {
			return strings.HasSuffix(s, suffix)
		},
		"length": func(v goja.Value) int {
			if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
				return 0
			}
			switch t := v.Export().(type) {
			case string:
				return len(t)
			case []any:
				return len(t)
			case map[string]any:
				return len(t)
			default:
				return 0
			}
		},
		"always":  func() bool { return true },
		"success": func() bool { return meta["checkSucceeded"] != false },
		"failure": func() bool { return meta["checkSucceeded"] == false },
		"log": func(args ...any) any {
			ev.log.Info("expression log", zap.Any("args", args), zap.String("check", env.CheckName))
			if len(args) == 1 {
				return args[0]
			}
			return nil
		},
		"hasIssue": hasIssue,
		"countIssues": func(severity string) int {
			if severity == "" {
				return len(issues)
			}
			n := 0
			for _, is := range issues {
				if sev, _ := is["severity"].(string); sev == severity {
					n++
				}
			}
			return n
		},
		"hasFileMatching": func(pattern string) bool {
			for _, f := range files {
				if ok, err := doublestar.Match(pattern, f); err == nil && ok {
					return true
				}
			}
			return false
		},
		"hasSuggestion": func() bool {
			for _, is := range issues {
				if s, _ := is["suggestion"].(string); s != "" {
					return true
				}
			}
			return false
		},
		"hasIssueWith": hasIssue,
		"hasFileWith": func(pattern string) bool {
			for _, is := range issues {
				f, _ := is["file"].(string)
				if f == "" {
					continue
				}
				if ok, err := doublestar.Match(pattern, f); err == nil && ok {
					return true
				}
			}
			return false
		},
	}
	for name, fn := range helpers {
		if err := vm.Set(name, fn); err != nil {
			return fmt.Errorf("sandbox setup: %w", err)
		}
	}

	console := vm.NewObject()
	logAt := func(level func(string, ...zap.Field)) func(args ...any) {
		return func(args ...any) {
			parts := make([]string, 0, len(args))
			for _, a := range args {
				parts = append(parts, fmt.Sprint(a))
			}
			level(strings.Join(parts, " "), zap.String("check", env.CheckName))
		}
	}
	_ = console.Set("log", logAt(ev.log.Info))
	_ = console.Set("warn", logAt(ev.log.Warn))
	_ = console.Set("error", logAt(ev.log.Error))
	if err := vm.Set("console", console); err != nil {
		return fmt.Errorf("sandbox setup: %w", err)
	}
	return nil
}
