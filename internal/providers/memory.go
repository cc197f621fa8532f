package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/probelabs/visor/internal/config"
	"github.com/probelabs/visor/internal/engine"
)

var memoryOperations = map[string]bool{
	"get": true, "set": true, "append": true, "increment": true,
	"delete": true, "clear": true, "list": true, "getAll": true, "has": true,
}

// MemoryProvider reads and writes the run's key/value store from pipeline
// steps. Write operations echo the written value as output so dependents can
// chain off them.
type MemoryProvider struct{}

func (p *MemoryProvider) Validate(check *config.CheckConfig) error {
	op := check.Operation
	if op == "" {
		return fmt.Errorf("memory check requires `operation`")
	}
	if !memoryOperations[op] {
		return fmt.Errorf("memory check: unknown operation %q", op)
	}
	switch op {
	case "clear", "list", "getAll":
	default:
		if strings.TrimSpace(check.Key) == "" {
			return fmt.Errorf("memory %s requires `key`", op)
		}
	}
	if check.Value != nil && check.ValueJS != "" {
		return fmt.Errorf("memory check: `value` and `value_js` are mutually exclusive")
	}
	return nil
}

func (p *MemoryProvider) Execute(_ context.Context, pc *engine.ProviderContext) (engine.CheckResult, error) {
	if pc.Memory == nil {
		return engine.CheckResult{}, fmt.Errorf("memory store not configured")
	}
	check := pc.Check
	ns := check.Namespace

	value := check.Value
	if check.ValueJS != "" {
		v, err := pc.Eval.Evaluate(check.ValueJS, pc.SandboxEnv(nil))
		if err != nil {
			return engine.CheckResult{}, fmt.Errorf("value_js: %w", err)
		}
		value = v
	}

	res := engine.CheckResult{Status: engine.StatusSuccess}
	switch check.Operation {
	case "get":
		v, _ := pc.Memory.Get(ns, check.Key)
		res.Output = v
	case "set":
		if err := pc.Memory.Set(ns, check.Key, value); err != nil {
			return engine.CheckResult{}, err
		}
		res.Output = value
	case "append":
		if err := pc.Memory.Append(ns, check.Key, value); err != nil {
			return engine.CheckResult{}, err
		}
		v, _ := pc.Memory.Get(ns, check.Key)
		res.Output = v
	case "increment":
		delta := 1.0
		if f, ok := toFloat(value); ok {
			delta = f
		}
		n, err := pc.Memory.Increment(ns, check.Key, delta)
		if err != nil {
			return engine.CheckResult{}, err
		}
		res.Output = n
	case "delete":
		if err := pc.Memory.Delete(ns, check.Key); err != nil {
			return engine.CheckResult{}, err
		}
	case "clear":
		if err := pc.Memory.Clear(ns); err != nil {
			return engine.CheckResult{}, err
		}
	case "list":
		res.Output = pc.Memory.List(ns)
	case "getAll":
		res.Output = pc.Memory.GetAll(ns)
	case "has":
		res.Output = pc.Memory.Has(ns, check.Key)
	default:
		return engine.CheckResult{}, fmt.Errorf("unknown memory operation %q", check.Operation)
	}
	return res, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
