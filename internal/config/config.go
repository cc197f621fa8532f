// Package config loads, merges, and validates the YAML configuration that
// declares an engine run: the checks, their routing, and the engine-wide
// limits and substrate settings.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Criticality tells the engine how careful a check's defaults should be.
type Criticality string

const (
	CriticalityInternal Criticality = "internal"
	CriticalityExternal Criticality = "external"
	// CriticalityPolicy and CriticalityInfo share the internal retry and
	// contract defaults; they exist to classify checks in reporting.
	CriticalityPolicy Criticality = "policy"
	CriticalityInfo   Criticality = "info"
)

// Config is the root document. Checks preserves declaration order through
// CheckOrder because scheduling ties break on it.
type Config struct {
	Version        string
	Checks         map[string]*CheckConfig
	CheckOrder     []string
	Output         OutputConfig
	MaxParallelism int
	FailFast       bool
	FailIf         string
	TagFilter      TagFilter
	Routing        RoutingDefaults
	Limits         Limits
	Workspace      WorkspaceConfig
	Memory         MemoryConfig
	Extends        StringList

	// SourcePath is the file the config was loaded from, used to resolve
	// relative extends targets.
	SourcePath string
	// Warnings collects non-fatal load findings (unknown keys, missing
	// contracts on external checks).
	Warnings []string
}

// OutputConfig selects the default rendering of the run summary.
type OutputConfig struct {
	Format string `yaml:"format"`
	// GroupBy defaults to "group"; "check" keeps one section per check.
	GroupBy string `yaml:"group_by"`
}

// TagFilter narrows the plan; exclusion wins over inclusion.
type TagFilter struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// RoutingDefaults apply to every check that does not override them.
type RoutingDefaults struct {
	Defaults struct {
		OnFail *RoutingBlock `yaml:"on_fail"`
	} `yaml:"defaults"`
	// MaxLoops bounds routing transitions (goto + retry) per scope.
	MaxLoops int `yaml:"max_loops"`
}

// Limits are engine-wide hard bounds.
type Limits struct {
	MaxRunsPerCheck  int `yaml:"max_runs_per_check"`
	MaxWorkflowDepth int `yaml:"max_workflow_depth"`
}

// WorkspaceConfig controls per-run directory isolation.
type WorkspaceConfig struct {
	Enabled       *bool  `yaml:"enabled"`
	Path          string `yaml:"path"`
	Mode          string `yaml:"mode"`
	CleanupOnExit *bool  `yaml:"cleanup_on_exit"`
}

// MemoryConfig controls the run-wide key/value store.
type MemoryConfig struct {
	Mode      string `yaml:"mode"`
	File      string `yaml:"file"`
	Format    string `yaml:"format"`
	Namespace string `yaml:"namespace"`
}

// CheckConfig is one declared check. Name comes from the map key.
type CheckConfig struct {
	Name string `yaml:"-"`

	Type              string         `yaml:"type"`
	On                StringList     `yaml:"on"`
	Triggers          StringList     `yaml:"triggers"`
	DependsOn         StringList     `yaml:"depends_on"`
	If                string         `yaml:"if"`
	FailIf            *FailIfConfig  `yaml:"fail_if"`
	Assume            string         `yaml:"assume"`
	Guarantee         string         `yaml:"guarantee"`
	ForEach           bool           `yaml:"forEach"`
	Fanout            string         `yaml:"fanout"`
	Tags              StringList     `yaml:"tags"`
	Criticality       Criticality    `yaml:"criticality"`
	ContinueOnFailure bool           `yaml:"continue_on_failure"`
	MaxRuns           int            `yaml:"max_runs"`
	ReuseAISession    string         `yaml:"reuse_ai_session"`
	SessionMode       string         `yaml:"session_mode"`
	Timeout           Duration       `yaml:"timeout"`
	Schema            *SchemaRef     `yaml:"schema"`
	Template          string         `yaml:"template"`
	Group             string         `yaml:"group"`
	OnInit            *RoutingBlock  `yaml:"on_init"`
	OnSuccess         *RoutingBlock  `yaml:"on_success"`
	OnFail            *RoutingBlock  `yaml:"on_fail"`
	OnFinish          *RoutingBlock  `yaml:"on_finish"`
	Env               map[string]any `yaml:"env"`

	// Provider-specific fields. Each provider validates the subset it uses.
	Exec         string            `yaml:"exec"`
	Prompt       string            `yaml:"prompt"`
	OutputFormat string            `yaml:"output_format"`
	URL          string            `yaml:"url"`
	Method       string            `yaml:"method"`
	Headers      map[string]string `yaml:"headers"`
	Body         any               `yaml:"body"`
	Operation    string            `yaml:"operation"`
	Key          string            `yaml:"key"`
	Value        any               `yaml:"value"`
	ValueJS      string            `yaml:"value_js"`
	Namespace    string            `yaml:"namespace"`
	Message      string            `yaml:"message"`
	Level        string            `yaml:"level"`
	Workflow     string            `yaml:"workflow"`
	Ref          string            `yaml:"ref"`
	Repo         string            `yaml:"repo"`
	Model        string            `yaml:"model"`
	APIKeyEnv    string            `yaml:"api_key_env"`
	Script       string            `yaml:"script"`
	AIMCPServers string            `yaml:"ai_mcp_servers_js"`
}

// Duration accepts a bare number (seconds) or a Go duration string.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("timeout must be a scalar (line %d)", node.Line)
	}
	var secs float64
	if err := node.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid timeout %q (line %d)", s, node.Line)
	}
	*d = Duration(dur)
	return nil
}

// Std converts back to the standard type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// StringList accepts both a YAML scalar and a sequence.
type StringList []string

func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			*l = nil
			return nil
		}
		*l = StringList{strings.TrimSpace(s)}
		return nil
	case yaml.SequenceNode:
		var out []string
		if err := node.Decode(&out); err != nil {
			return err
		}
		*l = StringList(out)
		return nil
	default:
		return fmt.Errorf("expected string or list at line %d", node.Line)
	}
}

// Contains reports whether the list holds s.
func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// SchemaRef is either a registered schema name or an inline JSON-schema
// document.
type SchemaRef struct {
	Name   string
	Inline map[string]any
}

func (r *SchemaRef) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&r.Name)
	case yaml.MappingNode:
		return node.Decode(&r.Inline)
	default:
		return fmt.Errorf("schema must be a name or an inline object (line %d)", node.Line)
	}
}

// FailIfConfig is either a single expression or an ordered list of named
// conditions.
type FailIfConfig struct {
	Expr       string
	Conditions []FailCondition
}

// FailCondition is one named fail_if clause.
type FailCondition struct {
	Name          string
	Condition     string `yaml:"condition"`
	Message       string `yaml:"message"`
	Severity      string `yaml:"severity"`
	HaltExecution bool   `yaml:"halt_execution"`
}

func (f *FailIfConfig) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&f.Expr)
	case yaml.MappingNode:
		// mapping of name -> {condition, message, severity, halt_execution},
		// order preserved
		for i := 0; i+1 < len(node.Content); i += 2 {
			var cond FailCondition
			if err := node.Content[i].Decode(&cond.Name); err != nil {
				return err
			}
			if err := node.Content[i+1].Decode(&cond); err != nil {
				return err
			}
			if strings.TrimSpace(cond.Condition) == "" {
				return fmt.Errorf("fail_if condition %q has no condition expression (line %d)",
					cond.Name, node.Content[i].Line)
			}
			f.Conditions = append(f.Conditions, cond)
		}
		return nil
	default:
		return fmt.Errorf("fail_if must be an expression or a map of conditions (line %d)", node.Line)
	}
}

// IsZero reports whether nothing was configured.
func (f *FailIfConfig) IsZero() bool {
	return f == nil || (strings.TrimSpace(f.Expr) == "" && len(f.Conditions) == 0)
}

// RoutingBlock is the body of on_init/on_success/on_fail/on_finish.
type RoutingBlock struct {
	Transitions []Transition `yaml:"transitions"`
	Goto        string       `yaml:"goto"`
	GotoJS      string       `yaml:"goto_js"`
	GotoEvent   string       `yaml:"goto_event"`
	Run         []RunStep    `yaml:"run"`
	RunJS       string       `yaml:"run_js"`
	Retry       *RetryConfig `yaml:"retry"`
}

// Transition is one conditional route. HasTo distinguishes an omitted `to`
// (fall through to the block's static goto) from an explicit `to: null`
// (stop routing when the condition matched). A transition's own GotoEvent
// overrides the block-level one when the rule wins.
type Transition struct {
	When      string
	To        string
	HasTo     bool
	GotoEvent string
}

func (t *Transition) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("transition must be a mapping (line %d)", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		var key string
		if err := node.Content[i].Decode(&key); err != nil {
			return err
		}
		val := node.Content[i+1]
		switch key {
		case "when":
			if err := val.Decode(&t.When); err != nil {
				return err
			}
		case "to":
			t.HasTo = true
			if val.Tag == "!!null" {
				t.To = ""
				continue
			}
			if err := val.Decode(&t.To); err != nil {
				return err
			}
		case "goto_event":
			if err := val.Decode(&t.GotoEvent); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown transition key %q (line %d)", key, node.Content[i].Line)
		}
	}
	if strings.TrimSpace(t.When) == "" {
		return fmt.Errorf("transition missing `when` (line %d)", node.Line)
	}
	return nil
}

// RunStep names a remediation step to run inline, optionally storing its
// output under an alias.
type RunStep struct {
	Step string `yaml:"step"`
	As   string `yaml:"as"`
}

func (r *RunStep) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&r.Step)
	}
	type plain RunStep
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*r = RunStep(p)
	if strings.TrimSpace(r.Step) == "" {
		return fmt.Errorf("run step missing `step` (line %d)", node.Line)
	}
	return nil
}

// RetryConfig bounds on_fail re-execution.
type RetryConfig struct {
	Max     int            `yaml:"max"`
	Backoff *BackoffConfig `yaml:"backoff"`
}

// BackoffConfig shapes retry delays.
type BackoffConfig struct {
	Mode       string  `yaml:"mode"`
	DelayMS    int     `yaml:"delay_ms"`
	MaxDelayMS int     `yaml:"max_delay_ms"`
	Factor     float64 `yaml:"factor"`
	Jitter     bool    `yaml:"jitter"`
}

// Clone returns a deep copy of the routing block so per-run mutation of
// effective config never leaks into the shared parsed document.
func (b *RoutingBlock) Clone() *RoutingBlock {
	if b == nil {
		return nil
	}
	out := &RoutingBlock{
		Goto:      b.Goto,
		GotoJS:    b.GotoJS,
		GotoEvent: b.GotoEvent,
		RunJS:     b.RunJS,
	}
	out.Transitions = append([]Transition(nil), b.Transitions...)
	out.Run = append([]RunStep(nil), b.Run...)
	if b.Retry != nil {
		r := *b.Retry
		if b.Retry.Backoff != nil {
			bo := *b.Retry.Backoff
			r.Backoff = &bo
		}
		out.Retry = &r
	}
	return out
}

// IsZero reports whether the block routes or runs nothing.
func (b *RoutingBlock) IsZero() bool {
	return b == nil || (len(b.Transitions) == 0 && b.Goto == "" && b.GotoJS == "" &&
		b.GotoEvent == "" && len(b.Run) == 0 && b.RunJS == "" && b.Retry == nil)
}
