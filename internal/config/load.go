package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// knownEvents are the trigger names accepted in `on` lists and goto_event
// targets. The engine owns the semantics; the loader only gates spelling.
var knownEvents = map[string]bool{
	"pr_opened":        true,
	"pr_updated":       true,
	"pr_closed":        true,
	"issue_opened":     true,
	"issue_comment":    true,
	"manual":           true,
	"schedule":         true,
	"webhook_received": true,
}

// EnvStrictConfig promotes unknown-key warnings to load errors when set to a
// truthy value. The --strict flag does the same.
const EnvStrictConfig = "VISOR_STRICT_CONFIG_NAME"

// defaultNames are probed in order when no config path is given; the
// dotfiles are legacy spellings.
var defaultNames = []string{"visor.yaml", "visor.yml", ".visor.yaml", ".visor.yml"}

// FindDefault returns the first config file that exists in dir, or the
// primary name when none does (so the load error names the expected file).
func FindDefault(dir string) string {
	for _, name := range defaultNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, defaultNames[0])
}

// LoadOptions tune the loader.
type LoadOptions struct {
	// Strict makes unknown keys fatal instead of warnings.
	Strict bool
	// NoRemoteExtends refuses https extends targets.
	NoRemoteExtends bool
}

// DefaultLoadOptions reads the environment toggles.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{
		Strict:          envTruthy(os.Getenv(EnvStrictConfig)),
		NoRemoteExtends: envTruthy(os.Getenv(EnvNoRemoteExtends)),
	}
}

func envTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false", "no":
		return false
	default:
		return true
	}
}

// Load reads, merges extends, defaults, and validates a config file.
func Load(path string, opts LoadOptions) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(b, path, opts)
	if err != nil {
		return nil, err
	}
	if len(cfg.Extends) > 0 {
		cfg, err = resolveExtends(cfg, opts, nil)
		if err != nil {
			return nil, err
		}
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// rawDoc mirrors the YAML document. `checks` and `steps` stay as nodes so
// declaration order and per-check strict decoding are possible.
type rawDoc struct {
	Version        string          `yaml:"version"`
	Extends        StringList      `yaml:"extends"`
	Checks         yaml.Node       `yaml:"checks"`
	Steps          yaml.Node       `yaml:"steps"`
	Output         OutputConfig    `yaml:"output"`
	MaxParallelism int             `yaml:"max_parallelism"`
	FailFast       bool            `yaml:"fail_fast"`
	FailIf         string          `yaml:"fail_if"`
	TagFilter      TagFilter       `yaml:"tag_filter"`
	Routing        RoutingDefaults `yaml:"routing"`
	Limits         Limits          `yaml:"limits"`
	Workspace      WorkspaceConfig `yaml:"workspace"`
	Memory         MemoryConfig    `yaml:"memory"`
}

// Parse decodes a config document without resolving extends or applying
// defaults; Load is the usual entry point.
func Parse(b []byte, sourcePath string, opts LoadOptions) (*Config, error) {
	var raw rawDoc
	warnings, err := decodeYAML(b, &raw, opts.Strict)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", sourcePath, err)
	}

	cfg := &Config{
		Version:        raw.Version,
		Checks:         map[string]*CheckConfig{},
		Output:         raw.Output,
		MaxParallelism: raw.MaxParallelism,
		FailFast:       raw.FailFast,
		FailIf:         raw.FailIf,
		TagFilter:      raw.TagFilter,
		Routing:        raw.Routing,
		Limits:         raw.Limits,
		Workspace:      raw.Workspace,
		Memory:         raw.Memory,
		Extends:        raw.Extends,
		SourcePath:     sourcePath,
		Warnings:       warnings,
	}

	// `checks` and `steps` are aliases for the same map; when both define a
	// name, the `steps` entry wins and the declaration position of the first
	// occurrence is kept.
	for _, key := range []struct {
		node *yaml.Node
		name string
	}{{&raw.Checks, "checks"}, {&raw.Steps, "steps"}} {
		if key.node.Kind == 0 || key.node.Tag == "!!null" {
			continue
		}
		if key.node.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("config %s: %s must be a mapping", sourcePath, key.name)
		}
		for i := 0; i+1 < len(key.node.Content); i += 2 {
			var name string
			if err := key.node.Content[i].Decode(&name); err != nil {
				return nil, fmt.Errorf("config %s: %s key: %w", sourcePath, key.name, err)
			}
			check, checkWarnings, err := decodeCheck(name, key.node.Content[i+1], opts.Strict)
			if err != nil {
				return nil, fmt.Errorf("config %s: %s.%s: %w", sourcePath, key.name, name, err)
			}
			cfg.Warnings = append(cfg.Warnings, checkWarnings...)
			if _, exists := cfg.Checks[name]; !exists {
				cfg.CheckOrder = append(cfg.CheckOrder, name)
			}
			cfg.Checks[name] = check
		}
	}
	return cfg, nil
}

func decodeCheck(name string, node *yaml.Node, strict bool) (*CheckConfig, []string, error) {
	encoded, err := yaml.Marshal(node)
	if err != nil {
		return nil, nil, err
	}
	var check CheckConfig
	warnings, err := decodeYAML(encoded, &check, strict)
	if err != nil {
		return nil, nil, err
	}
	for i, w := range warnings {
		warnings[i] = fmt.Sprintf("check %q: %s", name, w)
	}
	check.Name = name
	return &check, warnings, nil
}

// decodeYAML decodes strictly; unknown-field errors become warnings (and a
// lenient re-decode) unless strict is set.
func decodeYAML(b []byte, out any, strict bool) ([]string, error) {
	err := decodeYAMLStrict(b, out)
	if err == nil {
		return nil, nil
	}
	var typeErr *yaml.TypeError
	if strict || !asTypeError(err, &typeErr) || !onlyUnknownFields(typeErr) {
		return nil, err
	}
	if lenientErr := decodeYAMLLenient(b, out); lenientErr != nil {
		return nil, lenientErr
	}
	warnings := make([]string, 0, len(typeErr.Errors))
	for _, msg := range typeErr.Errors {
		warnings = append(warnings, "unknown config key: "+msg)
	}
	return warnings, nil
}

func asTypeError(err error, target **yaml.TypeError) bool {
	te, ok := err.(*yaml.TypeError)
	if !ok {
		return false
	}
	*target = te
	return true
}

func onlyUnknownFields(te *yaml.TypeError) bool {
	for _, msg := range te.Errors {
		if !strings.Contains(msg, "not found in type") {
			return false
		}
	}
	return len(te.Errors) > 0
}

func decodeYAMLStrict(b []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLLenient(b []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == "" {
		cfg.Version = "1.0"
	}
	if cfg.MaxParallelism == 0 {
		cfg.MaxParallelism = 3
	}
	if cfg.Output.Format == "" {
		cfg.Output.Format = "table"
	}
	if cfg.Output.GroupBy == "" {
		cfg.Output.GroupBy = "group"
	}
	if cfg.Routing.MaxLoops == 0 {
		cfg.Routing.MaxLoops = 25
	}
	if cfg.Limits.MaxRunsPerCheck == 0 {
		cfg.Limits.MaxRunsPerCheck = 50
	}
	if cfg.Limits.MaxWorkflowDepth == 0 {
		cfg.Limits.MaxWorkflowDepth = 3
	}
	if cfg.Memory.Mode == "" {
		cfg.Memory.Mode = "memory"
	}
	for _, name := range cfg.CheckOrder {
		applyCheckDefaults(cfg, cfg.Checks[name])
	}
}

func applyCheckDefaults(cfg *Config, check *CheckConfig) {
	if check.Type == "" {
		check.Type = "noop"
	}
	if check.Criticality == "" {
		check.Criticality = CriticalityInternal
	}
	if check.MaxRuns == 0 {
		check.MaxRuns = cfg.Limits.MaxRunsPerCheck
	}
	if check.Group == "" {
		check.Group = "default"
	}
	if check.SessionMode == "" {
		check.SessionMode = "clone"
	}
	if check.Fanout == "" && check.ForEach {
		check.Fanout = "map"
	}
	if check.Criticality == CriticalityExternal {
		if check.FailIf.IsZero() && strings.TrimSpace(check.Guarantee) == "" {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf(
				"check %q is external but declares neither fail_if nor guarantee", check.Name))
		}
	}
}

func validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if len(cfg.Checks) == 0 {
		return fmt.Errorf("config declares no checks")
	}
	if cfg.MaxParallelism < 1 {
		return fmt.Errorf("max_parallelism must be >= 1")
	}
	if cfg.Routing.MaxLoops < 1 {
		return fmt.Errorf("routing.max_loops must be >= 1")
	}
	for _, name := range cfg.CheckOrder {
		check := cfg.Checks[name]
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("check with empty name")
		}
		for _, ev := range check.On {
			if !knownEvents[ev] {
				return fmt.Errorf("check %q: invalid event type: %q", name, ev)
			}
		}
		switch check.Fanout {
		case "", "map", "reduce":
		default:
			return fmt.Errorf("check %q: invalid fanout %q (want map|reduce)", name, check.Fanout)
		}
		switch check.Criticality {
		case CriticalityInternal, CriticalityExternal, CriticalityPolicy, CriticalityInfo:
		default:
			return fmt.Errorf("check %q: invalid criticality %q (want internal|external|policy|info)", name, check.Criticality)
		}
		switch check.SessionMode {
		case "clone", "append":
		default:
			return fmt.Errorf("check %q: invalid session_mode %q (want clone|append)", name, check.SessionMode)
		}
		if check.MaxRuns < 0 {
			return fmt.Errorf("check %q: max_runs must be >= 0", name)
		}
		if check.DependsOn.Contains(name) {
			return fmt.Errorf("check %q depends on itself", name)
		}
		for _, dep := range check.DependsOn {
			if _, ok := cfg.Checks[dep]; !ok {
				return fmt.Errorf("check %q depends on unknown check %q", name, dep)
			}
		}
		if check.ReuseAISession != "" {
			if _, ok := cfg.Checks[check.ReuseAISession]; !ok {
				return fmt.Errorf("check %q reuses session of unknown check %q", name, check.ReuseAISession)
			}
		}
		for _, block := range []*RoutingBlock{check.OnInit, check.OnSuccess, check.OnFail, check.OnFinish} {
			if err := validateRoutingBlock(cfg, name, block); err != nil {
				return err
			}
		}
	}
	if cfg.Routing.Defaults.OnFail != nil {
		if err := validateRoutingBlock(cfg, "routing.defaults", cfg.Routing.Defaults.OnFail); err != nil {
			return err
		}
	}
	return nil
}

func validateRoutingBlock(cfg *Config, owner string, block *RoutingBlock) error {
	if block == nil {
		return nil
	}
	checkTarget := func(target string) error {
		if target == "" {
			return nil
		}
		if _, ok := cfg.Checks[target]; !ok {
			return fmt.Errorf("check %q routes to unknown check %q", owner, target)
		}
		return nil
	}
	if err := checkTarget(block.Goto); err != nil {
		return err
	}
	for _, tr := range block.Transitions {
		if err := checkTarget(tr.To); err != nil {
			return err
		}
		if tr.GotoEvent != "" && !knownEvents[tr.GotoEvent] {
			return fmt.Errorf("check %q: transition goto_event: invalid event type: %q", owner, tr.GotoEvent)
		}
	}
	for _, rs := range block.Run {
		if _, ok := cfg.Checks[rs.Step]; !ok {
			return fmt.Errorf("check %q runs unknown step %q", owner, rs.Step)
		}
	}
	if block.GotoEvent != "" && !knownEvents[block.GotoEvent] {
		return fmt.Errorf("check %q: goto_event: invalid event type: %q", owner, block.GotoEvent)
	}
	if block.Retry != nil {
		if block.Retry.Max < 0 {
			return fmt.Errorf("check %q: retry.max must be >= 0", owner)
		}
		if bo := block.Retry.Backoff; bo != nil {
			switch bo.Mode {
			case "", "fixed", "exponential":
			default:
				return fmt.Errorf("check %q: invalid backoff mode %q (want fixed|exponential)", owner, bo.Mode)
			}
			if bo.DelayMS < 0 || bo.MaxDelayMS < 0 {
				return fmt.Errorf("check %q: backoff delays must be >= 0", owner)
			}
		}
	}
	return nil
}
