package config

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// EnvNoRemoteExtends disables https extends targets when truthy.
const EnvNoRemoteExtends = "VISOR_NO_REMOTE_EXTENDS"

const maxExtendsDepth = 10

// resolveExtends merges parent configs into cfg, child winning per field.
// Parents are applied in declaration order, later parents overriding
// earlier ones, and the child overriding all of them.
func resolveExtends(cfg *Config, opts LoadOptions, visiting []string) (*Config, error) {
	if len(visiting) >= maxExtendsDepth {
		return nil, fmt.Errorf("config: extends chain exceeds depth %d: %s",
			maxExtendsDepth, strings.Join(visiting, " -> "))
	}
	merged := &Config{Checks: map[string]*CheckConfig{}}
	for _, target := range cfg.Extends {
		resolved, err := resolveExtendsTarget(cfg.SourcePath, target, opts)
		if err != nil {
			return nil, err
		}
		for _, seen := range visiting {
			if seen == resolved.key {
				return nil, fmt.Errorf("config: extends cycle: %s -> %s",
					strings.Join(visiting, " -> "), resolved.key)
			}
		}
		parent, err := Parse(resolved.data, resolved.sourcePath, opts)
		if err != nil {
			return nil, fmt.Errorf("config: extends %q: %w", target, err)
		}
		if len(parent.Extends) > 0 {
			parent, err = resolveExtends(parent, opts, append(visiting, resolved.key))
			if err != nil {
				return nil, err
			}
		}
		mergeInto(merged, parent)
	}
	mergeInto(merged, cfg)
	merged.SourcePath = cfg.SourcePath
	merged.Extends = nil
	return merged, nil
}

type extendsSource struct {
	key        string
	sourcePath string
	data       []byte
}

func resolveExtendsTarget(fromPath, target string, opts LoadOptions) (*extendsSource, error) {
	if u, err := url.Parse(target); err == nil && (u.Scheme == "https" || u.Scheme == "http") {
		if u.Scheme == "http" {
			return nil, fmt.Errorf("config: extends %q: only https remotes are allowed", target)
		}
		if opts.NoRemoteExtends {
			return nil, fmt.Errorf("config: extends %q: remote extends disabled", target)
		}
		client := &http.Client{Timeout: 15 * time.Second}
		resp, err := client.Get(target)
		if err != nil {
			return nil, fmt.Errorf("config: extends %q: %w", target, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("config: extends %q: status %d", target, resp.StatusCode)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("config: extends %q: %w", target, err)
		}
		return &extendsSource{key: target, sourcePath: target, data: data}, nil
	}

	path := target
	if !filepath.IsAbs(path) && fromPath != "" {
		path = filepath.Join(filepath.Dir(fromPath), path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: extends %q: %w", target, err)
	}
	return &extendsSource{key: abs, sourcePath: path, data: data}, nil
}

// mergeInto overlays src onto dst; src wins wherever it sets a value.
// Checks merge per name as whole records.
func mergeInto(dst, src *Config) {
	if src.Version != "" {
		dst.Version = src.Version
	}
	for _, name := range src.CheckOrder {
		if _, exists := dst.Checks[name]; !exists {
			dst.CheckOrder = append(dst.CheckOrder, name)
		}
		dst.Checks[name] = src.Checks[name]
	}
	if src.Output.Format != "" {
		dst.Output.Format = src.Output.Format
	}
	if src.Output.GroupBy != "" {
		dst.Output.GroupBy = src.Output.GroupBy
	}
	if src.MaxParallelism != 0 {
		dst.MaxParallelism = src.MaxParallelism
	}
	if src.FailFast {
		dst.FailFast = true
	}
	if src.FailIf != "" {
		dst.FailIf = src.FailIf
	}
	if len(src.TagFilter.Include) > 0 {
		dst.TagFilter.Include = src.TagFilter.Include
	}
	if len(src.TagFilter.Exclude) > 0 {
		dst.TagFilter.Exclude = src.TagFilter.Exclude
	}
	if src.Routing.Defaults.OnFail != nil {
		dst.Routing.Defaults.OnFail = src.Routing.Defaults.OnFail
	}
	if src.Routing.MaxLoops != 0 {
		dst.Routing.MaxLoops = src.Routing.MaxLoops
	}
	if src.Limits.MaxRunsPerCheck != 0 {
		dst.Limits.MaxRunsPerCheck = src.Limits.MaxRunsPerCheck
	}
	if src.Limits.MaxWorkflowDepth != 0 {
		dst.Limits.MaxWorkflowDepth = src.Limits.MaxWorkflowDepth
	}
	if src.Workspace.Enabled != nil {
		dst.Workspace.Enabled = src.Workspace.Enabled
	}
	if src.Workspace.Path != "" {
		dst.Workspace.Path = src.Workspace.Path
	}
	if src.Workspace.Mode != "" {
		dst.Workspace.Mode = src.Workspace.Mode
	}
	if src.Workspace.CleanupOnExit != nil {
		dst.Workspace.CleanupOnExit = src.Workspace.CleanupOnExit
	}
	if src.Memory.Mode != "" {
		dst.Memory.Mode = src.Memory.Mode
	}
	if src.Memory.File != "" {
		dst.Memory.File = src.Memory.File
	}
	if src.Memory.Format != "" {
		dst.Memory.Format = src.Memory.Format
	}
	if src.Memory.Namespace != "" {
		dst.Memory.Namespace = src.Memory.Namespace
	}
	dst.Warnings = append(dst.Warnings, src.Warnings...)
}
