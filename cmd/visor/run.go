package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/probelabs/visor/internal/config"
	"github.com/probelabs/visor/internal/engine"
	"github.com/probelabs/visor/internal/gitutil"
	"github.com/probelabs/visor/internal/providers"
	"github.com/probelabs/visor/internal/report"
	"github.com/probelabs/visor/internal/session"
	"github.com/probelabs/visor/internal/workspace"
)

type runFlags struct {
	configPath     string
	checks         []string
	output         string
	event          string
	baseRef        string
	maxParallelism int
	failFast       bool
	strict         bool
	snapshotDB     string
}

func newRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the configured checks for an event",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChecks(cmd.Context(), &flags)
		},
	}
	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "configuration file (default: visor.yaml, then visor.yml and the legacy dotfiles)")
	cmd.Flags().StringArrayVar(&flags.checks, "check", nil, "run only this check and its dependencies (repeatable)")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "table", "output format: table, json, markdown, sarif")
	cmd.Flags().StringVar(&flags.event, "event", "manual", "event type to run as")
	cmd.Flags().StringVar(&flags.baseRef, "base-ref", "", "git ref to diff against for trigger matching")
	cmd.Flags().IntVar(&flags.maxParallelism, "max-parallelism", 0, "override the configured parallelism")
	cmd.Flags().BoolVar(&flags.failFast, "fail-fast", false, "cancel remaining checks after the first failure")
	cmd.Flags().BoolVar(&flags.strict, "strict", false, "treat unknown configuration keys as errors")
	cmd.Flags().StringVar(&flags.snapshotDB, "snapshot-db", "", "record the loaded config into this sqlite snapshot store")
	return cmd
}

func runChecks(ctx context.Context, flags *runFlags) error {
	format, err := report.ParseFormat(flags.output)
	if err != nil {
		return &exitError{code: 2, err: err}
	}

	log, err := newLogger()
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	defer log.Sync()

	if flags.configPath == "" {
		flags.configPath = config.FindDefault(".")
	}
	loadOpts := config.DefaultLoadOptions()
	if flags.strict {
		loadOpts.Strict = true
	}
	cfg, err := config.Load(flags.configPath, loadOpts)
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	if flags.maxParallelism > 0 {
		cfg.MaxParallelism = flags.maxParallelism
	}
	if flags.failFast {
		cfg.FailFast = true
	}

	if flags.snapshotDB != "" {
		if err := recordSnapshot(flags.snapshotDB, flags.configPath, config.SnapshotStartup); err != nil {
			log.Warn("config snapshot not recorded", zap.Error(err))
		}
	}

	event, err := buildEvent(flags, log)
	if err != nil {
		return &exitError{code: 2, err: err}
	}

	registry := engine.NewRegistry()
	providers.RegisterBuiltins(registry)
	if cfg.Limits.MaxWorkflowDepth > 0 {
		registry.Register("workflow", &providers.WorkflowProvider{MaxDepth: cfg.Limits.MaxWorkflowDepth})
	}

	runID := ulid.Make().String()
	ws, err := workspace.Create(workspaceOptions(cfg, runID), log)
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	defer ws.Cleanup()

	eng, err := engine.New(cfg, engine.Options{
		Registry:          registry,
		Logger:            log,
		RunID:             runID,
		WorkDir:           ws.Dir,
		SubWorkflowRunner: subWorkflowRunner(cfg, registry, log, ws.Dir, loadOpts),
	})
	if err != nil {
		return &exitError{code: 2, err: err}
	}

	result, err := eng.Run(ctx, event, flags.checks)
	if err != nil {
		return &exitError{code: 2, err: err}
	}

	if rerr := report.Render(os.Stdout, format, result); rerr != nil {
		return &exitError{code: 2, err: rerr}
	}

	if result.Halted || result.Summary.Failed > 0 || result.Summary.HasErrorSeverityUserIssues() {
		return &exitError{code: 1}
	}
	return nil
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("VISOR_DEBUG") != "" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func recordSnapshot(dbPath, configPath string, trigger config.SnapshotTrigger) error {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}
	store, err := config.OpenSnapshotStore(dbPath, 0)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Record(trigger, configPath, raw)
}

// buildEvent assembles the run's event, filling FilesChanged from git when a
// base ref is given and the working directory is a repository.
func buildEvent(flags *runFlags, log *zap.Logger) (*engine.Event, error) {
	evType, err := engine.ParseEventType(flags.event)
	if err != nil {
		return nil, err
	}
	event := &engine.Event{Type: evType}
	if flags.baseRef != "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		if !gitutil.IsRepo(cwd) {
			return nil, fmt.Errorf("--base-ref given but %s is not a git repository", cwd)
		}
		files, err := gitutil.ChangedFiles(cwd, flags.baseRef)
		if err != nil {
			return nil, fmt.Errorf("changed files against %s: %w", flags.baseRef, err)
		}
		event.BaseBranch = flags.baseRef
		event.FilesChanged = files
		if branch, err := gitutil.CurrentBranch(cwd); err == nil {
			event.Branch = branch
		}
		log.Debug("event files resolved", zap.Int("files", len(files)))
	}
	return event, nil
}

func workspaceOptions(cfg *config.Config, runID string) workspace.Options {
	opts := workspace.Options{
		Base:          cfg.Workspace.Path,
		RunID:         runID,
		Mode:          workspace.Mode(cfg.Workspace.Mode),
		Enabled:       cfg.Workspace.Enabled,
		CleanupOnExit: cfg.Workspace.CleanupOnExit,
	}
	if cwd, err := os.Getwd(); err == nil {
		opts.ProjectDir = cwd
	}
	return opts
}

// subWorkflowRunner executes a nested workflow config and returns the final
// output of each of its checks, keyed by name.
func subWorkflowRunner(parent *config.Config, registry *engine.Registry, log *zap.Logger,
	workDir string, loadOpts config.LoadOptions) func(context.Context, string, *engine.Event) (any, error) {

	var run func(ctx context.Context, path string, event *engine.Event, depth int) (any, error)
	run = func(ctx context.Context, path string, event *engine.Event, depth int) (any, error) {
		if !filepath.IsAbs(path) && parent.SourcePath != "" {
			path = filepath.Join(filepath.Dir(parent.SourcePath), path)
		}
		cfg, err := config.Load(path, loadOpts)
		if err != nil {
			return nil, err
		}
		eng, err := engine.New(cfg, engine.Options{
			Registry: registry,
			Logger:   log,
			Sessions: session.NewRegistry(),
			WorkDir:  workDir,
			Depth:    depth,
			SubWorkflowRunner: func(ctx context.Context, nested string, ev *engine.Event) (any, error) {
				return run(ctx, nested, ev, depth+1)
			},
		})
		if err != nil {
			return nil, err
		}
		result, err := eng.Run(ctx, event, nil)
		if err != nil {
			return nil, err
		}
		outputs := map[string]any{}
		for _, ex := range result.Executions {
			if ex.Result.Status == engine.StatusSuccess {
				outputs[ex.Name] = ex.Result.Output
			}
		}
		if result.Summary.Failed > 0 {
			return outputs, fmt.Errorf("workflow %s: %d checks failed", path, result.Summary.Failed)
		}
		return outputs, nil
	}
	return func(ctx context.Context, path string, event *engine.Event) (any, error) {
		return run(ctx, path, event, 1)
	}
}
