// Package workspace gives each run an isolated working directory so
// concurrent runs cannot trample each other's checkouts or scratch files.
package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Mode selects how the project directory appears inside the workspace.
type Mode string

const (
	ModeSymlink Mode = "symlink"
	ModeCopy    Mode = "copy"
)

// Environment variables honored by Create.
const (
	EnvEnabled = "VISOR_WORKSPACE_ENABLED"
	EnvBase    = "VISOR_WORKSPACE_PATH"
)

// Options for creating a workspace.
type Options struct {
	// Base is the parent for run directories; defaults to EnvBase then the
	// OS temp dir.
	Base string
	// RunID names the directory under Base.
	RunID string
	// ProjectDir is linked or copied into the workspace when set.
	ProjectDir string
	// ProjectName is the entry name inside the workspace; defaults to the
	// base name of ProjectDir.
	ProjectName string
	Mode        Mode
	// CleanupOnExit defaults to true; set false to keep the directory for
	// debugging.
	CleanupOnExit *bool
	// Enabled defaults to the EnvEnabled variable ("false" disables).
	Enabled *bool
}

// Workspace is the resolved run directory. When isolation is disabled or
// setup fails, Dir equals the original working directory and Cleanup is a
// no-op.
type Workspace struct {
	Dir                      string
	OriginalWorkingDirectory string
	Isolated                 bool

	cleanupOnExit bool
	log           *zap.Logger
}

// Create builds the run workspace. Setup failures are not fatal: the run
// proceeds in the original working directory and the failure is logged.
func Create(opts Options, log *zap.Logger) (*Workspace, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("workspace: getwd: %w", err)
	}
	ws := &Workspace{Dir: cwd, OriginalWorkingDirectory: cwd, log: log, cleanupOnExit: true}
	if opts.CleanupOnExit != nil {
		ws.cleanupOnExit = *opts.CleanupOnExit
	}

	enabled := true
	if v := os.Getenv(EnvEnabled); v != "" {
		enabled = !strings.EqualFold(v, "false") && v != "0"
	}
	if opts.Enabled != nil {
		enabled = *opts.Enabled
	}
	if !enabled {
		return ws, nil
	}
	if opts.RunID == "" {
		return nil, fmt.Errorf("workspace: run id required")
	}

	base := opts.Base
	if base == "" {
		base = os.Getenv(EnvBase)
	}
	if base == "" {
		base = filepath.Join(os.TempDir(), "visor-workspaces")
	}

	dir := filepath.Join(base, opts.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn("workspace setup failed, using working directory",
			zap.String("dir", dir), zap.Error(err))
		return ws, nil
	}

	if opts.ProjectDir != "" {
		name := opts.ProjectName
		if name == "" {
			name = filepath.Base(opts.ProjectDir)
		}
		target := filepath.Join(dir, name)
		mode := opts.Mode
		if mode == "" {
			mode = ModeSymlink
		}
		var linkErr error
		switch mode {
		case ModeSymlink:
			linkErr = os.Symlink(opts.ProjectDir, target)
		case ModeCopy:
			linkErr = copyTree(opts.ProjectDir, target)
		default:
			linkErr = fmt.Errorf("unknown mode %q", mode)
		}
		if linkErr != nil {
			log.Warn("workspace project setup failed, using working directory",
				zap.String("project", opts.ProjectDir), zap.Error(linkErr))
			_ = os.RemoveAll(dir)
			return ws, nil
		}
	}

	ws.Dir = dir
	ws.Isolated = true
	return ws, nil
}

// ProjectPath returns the path of a project entry inside the workspace.
func (w *Workspace) ProjectPath(name string) string {
	return filepath.Join(w.Dir, name)
}

// Cleanup removes the run directory. Safe to call multiple times and on
// non-isolated workspaces.
func (w *Workspace) Cleanup() {
	if !w.Isolated || !w.cleanupOnExit {
		return
	}
	if err := os.RemoveAll(w.Dir); err != nil {
		w.log.Warn("workspace cleanup failed", zap.String("dir", w.Dir), zap.Error(err))
		return
	}
	w.Isolated = false
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			// symlinks and devices are skipped; a checkout provider
			// re-creates what it needs
			return nil
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}
