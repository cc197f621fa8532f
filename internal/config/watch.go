package config

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the config file when it changes on disk and records a
// reload snapshot for each distinct document.
type Watcher struct {
	path     string
	opts     LoadOptions
	store    *SnapshotStore
	log      *zap.Logger
	onReload func(*Config)
}

// NewWatcher builds a watcher. store may be nil; onReload may be nil.
func NewWatcher(path string, opts LoadOptions, store *SnapshotStore, onReload func(*Config), log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{path: path, opts: opts, store: store, log: log, onReload: onReload}
}

// Run watches until ctx is done. Editors replace files rather than writing
// in place, so the parent directory is watched and events are debounced.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var pending <-chan time.Time
	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher error", zap.Error(err))
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		w.log.Warn("config reload read failed", zap.String("path", w.path), zap.Error(err))
		return
	}
	cfg, err := Load(w.path, w.opts)
	if err != nil {
		w.log.Warn("config reload rejected", zap.String("path", w.path), zap.Error(err))
		return
	}
	if w.store != nil {
		if err := w.store.Record(SnapshotReload, w.path, raw); err != nil {
			w.log.Warn("config snapshot failed", zap.Error(err))
		}
	}
	w.log.Info("config reloaded",
		zap.String("path", w.path),
		zap.String("hash", Hash(raw)),
		zap.Int("checks", len(cfg.Checks)))
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
