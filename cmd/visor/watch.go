package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/probelabs/visor/internal/config"
)

// newWatchCmd validates the config on every change and records reload
// snapshots, so an operator editing a shared config gets immediate feedback.
func newWatchCmd() *cobra.Command {
	var configPath, dbPath string
	var strict bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the configuration file and validate it on change",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = config.FindDefault(".")
			}
			log, err := newLogger()
			if err != nil {
				return &exitError{code: 2, err: err}
			}
			defer log.Sync()

			opts := config.DefaultLoadOptions()
			if strict {
				opts.Strict = true
			}
			// the initial load must pass before watching starts
			if _, err := config.Load(configPath, opts); err != nil {
				return &exitError{code: 2, err: err}
			}

			var store *config.SnapshotStore
			if dbPath != "" {
				store, err = config.OpenSnapshotStore(dbPath, 0)
				if err != nil {
					return &exitError{code: 2, err: err}
				}
				defer store.Close()
				if raw, rerr := os.ReadFile(configPath); rerr == nil {
					if serr := store.Record(config.SnapshotStartup, configPath, raw); serr != nil {
						log.Warn("startup snapshot not recorded", zap.Error(serr))
					}
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(os.Stderr, "watching %s\n", configPath)
			watcher := config.NewWatcher(configPath, opts, store, nil, log)
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return &exitError{code: 2, err: err}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "configuration file (default: visor.yaml, then visor.yml and the legacy dotfiles)")
	cmd.Flags().StringVar(&dbPath, "db", "", "record reload snapshots into this store")
	cmd.Flags().BoolVar(&strict, "strict", false, "treat unknown configuration keys as errors")
	return cmd
}
