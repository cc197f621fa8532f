package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/probelabs/visor/internal/config"
)

func newSnapshotsCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Inspect recorded configuration snapshots",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", ".visor-snapshots.db", "snapshot store path")

	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded snapshots, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := config.OpenSnapshotStore(dbPath, 0)
			if err != nil {
				return &exitError{code: 2, err: err}
			}
			defer store.Close()
			snaps, err := store.List()
			if err != nil {
				return &exitError{code: 2, err: err}
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "ID\tCREATED\tTRIGGER\tHASH\tSOURCE\n")
			for _, s := range snaps {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
					s.ID, s.CreatedAt.Format("2006-01-02 15:04:05"), s.Trigger, s.ConfigHash, s.SourcePath)
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(list)
	return cmd
}
