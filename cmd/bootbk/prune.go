// cmd/bootbk/prune.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bootbk/bootbk/backup"
)

func newPruneCmd(g *globalOptions) *cobra.Command {
	var keep int
	var keepAge time.Duration
	cmd := &cobra.Command{
		Use:   "prune <source>",
		Short: "Drop old generations and delete unreferenced image files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if keep <= 0 && keepAge <= 0 {
				return fmt.Errorf("nothing to do without --keep or --keep-age")
			}

			dest, store, tracker, err := g.openEnv()
			if err != nil {
				return err
			}
			defer store.Close()

			// Destination-side pruning: no provider, so snapshots on
			// the client are left alone.
			orch := backup.NewOrchestrator(backup.Config{
				SourceName: args[0],
				Tracker:    tracker,
				Dest:       dest,
			})
			removed, err := orch.Prune(cmd.Context(), backup.RetentionPolicy{
				MaxCount: keep,
				MaxAge:   keepAge,
			})
			if err != nil {
				return err
			}
			log.Print("%s: pruned %d generation(s)", args[0], len(removed))
			return nil
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 0, "keep at most this many generations")
	cmd.Flags().DurationVar(&keepAge, "keep-age", 0, "keep generations newer than this")
	return cmd
}
