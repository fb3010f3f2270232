// cmd/bootbk/list.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	u "github.com/bootbk/bootbk/util"
)

func newListCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list [source]",
		Short: "List image chains in the repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, tracker, err := g.openEnv()
			if err != nil {
				return err
			}
			defer store.Close()

			sources, err := store.Sources()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				sources = []string{args[0]}
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SOURCE\tGEN\tKIND\tSIZE\tSNAPSHOT\tCOMPLETED\tCHECKSUM")
			for _, src := range sources {
				c, err := store.Chain(src)
				if err != nil {
					return err
				}
				for i, gen := range c {
					kind := "incr"
					if gen.Full {
						kind = "full"
					}
					if i > 0 && gen.SharesImage(c[i-1]) {
						kind = "noop"
					}
					fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%.8s\n",
						src, gen.Number, kind, u.FmtBytes(gen.Size),
						gen.Snapshot.ID,
						gen.Completed.Format("2006-01-02 15:04:05"),
						gen.Checksum)
				}
				if p, err := tracker.Store.Pending(src); err == nil && p != nil {
					fmt.Fprintf(tw, "%s\t%d\tpending\t\t%s\tstarted %s\t\n",
						src, p.Number, p.Snapshot.ID,
						p.Started.Format("2006-01-02 15:04:05"))
				}
			}
			return tw.Flush()
		},
	}
}
