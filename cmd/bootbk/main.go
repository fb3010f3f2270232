// cmd/bootbk/main.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

// bootbk maintains chains of complete, directly bootable disk images
// for btrfs-based systems, rewriting only the blocks that changed
// between snapshots.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/bootbk/bootbk/backup"
	"github.com/bootbk/bootbk/chain"
	"github.com/bootbk/bootbk/image"
	"github.com/bootbk/bootbk/replica"
	"github.com/bootbk/bootbk/snapshot"
	"github.com/bootbk/bootbk/source"
	u "github.com/bootbk/bootbk/util"
)

var log *u.Logger

func main() {
	os.Exit(run())
}

func run() int {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "bootbk:", err)
		return 1
	}
	return 0
}

type globalOptions struct {
	dest    string
	db      string
	verbose bool
	debug   bool

	// kiB per second; zero means unlimited.
	uploadLimit   int
	downloadLimit int
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "bootbk",
		Short:         "Incremental bootable disk images from btrfs snapshots",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			log = u.NewLogger(opts.verbose, opts.debug)
			backup.SetLogger(log)
			chain.SetLogger(log)
			image.SetLogger(log)
			replica.SetLogger(log)
			snapshot.SetLogger(log)
			source.SetLogger(log)

			if opts.uploadLimit > 0 || opts.downloadLimit > 0 {
				u.InitBandwidthLimit(1024*opts.uploadLimit, 1024*opts.downloadLimit)
			}
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.dest, "dest", ".", "destination directory for image files")
	pf.StringVar(&opts.db, "db", "", "chain database path (default <dest>/chains.db)")
	pf.BoolVar(&opts.verbose, "verbose", false, "print verbose progress information")
	pf.BoolVar(&opts.debug, "debug", false, "print debugging information")
	pf.IntVar(&opts.uploadLimit, "upload-limit", 0, "limit upload bandwidth (kiB/s)")
	pf.IntVar(&opts.downloadLimit, "download-limit", 0, "limit download bandwidth (kiB/s)")

	cmd.AddCommand(newBackupCmd(opts))
	cmd.AddCommand(newListCmd(opts))
	cmd.AddCommand(newVerifyCmd(opts))
	cmd.AddCommand(newPruneCmd(opts))
	cmd.AddCommand(newRestoreCmd(opts))
	cmd.AddCommand(newMountCmd(opts))
	cmd.AddCommand(newReadmeCmd())
	return cmd
}

// openEnv opens the destination directory and the chain database.
func (g *globalOptions) openEnv() (*image.Dir, *chain.BoltStore, *chain.Tracker, error) {
	dest, err := image.NewDir(g.dest)
	if err != nil {
		return nil, nil, nil, err
	}
	db := g.db
	if db == "" {
		db = filepath.Join(g.dest, "chains.db")
	}
	store, err := chain.OpenBoltStore(db)
	if err != nil {
		return nil, nil, nil, err
	}
	tracker := &chain.Tracker{Store: store, Grace: 6 * time.Hour}
	return dest, store, tracker, nil
}
