// cmd/bootbk/restore.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bootbk/bootbk/chain"
	"github.com/bootbk/bootbk/image"
	u "github.com/bootbk/bootbk/util"
)

func newRestoreCmd(g *globalOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "restore <source> [gen]",
		Short: "Write a generation's image to a file or device",
		Long: `Write a generation's bootable image to a file or block device.
With no generation number, the most recent one is restored.  The image
is verified against the chain checksum as it is read.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, tracker, err := g.openEnv()
			if err != nil {
				return err
			}
			defer store.Close()

			gen, err := pickGeneration(tracker, args)
			if err != nil {
				return err
			}
			return restoreImage(gen, output)
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "file or device to write to")
	cmd.MarkFlagRequired("output")
	return cmd
}

func pickGeneration(tracker *chain.Tracker, args []string) (chain.Generation, error) {
	src := args[0]
	c, err := tracker.Store.Chain(src)
	if err != nil {
		return chain.Generation{}, err
	}
	if len(c) == 0 {
		return chain.Generation{}, fmt.Errorf("%s: no committed generations", src)
	}
	if len(args) == 1 {
		return *c.Last(), nil
	}
	n, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return chain.Generation{}, fmt.Errorf("%s: bad generation number", args[1])
	}
	gen := c.Find(n)
	if gen == nil {
		return chain.Generation{}, fmt.Errorf("%s: no generation %d", src, n)
	}
	return *gen, nil
}

func restoreImage(gen chain.Generation, output string) error {
	in, err := os.Open(gen.ImagePath)
	if err != nil {
		return err
	}
	defer in.Close()

	// O_TRUNC is wrong for block devices, and unnecessary: the image is
	// a fixed-size disk worth of bytes.
	flags := os.O_CREATE | os.O_WRONLY
	if fi, err := os.Stat(output); err == nil && fi.Mode()&os.ModeDevice != 0 {
		flags = os.O_WRONLY
	}
	out, err := os.OpenFile(output, flags, 0600)
	if err != nil {
		return err
	}

	rr := &u.ReportingReader{R: in, Msg: "restored"}
	h := image.NewHasher()
	n, err := io.Copy(out, io.TeeReader(rr, h))
	if err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if got := h.Sum(); got != gen.Checksum {
		return fmt.Errorf("%s: checksum mismatch after restore (chain has %s, wrote %s)",
			output, gen.Checksum, got)
	}
	log.Print("%s: restored gen %d (%s)", output, gen.Number, u.FmtBytes(n))
	return nil
}
