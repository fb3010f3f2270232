// cmd/bootbk/verify.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bootbk/bootbk/image"
	"github.com/bootbk/bootbk/parity"
)

func newVerifyCmd(g *globalOptions) *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "verify [source]",
		Short: "Re-read images and check chain checksums and parity sidecars",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, err := g.openEnv()
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

			bad := 0
			for _, src := range sources {
				c, err := store.Chain(src)
				if err != nil {
					return err
				}
				checked := make(map[string]bool)
				for _, gen := range c {
					if checked[gen.ImagePath] {
						continue
					}
					checked[gen.ImagePath] = true
					if !verifyImage(src, gen.ImagePath, gen.Checksum, repair) {
						bad++
					}
				}
			}
			if bad > 0 {
				return fmt.Errorf("%d corrupt image(s)", bad)
			}
			log.Print("all images verified")
			return nil
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false,
		"reconstruct corrupt images from their parity sidecars")
	return cmd
}

func verifyImage(src, path string, want image.Hash, repair bool) bool {
	ok := checkImage(src, path, want)
	if ok || !repair {
		return ok
	}

	rsPath := image.ParityPath(path)
	if _, err := os.Stat(rsPath); err != nil {
		log.Error("%s: cannot repair, no parity sidecar", path)
		return false
	}
	log.Print("%s: attempting repair from parity sidecar", path)
	if err := parity.RestoreFile(path, rsPath, log); err != nil {
		log.Error("%s: repair failed: %v", path, err)
		return false
	}
	return checkImage(src, path, want)
}

func checkImage(src, path string, want image.Hash) bool {
	got, err := image.HashFile(path)
	if err != nil {
		log.Error("%s: %v", path, err)
		return false
	}
	if got != want {
		log.Error("%s: checksum mismatch (chain has %s, file has %s)",
			path, want, got)
		return false
	}

	rsPath := image.ParityPath(path)
	if _, err := os.Stat(rsPath); err == nil {
		err := parity.CheckFile(path, rsPath, log)
		if errors.Is(err, parity.ErrFileCorrupt) {
			// The image hash was fine, so the rot is in the sidecar
			// itself.
			log.Error("%s: parity sidecar corrupt", path)
			return false
		} else if err != nil {
			log.Error("%s: %v", rsPath, err)
			return false
		}
	}

	log.Verbose("%s: ok", path)
	return true
}
