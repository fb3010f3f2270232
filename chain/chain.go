// chain/chain.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

// Package chain records the lineage of image generations for each backup
// source: which generation each image was derived from, the snapshot it
// captured, and its verified checksum.  Chains are linear; each source
// has at most one pending (in-flight) generation at a time.
package chain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bootbk/bootbk/image"
	"github.com/bootbk/bootbk/snapshot"
	u "github.com/bootbk/bootbk/util"
)

var (
	// ErrChainBusy is returned when a new generation is requested while
	// another is still pending and within its grace period.
	ErrChainBusy = errors.New("chain busy: another generation is pending")

	// ErrChecksumMismatch is returned by Commit when re-reading the image
	// file yields a different checksum than the one recorded at assembly
	// time.  The pending slot is left in place so the failure can be
	// inspected.
	ErrChecksumMismatch = errors.New("image checksum mismatch")

	// ErrNoPending is returned when an operation needs a pending
	// generation and there is none.
	ErrNoPending = errors.New("no pending generation")
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Generation

// Generation describes one image in a source's chain.  Every generation's
// image file is a complete bootable image regardless of whether it was
// assembled from scratch or incrementally from its parent, so any prefix
// of a chain can be discarded without invalidating later generations.
type Generation struct {
	Number uint64
	// Parent is the generation this image was derived from; meaningful
	// only when HasParent is set.  The root of a chain has no parent.
	Parent    uint64
	HasParent bool
	// Full records that the image was assembled by reading the entire
	// data partition rather than applying a diff.
	Full     bool
	Snapshot snapshot.Snapshot
	// ImagePath and Checksum describe the committed image file.  A no-op
	// generation (empty diff) shares both with its parent rather than
	// duplicating the file.
	ImagePath string
	Checksum  image.Hash
	Size      int64
	Started   time.Time
	Completed time.Time
}

func (g Generation) String() string {
	return fmt.Sprintf("gen %d (%s)", g.Number, g.Snapshot.ID)
}

// SharesImage reports whether two generations reference the same image
// file, as a no-op generation and its parent do.
func (g Generation) SharesImage(o Generation) bool {
	return g.ImagePath == o.ImagePath
}

///////////////////////////////////////////////////////////////////////////
// Chain

// A Chain is the ordered history of committed generations for one
// source, oldest first.
type Chain []Generation

// Last returns the most recent committed generation, or nil for an
// empty chain.
func (c Chain) Last() *Generation {
	if len(c) == 0 {
		return nil
	}
	return &c[len(c)-1]
}

// Find returns the generation with the given number, or nil.
func (c Chain) Find(number uint64) *Generation {
	for i := range c {
		if c[i].Number == number {
			return &c[i]
		}
	}
	return nil
}

// References reports whether any generation in the chain uses the given
// image file.
func (c Chain) References(path string) bool {
	for i := range c {
		if c[i].ImagePath == path {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants: exactly one root at the
// head, strictly increasing generation numbers, and parent links that
// follow the chain order.
func (c Chain) Validate() error {
	for i := range c {
		g := &c[i]
		if i == 0 {
			if g.HasParent {
				return fmt.Errorf("gen %d: chain head has a parent link", g.Number)
			}
			continue
		}
		prev := &c[i-1]
		if g.Number <= prev.Number {
			return fmt.Errorf("gen %d: number not increasing after gen %d",
				g.Number, prev.Number)
		}
		if !g.HasParent {
			return fmt.Errorf("gen %d: second root in chain", g.Number)
		}
		if g.Parent != prev.Number {
			return fmt.Errorf("gen %d: parent %d is not the preceding gen %d",
				g.Number, g.Parent, prev.Number)
		}
	}
	return nil
}
