// chain/tracker.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

package chain

import (
	"fmt"
	"time"

	"github.com/bootbk/bootbk/image"
)

// Tracker enforces the chain invariants on top of a Store: at most one
// pending generation per source, strictly increasing numbers, parent
// links that follow chain order, and checksum verification before a
// generation is committed.
type Tracker struct {
	Store Store

	// Grace is how long a pending generation is considered live.  A
	// pending slot older than this is presumed to be the residue of a
	// crashed run and is reclaimed by Begin.  Zero means pending slots
	// never expire and must be discarded explicitly.
	Grace time.Duration

	// Overridable for testing.
	Now      func() time.Time
	HashFile func(path string) (image.Hash, error)
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *Tracker) hashFile(path string) (image.Hash, error) {
	if t.HashFile != nil {
		return t.HashFile(path)
	}
	return image.HashFile(path)
}

// LastCompleted returns the most recent committed generation for a
// source, or nil for a source with no history.
func (t *Tracker) LastCompleted(source string) (*Generation, error) {
	c, err := t.Store.Chain(source)
	if err != nil {
		return nil, err
	}
	return c.Last(), nil
}

// Begin claims the pending slot for a new generation.  If another
// generation is pending and still within the grace period, Begin fails
// with ErrChainBusy.  A pending generation older than the grace period
// is reclaimed; it is returned as stale so the caller can clean up its
// partial image file.
func (t *Tracker) Begin(source string, g Generation) (stale *Generation, err error) {
	p, err := t.Store.Pending(source)
	if err != nil {
		return nil, err
	}
	if p != nil {
		age := t.now().Sub(p.Started)
		if t.Grace <= 0 || age <= t.Grace {
			return nil, fmt.Errorf("%w: gen %d started %s ago", ErrChainBusy,
				p.Number, age.Round(time.Second))
		}
		log.Warning("%s: reclaiming stale pending gen %d (%s old)",
			source, p.Number, age.Round(time.Second))
		stale = p
	}

	c, err := t.Store.Chain(source)
	if err != nil {
		return nil, err
	}
	if last := c.Last(); last != nil {
		if g.Number <= last.Number {
			return nil, fmt.Errorf("gen %d: number must exceed last committed gen %d",
				g.Number, last.Number)
		}
		if !g.HasParent || g.Parent != last.Number {
			return nil, fmt.Errorf("gen %d: parent must be last committed gen %d",
				g.Number, last.Number)
		}
	} else if g.HasParent {
		return nil, fmt.Errorf("gen %d: parent link on an empty chain", g.Number)
	}

	if g.Started.IsZero() {
		g.Started = t.now()
	}
	if err := t.Store.SetPending(source, g); err != nil {
		return nil, err
	}
	return stale, nil
}

// UpdatePending replaces the pending generation's metadata, typically
// after assembly has filled in the image path and checksum.  The
// generation number may not change.
func (t *Tracker) UpdatePending(source string, g Generation) error {
	p, err := t.Store.Pending(source)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrNoPending
	}
	if p.Number != g.Number {
		return fmt.Errorf("pending gen is %d, not %d", p.Number, g.Number)
	}
	g.Started = p.Started
	return t.Store.SetPending(source, g)
}

// Commit verifies the pending generation's image by re-reading it from
// disk and, if the checksum matches, atomically appends the generation
// to the chain and clears the pending slot.  On mismatch the pending
// slot is left in place and ErrChecksumMismatch is returned.
func (t *Tracker) Commit(source string) (Generation, error) {
	p, err := t.Store.Pending(source)
	if err != nil {
		return Generation{}, err
	}
	if p == nil {
		return Generation{}, ErrNoPending
	}

	h, err := t.hashFile(p.ImagePath)
	if err != nil {
		return Generation{}, fmt.Errorf("%s: %w", p.ImagePath, err)
	}
	if h != p.Checksum {
		return Generation{}, fmt.Errorf("%w: gen %d: recorded %s, file has %s",
			ErrChecksumMismatch, p.Number, p.Checksum, h)
	}

	p.Completed = t.now()
	if err := t.Store.Complete(source, *p); err != nil {
		return Generation{}, err
	}
	log.Verbose("%s: committed gen %d (%s)", source, p.Number, p.Snapshot.ID)
	return *p, nil
}

// DiscardPending clears the pending slot and returns the discarded
// generation, or nil if the slot was already empty.
func (t *Tracker) DiscardPending(source string) (*Generation, error) {
	p, err := t.Store.Pending(source)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	if err := t.Store.ClearPending(source); err != nil {
		return nil, err
	}
	return p, nil
}

// Prune removes leading generations for which keep returns false.  Only
// a prefix of the chain is ever removed so that every retained
// generation's parent is either retained or was the chain head; the new
// head is promoted to root.  The most recent generation is always kept.
// Prune returns the removed generations and the image files that are no
// longer referenced by the chain, which the caller should delete.
func (t *Tracker) Prune(source string, keep func(Generation) bool) (
	removed []Generation, deletable []string, err error) {
	c, err := t.Store.Chain(source)
	if err != nil {
		return nil, nil, err
	}

	n := 0
	for n < len(c)-1 && !keep(c[n]) {
		n++
	}
	if n == 0 {
		return nil, nil, nil
	}

	removed = append(Chain(nil), c[:n]...)
	kept := append(Chain(nil), c[n:]...)
	kept[0].HasParent = false
	kept[0].Parent = 0

	if err := t.Store.ReplaceChain(source, kept); err != nil {
		return nil, nil, err
	}

	// A no-op generation shares its parent's image file, so a removed
	// generation's file is deletable only once nothing retained (or
	// removed later in the prefix) still references it.
	seen := make(map[string]bool)
	for _, g := range removed {
		if g.ImagePath == "" || seen[g.ImagePath] {
			continue
		}
		seen[g.ImagePath] = true
		if !kept.References(g.ImagePath) {
			deletable = append(deletable, g.ImagePath)
		}
	}

	log.Verbose("%s: pruned %d generation(s), %d file(s) unreferenced",
		source, len(removed), len(deletable))
	return removed, deletable, nil
}
