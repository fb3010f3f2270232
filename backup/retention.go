// backup/retention.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

package backup

import (
	"context"
	"os"
	"time"

	"github.com/bootbk/bootbk/chain"
	"github.com/bootbk/bootbk/image"
)

// RetentionPolicy decides which old generations to keep.  Zero values
// mean "no limit"; the most recent generation is always retained
// regardless of policy.
type RetentionPolicy struct {
	// MaxCount keeps at most this many generations.
	MaxCount int
	// MaxAge drops generations completed longer ago than this.
	MaxAge time.Duration
}

// Keep returns a predicate over the given chain suitable for
// Tracker.Prune.
func (p RetentionPolicy) Keep(c chain.Chain, now time.Time) func(chain.Generation) bool {
	index := make(map[uint64]int, len(c))
	for i, g := range c {
		index[g.Number] = i
	}
	return func(g chain.Generation) bool {
		if p.MaxCount > 0 && index[g.Number] < len(c)-p.MaxCount {
			return false
		}
		if p.MaxAge > 0 && now.Sub(g.Completed) > p.MaxAge {
			return false
		}
		return true
	}
}

// Prune applies the retention policy: prunes the chain, deletes image
// files that are no longer referenced along with their parity
// sidecars, deletes the pruned generations' snapshots, and removes the
// corresponding replica objects.  It returns the pruned generations.
func (o *Orchestrator) Prune(ctx context.Context, policy RetentionPolicy) ([]chain.Generation, error) {
	c, err := o.Tracker.Store.Chain(o.SourceName)
	if err != nil {
		return nil, err
	}

	removed, deletable, err := o.Tracker.Prune(o.SourceName, policy.Keep(c, time.Now()))
	if err != nil {
		return nil, err
	}

	kept, err := o.Tracker.Store.Chain(o.SourceName)
	if err != nil {
		return nil, err
	}

	for _, path := range deletable {
		for _, p := range []string{path, image.ParityPath(path)} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				log.Warning("%s: %v", p, err)
			}
		}
		if o.Replica != nil {
			for _, p := range []string{path, image.ParityPath(path)} {
				name := ReplicaObjectName(o.SourceName, p)
				if err := o.Replica.Delete(ctx, name); err != nil {
					log.Warning("%s: deleting replica object: %v", name, err)
				}
			}
		}
	}

	// Pruned generations' snapshots are normally long gone (each
	// commit deletes its predecessor's snapshot), but clean up any
	// that are still around, except the current diff base.  Without a
	// provider (pruning from the destination side) skip this.
	if o.Provider == nil {
		return removed, nil
	}
	base := ""
	if last := kept.Last(); last != nil {
		base = last.Snapshot.ID
	}
	for _, g := range removed {
		if g.Snapshot.ID == "" || g.Snapshot.ID == base {
			continue
		}
		if err := o.Provider.DeleteSnapshot(ctx, g.Snapshot); err != nil {
			log.Warning("%s: deleting pruned snapshot: %v", g.Snapshot.ID, err)
		}
	}

	return removed, nil
}
