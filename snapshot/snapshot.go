// snapshot/snapshot.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

// Package snapshot defines the point-in-time views that backups are taken
// from, the provider that creates and deletes them, and the differs that
// compute which byte ranges changed between two of them.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bootbk/bootbk/extent"
	u "github.com/bootbk/bootbk/util"
)

var (
	ErrInvalidSnapshotOrder = errors.New("snapshots out of order or from different subvolumes")
	ErrDiffUnavailable      = errors.New("snapshot diff unavailable")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Snapshot

// Snapshot identifies an immutable, read-only point-in-time view of one
// subvolume.  Snapshots are created by a Provider and referenced, never
// mutated, by the rest of the system; they are destroyed only by explicit
// retention pruning once no chain entry depends on them.
type Snapshot struct {
	// Subvolume is the identifier of the snapshot-capable filesystem
	// tree this is a view of.
	Subvolume string
	// ID names the snapshot within the provider (e.g. the snapshot
	// subvolume's path).
	ID string
	// Generation increases monotonically per subvolume with each new
	// snapshot.
	Generation uint64
	Created    time.Time
}

func (s Snapshot) String() string {
	return fmt.Sprintf("%s@%d (%s)", s.Subvolume, s.Generation, s.ID)
}

// checkOrder verifies that older and newer are comparable: same
// subvolume, with newer strictly newer.
func checkOrder(older, newer Snapshot) error {
	if older.Subvolume != newer.Subvolume {
		return fmt.Errorf("%w: %q vs %q", ErrInvalidSnapshotOrder,
			older.Subvolume, newer.Subvolume)
	}
	if newer.Generation <= older.Generation {
		return fmt.Errorf("%w: generation %d <= %d", ErrInvalidSnapshotOrder,
			newer.Generation, older.Generation)
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Provider

// Provider creates and deletes read-only snapshots.  Both operations are
// synchronous and safe to retry from the caller's perspective.
type Provider interface {
	CreateSnapshot(ctx context.Context, subvolume string) (Snapshot, error)
	DeleteSnapshot(ctx context.Context, s Snapshot) error
}

// ProviderError reports a failed provider operation along with its
// underlying cause.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("snapshot provider: %s: %s", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

///////////////////////////////////////////////////////////////////////////
// Differ

// Differ computes the set of byte ranges that changed between two ordered
// snapshots of the same subvolume.  On success the returned set is
// coalesced and non-overlapping; two byte-identical snapshots yield an
// empty set, which is not an error.  If the underlying diff capability is
// gone (e.g. the older snapshot's metadata was pruned), implementations
// fail with an error wrapping ErrDiffUnavailable so that callers can fall
// back to a full copy.
type Differ interface {
	Diff(ctx context.Context, older, newer Snapshot) (extent.Set, error)
}
