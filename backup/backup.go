// backup/backup.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

// Package backup runs one backup cycle end to end: snapshot the
// client, diff against the previous snapshot, assemble the next image
// generation, verify and commit it to the chain, then handle parity
// sidecars, replication, and retention.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/bootbk/bootbk/chain"
	"github.com/bootbk/bootbk/extent"
	"github.com/bootbk/bootbk/image"
	"github.com/bootbk/bootbk/parity"
	"github.com/bootbk/bootbk/replica"
	"github.com/bootbk/bootbk/snapshot"
	"github.com/bootbk/bootbk/source"
	u "github.com/bootbk/bootbk/util"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// ErrSizeChanged is returned when the client device's size no longer
// matches the recorded partition layout.  Assembling an image against
// a stale layout would corrupt the boot region, so the run stops
// before writing anything.
var ErrSizeChanged = errors.New("device size does not match layout")

///////////////////////////////////////////////////////////////////////////
// State

// State tracks where in the cycle an Orchestrator currently is.
type State int

const (
	Idle State = iota
	SnapshotRequested
	Diffing
	Assembling
	Verifying
	Committed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SnapshotRequested:
		return "snapshot-requested"
	case Diffing:
		return "diffing"
	case Assembling:
		return "assembling"
	case Verifying:
		return "verifying"
	case Committed:
		return "committed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

///////////////////////////////////////////////////////////////////////////
// Orchestrator

// Config wires together everything one source needs for its cycles.
type Config struct {
	// SourceName identifies the client in chain metadata and on the
	// destination; e.g. "pi" or "host:/dev/mmcblk0".
	SourceName string
	// Subvolume is the btrfs subvolume to snapshot on the client.
	Subvolume string

	Provider snapshot.Provider
	Differ   snapshot.Differ
	// SnapshotSource maps a snapshot to a readable view of the data
	// partition as of that snapshot.
	SnapshotSource func(snapshot.Snapshot) source.Source

	Assembler *image.Assembler
	Tracker   *chain.Tracker
	Dest      *image.Dir

	// ForceFull skips diffing and assembles from the whole partition.
	ForceFull bool

	// ParityShards enables Reed-Solomon sidecars when > 0.
	ParityShards   int
	DataShards     int
	ParityHashRate int

	// Replica, when set, receives a copy of each committed image.
	Replica replica.Target

	// Notify, when set, is called on each state transition.
	Notify func(State)
}

// Orchestrator runs backup cycles for one source.  Run is not
// reentrant; concurrent runs for the same source are refused via the
// chain's pending slot.
type Orchestrator struct {
	Config

	mu    sync.Mutex
	state State
}

func NewOrchestrator(cfg Config) *Orchestrator {
	return &Orchestrator{Config: cfg}
}

// State returns the orchestrator's current position in the cycle.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	log.Debug("%s: -> %s", o.SourceName, s)
	if o.Notify != nil {
		o.Notify(s)
	}
}

// Run performs one backup cycle and returns the committed generation.
func (o *Orchestrator) Run(ctx context.Context) (chain.Generation, error) {
	g, err := o.run(ctx)
	if err != nil {
		o.setState(Failed)
		return chain.Generation{}, err
	}
	o.setState(Committed)
	return g, nil
}

func (o *Orchestrator) run(ctx context.Context) (chain.Generation, error) {
	var none chain.Generation

	o.setState(SnapshotRequested)

	last, err := o.Tracker.LastCompleted(o.SourceName)
	if err != nil {
		return none, err
	}
	if err := o.checkDeviceSize(ctx, last); err != nil {
		return none, err
	}

	next := chain.Generation{}
	if last != nil {
		next.Number = last.Number + 1
		next.Parent = last.Number
		next.HasParent = true
	}

	stale, err := o.Tracker.Begin(o.SourceName, next)
	if err != nil {
		return none, err
	}
	// Holding the pending slot makes this run the sole owner of the
	// source's scratch space; sweeping partials any earlier would
	// delete a concurrent run's in-progress file.
	if err := o.Dest.RemoveStalePartials(o.SourceName); err != nil {
		o.discard(ctx, last, nil, snapshot.Snapshot{})
		return none, err
	}
	if stale != nil {
		o.cleanupStale(ctx, last, stale)
	}

	snap, err := o.Provider.CreateSnapshot(ctx, o.Subvolume)
	if err != nil {
		o.discard(ctx, last, nil, snapshot.Snapshot{})
		return none, err
	}
	next.Snapshot = snap

	// Record the snapshot in the pending slot right away, so that a
	// crash from here on leaves enough behind for stale cleanup to
	// delete the orphaned snapshot.
	if err := o.Tracker.UpdatePending(o.SourceName, next); err != nil {
		o.discard(ctx, last, nil, snap)
		return none, err
	}

	o.setState(Diffing)

	full := o.ForceFull || last == nil
	var ext extent.Set
	if !full {
		ext, err = o.Differ.Diff(ctx, last.Snapshot, snap)
		if errors.Is(err, snapshot.ErrDiffUnavailable) {
			log.Warning("%s: diff unavailable (%v); falling back to a full copy",
				o.SourceName, err)
			full = true
		} else if err != nil {
			o.discard(ctx, last, nil, snap)
			return none, err
		}
	}

	if !full && ext.Empty() {
		// Nothing changed: record a generation that shares its
		// parent's image file instead of writing a duplicate.
		log.Verbose("%s: no changes since gen %d", o.SourceName, last.Number)
		next.ImagePath = last.ImagePath
		next.Checksum = last.Checksum
		next.Size = last.Size
		return o.commit(ctx, last, next)
	}

	o.setState(Assembling)

	snapSrc := o.SnapshotSource(snap)
	var img image.ImageFile
	if full {
		next.Full = true
		img, err = o.Assembler.AssembleFull(ctx, o.SourceName, next.Number, snapSrc)
	} else {
		base := image.ImageFile{
			Path:     last.ImagePath,
			Size:     last.Size,
			Checksum: last.Checksum,
		}
		img, err = o.Assembler.AssembleIncremental(ctx, o.SourceName, next.Number,
			base, ext, snapSrc)
	}
	if err != nil {
		o.discard(ctx, last, nil, snap)
		return none, err
	}

	// Move the assembled image from its scratch name to its final one
	// before committing, so committed metadata only ever references
	// final paths.
	finalPath, err := o.Dest.ImagePath(o.SourceName, next.Number)
	if err != nil {
		o.discard(ctx, last, &img, snap)
		return none, err
	}
	if err := os.Rename(img.Path, finalPath); err != nil {
		o.discard(ctx, last, &img, snap)
		return none, err
	}
	next.ImagePath = finalPath
	next.Checksum = img.Checksum
	next.Size = img.Size

	return o.commit(ctx, last, next)
}

func (o *Orchestrator) commit(ctx context.Context, last *chain.Generation,
	next chain.Generation) (chain.Generation, error) {
	o.setState(Verifying)

	if err := o.Tracker.UpdatePending(o.SourceName, next); err != nil {
		return chain.Generation{}, err
	}
	done, err := o.Tracker.Commit(o.SourceName)
	if err != nil {
		// On a checksum mismatch the pending slot and the image file
		// are deliberately left in place for inspection.
		return chain.Generation{}, err
	}

	// The committed snapshot is the next cycle's diff base; its
	// predecessor is no longer needed.
	if last != nil && last.Snapshot.ID != "" && last.Snapshot.ID != done.Snapshot.ID {
		if err := o.Provider.DeleteSnapshot(ctx, last.Snapshot); err != nil {
			log.Warning("%s: deleting old snapshot: %v", last.Snapshot.ID, err)
		}
	}

	isNoOp := last != nil && done.SharesImage(*last)
	if !isNoOp {
		o.writeParity(done)
		o.replicate(ctx, done)
	}
	return done, nil
}

// cleanupStale removes the artifacts of a reclaimed pending
// generation: its image file, unless it is shared with a committed
// generation, and its snapshot, unless it is the current diff base.
func (o *Orchestrator) cleanupStale(ctx context.Context, last, stale *chain.Generation) {
	log.Warning("%s: cleaning up stale gen %d", o.SourceName, stale.Number)
	if stale.ImagePath != "" && (last == nil || !stale.SharesImage(*last)) {
		if err := os.Remove(stale.ImagePath); err != nil && !os.IsNotExist(err) {
			log.Warning("%s: %v", stale.ImagePath, err)
		}
	}
	if stale.Snapshot.ID != "" && (last == nil || stale.Snapshot.ID != last.Snapshot.ID) {
		if err := o.Provider.DeleteSnapshot(ctx, stale.Snapshot); err != nil {
			log.Warning("%s: deleting stale snapshot: %v", stale.Snapshot.ID, err)
		}
	}
}

// discard abandons the in-flight generation after a failure, deleting
// whatever the cycle created so far.
func (o *Orchestrator) discard(ctx context.Context, last *chain.Generation,
	img *image.ImageFile, snap snapshot.Snapshot) {
	if _, err := o.Tracker.DiscardPending(o.SourceName); err != nil {
		log.Warning("%s: discarding pending gen: %v", o.SourceName, err)
	}
	if img != nil && img.Path != "" {
		if err := os.Remove(img.Path); err != nil && !os.IsNotExist(err) {
			log.Warning("%s: %v", img.Path, err)
		}
	}
	if snap.ID != "" && (last == nil || snap.ID != last.Snapshot.ID) {
		if err := o.Provider.DeleteSnapshot(ctx, snap); err != nil {
			log.Warning("%s: deleting snapshot: %v", snap.ID, err)
		}
	}
}

// checkDeviceSize guards against the client device having been resized:
// the live device must match both the layout and the previous
// generation's image, or incremental assembly would splice extents into
// an image of the wrong geometry.  Every image spans the whole disk, so
// the last generation's size records the disk size as of that run.
func (o *Orchestrator) checkDeviceSize(ctx context.Context, last *chain.Generation) error {
	size, err := o.Assembler.Device.Size(ctx)
	if err != nil {
		return err
	}
	if size != o.Assembler.Layout.DiskSize {
		return fmt.Errorf("%w: device is %s, layout says %s", ErrSizeChanged,
			u.FmtBytes(size), u.FmtBytes(o.Assembler.Layout.DiskSize))
	}
	if last != nil && last.Size != size {
		return fmt.Errorf("%w: device is %s, gen %d image is %s", ErrSizeChanged,
			u.FmtBytes(size), last.Number, u.FmtBytes(last.Size))
	}
	return nil
}

// writeParity writes the Reed-Solomon sidecar for a committed image.
// Best-effort: the generation is already committed, so a sidecar
// failure is logged, not propagated.
func (o *Orchestrator) writeParity(g chain.Generation) {
	if o.ParityShards <= 0 {
		return
	}
	dataShards := o.DataShards
	if dataShards <= 0 {
		dataShards = parity.DefaultDataShards
	}
	hashRate := o.ParityHashRate
	if hashRate <= 0 {
		hashRate = parity.DefaultHashRate
	}
	err := parity.EncodeFile(g.ImagePath, image.ParityPath(g.ImagePath),
		dataShards, o.ParityShards, hashRate)
	if err != nil {
		log.Warning("%s: writing parity sidecar: %v", g.ImagePath, err)
		return
	}
	log.Verbose("%s: wrote parity sidecar", g.ImagePath)
}

// replicate mirrors a committed image and its sidecar, if present, to
// the replica target.  Best-effort, like writeParity.
func (o *Orchestrator) replicate(ctx context.Context, g chain.Generation) {
	if o.Replica == nil {
		return
	}
	o.putReplica(ctx, g.ImagePath)
	if _, err := os.Stat(image.ParityPath(g.ImagePath)); err == nil {
		o.putReplica(ctx, image.ParityPath(g.ImagePath))
	}
}

func (o *Orchestrator) putReplica(ctx context.Context, path string) {
	fi, err := os.Stat(path)
	if err != nil {
		log.Warning("%s: %v", path, err)
		return
	}
	name := ReplicaObjectName(o.SourceName, path)
	open := func() (io.ReadCloser, error) { return os.Open(path) }
	if err := o.Replica.Put(ctx, name, open, fi.Size()); err != nil {
		log.Warning("%s: replicating to %s: %v", path, o.Replica, err)
		return
	}
	log.Verbose("%s: replicated to %s", path, o.Replica)
}

// ReplicaObjectName maps an image file to its object name on the
// replica target.
func ReplicaObjectName(source, path string) string {
	return source + "/" + filepath.Base(path)
}
