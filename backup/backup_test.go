// backup/backup_test.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bootbk/bootbk/chain"
	"github.com/bootbk/bootbk/disk"
	"github.com/bootbk/bootbk/extent"
	"github.com/bootbk/bootbk/image"
	"github.com/bootbk/bootbk/parity"
	"github.com/bootbk/bootbk/replica"
	"github.com/bootbk/bootbk/snapshot"
	"github.com/bootbk/bootbk/source"
	u "github.com/bootbk/bootbk/util"
)

func init() {
	l := u.NewTestLogger(io.Discard)
	SetLogger(l)
	chain.SetLogger(l)
	image.SetLogger(l)
	snapshot.SetLogger(l)
	source.SetLogger(l)
	replica.SetLogger(l)
}

const (
	bootLen = 4096
	dataLen = 64 * 1024
)

type bytesSource struct {
	name string
	b    []byte
}

func (s bytesSource) String() string { return s.name }

func (s bytesSource) Size(context.Context) (int64, error) {
	return int64(len(s.b)), nil
}

func (s bytesSource) ReadRange(_ context.Context, offset, length int64) (io.ReadCloser, error) {
	if offset < 0 || offset+length > int64(len(s.b)) {
		return nil, fmt.Errorf("%w: range [%d,+%d) out of bounds",
			source.ErrSourceRead, offset, length)
	}
	return io.NopCloser(bytes.NewReader(s.b[offset : offset+length])), nil
}

type fakeProvider struct {
	n       int
	deleted []string
}

func (p *fakeProvider) CreateSnapshot(_ context.Context, subvolume string) (snapshot.Snapshot, error) {
	p.n++
	return snapshot.Snapshot{
		Subvolume:  subvolume,
		ID:         fmt.Sprintf("%s.%03d", subvolume, p.n),
		Generation: uint64(p.n),
	}, nil
}

func (p *fakeProvider) DeleteSnapshot(_ context.Context, s snapshot.Snapshot) error {
	p.deleted = append(p.deleted, s.ID)
	return nil
}

func (p *fakeProvider) wasDeleted(id string) bool {
	for _, d := range p.deleted {
		if d == id {
			return true
		}
	}
	return false
}

type fakeDiffer struct {
	ext extent.Set
	err error
}

func (d *fakeDiffer) Diff(context.Context, snapshot.Snapshot, snapshot.Snapshot) (extent.Set, error) {
	return d.ext, d.err
}

type env struct {
	t        *testing.T
	orch     *Orchestrator
	provider *fakeProvider
	differ   *fakeDiffer
	store    *chain.MemStore
	dest     *image.Dir
	mirror   *replica.MemTarget
	device   []byte
	snapData map[string][]byte
	states   []State
}

func newEnv(t *testing.T) *env {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	device := make([]byte, bootLen+dataLen)
	rng.Read(device)

	dest, err := image.NewDir(filepath.Join(t.TempDir(), "dest"))
	if err != nil {
		t.Fatal(err)
	}

	e := &env{
		t:        t,
		provider: &fakeProvider{},
		differ:   &fakeDiffer{},
		store:    chain.NewMemStore(),
		dest:     dest,
		mirror:   replica.NewMemTarget(),
		device:   device,
		snapData: make(map[string][]byte),
	}

	layout := disk.Layout{DiskSize: int64(len(device)), DataOffset: bootLen}
	e.orch = NewOrchestrator(Config{
		SourceName: "pi",
		Subvolume:  "@",
		Provider:   e.provider,
		Differ:     e.differ,
		SnapshotSource: func(s snapshot.Snapshot) source.Source {
			return bytesSource{s.ID, e.snapData[s.ID]}
		},
		Assembler: &image.Assembler{
			Dest:            dest,
			Device:          bytesSource{"device", device},
			Layout:          layout,
			CopyConcurrency: 2,
		},
		Tracker: &chain.Tracker{Store: e.store, Grace: time.Hour},
		Dest:    dest,
		Replica: e.mirror,
		Notify:  func(s State) { e.states = append(e.states, s) },
	})
	return e
}

// nextSnapID predicts the ID the fake provider will hand out next.
func (e *env) nextSnapID() string {
	return fmt.Sprintf("@.%03d", e.provider.n+1)
}

// run performs one cycle with the given data-partition contents.
func (e *env) run(data []byte) (chain.Generation, error) {
	e.t.Helper()
	e.snapData[e.nextSnapID()] = data
	return e.orch.Run(context.Background())
}

func (e *env) expectImage(path string, data []byte) {
	e.t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		e.t.Fatal(err)
	}
	want := append(append([]byte(nil), e.device[:bootLen]...), data...)
	if !bytes.Equal(got, want) {
		e.t.Errorf("%s: contents don't match expectation", path)
	}
}

func TestFirstRunIsFull(t *testing.T) {
	e := newEnv(t)
	data := e.device[bootLen:]

	g, err := e.run(data)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if g.Number != 0 || !g.Full || g.HasParent {
		t.Errorf("first gen = %+v, want full root gen 0", g)
	}
	e.expectImage(g.ImagePath, data)

	if e.orch.State() != Committed {
		t.Errorf("state = %v, want committed", e.orch.State())
	}
	want := []State{SnapshotRequested, Diffing, Assembling, Verifying, Committed}
	if len(e.states) != len(want) {
		t.Fatalf("states = %v, want %v", e.states, want)
	}
	for i := range want {
		if e.states[i] != want[i] {
			t.Fatalf("states = %v, want %v", e.states, want)
		}
	}

	// The committed image was mirrored.
	names, _ := e.mirror.List(context.Background(), "pi/")
	if len(names) != 1 || names[0] != "pi/gen-000000.img" {
		t.Errorf("replica objects = %v", names)
	}
}

func TestIncrementalRun(t *testing.T) {
	e := newEnv(t)
	data := append([]byte(nil), e.device[bootLen:]...)

	if _, err := e.run(data); err != nil {
		t.Fatal(err)
	}

	// Change 512 bytes in the middle of the data partition.
	data2 := append([]byte(nil), data...)
	for i := 32768; i < 32768+512; i++ {
		data2[i] ^= 0x5a
	}
	e.differ.ext = extent.NewSet(extent.Extent{Offset: 32768, Length: 512})

	g, err := e.run(data2)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if g.Number != 1 || g.Full || !g.HasParent || g.Parent != 0 {
		t.Errorf("second gen = %+v, want incremental gen 1", g)
	}
	e.expectImage(g.ImagePath, data2)

	// The previous diff-base snapshot is gone; the new one is kept.
	if !e.provider.wasDeleted("@.001") {
		t.Errorf("old base snapshot was not deleted")
	}
	if e.provider.wasDeleted("@.002") {
		t.Errorf("current base snapshot was deleted")
	}
}

func TestEmptyDiffIsNoOp(t *testing.T) {
	e := newEnv(t)
	data := e.device[bootLen:]

	if _, err := e.run(data); err != nil {
		t.Fatal(err)
	}
	e.differ.ext = extent.Set{}

	g, err := e.run(data)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	c, _ := e.store.Chain("pi")
	if len(c) != 2 {
		t.Fatalf("chain length = %d", len(c))
	}
	if !g.SharesImage(c[0]) || g.Checksum != c[0].Checksum {
		t.Errorf("no-op gen doesn't share its parent's image")
	}
	if g.Full {
		t.Errorf("no-op gen marked full")
	}

	// No second image file was written.
	nums, _ := e.dest.ListImages("pi")
	if len(nums) != 1 {
		t.Errorf("images on disk = %v, want just gen 0", nums)
	}
}

func TestDiffUnavailableFallsBackToFull(t *testing.T) {
	e := newEnv(t)
	data := append([]byte(nil), e.device[bootLen:]...)

	if _, err := e.run(data); err != nil {
		t.Fatal(err)
	}

	data2 := append([]byte(nil), data...)
	data2[0] ^= 0xff
	e.differ.err = fmt.Errorf("%w: parent not found", snapshot.ErrDiffUnavailable)

	g, err := e.run(data2)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !g.Full {
		t.Errorf("fallback gen not marked full")
	}
	e.expectImage(g.ImagePath, data2)
}

func TestChainBusy(t *testing.T) {
	e := newEnv(t)
	if err := e.store.SetPending("pi", chain.Generation{
		Number: 0, Started: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	_, err := e.run(e.device[bootLen:])
	if !errors.Is(err, chain.ErrChainBusy) {
		t.Fatalf("err = %v, want ErrChainBusy", err)
	}
	if e.orch.State() != Failed {
		t.Errorf("state = %v, want failed", e.orch.State())
	}
}

func TestChainBusyLeavesPartialAlone(t *testing.T) {
	e := newEnv(t)
	if err := e.store.SetPending("pi", chain.Generation{
		Number: 0, Started: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	// The partial file the live holder of the pending slot is writing.
	pp, err := e.dest.PartialPath("pi", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(pp, []byte("in progress"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err = e.run(e.device[bootLen:])
	if !errors.Is(err, chain.ErrChainBusy) {
		t.Fatalf("err = %v, want ErrChainBusy", err)
	}
	if _, err := os.Stat(pp); err != nil {
		t.Errorf("refused run removed the active run's partial: %v", err)
	}
}

func TestPendingRecordsSnapshot(t *testing.T) {
	// The snapshot ID must land in the pending record as soon as the
	// snapshot exists; otherwise a crash mid-assembly leaves a stale
	// pending that no cleanup can map back to its snapshot.
	e := newEnv(t)
	var pendingID string
	e.orch.Notify = func(s State) {
		if s == Diffing {
			if p, _ := e.store.Pending("pi"); p != nil {
				pendingID = p.Snapshot.ID
			}
		}
	}

	if _, err := e.run(e.device[bootLen:]); err != nil {
		t.Fatal(err)
	}
	if pendingID != "@.001" {
		t.Errorf("pending snapshot id = %q, want @.001", pendingID)
	}
}

func TestStaleReclaimDeletesSnapshot(t *testing.T) {
	e := newEnv(t)
	if err := e.store.SetPending("pi", chain.Generation{
		Number:   0,
		Snapshot: snapshot.Snapshot{Subvolume: "@", ID: "@.000"},
		Started:  time.Now().Add(-2 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := e.run(e.device[bootLen:]); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !e.provider.wasDeleted("@.000") {
		t.Errorf("reclaimed run's snapshot was not deleted")
	}
}

func TestAssemblyFailureCleansUp(t *testing.T) {
	e := newEnv(t)

	// Snapshot data shorter than the partition makes the full copy fail.
	_, err := e.run([]byte("not enough bytes"))
	if !errors.Is(err, source.ErrSourceRead) {
		t.Fatalf("err = %v, want ErrSourceRead", err)
	}
	if e.orch.State() != Failed {
		t.Errorf("state = %v, want failed", e.orch.State())
	}

	// The pending slot was released and the snapshot deleted.
	if p, _ := e.store.Pending("pi"); p != nil {
		t.Errorf("pending slot still occupied: %+v", p)
	}
	if !e.provider.wasDeleted("@.001") {
		t.Errorf("snapshot of failed run was not deleted")
	}

	// No image files on disk, and the next run succeeds.
	if nums, _ := e.dest.ListImages("pi"); len(nums) != 0 {
		t.Errorf("images on disk after failure = %v", nums)
	}
	if _, err := e.run(e.device[bootLen:]); err != nil {
		t.Fatalf("run after failure: %v", err)
	}
}

func TestDeviceSizeGuard(t *testing.T) {
	e := newEnv(t)
	e.orch.Assembler.Layout.DiskSize += 512

	_, err := e.run(e.device[bootLen:])
	if !errors.Is(err, ErrSizeChanged) {
		t.Fatalf("err = %v, want ErrSizeChanged", err)
	}
	if nums, _ := e.dest.ListImages("pi"); len(nums) != 0 {
		t.Errorf("images written despite size mismatch: %v", nums)
	}
}

func TestDeviceSizeGuardAfterResize(t *testing.T) {
	// The layout is probed from the live device, so after a resize it
	// matches the device again; the previous generation's image is what
	// betrays the change.
	e := newEnv(t)
	if _, err := e.run(e.device[bootLen:]); err != nil {
		t.Fatal(err)
	}

	grown := make([]byte, len(e.device)+4096)
	copy(grown, e.device)
	e.orch.Assembler.Device = bytesSource{"device", grown}
	e.orch.Assembler.Layout.DiskSize = int64(len(grown))

	_, err := e.run(grown[bootLen:])
	if !errors.Is(err, ErrSizeChanged) {
		t.Fatalf("err = %v, want ErrSizeChanged", err)
	}
	if nums, _ := e.dest.ListImages("pi"); len(nums) != 1 {
		t.Errorf("images on disk = %v, want just gen 0", nums)
	}
}

func TestPruneRetention(t *testing.T) {
	e := newEnv(t)
	data := append([]byte(nil), e.device[bootLen:]...)

	var gens []chain.Generation
	for i := 0; i < 3; i++ {
		if i > 0 {
			data[i] ^= 0xff
			e.differ.ext = extent.NewSet(extent.Extent{Offset: int64(i), Length: 1})
		}
		g, err := e.run(data)
		if err != nil {
			t.Fatal(err)
		}
		gens = append(gens, g)
	}

	removed, err := e.orch.Prune(context.Background(), RetentionPolicy{MaxCount: 2})
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(removed) != 1 || removed[0].Number != 0 {
		t.Fatalf("removed = %v, want gen 0", removed)
	}

	if _, err := os.Stat(gens[0].ImagePath); !os.IsNotExist(err) {
		t.Errorf("pruned image file still exists")
	}
	if _, err := os.Stat(gens[1].ImagePath); err != nil {
		t.Errorf("retained image file missing: %v", err)
	}

	c, _ := e.store.Chain("pi")
	if err := c.Validate(); err != nil {
		t.Fatalf("chain after prune: %v", err)
	}
	if len(c) != 2 || c[0].Number != 1 || c[0].HasParent {
		t.Errorf("chain after prune = %v", c)
	}

	// The replica object went away too.
	names, _ := e.mirror.List(context.Background(), "pi/")
	for _, n := range names {
		if n == "pi/gen-000000.img" {
			t.Errorf("pruned replica object still present")
		}
	}
}

func TestParitySidecar(t *testing.T) {
	e := newEnv(t)
	e.orch.ParityShards = 2
	e.orch.ParityHashRate = 4096

	g, err := e.run(e.device[bootLen:])
	if err != nil {
		t.Fatal(err)
	}

	rsPath := image.ParityPath(g.ImagePath)
	if _, err := os.Stat(rsPath); err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}
	if err := parity.CheckFile(g.ImagePath, rsPath, u.NewTestLogger(io.Discard)); err != nil {
		t.Errorf("sidecar check: %v", err)
	}

	// The sidecar rides along to the replica.
	names, _ := e.mirror.List(context.Background(), "pi/")
	found := false
	for _, n := range names {
		if n == "pi/gen-000000.img.rs" {
			found = true
		}
	}
	if !found {
		t.Errorf("sidecar not replicated; objects = %v", names)
	}
}
