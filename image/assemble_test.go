// image/assemble_test.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

package image

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

	"github.com/bootbk/bootbk/disk"
	"github.com/bootbk/bootbk/extent"
	"github.com/bootbk/bootbk/source"
	u "github.com/bootbk/bootbk/util"
)

func init() {
	SetLogger(u.NewTestLogger(io.Discard))
	source.SetLogger(u.NewTestLogger(io.Discard))
}

const (
	testBootLen = 4096
	testDataLen = 64 * 1024
)

// buildSource writes b to a file in dir and returns a Source reading it.
func buildSource(t *testing.T, dir, name string, b []byte) source.Source {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, b, 0600); err != nil {
		t.Fatal(err)
	}
	return &source.File{Path: path}
}

func testAssembler(t *testing.T, device, data []byte) (*Assembler, source.Source, *Dir) {
	t.Helper()
	scratch := t.TempDir()
	dest, err := NewDir(filepath.Join(scratch, "dest"))
	if err != nil {
		t.Fatal(err)
	}
	a := &Assembler{
		Dest:   dest,
		Device: buildSource(t, scratch, "device", device),
		Layout: disk.Layout{
			DiskSize:   int64(len(device)),
			DataOffset: testBootLen,
		},
		CopyConcurrency: 4,
	}
	return a, buildSource(t, scratch, "snap", data), dest
}

func makeDisk(t *testing.T) (device, data []byte) {
	rng := rand.New(rand.NewSource(int64(os.Getpid())))
	device = make([]byte, testBootLen+testDataLen)
	rng.Read(device)
	return device, device[testBootLen:]
}

func TestAssembleFull(t *testing.T) {
	device, data := makeDisk(t)
	a, snap, _ := testAssembler(t, device, data)

	img, err := a.AssembleFull(context.Background(), "pi", 0, snap)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if img.Size != int64(len(device)) {
		t.Errorf("image size = %d, want %d", img.Size, len(device))
	}

	got, err := os.ReadFile(img.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, device) {
		t.Errorf("full image does not match the device contents")
	}
	if img.Checksum != HashBytes(device) {
		t.Errorf("checksum mismatch")
	}
}

func TestAssembleFullShortPartition(t *testing.T) {
	// On GPT disks the data partition stops short of the disk's end.
	// The snapshot can only supply DataSize bytes; the trailing bytes
	// (backup GPT header) must come raw off the device.
	rng := rand.New(rand.NewSource(int64(os.Getpid())))
	const tailLen = 512
	device := make([]byte, testBootLen+testDataLen+tailLen)
	rng.Read(device)
	data := device[testBootLen : testBootLen+testDataLen]

	a, snap, _ := testAssembler(t, device, data)
	a.Layout.DataSize = testDataLen

	img, err := a.AssembleFull(context.Background(), "pi", 0, snap)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	got, err := os.ReadFile(img.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, device) {
		t.Errorf("image does not match the device contents")
	}
	if !bytes.Equal(got[testBootLen+testDataLen:], device[testBootLen+testDataLen:]) {
		t.Errorf("trailing region not copied from the device")
	}
}

func TestAssembleIncremental(t *testing.T) {
	device, data := makeDisk(t)
	a, snap, _ := testAssembler(t, device, data)

	base, err := a.AssembleFull(context.Background(), "pi", 0, snap)
	if err != nil {
		t.Fatalf("assemble full: %v", err)
	}

	// Mutate two disjoint ranges of the data partition.
	newData := append([]byte(nil), data...)
	for i := 100; i < 612; i++ {
		newData[i] ^= 0xaa
	}
	for i := 32768; i < 32768+4096; i++ {
		newData[i] ^= 0x55
	}
	scratch := filepath.Dir(base.Path)
	snap2 := buildSource(t, scratch, "snap2", newData)

	ext := extent.NewSet(
		extent.Extent{Offset: 100, Length: 512},
		extent.Extent{Offset: 32768, Length: 4096})

	img, err := a.AssembleIncremental(context.Background(), "pi", 1, base, ext, snap2)
	if err != nil {
		t.Fatalf("assemble incremental: %v", err)
	}

	want := append([]byte(nil), device[:testBootLen]...)
	want = append(want, newData...)
	got, err := os.ReadFile(img.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("incremental image does not match expected contents")
	}
	if img.Checksum == base.Checksum {
		t.Errorf("incremental image with changes has the same checksum as its base")
	}

	// The base image is untouched.
	baseGot, _ := os.ReadFile(base.Path)
	if !bytes.Equal(baseGot, device) {
		t.Errorf("base image was modified during incremental assembly")
	}
}

// failingSource fails all range reads, like a dropped connection.
type failingSource struct{}

func (failingSource) String() string                       { return "failing" }
func (failingSource) Size(context.Context) (int64, error)  { return 0, source.ErrSourceRead }
func (failingSource) ReadRange(context.Context, int64, int64) (io.ReadCloser, error) {
	return nil, fmt.Errorf("%w: connection reset", source.ErrSourceRead)
}

func TestAssembleFullSourceErrorLeavesNothing(t *testing.T) {
	device, data := makeDisk(t)
	a, _, dest := testAssembler(t, device, data)

	_, err := a.AssembleFull(context.Background(), "pi", 0, failingSource{})
	if !errors.Is(err, source.ErrSourceRead) {
		t.Fatalf("err = %v, want ErrSourceRead", err)
	}

	dir, _ := dest.SourceDir("pi")
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("failed assembly left files behind: %v", entries)
	}
}

func TestAssembleIncrementalSourceErrorLeavesBase(t *testing.T) {
	device, data := makeDisk(t)
	a, snap, dest := testAssembler(t, device, data)

	base, err := a.AssembleFull(context.Background(), "pi", 0, snap)
	if err != nil {
		t.Fatal(err)
	}

	ext := extent.NewSet(extent.Extent{Offset: 0, Length: 4096})
	_, err = a.AssembleIncremental(context.Background(), "pi", 1, base, ext, failingSource{})
	if !errors.Is(err, source.ErrSourceRead) {
		t.Fatalf("err = %v, want ErrSourceRead", err)
	}

	dir, _ := dest.SourceDir("pi")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != filepath.Base(base.Path) {
		t.Errorf("expected only the base image to remain, got %v", entries)
	}
}

func TestPreflightInsufficientSpace(t *testing.T) {
	device, data := makeDisk(t)
	a, snap, dest := testAssembler(t, device, data)
	a.Layout.DiskSize = 1 << 60

	_, err := a.AssembleFull(context.Background(), "pi", 0, snap)
	if !errors.Is(err, ErrInsufficientSpace) {
		t.Fatalf("err = %v, want ErrInsufficientSpace", err)
	}

	dir, _ := dest.SourceDir("pi")
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("preflight failure wrote files: %v", entries)
	}
}

func TestDirListImages(t *testing.T) {
	dest, err := NewDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []uint64{2, 0, 7} {
		p, err := dest.ImagePath("pi", n)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("x"), 0600); err != nil {
			t.Fatal(err)
		}
	}
	// Partials and sidecars don't count.
	pp, _ := dest.PartialPath("pi", 9)
	os.WriteFile(pp, []byte("x"), 0600)
	ip, _ := dest.ImagePath("pi", 2)
	os.WriteFile(ParityPath(ip), []byte("x"), 0600)

	nums, err := dest.ListImages("pi")
	if err != nil {
		t.Fatal(err)
	}
	want := []uint64{0, 2, 7}
	if len(nums) != len(want) {
		t.Fatalf("ListImages = %v, want %v", nums, want)
	}
	for i := range want {
		if nums[i] != want[i] {
			t.Fatalf("ListImages = %v, want %v", nums, want)
		}
	}

	if err := dest.RemoveStalePartials("pi"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(pp); !os.IsNotExist(err) {
		t.Errorf("stale partial not removed")
	}
}
