// image/assemble.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

package image

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/bootbk/bootbk/disk"
	"github.com/bootbk/bootbk/extent"
	"github.com/bootbk/bootbk/source"
	u "github.com/bootbk/bootbk/util"
)

// Assembler materializes bootable image files for one source.  A full
// assembly copies the boot region from the raw device and the whole data
// region from a snapshot; an incremental assembly starts from a copy of
// the previous generation's image and overwrites only the changed
// extents.
//
// The assembler writes *.partial files and never touches a committed
// image; deciding that an image is complete (and renaming it into place)
// is the orchestrator's and chain tracker's job.
type Assembler struct {
	Dest *Dir
	// Device reads the raw client disk; it supplies the boot region,
	// which is recopied in full on every generation so each image stays
	// independently bootable.
	Device source.Source
	// Layout gives the image size and where the boot region ends.
	Layout disk.Layout
	// CopyConcurrency limits parallel extent copies during incremental
	// assembly; zero means sequential.  Extents never overlap, so
	// parallel WriteAt calls are safe.
	CopyConcurrency int
}

const copyChunkSize = 8 * 1024 * 1024

// AssembleFull builds a complete image for the given generation number:
// boot region from the device, data region from the snapshot stream.
// The returned ImageFile points at the partial path; the caller renames
// it once it decides the generation is good.
func (a *Assembler) AssembleFull(ctx context.Context, sourceName string,
	number uint64, snap source.Source) (ImageFile, error) {
	if err := a.Dest.Preflight(a.Layout.DiskSize); err != nil {
		return ImageFile{}, err
	}

	path, err := a.Dest.PartialPath(sourceName, number)
	if err != nil {
		return ImageFile{}, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return ImageFile{}, err
	}
	if err := f.Truncate(a.Layout.DiskSize); err != nil {
		f.Close()
		os.Remove(path)
		return ImageFile{}, err
	}

	err = func() error {
		if err := a.copyBootRegion(ctx, f); err != nil {
			return err
		}

		// Data region, straight from the snapshot.
		dataLen := a.Layout.DataLength()
		rc, err := snap.ReadRange(ctx, 0, dataLen)
		if err != nil {
			return err
		}
		defer rc.Close()

		rr := &u.ReportingReader{R: rc, Msg: "copied"}
		w := io.NewOffsetWriter(f, a.Layout.DataOffset)
		if _, err := io.Copy(w, rr); err != nil {
			return fmt.Errorf("%w: %s", source.ErrSourceRead, err)
		}

		// The data partition may stop short of the disk's end (backup
		// GPT header); whatever trails it comes raw off the device.
		if tail := a.Layout.DataOffset + dataLen; tail < a.Layout.DiskSize {
			return a.copyDeviceRange(ctx, f, tail, a.Layout.DiskSize-tail)
		}
		return nil
	}()
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		f.Close()
		os.Remove(path)
		return ImageFile{}, err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return ImageFile{}, err
	}

	return a.finish(path)
}

// AssembleIncremental copies the base image to the new generation's
// partial path (reflinked when the destination filesystem supports it),
// refreshes the boot region from the device, and overwrites exactly the
// byte ranges in the extent set with data read from the snapshot.
func (a *Assembler) AssembleIncremental(ctx context.Context, sourceName string,
	number uint64, base ImageFile, ext extent.Set, snap source.Source) (ImageFile, error) {
	// Worst case the copy shares nothing with the base.
	if err := a.Dest.Preflight(base.Size + ext.TotalBytes()); err != nil {
		return ImageFile{}, err
	}

	path, err := a.Dest.PartialPath(sourceName, number)
	if err != nil {
		return ImageFile{}, err
	}

	if err := cloneOrCopyFile(path, base.Path); err != nil {
		return ImageFile{}, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0600)
	if err != nil {
		os.Remove(path)
		return ImageFile{}, err
	}

	err = func() error {
		if err := a.copyBootRegion(ctx, f); err != nil {
			return err
		}
		return a.copyExtents(ctx, f, ext, snap)
	}()
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		f.Close()
		os.Remove(path)
		return ImageFile{}, err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return ImageFile{}, err
	}

	return a.finish(path)
}

// copyBootRegion copies bytes [0, DataOffset) of the raw device into the
// image.  The region is small (partition table plus the EFI/boot
// partition), so this costs little and keeps every image independently
// bootable no matter what the diff covered.
func (a *Assembler) copyBootRegion(ctx context.Context, f *os.File) error {
	return a.copyDeviceRange(ctx, f, 0, a.Layout.DataOffset)
}

// copyDeviceRange copies [offset, offset+length) of the raw device into
// the same byte range of the image.
func (a *Assembler) copyDeviceRange(ctx context.Context, f *os.File,
	offset, length int64) error {
	rc, err := a.Device.ReadRange(ctx, offset, length)
	if err != nil {
		return err
	}
	defer rc.Close()

	w := io.NewOffsetWriter(f, offset)
	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("%w: device range at %d: %s", source.ErrSourceRead,
			offset, err)
	}
	return nil
}

// copyExtents reads each changed range from the snapshot and writes it
// at the corresponding offset in the image's data region.  Copies run in
// parallel up to CopyConcurrency; the extents are disjoint so no two
// writers ever touch the same bytes.
func (a *Assembler) copyExtents(ctx context.Context, f *os.File,
	ext extent.Set, snap source.Source) error {
	nWorkers := a.CopyConcurrency
	if nWorkers < 1 {
		nWorkers = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan bool, nWorkers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	for _, e := range ext.Extents() {
		select {
		case sem <- true:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(e extent.Extent) {
			defer func() { <-sem; wg.Done() }()
			if err := a.copyExtent(ctx, f, e, snap); err != nil {
				fail(err)
			}
		}(e)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if firstErr == nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %s", source.ErrSourceRead, ctx.Err())
	}
	return firstErr
}

func (a *Assembler) copyExtent(ctx context.Context, f *os.File,
	e extent.Extent, snap source.Source) error {
	rc, err := snap.ReadRange(ctx, e.Offset, e.Length)
	if err != nil {
		return err
	}
	defer rc.Close()

	log.Debug("%s: copying extent %v", f.Name(), e)

	w := io.NewOffsetWriter(f, a.Layout.DataOffset+e.Offset)
	n, err := io.Copy(w, io.LimitReader(rc, e.Length))
	if err != nil {
		return fmt.Errorf("%w: extent %v: %s", source.ErrSourceRead, e, err)
	}
	if n != e.Length {
		return fmt.Errorf("%w: extent %v: got %d bytes", source.ErrSourceRead, e, n)
	}
	return nil
}

// finish computes the assembled file's whole-file checksum.
func (a *Assembler) finish(path string) (ImageFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return ImageFile{}, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return ImageFile{}, err
	}
	sum, err := HashReader(f)
	f.Close()
	if err != nil {
		return ImageFile{}, err
	}

	log.Verbose("%s: assembled %s, checksum %s", path,
		u.FmtBytes(stat.Size()), sum)
	return ImageFile{Path: path, Size: stat.Size(), Checksum: sum}, nil
}
