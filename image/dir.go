// image/dir.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

package image

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	u "github.com/bootbk/bootbk/util"
)

var (
	// ErrInsufficientSpace is reported by the preflight check before any
	// bytes are written.
	ErrInsufficientSpace = errors.New("insufficient space on destination")
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// ImageFile is the on-destination bootable artifact for one generation: a
// boot/EFI region followed by the filesystem region, matching the
// two-partition layout of the client system.
type ImageFile struct {
	Path     string
	Size     int64
	Checksum Hash
}

///////////////////////////////////////////////////////////////////////////
// Destination directory layout

// A Dir is the destination directory tree: one subdirectory per source,
// holding one image file per retained generation plus parity sidecars.
// Files named *.partial are assembly scratch space; they are never
// referenced by chain metadata and are fair game for cleanup.
type Dir struct {
	root string
}

const (
	imageSuffix   = ".img"
	paritySuffix  = ".rs"
	partialSuffix = ".partial"
)

// NewDir returns a Dir rooted at the given path, creating it if needed.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, err
	}
	stat, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("%s: is a regular file", root)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) String() string {
	return "dir: " + d.root
}

// FlattenSource maps a source identifier to a single path component,
// so that e.g. "host:/dev/sda" stays one directory level.
func FlattenSource(source string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', ':', '\\':
			return '_'
		}
		return r
	}, source)
}

// SourceDir returns the directory that holds one source's images,
// creating it if needed.
func (d *Dir) SourceDir(source string) (string, error) {
	path := filepath.Join(d.root, FlattenSource(source))
	if err := os.MkdirAll(path, 0700); err != nil {
		return "", err
	}
	return path, nil
}

// ImagePath returns the final path for a generation's image file.
func (d *Dir) ImagePath(source string, number uint64) (string, error) {
	dir, err := d.SourceDir(source)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("gen-%06d%s", number, imageSuffix)), nil
}

// PartialPath returns the scratch path an image is assembled at before
// it is renamed into place.
func (d *Dir) PartialPath(source string, number uint64) (string, error) {
	p, err := d.ImagePath(source, number)
	if err != nil {
		return "", err
	}
	return p + partialSuffix, nil
}

// ParityPath returns the Reed-Solomon sidecar path for an image.
func ParityPath(imagePath string) string {
	return imagePath + paritySuffix
}

// ListImages returns the generation numbers that have image files on
// disk for the given source, in increasing order.
func (d *Dir) ListImages(source string) ([]uint64, error) {
	dir, err := d.SourceDir(source)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var numbers []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "gen-") || !strings.HasSuffix(name, imageSuffix) {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "gen-"),
			imageSuffix), 10, 64)
		if err != nil {
			log.Warning("%s: unrecognized file in image directory", name)
			continue
		}
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	return numbers, nil
}

// RemoveStalePartials deletes leftover *.partial files from interrupted
// runs.  Safe at any time: partials are never referenced by committed
// chain metadata.
func (d *Dir) RemoveStalePartials(source string) error {
	dir, err := d.SourceDir(source)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), partialSuffix) {
			path := filepath.Join(dir, e.Name())
			log.Verbose("%s: removing stale partial image", path)
			if err := os.Remove(path); err != nil {
				return err
			}
		}
	}
	return nil
}

// AvailableSpace reports how many bytes are free on the filesystem
// holding the destination directory.
func (d *Dir) AvailableSpace() (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(d.root, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}

// Preflight fails with ErrInsufficientSpace if the destination cannot
// hold need more bytes.
func (d *Dir) Preflight(need int64) error {
	avail, err := d.AvailableSpace()
	if err != nil {
		return err
	}
	if avail < need {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientSpace,
			u.FmtBytes(need), u.FmtBytes(avail))
	}
	return nil
}
