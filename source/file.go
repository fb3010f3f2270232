// source/file.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

package source

import (
	"context"
	"fmt"
	"io"
	"os"

	u "github.com/bootbk/bootbk/util"
)

// File reads ranges from a local file or block device.  It mostly exists
// for backing up a host to an attached disk and for tests, where it
// stands in for the SSH source.
type File struct {
	Path string
}

func (f *File) String() string {
	return "file: " + f.Path
}

func (f *File) Size(ctx context.Context) (int64, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrSourceRead, err)
	}
	defer file.Close()

	// Block devices report zero from Stat; seek to the end instead.
	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrSourceRead, err)
	}
	return size, nil
}

func (f *File) ReadRange(ctx context.Context, offset, length int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceRead, err)
	}

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceRead, err)
	}

	r := io.NewSectionReader(file, offset, length)
	return &fileRange{
		r: u.NewLimitedDownloadReader(r),
		f: file,
	}, nil
}

type fileRange struct {
	r io.Reader
	f *os.File
}

func (fr *fileRange) Read(b []byte) (int, error) {
	return fr.r.Read(b)
}

func (fr *fileRange) Close() error {
	return fr.f.Close()
}
