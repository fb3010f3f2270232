// source/source.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

// Package source reads raw byte ranges from the device or file being
// backed up, which may live on a remote host.  Reads are the only
// operation in a backup run expected to block for long periods, so they
// take a context and honor its cancellation.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	u "github.com/bootbk/bootbk/util"
)

// ErrSourceRead wraps any transport or I/O failure while reading from the
// backup source.
var ErrSourceRead = errors.New("source read error")

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// Source provides on-demand reads of byte ranges from one block device or
// file.
type Source interface {
	// String names the source for log messages.
	String() string

	// Size returns the total size of the underlying device or file in
	// bytes.
	Size(ctx context.Context) (int64, error)

	// ReadRange returns a stream of length bytes starting at offset.
	// Any failure is reported wrapping ErrSourceRead.
	ReadRange(ctx context.Context, offset, length int64) (io.ReadCloser, error)
}

///////////////////////////////////////////////////////////////////////////
// Bounded retries

// Retrying wraps a Source and retries each failed ReadRange a bounded
// number of times before surfacing the error.  Only whole-range retries
// are attempted; a stream that fails partway through its body is not
// resumed.
type Retrying struct {
	Source   Source
	MaxTries int
}

func (r *Retrying) String() string {
	return r.Source.String()
}

func (r *Retrying) Size(ctx context.Context) (int64, error) {
	return r.Source.Size(ctx)
}

func (r *Retrying) ReadRange(ctx context.Context, offset, length int64) (io.ReadCloser, error) {
	maxTries := r.MaxTries
	if maxTries <= 0 {
		maxTries = 5
	}

	var err error
	for tries := 0; tries < maxTries; tries++ {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrSourceRead, ctx.Err())
		}

		var rc io.ReadCloser
		rc, err = r.Source.ReadRange(ctx, offset, length)
		if err == nil {
			return rc, nil
		}

		// Possibly temporary error; sleep and retry.
		log.Warning("%s: sleeping due to error %s", r.Source, err)
		select {
		case <-time.After(time.Duration(100*(tries+1)) * time.Millisecond):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrSourceRead, ctx.Err())
		}
	}
	return nil, err
}
