// snapshot/differ.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/bootbk/bootbk/extent"
)

// DefaultDiffBlockSize is the granularity at which BlockDiffer reports
// changes; btrfs never dirties less than one 4 KiB block.
const DefaultDiffBlockSize = 4096

// BlockDiffer computes changed extents by streaming both snapshots and
// comparing them block by block.  It needs no filesystem diff metadata,
// only the ability to read each snapshot's bytes in order, so it keeps
// working after send/receive metadata has been pruned; the price is
// reading both snapshots in full.
type BlockDiffer struct {
	// Open returns a stream of the snapshot's raw bytes.  If the
	// snapshot no longer exists, Open fails and the diff is reported as
	// unavailable.
	Open func(ctx context.Context, s Snapshot) (io.ReadCloser, error)
	// BlockSize is the comparison granularity; zero means
	// DefaultDiffBlockSize.
	BlockSize int64
}

func (d *BlockDiffer) Diff(ctx context.Context, older, newer Snapshot) (extent.Set, error) {
	if err := checkOrder(older, newer); err != nil {
		return extent.Set{}, err
	}

	bs := d.BlockSize
	if bs <= 0 {
		bs = DefaultDiffBlockSize
	}

	or, err := d.Open(ctx, older)
	if err != nil {
		return extent.Set{}, fmt.Errorf("%w: %s: %s", ErrDiffUnavailable, older.ID, err)
	}
	defer or.Close()
	nr, err := d.Open(ctx, newer)
	if err != nil {
		return extent.Set{}, fmt.Errorf("%w: %s: %s", ErrDiffUnavailable, newer.ID, err)
	}
	defer nr.Close()

	var set extent.Set
	obuf := make([]byte, bs)
	nbuf := make([]byte, bs)
	var offset int64

	for {
		if err := ctx.Err(); err != nil {
			return extent.Set{}, err
		}

		on, oerr := io.ReadFull(or, obuf)
		nn, nerr := io.ReadFull(nr, nbuf)
		if bad(oerr) != nil {
			return extent.Set{}, bad(oerr)
		}
		if bad(nerr) != nil {
			return extent.Set{}, bad(nerr)
		}

		if on == 0 && nn == 0 {
			break
		}

		// If the streams disagree in length, whatever one of them has
		// past the other's end counts as changed.  Once the shorter
		// stream is exhausted it keeps reading as zero bytes, so offset
		// continues to track the longer stream's position.
		common, longest := on, on
		if nn < common {
			common = nn
		} else {
			longest = nn
		}
		if !bytes.Equal(obuf[:common], nbuf[:common]) || on != nn {
			set.Add(extent.Extent{Offset: offset, Length: int64(longest)})
		}
		offset += int64(longest)
	}

	log.Verbose("%s -> %s: %d changed extents, %d bytes",
		older.ID, newer.ID, set.Len(), set.TotalBytes())
	return set, nil
}

// bad filters out the expected end-of-stream conditions from ReadFull.
func bad(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil
	}
	return err
}
