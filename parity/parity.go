// parity/parity.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

// Package parity applies Reed-Solomon coding to image files, based on
// github.com/klauspost/reedsolomon.  Each image gets a sidecar file
// holding parity shards and shard hashes, so bit rot on the
// destination can be detected and repaired without re-reading the
// client.
package parity

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/sha3"

	u "github.com/bootbk/bootbk/util"
)

// ErrFileCorrupt is returned by Check when a shard hash doesn't match.
var ErrFileCorrupt = errors.New("file corrupt")

// Defaults used for image sidecars.
const (
	DefaultDataShards   = 8
	DefaultParityShards = 2
	DefaultHashRate     = 1 << 20
)

const hashSize = 32

type hash [hashSize]byte

func hashBytes(b []byte) hash {
	var h hash
	sha3.ShakeSum256(h[:], b)
	return h
}

// A sidecar is a gob stream: one rsFileHeader, then one rsFileSegment
// per nDataShards*hashRate bytes of the original file.  Segmenting
// keeps memory use bounded for multi-gigabyte images.
type rsFileHeader struct {
	FileSize                   int64
	NDataShards, NParityShards int
	// HashRate is both the shard size within a segment and the
	// granularity of corruption detection.
	HashRate int
}

type rsFileSegment struct {
	// Data shard hashes first, then parity shard hashes.
	Hashes []hash
	Parity [][]byte
}

func (h rsFileHeader) segmentSize() int {
	return h.NDataShards * h.HashRate
}

///////////////////////////////////////////////////////////////////////////

// Encode reads size bytes from r and writes a parity sidecar to w.
func Encode(r io.Reader, size int64, w io.Writer, nDataShards, nParityShards,
	hashRate int) error {
	h := rsFileHeader{
		FileSize:      size,
		NDataShards:   nDataShards,
		NParityShards: nParityShards,
		HashRate:      hashRate,
	}
	enc := gob.NewEncoder(w)
	if err := enc.Encode(h); err != nil {
		return err
	}

	rs, err := reedsolomon.New(nDataShards, nParityShards)
	if err != nil {
		return err
	}

	buf := make([]byte, h.segmentSize())
	for remaining := size; remaining > 0; {
		n, err := readSegment(r, buf, remaining)
		if err != nil {
			return err
		}

		shards := shardBytes(buf, hashRate)
		for i := 0; i < nParityShards; i++ {
			shards = append(shards, make([]byte, hashRate))
		}
		if err := rs.Encode(shards); err != nil {
			return err
		}

		seg := rsFileSegment{Parity: shards[nDataShards:]}
		for _, s := range shards {
			seg.Hashes = append(seg.Hashes, hashBytes(s))
		}
		if err := enc.Encode(seg); err != nil {
			return err
		}
		remaining -= int64(n)
	}
	return nil
}

// Check re-hashes the data and parity shards and reports ErrFileCorrupt
// if any hash recorded in the sidecar doesn't match.
func Check(data, rs io.Reader, log *u.Logger) error {
	nErrors := 0
	err := forEachSegment(data, rs, log,
		func(h rsFileHeader, hashes []hash, shards [][]byte) error {
			for s := range shards {
				if hashBytes(shards[s]) != hashes[s] {
					nErrors++
					if log != nil {
						log.Error("%s mismatch", describeShard(h, s))
					}
				}
			}
			return nil
		})
	if err != nil {
		return err
	}
	if nErrors > 0 {
		return ErrFileCorrupt
	}
	return nil
}

// Restore reconstructs corrupt shards from the parity data, writing the
// recovered file contents to w and a matching sidecar to rsw.  It fails
// if any segment has more bad shards than there are parity shards.
func Restore(data, rs io.Reader, size int64, w, rsw io.Writer,
	log *u.Logger) error {
	enc := gob.NewEncoder(rsw)
	lw := &limitedWriter{w, size}
	var dec reedsolomon.Encoder
	wroteHeader := false

	return forEachSegment(data, rs, log,
		func(h rsFileHeader, hashes []hash, shards [][]byte) error {
			if !wroteHeader {
				if err := enc.Encode(h); err != nil {
					return err
				}
				wroteHeader = true
			}

			missing := 0
			for s := range shards {
				if hashBytes(shards[s]) != hashes[s] {
					if log != nil {
						log.Warning("%s mismatch; reconstructing",
							describeShard(h, s))
					}
					shards[s] = nil
					missing++
				}
			}
			if missing > 0 {
				if dec == nil {
					var err error
					dec, err = reedsolomon.New(h.NDataShards, h.NParityShards)
					if err != nil {
						return err
					}
				}
				if err := dec.Reconstruct(shards); err != nil {
					return err
				}
				for s := range shards {
					if hashBytes(shards[s]) != hashes[s] {
						return fmt.Errorf("%s still corrupt after reconstruction",
							describeShard(h, s))
					}
				}
			}

			for s := 0; s < h.NDataShards; s++ {
				if _, err := lw.Write(shards[s]); err != nil {
					return err
				}
			}
			return enc.Encode(rsFileSegment{hashes, shards[h.NDataShards:]})
		})
}

func describeShard(h rsFileHeader, s int) string {
	if s < h.NDataShards {
		return fmt.Sprintf("data shard %d hash", s)
	}
	return fmt.Sprintf("parity shard %d hash", s-h.NDataShards)
}

// forEachSegment walks the data stream and sidecar in lockstep, calling
// fn with each segment's hashes and its data-then-parity shards.
func forEachSegment(data, rs io.Reader, log *u.Logger,
	fn func(h rsFileHeader, hashes []hash, shards [][]byte) error) error {
	dec := gob.NewDecoder(rs)
	var h rsFileHeader
	if err := dec.Decode(&h); err != nil {
		return err
	}
	if h.NDataShards <= 0 || h.NParityShards <= 0 || h.HashRate <= 0 {
		return fmt.Errorf("malformed sidecar header %+v", h)
	}

	for remaining := h.FileSize; remaining > 0; {
		buf := make([]byte, h.segmentSize())
		n, err := readSegment(data, buf, remaining)
		if err != nil {
			return err
		}

		var seg rsFileSegment
		if err := dec.Decode(&seg); err != nil {
			return err
		}
		shards := shardBytes(buf, h.HashRate)
		if len(seg.Hashes) != h.NDataShards+h.NParityShards ||
			len(seg.Parity) != h.NParityShards {
			return fmt.Errorf("malformed sidecar segment")
		}
		shards = append(shards, seg.Parity...)

		if err := fn(h, seg.Hashes, shards); err != nil {
			return err
		}
		remaining -= int64(n)
	}
	return nil
}

// readSegment fills buf from r, zero padding past the end of the data.
func readSegment(r io.Reader, buf []byte, remaining int64) (int, error) {
	n := len(buf)
	if remaining < int64(n) {
		n = int(remaining)
	}
	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		return 0, err
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return n, nil
}

func shardBytes(b []byte, size int) (s [][]byte) {
	for len(b) > size {
		s = append(s, b[:size])
		b = b[size:]
	}
	return append(s, b)
}

type limitedWriter struct {
	W io.Writer
	N int64
}

func (w *limitedWriter) Write(data []byte) (int, error) {
	if int64(len(data)) > w.N {
		data = data[:w.N]
	}
	n, err := w.W.Write(data)
	w.N -= int64(n)
	return n, err
}

///////////////////////////////////////////////////////////////////////////
// File helpers

// EncodeFile writes a parity sidecar for the file at path to rsPath.
func EncodeFile(path, rsPath string, nDataShards, nParityShards, hashRate int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	w, err := u.NewAtomicWriter(rsPath)
	if err != nil {
		return err
	}
	if err := Encode(f, fi.Size(), w, nDataShards, nParityShards, hashRate); err != nil {
		w.Abort()
		return err
	}
	return w.Commit()
}

// CheckFile verifies the file at path against its sidecar.
func CheckFile(path, rsPath string, log *u.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	rf, err := os.Open(rsPath)
	if err != nil {
		return err
	}
	defer rf.Close()
	return Check(f, rf, log)
}

// RestoreFile rewrites path and rsPath with reconstructed contents, by
// way of temporary files so that a failed reconstruction leaves the
// originals untouched.
func RestoreFile(path, rsPath string, log *u.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	rf, err := os.Open(rsPath)
	if err != nil {
		return err
	}
	defer rf.Close()

	w, err := u.NewAtomicWriter(path)
	if err != nil {
		return err
	}
	rw, err := u.NewAtomicWriter(rsPath)
	if err != nil {
		w.Abort()
		return err
	}
	if err := Restore(f, rf, fi.Size(), w, rw, log); err != nil {
		w.Abort()
		rw.Abort()
		return err
	}
	if err := w.Commit(); err != nil {
		rw.Abort()
		return err
	}
	return rw.Commit()
}
