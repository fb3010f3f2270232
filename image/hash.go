// image/hash.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

package image

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/sha3"
)

// HashSize is the number of bytes in the checksums used to verify image
// files.
const HashSize = 32

// Hash encodes a fixed-size secure hash of an image file's contents.
type Hash [HashSize]byte

// HashBytes computes the SHAKE256 hash of the given byte slice.
func HashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

// HashReader computes the SHAKE256 hash of everything the reader
// produces.
func HashReader(r io.Reader) (Hash, error) {
	var h Hash
	shake := sha3.NewShake256()
	if _, err := io.Copy(shake, r); err != nil {
		return h, err
	}
	shake.Read(h[:])
	return h, nil
}

// A Hasher computes an image checksum incrementally, for callers that
// hash while streaming the data somewhere else.
type Hasher struct {
	shake sha3.ShakeHash
}

func NewHasher() *Hasher {
	return &Hasher{shake: sha3.NewShake256()}
}

func (h *Hasher) Write(b []byte) (int, error) {
	return h.shake.Write(b)
}

func (h *Hasher) Sum() Hash {
	var out Hash
	h.shake.Read(out[:])
	return out
}

// HashFile computes the SHAKE256 hash of a file's contents.
func HashFile(path string) (Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return Hash{}, err
	}
	defer f.Close()
	return HashReader(bufio.NewReaderSize(f, 1<<20))
}

// String returns the given Hash as a hexadecimal-encoded string.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash decodes a hexadecimal string produced by Hash.String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("hash is %d bytes, expected %d", len(b), HashSize)
	}
	copy(h[:], b)
	return h, nil
}
