// extent/extent.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

// Package extent represents sets of changed byte ranges between two
// snapshots of the same subvolume.  Sets are kept sorted by offset with
// overlapping and adjacent ranges merged, which bounds write amplification
// when the ranges are later applied to an image file.
package extent

import (
	"fmt"
	"sort"
)

// Extent is a single contiguous byte range, given by its offset from the
// start of the device and its length in bytes.
type Extent struct {
	Offset int64
	Length int64
}

func (e Extent) End() int64 {
	return e.Offset + e.Length
}

func (e Extent) String() string {
	return fmt.Sprintf("[%d,+%d)", e.Offset, e.Length)
}

// Set is an ordered sequence of non-overlapping extents, sorted by offset,
// with adjacent extents coalesced.  The zero value is an empty, usable Set.
type Set struct {
	extents []Extent
}

// NewSet builds a Set from the given extents; they may be provided in any
// order and may overlap, and are normalized on the way in.
func NewSet(extents ...Extent) Set {
	var s Set
	for _, e := range extents {
		s.Add(e)
	}
	return s
}

// Add merges the given extent into the set, maintaining the sorted,
// coalesced invariant.  Zero- and negative-length extents are ignored.
func (s *Set) Add(e Extent) {
	if e.Length <= 0 {
		return
	}

	// Find the first existing extent whose end reaches e.Offset; all
	// extents from there on that start at or before e.End() get folded
	// into e.
	i := sort.Search(len(s.extents), func(i int) bool {
		return s.extents[i].End() >= e.Offset
	})

	j := i
	for j < len(s.extents) && s.extents[j].Offset <= e.End() {
		if s.extents[j].Offset < e.Offset {
			e.Length += e.Offset - s.extents[j].Offset
			e.Offset = s.extents[j].Offset
		}
		if s.extents[j].End() > e.End() {
			e.Length = s.extents[j].End() - e.Offset
		}
		j++
	}

	s.extents = append(s.extents[:i], append([]Extent{e}, s.extents[j:]...)...)
}

// Extents returns the extents in offset order.  The returned slice is the
// set's backing storage; callers must not modify it.
func (s *Set) Extents() []Extent {
	return s.extents
}

func (s *Set) Len() int {
	return len(s.extents)
}

func (s *Set) Empty() bool {
	return len(s.extents) == 0
}

// TotalBytes returns the sum of the lengths of all extents in the set,
// i.e. the number of bytes that change when the set is applied.
func (s *Set) TotalBytes() int64 {
	var n int64
	for _, e := range s.extents {
		n += e.Length
	}
	return n
}

// Validate checks the set's invariants: extents sorted by offset,
// non-overlapping, non-adjacent (fully coalesced), all with positive
// length.  It only fails if a Set was constructed by bypassing Add.
func (s *Set) Validate() error {
	for i, e := range s.extents {
		if e.Length <= 0 {
			return fmt.Errorf("extent %d: non-positive length %d", i, e.Length)
		}
		if i > 0 && s.extents[i-1].End() >= e.Offset {
			return fmt.Errorf("extent %d: overlaps or abuts predecessor (%v, %v)",
				i, s.extents[i-1], e)
		}
	}
	return nil
}

func (s Set) String() string {
	if s.Empty() {
		return "{}"
	}
	str := "{"
	for i, e := range s.extents {
		if i > 0 {
			str += " "
		}
		str += e.String()
	}
	return str + "}"
}
