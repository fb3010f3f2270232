// extent/extent_test.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

package extent

import (
	"math/rand"
	"os"
	"testing"
)

func TestAddCoalesce(t *testing.T) {
	var s Set
	s.Add(Extent{Offset: 100, Length: 50})
	s.Add(Extent{Offset: 300, Length: 10})
	if s.Len() != 2 {
		t.Fatalf("expected 2 extents, got %d: %s", s.Len(), s.String())
	}

	// Adjacent on the right: must merge.
	s.Add(Extent{Offset: 150, Length: 25})
	if s.Len() != 2 || s.Extents()[0] != (Extent{Offset: 100, Length: 75}) {
		t.Errorf("adjacent extent not coalesced: %s", s.String())
	}

	// Bridge the gap between the two.
	s.Add(Extent{Offset: 170, Length: 140})
	if s.Len() != 1 {
		t.Errorf("bridging extent not coalesced: %s", s.String())
	}
	if got := s.Extents()[0]; got != (Extent{Offset: 100, Length: 210}) {
		t.Errorf("unexpected merged extent %v", got)
	}

	if err := s.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestAddContained(t *testing.T) {
	var s Set
	s.Add(Extent{Offset: 0, Length: 4096})
	s.Add(Extent{Offset: 1024, Length: 16})
	if s.Len() != 1 || s.Extents()[0].Length != 4096 {
		t.Errorf("contained extent changed the set: %s", s.String())
	}
}

func TestZeroLengthIgnored(t *testing.T) {
	var s Set
	s.Add(Extent{Offset: 10, Length: 0})
	s.Add(Extent{Offset: 10, Length: -5})
	if !s.Empty() {
		t.Errorf("zero/negative length extent was added: %s", s.String())
	}
}

func TestTotalBytes(t *testing.T) {
	s := NewSet(Extent{Offset: 1048576, Length: 4096}, Extent{Offset: 0, Length: 512})
	if s.TotalBytes() != 4608 {
		t.Errorf("TotalBytes = %d, want 4608", s.TotalBytes())
	}
}

// Throw random ranges at a Set and check the invariants hold and that
// membership matches a bitmap done the dumb way.
func TestRandomAgainstBitmap(t *testing.T) {
	seed := int64(os.Getpid())
	rng := rand.New(rand.NewSource(seed))
	t.Logf("Seed %d", seed)

	const space = 1 << 16
	covered := make([]bool, space)

	var s Set
	for i := 0; i < 1000; i++ {
		off := int64(rng.Intn(space - 256))
		n := int64(1 + rng.Intn(255))
		s.Add(Extent{Offset: off, Length: n})
		for b := off; b < off+n; b++ {
			covered[b] = true
		}
	}

	if err := s.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	inSet := make([]bool, space)
	for _, e := range s.Extents() {
		for b := e.Offset; b < e.End(); b++ {
			inSet[b] = true
		}
	}
	for b := range covered {
		if covered[b] != inSet[b] {
			t.Fatalf("byte %d: covered %v, in set %v", b, covered[b], inSet[b])
		}
	}

	var total int64
	for _, c := range covered {
		if c {
			total++
		}
	}
	if s.TotalBytes() != total {
		t.Errorf("TotalBytes = %d, bitmap says %d", s.TotalBytes(), total)
	}
}
