// chain/store.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

package chain

import (
	"sort"
	"sync"
)

// Store persists per-source chains and their pending slots.  Complete
// must append the generation and clear the pending slot as a single
// atomic step; a crash may leave a stale pending slot but never a
// half-committed chain.
type Store interface {
	// Chain returns the committed generations for a source, oldest
	// first.  An unknown source yields an empty chain, not an error.
	Chain(source string) (Chain, error)

	// Pending returns the in-flight generation, or nil.
	Pending(source string) (*Generation, error)

	// SetPending records an in-flight generation, replacing any
	// previous one.
	SetPending(source string, g Generation) error

	// ClearPending empties the pending slot.  A no-op if it is empty.
	ClearPending(source string) error

	// Complete appends g to the chain and clears the pending slot
	// atomically.
	Complete(source string, g Generation) error

	// ReplaceChain overwrites the committed chain, for pruning.
	ReplaceChain(source string, c Chain) error

	// Sources lists the sources with any recorded state, sorted.
	Sources() ([]string, error)

	Close() error
}

///////////////////////////////////////////////////////////////////////////
// MemStore

// MemStore keeps chains in memory; it's used by tests and is also handy
// for dry runs where nothing should touch the metadata on disk.
type MemStore struct {
	mu      sync.Mutex
	chains  map[string]Chain
	pending map[string]*Generation
}

func NewMemStore() *MemStore {
	return &MemStore{
		chains:  make(map[string]Chain),
		pending: make(map[string]*Generation),
	}
}

func (m *MemStore) Chain(source string) (Chain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append(Chain(nil), m.chains[source]...), nil
}

func (m *MemStore) Pending(source string) (*Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.pending[source]; p != nil {
		g := *p
		return &g, nil
	}
	return nil, nil
}

func (m *MemStore) SetPending(source string, g Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[source] = &g
	return nil
}

func (m *MemStore) ClearPending(source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, source)
	return nil
}

func (m *MemStore) Complete(source string, g Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[source] = append(m.chains[source], g)
	delete(m.pending, source)
	return nil
}

func (m *MemStore) ReplaceChain(source string, c Chain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[source] = append(Chain(nil), c...)
	return nil
}

func (m *MemStore) Sources() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	for s := range m.chains {
		seen[s] = true
	}
	for s := range m.pending {
		seen[s] = true
	}
	var sources []string
	for s := range seen {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	return sources, nil
}

func (m *MemStore) Close() error {
	return nil
}
