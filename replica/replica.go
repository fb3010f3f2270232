// replica/replica.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

// Package replica mirrors committed image files to off-site object
// storage.  Replication runs after commit and is best-effort: a failed
// upload never rolls back a committed generation.
package replica

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	u "github.com/bootbk/bootbk/util"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// A Target stores named objects.  Put takes an open callback rather
// than a reader so the upload can be restarted from scratch after a
// transient failure.
type Target interface {
	String() string

	Put(ctx context.Context, name string,
		open func() (io.ReadCloser, error), length int64) error
	Get(ctx context.Context, name string) (io.ReadCloser, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

///////////////////////////////////////////////////////////////////////////
// MemTarget

// MemTarget keeps objects in memory, for tests.
type MemTarget struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemTarget() *MemTarget {
	return &MemTarget{objects: make(map[string][]byte)}
}

func (m *MemTarget) String() string {
	return "mem"
}

func (m *MemTarget) Put(ctx context.Context, name string,
	open func() (io.ReadCloser, error), length int64) error {
	r, err := open()
	if err != nil {
		return err
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(b)) != length {
		return fmt.Errorf("%s: got %d bytes, expected %d", name, len(b), length)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = b
	return nil
}

func (m *MemTarget) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[name]
	if !ok {
		return nil, fmt.Errorf("%s: object not found", name)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *MemTarget) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, name)
	return nil
}

func (m *MemTarget) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for n := range m.objects {
		if len(n) >= len(prefix) && n[:len(prefix)] == prefix {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names, nil
}
