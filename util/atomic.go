// util/atomic.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

package util

import (
	"os"
	"path/filepath"
)

// AtomicWriter writes a file via a temporary in the same directory and
// renames it into place on Commit, so readers either see the old contents
// or the complete new contents, never a truncated file.  Abort (or a
// Commit that fails) removes the temporary.
type AtomicWriter struct {
	f    *os.File
	path string
}

func NewAtomicWriter(path string) (*AtomicWriter, error) {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return nil, err
	}
	return &AtomicWriter{f: f, path: path}, nil
}

func (w *AtomicWriter) Write(b []byte) (int, error) {
	return w.f.Write(b)
}

// Commit syncs the temporary file to stable storage and renames it over
// the destination path.
func (w *AtomicWriter) Commit() error {
	if err := w.f.Sync(); err != nil {
		w.Abort()
		return err
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return err
	}
	if err := os.Rename(w.f.Name(), w.path); err != nil {
		os.Remove(w.f.Name())
		return err
	}
	// Sync the directory so the rename itself survives a crash.
	d, err := os.Open(filepath.Dir(w.path))
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func (w *AtomicWriter) Abort() {
	w.f.Close()
	os.Remove(w.f.Name())
}

// WriteFileAtomic writes data to path with write-then-rename semantics.
func WriteFileAtomic(path string, data []byte) error {
	w, err := NewAtomicWriter(path)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Abort()
		return err
	}
	return w.Commit()
}
