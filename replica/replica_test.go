// replica/replica_test.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

package replica

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"path/filepath"
	"testing"

	u "github.com/bootbk/bootbk/util"
)

func init() {
	SetLogger(u.NewTestLogger(io.Discard))
}

func openBytes(b []byte) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
}

func TestMemTarget(t *testing.T) {
	ctx := context.Background()
	m := NewMemTarget()

	if err := m.Put(ctx, "pi/gen-000000.img", openBytes([]byte("zero")), 4); err != nil {
		t.Fatal(err)
	}
	if err := m.Put(ctx, "pi/gen-000001.img", openBytes([]byte("one")), 3); err != nil {
		t.Fatal(err)
	}
	if err := m.Put(ctx, "other/gen-000000.img", openBytes([]byte("x")), 1); err != nil {
		t.Fatal(err)
	}

	names, err := m.List(ctx, "pi/")
	if err != nil || len(names) != 2 {
		t.Fatalf("List = %v, %v", names, err)
	}

	r, err := m.Get(ctx, "pi/gen-000001.img")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(r)
	r.Close()
	if string(b) != "one" {
		t.Errorf("Get = %q", b)
	}

	if err := m.Delete(ctx, "pi/gen-000001.img"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(ctx, "pi/gen-000001.img"); err == nil {
		t.Errorf("Get of deleted object succeeded")
	}

	// Short writes are rejected.
	if err := m.Put(ctx, "pi/short", openBytes([]byte("abc")), 5); err == nil {
		t.Errorf("Put with wrong length succeeded")
	}
}

func TestEncryptedRoundTrip(t *testing.T) {
	ctx := context.Background()
	keyPath := filepath.Join(t.TempDir(), "replica.key")
	m := NewMemTarget()

	e, err := NewEncrypted(m, keyPath, "open sesame")
	if err != nil {
		t.Fatal(err)
	}

	data := make([]byte, 64*1024+17)
	rand.New(rand.NewSource(3)).Read(data)

	if err := e.Put(ctx, "pi/gen-000000.img", openBytes(data), int64(len(data))); err != nil {
		t.Fatal(err)
	}

	// The underlying target must not see the plaintext.
	r, err := m.Get(ctx, "pi/gen-000000.img")
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(r)
	r.Close()
	if int64(len(raw)) != int64(len(data))+ivLength {
		t.Errorf("stored object is %d bytes, want %d", len(raw), len(data)+ivLength)
	}
	if bytes.Contains(raw, data[:64]) {
		t.Errorf("plaintext visible in stored object")
	}

	// Reading back through the wrapper decrypts.
	r, err = e.Get(ctx, "pi/gen-000000.img")
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(r)
	r.Close()
	if !bytes.Equal(got, data) {
		t.Errorf("decrypted contents don't match original")
	}

	// A second instance unlocks the same key file and can decrypt.
	e2, err := NewEncrypted(m, keyPath, "open sesame")
	if err != nil {
		t.Fatal(err)
	}
	r, err = e2.Get(ctx, "pi/gen-000000.img")
	if err != nil {
		t.Fatal(err)
	}
	got, _ = io.ReadAll(r)
	r.Close()
	if !bytes.Equal(got, data) {
		t.Errorf("second instance can't decrypt")
	}

	// The wrong passphrase is refused.
	if _, err := NewEncrypted(m, keyPath, "not it"); !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("wrong passphrase: err = %v", err)
	}
}
