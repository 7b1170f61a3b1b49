package store

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/foreman-dev/foreman/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)

	v, err := s.Get("nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != nil {
		t.Errorf("expected nil for missing key, got %q", v)
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if err := s.Set("state/current", []byte(`{"agents":{}}`)); err != nil {
		t.Fatalf("set: %v", err)
	}

	v, err := s.Get("state/current")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(v, []byte(`{"agents":{}}`)) {
		t.Errorf("unexpected value: %q", v)
	}
}

func TestSetOverwrites(t *testing.T) {
	s := newTestStore(t)

	if err := s.Set("k", []byte("one")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set("k", []byte("two")); err != nil {
		t.Fatalf("set again: %v", err)
	}

	v, err := s.Get("k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(v) != "two" {
		t.Errorf("expected 'two', got %q", v)
	}
}

func TestSetBinaryValue(t *testing.T) {
	s := newTestStore(t)

	blob := []byte{0x00, 0xff, 0x28, 0xb5, 0x2f, 0xfd, 0x00}
	if err := s.Set("bin", blob); err != nil {
		t.Fatalf("set: %v", err)
	}

	v, err := s.Get("bin")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(v, blob) {
		t.Errorf("binary value mangled: got %x, want %x", v, blob)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)

	if err := s.Set("k", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Delete("k"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	v, err := s.Get("k")
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if v != nil {
		t.Errorf("expected nil after delete, got %q", v)
	}

	// Deleting a missing key is fine
	if err := s.Delete("k"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
}

func TestKeysPrefix(t *testing.T) {
	s := newTestStore(t)

	for _, k := range []string{"snapshot/a", "snapshot/b", "backup/x"} {
		if err := s.Set(k, []byte("v")); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}

	keys, err := s.Keys("snapshot/")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 snapshot keys, got %d: %v", len(keys), keys)
	}

	all, err := s.Keys("")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 keys total, got %d", len(all))
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s, err := New(config.StoreConfig{Path: path})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	if err := s.Set("k", []byte("survives")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := New(config.StoreConfig{Path: path})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer s2.Close()

	v, err := s2.Get("k")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if string(v) != "survives" {
		t.Errorf("expected 'survives', got %q", v)
	}
}
