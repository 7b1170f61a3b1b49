package resource

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestFS(t *testing.T) (*FS, string) {
	t.Helper()
	dir := t.TempDir()
	return NewFS(dir), dir
}

func TestObserveHashAndModTime(t *testing.T) {
	fs, dir := newTestFS(t)

	path := filepath.Join(dir, "spec.json")
	if err := os.WriteFile(path, []byte(`{"a":1}`), 0o644); err != nil {
		t.Fatal(err)
	}

	fp, err := fs.Observe("spec.json")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if len(fp.Hash) != 64 {
		t.Errorf("expected 64-char hex digest, got %q", fp.Hash)
	}
	if fp.ModTime.IsZero() {
		t.Error("expected non-zero mod time")
	}
}

func TestObserveStableUntilChange(t *testing.T) {
	fs, dir := newTestFS(t)

	path := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(path, []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}

	fp1, err := fs.Observe("file.txt")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	fp2, err := fs.Observe("file.txt")
	if err != nil {
		t.Fatalf("observe again: %v", err)
	}
	if fp1.Hash != fp2.Hash {
		t.Error("hash changed without content change")
	}

	if err := os.WriteFile(path, []byte("two"), 0o644); err != nil {
		t.Fatal(err)
	}
	fp3, err := fs.Observe("file.txt")
	if err != nil {
		t.Fatalf("observe after change: %v", err)
	}
	if fp3.Hash == fp1.Hash {
		t.Error("hash unchanged after content change")
	}
}

func TestObserveMissing(t *testing.T) {
	fs, _ := newTestFS(t)

	if _, err := fs.Observe("nope.txt"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestObserveRejectsEscapes(t *testing.T) {
	fs, _ := newTestFS(t)

	if _, err := fs.Observe("../outside.txt"); err == nil {
		t.Error("expected error for parent traversal")
	}
	if _, err := fs.Observe("/etc/passwd"); err == nil {
		t.Error("expected error for absolute path")
	}
	if _, err := fs.Observe(""); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestReadWrite(t *testing.T) {
	fs, _ := newTestFS(t)

	if err := fs.Write("sub/dir/data.json", []byte(`{"k":"v"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	data, err := fs.Read("sub/dir/data.json")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `{"k":"v"}` {
		t.Errorf("unexpected content: %q", data)
	}

	fp, err := fs.Observe("sub/dir/data.json")
	if err != nil {
		t.Fatalf("observe written file: %v", err)
	}
	if time.Since(fp.ModTime) > time.Minute {
		t.Errorf("mod time suspiciously old: %v", fp.ModTime)
	}
}
