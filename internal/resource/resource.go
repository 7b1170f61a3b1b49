// Package resource abstracts how the coordinator observes shared
// resources. The coordinator only ever needs a fingerprint (content
// hash plus modification time); where the bytes live is the caller's
// concern. The shipped implementation reads the local filesystem, but
// anything content-addressable (an object-store ETag, a blob digest)
// satisfies the contract.
package resource

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Fingerprint is the observed state of a resource at a point in time.
type Fingerprint struct {
	// Hash is the hex-encoded SHA-256 digest of the resource content.
	Hash string `json:"hash"`
	// ModTime is the resource's last modification time.
	ModTime time.Time `json:"mod_time"`
}

// Observer reports the current fingerprint of a named resource.
type Observer interface {
	// Observe returns the fingerprint for path. A missing resource is
	// an error; the conflict detector treats it as unobservable rather
	// than changed.
	Observe(path string) (Fingerprint, error)
}

// ContentStore reads and writes resource bytes. It is optional: the
// conflict resolver needs it for auto-merge, and degrades to queued
// resolution without one.
type ContentStore interface {
	Read(path string) ([]byte, error)
	Write(path string, data []byte) error
}

// FS observes and accesses resources under a workspace root on the
// local filesystem. Paths are slash-relative to the root; absolute
// paths and parent traversal are rejected.
type FS struct {
	root string
}

// NewFS returns a filesystem observer rooted at dir.
func NewFS(dir string) *FS {
	return &FS{root: dir}
}

func (f *FS) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty resource path")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute resource path %s not allowed", path)
	}
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == ".." || len(clean) >= 3 && clean[:3] == ".."+string(filepath.Separator) {
		return "", fmt.Errorf("resource path %s escapes workspace", path)
	}
	return filepath.Join(f.root, clean), nil
}

// Observe hashes the file content with SHA-256, streamed so memory
// stays constant regardless of size, and stats the modification time.
func (f *FS) Observe(path string) (Fingerprint, error) {
	full, err := f.resolve(path)
	if err != nil {
		return Fingerprint{}, err
	}

	info, err := os.Stat(full)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("stat %s: %w", path, err)
	}

	file, err := os.Open(full)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("open %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return Fingerprint{}, fmt.Errorf("hash %s: %w", path, err)
	}

	return Fingerprint{
		Hash:    hex.EncodeToString(hasher.Sum(nil)),
		ModTime: info.ModTime(),
	}, nil
}

// Read returns the full content of a resource.
func (f *FS) Read(path string) ([]byte, error) {
	full, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// Write replaces the content of a resource, creating parent
// directories as needed.
func (f *FS) Write(path string, data []byte) error {
	full, err := f.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create parent dirs for %s: %w", path, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
