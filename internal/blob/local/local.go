// Package local provides a local filesystem blob backend.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/canopysync/canopy/internal/protocol"
)

// Backend implements blob.Backend on the local filesystem. Objects are
// sharded by the first two hex characters of the hash to keep directories
// small.
type Backend struct {
	rootPath string
}

// New creates a local blob backend rooted at rootPath, creating it if needed.
func New(rootPath string) (*Backend, error) {
	if rootPath == "" {
		return nil, fmt.Errorf("root path is required")
	}
	if err := os.MkdirAll(rootPath, 0755); err != nil {
		return nil, fmt.Errorf("create root path %s: %w", rootPath, err)
	}
	return &Backend{rootPath: rootPath}, nil
}

func (b *Backend) objectPath(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(b.rootPath, hash)
	}
	return filepath.Join(b.rootPath, hash[:2], hash)
}

// Get opens the content stored under hash.
func (b *Backend) Get(_ context.Context, hash string) (io.ReadCloser, int64, error) {
	path := b.objectPath(hash)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, protocol.NotFound("blob " + hash)
		}
		return nil, 0, fmt.Errorf("open blob %s: %w", hash, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat blob %s: %w", hash, err)
	}
	return f, info.Size(), nil
}

// Put writes content under hash atomically (temp file then rename).
func (b *Backend) Put(_ context.Context, hash string, body io.Reader, size int64) error {
	path := b.objectPath(hash)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", hash, err)
	}

	tmp, err := os.CreateTemp(dir, ".canopy-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", hash, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write blob %s: %w", hash, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", hash, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", hash, err)
	}
	return nil
}

// Exists checks whether content is stored under hash.
func (b *Backend) Exists(_ context.Context, hash string) (bool, error) {
	_, err := os.Stat(b.objectPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat blob %s: %w", hash, err)
	}
	return true, nil
}

// Delete removes the content under hash. Absent hashes are not an error.
func (b *Backend) Delete(_ context.Context, hash string) error {
	err := os.Remove(b.objectPath(hash))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", hash, err)
	}
	return nil
}

// Type returns "local".
func (b *Backend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *Backend) Close() error { return nil }
