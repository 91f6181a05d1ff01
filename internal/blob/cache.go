package blob

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SessionCache is a hash-keyed content cache with an eviction-free lifetime
// scoped to one sync session. It avoids re-downloading identical content
// within a session; callers create a fresh cache per session and Clear it
// when done. Content-addressing makes entries immutable, so there is no
// invalidation.
type SessionCache struct {
	dir string

	mu      sync.RWMutex
	entries map[string]string // hash -> local path
}

// NewSessionCache creates a cache rooted at dir, creating it if needed.
func NewSessionCache(dir string) (*SessionCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &SessionCache{
		dir:     dir,
		entries: make(map[string]string),
	}, nil
}

// Get returns the cached content for hash.
func (c *SessionCache) Get(hash string) ([]byte, bool) {
	c.mu.RLock()
	path, ok := c.entries[hash]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Has reports whether hash is cached.
func (c *SessionCache) Has(hash string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[hash]
	return ok
}

// Put stores content under hash. Written atomically (temp file then rename).
func (c *SessionCache) Put(hash string, data []byte) {
	path := filepath.Join(c.dir, hash)

	tmp, err := os.CreateTemp(c.dir, ".canopy-*.tmp")
	if err != nil {
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return
	}

	c.mu.Lock()
	c.entries[hash] = path
	c.mu.Unlock()
}

// Drop forgets a single entry.
func (c *SessionCache) Drop(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if path, ok := c.entries[hash]; ok {
		os.Remove(path)
		delete(c.entries, hash)
	}
}

// Clear removes all cached content.
func (c *SessionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for hash, path := range c.entries {
		os.Remove(path)
		delete(c.entries, hash)
	}
}

// Len returns the number of cached entries.
func (c *SessionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
