package versionstore

import (
	"context"
	"sync"

	"github.com/canopysync/canopy/internal/protocol"
)

// MemoryStore is an in-process Store used by tests and single-node setups
// without a database.
type MemoryStore struct {
	retention int

	mu       sync.Mutex
	projects map[string]*memoryProject
}

type memoryProject struct {
	version  int64
	snapshot []byte
	marker   []byte
	history  map[int64][]byte // version -> marker
}

// NewMemoryStore creates an in-memory store retaining the given number of
// historical versions per project.
func NewMemoryStore(retention int) *MemoryStore {
	if retention < 1 {
		retention = 1
	}
	return &MemoryStore{
		retention: retention,
		projects:  make(map[string]*memoryProject),
	}
}

func (s *MemoryStore) project(projectID string) *memoryProject {
	p, ok := s.projects[projectID]
	if !ok {
		p = &memoryProject{history: make(map[int64][]byte)}
		s.projects[projectID] = p
	}
	return p
}

// Get returns the current project state. Unknown projects yield a zero-valued
// Project without allocating an entry.
func (s *MemoryStore) Get(_ context.Context, projectID string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok {
		return &Project{ID: projectID}, nil
	}
	return &Project{
		ID:       projectID,
		Version:  p.version,
		Snapshot: append([]byte(nil), p.snapshot...),
		Marker:   append([]byte(nil), p.marker...),
	}, nil
}

// MarkerAt returns the marker recorded at version.
func (s *MemoryStore) MarkerAt(_ context.Context, projectID string, version int64) ([]byte, error) {
	if version == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok {
		return nil, protocol.NotFound("version history")
	}
	marker, ok := p.history[version]
	if !ok {
		return nil, protocol.NotFound("version history")
	}
	return append([]byte(nil), marker...), nil
}

// CompareAndSwap installs a new snapshot if the version still matches.
func (s *MemoryStore) CompareAndSwap(_ context.Context, projectID string, expected int64, snapshot, marker []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.project(projectID)
	if p.version != expected {
		return 0, ErrStaleVersion
	}

	p.version++
	p.snapshot = append([]byte(nil), snapshot...)
	p.marker = append([]byte(nil), marker...)
	p.history[p.version] = p.marker

	for v := range p.history {
		if v <= p.version-int64(s.retention) {
			delete(p.history, v)
		}
	}

	return p.version, nil
}

// Close is a no-op for memory stores.
func (s *MemoryStore) Close() error { return nil }
