// Package versionstore persists the authoritative document snapshot per
// project, together with a numbered history of state markers used to compute
// diffs on demand.
package versionstore

import (
	"context"
	"errors"
)

// ErrStaleVersion is returned by CompareAndSwap when the expected version no
// longer matches the stored one. The API layer translates it into a 409 with
// catch-up payload; there is exactly one compare-and-swap attempt per client
// call, the client defers its retry to the next sync.
var ErrStaleVersion = errors.New("stale version")

// Project is the stored state for one project. A project that has never been
// pushed to has Version 0 and empty Snapshot/Marker.
type Project struct {
	ID       string
	Version  int64
	Snapshot []byte
	Marker   []byte
}

// Store is the server-side version store.
type Store interface {
	// Get returns the current project state. Unknown projects yield a
	// zero-valued Project, not an error: an empty project is valid.
	Get(ctx context.Context, projectID string) (*Project, error)

	// MarkerAt returns the state marker recorded at the given version.
	// Version 0 yields a nil marker (nothing incorporated). A version
	// purged from history surfaces protocol.ErrNotFound.
	MarkerAt(ctx context.Context, projectID string, version int64) ([]byte, error)

	// CompareAndSwap installs a new snapshot and marker if the stored
	// version still equals expected, returning the new version number.
	// On mismatch it returns ErrStaleVersion without modifying anything.
	// The marker is also appended to the version history; history beyond
	// the retention limit is purged.
	CompareAndSwap(ctx context.Context, projectID string, expected int64, snapshot, marker []byte) (int64, error)

	// Close releases any resources held by the store.
	Close() error
}
