// Package blob implements the content-addressable blob store. Content is
// keyed by its SHA-256 hash; uploads are deduplicated against the backend,
// so storing identical bytes twice performs at most one physical write.
package blob

import (
	"context"
	"io"
)

// Backend is the interface for raw content storage, keyed by content hash.
// Implementations handle object I/O only (local filesystem, S3, the server's
// blob endpoints); hashing and dedup live in Store. Backends are safe for
// concurrent use: content addressing makes concurrent writes of the same
// hash commutative.
type Backend interface {
	// Get retrieves the content stored under hash. Returns an error
	// wrapping protocol.ErrNotFound when the hash is absent.
	Get(ctx context.Context, hash string) (io.ReadCloser, int64, error)

	// Put stores content under the given hash. Overwriting an existing
	// hash must be harmless (same bytes by construction).
	Put(ctx context.Context, hash string, body io.Reader, size int64) error

	// Exists checks whether content is stored under hash.
	Exists(ctx context.Context, hash string) (bool, error)

	// Delete removes the content under hash. Deleting an absent hash is
	// not an error.
	Delete(ctx context.Context, hash string) error

	// Type returns the backend type identifier ("local", "s3", "remote").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
