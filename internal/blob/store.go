package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/canopysync/canopy/internal/logging"
	"github.com/canopysync/canopy/internal/metrics"
)

// HashBytes returns the hex-encoded SHA-256 content hash used as the blob key.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store is the content-addressable blob store. Safe for concurrent use as
// long as the optional cache is (SessionCache is).
type Store struct {
	backend Backend
	cache   *SessionCache // optional, scoped to one sync session
}

// NewStore creates a blob store over a backend. cache may be nil.
func NewStore(backend Backend, cache *SessionCache) *Store {
	return &Store{backend: backend, cache: cache}
}

// Upload stores data under its content hash and returns the hash. Uploading
// identical content twice performs at most one physical write and returns
// the same hash both times.
func (s *Store) Upload(ctx context.Context, data []byte) (string, error) {
	hash := HashBytes(data)

	exists, err := s.backend.Exists(ctx, hash)
	if err != nil {
		return "", fmt.Errorf("check blob %s: %w", hash, err)
	}
	if exists {
		metrics.RecordBlobDedupHit()
		logging.Debug("blob already stored", zap.String("hash", hash))
	} else {
		if err := s.backend.Put(ctx, hash, bytes.NewReader(data), int64(len(data))); err != nil {
			metrics.RecordBlobUpload(0, false)
			return "", fmt.Errorf("upload blob %s: %w", hash, err)
		}
		metrics.RecordBlobUpload(int64(len(data)), true)
	}

	if s.cache != nil {
		s.cache.Put(hash, data)
	}
	return hash, nil
}

// Download retrieves the content stored under hash, consulting the session
// cache first. Absent content surfaces protocol.ErrNotFound.
func (s *Store) Download(ctx context.Context, hash string) ([]byte, error) {
	if s.cache != nil {
		if data, ok := s.cache.Get(hash); ok {
			return data, nil
		}
	}

	r, _, err := s.backend.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", hash, err)
	}
	metrics.RecordBlobDownload(int64(len(data)))

	if s.cache != nil {
		s.cache.Put(hash, data)
	}
	return data, nil
}

// Exists checks whether content is stored under hash.
func (s *Store) Exists(ctx context.Context, hash string) (bool, error) {
	if s.cache != nil && s.cache.Has(hash) {
		return true, nil
	}
	return s.backend.Exists(ctx, hash)
}

// Delete removes the content under hash, best-effort. Callers are
// responsible for not deleting hashes still referenced by a document.
func (s *Store) Delete(ctx context.Context, hash string) error {
	if s.cache != nil {
		s.cache.Drop(hash)
	}
	return s.backend.Delete(ctx, hash)
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend {
	return s.backend
}
