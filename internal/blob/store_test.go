package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/canopysync/canopy/internal/protocol"
)

// countingBackend is an in-memory backend that counts physical operations.
type countingBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	gets    int
}

func newCountingBackend() *countingBackend {
	return &countingBackend{objects: make(map[string][]byte)}
}

func (b *countingBackend) Get(_ context.Context, hash string) (io.ReadCloser, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets++
	data, ok := b.objects[hash]
	if !ok {
		return nil, 0, protocol.NotFound("blob " + hash)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (b *countingBackend) Put(_ context.Context, hash string, body io.Reader, _ int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts++
	b.objects[hash] = data
	return nil
}

func (b *countingBackend) Exists(_ context.Context, hash string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[hash]
	return ok, nil
}

func (b *countingBackend) Delete(_ context.Context, hash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, hash)
	return nil
}

func (b *countingBackend) Type() string { return "counting" }
func (b *countingBackend) Close() error { return nil }

func TestStore_UploadDedup(t *testing.T) {
	backend := newCountingBackend()
	store := NewStore(backend, nil)
	ctx := context.Background()

	content := []byte("identical bytes")
	hash1, err := store.Upload(ctx, content)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	hash2, err := store.Upload(ctx, content)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if hash1 != hash2 {
		t.Errorf("same content hashed differently: %q vs %q", hash1, hash2)
	}
	if backend.puts != 1 {
		t.Errorf("physical writes: got %d, want 1", backend.puts)
	}
	if hash1 != HashBytes(content) {
		t.Errorf("hash mismatch with HashBytes: %q vs %q", hash1, HashBytes(content))
	}
}

func TestStore_DownloadRoundtrip(t *testing.T) {
	store := NewStore(newCountingBackend(), nil)
	ctx := context.Background()

	content := []byte("payload")
	hash, err := store.Upload(ctx, content)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	got, err := store.Download(ctx, hash)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}
}

func TestStore_DownloadNotFound(t *testing.T) {
	store := NewStore(newCountingBackend(), nil)
	_, err := store.Download(context.Background(), "deadbeef")
	if !errors.Is(err, protocol.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestStore_SessionCacheAvoidsRefetch(t *testing.T) {
	backend := newCountingBackend()
	cache, err := NewSessionCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionCache: %v", err)
	}
	store := NewStore(backend, cache)
	ctx := context.Background()

	content := []byte("cache me")
	hash, err := store.Upload(ctx, content)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := store.Download(ctx, hash); err != nil {
			t.Fatalf("Download: %v", err)
		}
	}
	if backend.gets != 0 {
		t.Errorf("backend gets: got %d, want 0 (cache should serve)", backend.gets)
	}

	exists, err := store.Exists(ctx, hash)
	if err != nil || !exists {
		t.Errorf("Exists: got %v, %v", exists, err)
	}
}

func TestStore_Delete(t *testing.T) {
	backend := newCountingBackend()
	store := NewStore(backend, nil)
	ctx := context.Background()

	hash, err := store.Upload(ctx, []byte("doomed"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := store.Delete(ctx, hash); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	exists, _ := store.Exists(ctx, hash)
	if exists {
		t.Error("blob still exists after delete")
	}
}
