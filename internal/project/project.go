// Package project orchestrates file-level synchronization: reading and
// writing working-copy files, moving their content through the blob store,
// and driving the document reconciliation protocol.
package project

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/canopysync/canopy/internal/blob"
	"github.com/canopysync/canopy/internal/docstore"
	"github.com/canopysync/canopy/internal/logging"
	"github.com/canopysync/canopy/internal/protocol"
)

// Progress reports per-file progress during batch operations. Calls are
// serialized even when transfers run concurrently, so implementations need no
// locking of their own.
type Progress func(path string, index, total int)

// Sync orchestrates one project working copy.
type Sync struct {
	store        *docstore.DocStore
	blobs        *blob.Store
	maxTransfers int
}

// New creates a project sync over a docstore and blob store. maxTransfers
// bounds concurrent blob downloads; values below 1 mean sequential.
func New(store *docstore.DocStore, blobs *blob.Store, maxTransfers int) *Sync {
	if maxTransfers < 1 {
		maxTransfers = 1
	}
	return &Sync{store: store, blobs: blobs, maxTransfers: maxTransfers}
}

// Store returns the underlying docstore.
func (s *Sync) Store() *docstore.DocStore {
	return s.store
}

// PullFile reconciles with the server, then downloads one file's content and
// writes it to destination, creating parent directories as needed. A path
// absent from the document yields protocol.ErrNotFound.
func (s *Sync) PullFile(ctx context.Context, path, destination string) error {
	if err := s.store.Sync(ctx); err != nil {
		return err
	}
	entry, ok := s.store.Document().GetFile(path)
	if !ok {
		return protocol.NotFound("file " + path)
	}
	return s.materialize(ctx, entry.Hash, destination)
}

// PullAll reconciles once, then downloads every file in the document
// (restricted to pathPrefix when non-empty) into destinationDir. An empty
// project is not an error. Downloads run with bounded concurrency; the first
// error aborts the remainder.
func (s *Sync) PullAll(ctx context.Context, destinationDir, pathPrefix string, progress Progress) error {
	if err := s.store.Sync(ctx); err != nil {
		return err
	}

	files := s.store.Document().AllFiles()
	paths := make([]string, 0, len(files))
	for path := range files {
		if pathPrefix != "" && !strings.HasPrefix(path, pathPrefix) {
			continue
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, s.maxTransfers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i, path := range paths {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			dest := filepath.Join(destinationDir, filepath.FromSlash(path))
			if err := s.materialize(ctx, files[path].Hash, dest); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("pull %s: %w", path, err)
					cancel()
				}
				mu.Unlock()
				return
			}
			if progress != nil {
				mu.Lock()
				progress(path, i+1, len(paths))
				mu.Unlock()
			}
		}(i, path)
	}
	wg.Wait()
	return firstErr
}

// PushFile uploads one file's content and records it in the document, then
// reconciles. Pushing a file whose content already matches the document is a
// no-op with no network calls.
func (s *Sync) PushFile(ctx context.Context, path, sourceFile string) error {
	if err := s.ensureSynced(ctx); err != nil {
		return err
	}

	data, err := os.ReadFile(sourceFile)
	if err != nil {
		return fmt.Errorf("read %s: %w", sourceFile, err)
	}
	hash := blob.HashBytes(data)

	if entry, ok := s.store.Document().GetFile(path); ok && entry.Hash == hash {
		logging.Debug("push skipped, content unchanged", zap.String("path", path))
		return nil
	}

	if _, err := s.blobs.Upload(ctx, data); err != nil {
		return err
	}
	s.store.Document().SetFile(path, hash, int64(len(data)))
	return s.store.Sync(ctx)
}

// PushFiles replaces the document's file set with the supplied local files:
// paths present remotely but absent locally are deleted, new and changed
// files are uploaded and recorded, unchanged files are skipped. Content is
// deduplicated across the batch, and the whole batch reconciles with exactly
// one sync so the server sees a single version bump. Fail-fast: any error
// before reconciliation aborts the batch with the server untouched.
func (s *Sync) PushFiles(ctx context.Context, files []LocalFile, progress Progress) error {
	if err := s.ensureSynced(ctx); err != nil {
		return err
	}

	document := s.store.Document()
	remote := document.AllFiles()

	local := make(map[string]LocalFile, len(files))
	for _, f := range files {
		local[f.Path] = f
	}

	var deletes []string
	for path := range remote {
		if _, ok := local[path]; !ok {
			deletes = append(deletes, path)
		}
	}
	sort.Strings(deletes)

	type change struct {
		path string
		hash string
		size int64
	}
	var changes []change
	uploaded := make(map[string]bool)

	paths := make([]string, 0, len(local))
	for path := range local {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for i, path := range paths {
		data, err := os.ReadFile(local[path].Source)
		if err != nil {
			return fmt.Errorf("read %s: %w", local[path].Source, err)
		}
		hash := blob.HashBytes(data)

		if entry, ok := remote[path]; ok && entry.Hash == hash {
			continue
		}

		// Five files with identical bytes cost at most one upload.
		if !uploaded[hash] {
			if _, err := s.blobs.Upload(ctx, data); err != nil {
				return fmt.Errorf("upload %s: %w", path, err)
			}
			uploaded[hash] = true
		}
		changes = append(changes, change{path: path, hash: hash, size: int64(len(data))})
		if progress != nil {
			progress(path, i+1, len(paths))
		}
	}

	if len(deletes) == 0 && len(changes) == 0 {
		logging.Debug("push batch empty, nothing changed")
		return s.store.Sync(ctx)
	}

	for _, path := range deletes {
		document.DeleteFile(path)
	}
	for _, c := range changes {
		document.SetFile(c.path, c.hash, c.size)
	}

	logging.Info("pushing batch",
		zap.Int("changed", len(changes)),
		zap.Int("deleted", len(deletes)),
		zap.Int("uploads", len(uploaded)))
	return s.store.Sync(ctx)
}

// ensureSynced runs an initial reconciliation when the store has never
// synced, so pushes compute their diff against the server's current view.
func (s *Sync) ensureSynced(ctx context.Context) error {
	if s.store.Synced() {
		return nil
	}
	return s.store.Sync(ctx)
}

// materialize downloads a blob and writes it to dest atomically.
func (s *Sync) materialize(ctx context.Context, hash, dest string) error {
	data, err := s.blobs.Download(ctx, hash)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", dest, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".canopy-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", dest, err)
	}
	return nil
}
