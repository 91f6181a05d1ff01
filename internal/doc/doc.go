// Package doc implements the mergeable project document: two keyed
// collections, files (path -> hash/mtime) and blobs (hash -> size), with
// delta-state CRDT semantics.
//
// Every write is stamped with a Lamport sequence number and the actor ID of
// the replica that produced it. Merging is last-writer-wins per key, ordered
// by (sequence, actor). Applying the same update twice, or a set of updates
// in any order, converges to the same state on every replica. Deleted file
// entries are kept as tombstones so deletions propagate; blob entries are
// additive-only and never removed.
package doc

import (
	"time"

	"github.com/google/uuid"
)

// FileEntry is the visible metadata for one project-relative path.
// MTime is milliseconds since epoch and is advisory only; it plays no part
// in conflict resolution.
type FileEntry struct {
	Hash  string
	MTime int64
}

// BlobEntry records a known content hash and its byte size.
type BlobEntry struct {
	Size int64
}

// fileRecord is the replicated form of a files entry, tombstones included.
type fileRecord struct {
	Path    string `json:"path"`
	Hash    string `json:"hash,omitempty"`
	MTime   int64  `json:"mtime,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
	Seq     uint64 `json:"seq"`
	Actor   string `json:"actor"`
}

// blobRecord is the replicated form of a blobs entry.
type blobRecord struct {
	Hash  string `json:"hash"`
	Size  int64  `json:"size"`
	Seq   uint64 `json:"seq"`
	Actor string `json:"actor"`
}

// newer reports whether the write stamped (seq, actor) supersedes
// (otherSeq, otherActor). Ties on sequence break by actor ID so that all
// replicas pick the same winner.
func newer(seq uint64, actor string, otherSeq uint64, otherActor string) bool {
	if seq != otherSeq {
		return seq > otherSeq
	}
	return actor > otherActor
}

// Document is one replica of the project document. It is not safe for
// concurrent use; callers serialize access per instance.
type Document struct {
	actor string
	seq   uint64
	files map[string]fileRecord
	blobs map[string]blobRecord
}

// New creates an empty document replica with a fresh actor ID.
func New() *Document {
	return &Document{
		actor: uuid.NewString(),
		files: make(map[string]fileRecord),
		blobs: make(map[string]blobRecord),
	}
}

// NewFromState creates a replica initialized from an encoded full state.
func NewFromState(state []byte) (*Document, error) {
	d := New()
	if err := d.ApplyUpdate(state); err != nil {
		return nil, err
	}
	return d, nil
}

// Actor returns this replica's actor ID.
func (d *Document) Actor() string {
	return d.actor
}

// next advances the Lamport clock for a local write.
func (d *Document) next() uint64 {
	d.seq++
	return d.seq
}

// observe folds a remote stamp into the local Lamport clock.
func (d *Document) observe(seq uint64) {
	if seq > d.seq {
		d.seq = seq
	}
}

// SetFile upserts files[path] and, if the hash is not yet known, records it
// in blobs with the given size. Content must already be in the content store:
// SetFile moves no bytes.
func (d *Document) SetFile(path, hash string, size int64) {
	seq := d.next()
	d.files[path] = fileRecord{
		Path:  path,
		Hash:  hash,
		MTime: time.Now().UnixMilli(),
		Seq:   seq,
		Actor: d.actor,
	}
	if _, ok := d.blobs[hash]; !ok {
		d.blobs[hash] = blobRecord{
			Hash:  hash,
			Size:  size,
			Seq:   seq,
			Actor: d.actor,
		}
	}
}

// GetFile returns the entry for path, if present and not deleted.
func (d *Document) GetFile(path string) (FileEntry, bool) {
	rec, ok := d.files[path]
	if !ok || rec.Deleted {
		return FileEntry{}, false
	}
	return FileEntry{Hash: rec.Hash, MTime: rec.MTime}, true
}

// DeleteFile removes path from the file index. The blob entry stays: other
// paths, now or after a later merge, may reference the same content.
func (d *Document) DeleteFile(path string) {
	rec, ok := d.files[path]
	if !ok || rec.Deleted {
		return
	}
	d.files[path] = fileRecord{
		Path:    path,
		Deleted: true,
		Seq:     d.next(),
		Actor:   d.actor,
	}
}

// GetBlob returns the blob entry for a content hash.
func (d *Document) GetBlob(hash string) (BlobEntry, bool) {
	rec, ok := d.blobs[hash]
	if !ok {
		return BlobEntry{}, false
	}
	return BlobEntry{Size: rec.Size}, true
}

// PullReady reports whether path may be advertised for download: the file
// entry and its blob entry must both exist. A document missing the blob half
// is still mergeable, just not complete for this path yet.
func (d *Document) PullReady(path string) bool {
	rec, ok := d.files[path]
	if !ok || rec.Deleted {
		return false
	}
	_, ok = d.blobs[rec.Hash]
	return ok
}

// AllFiles returns a snapshot copy of the live file index. Mutating the
// returned map does not affect the document.
func (d *Document) AllFiles() map[string]FileEntry {
	out := make(map[string]FileEntry, len(d.files))
	for path, rec := range d.files {
		if rec.Deleted {
			continue
		}
		out[path] = FileEntry{Hash: rec.Hash, MTime: rec.MTime}
	}
	return out
}

// FileCount returns the number of live file entries.
func (d *Document) FileCount() int {
	n := 0
	for _, rec := range d.files {
		if !rec.Deleted {
			n++
		}
	}
	return n
}

// merge folds one replicated file record into the index, LWW per key.
func (d *Document) mergeFile(rec fileRecord) {
	d.observe(rec.Seq)
	cur, ok := d.files[rec.Path]
	if ok && !newer(rec.Seq, rec.Actor, cur.Seq, cur.Actor) {
		return
	}
	d.files[rec.Path] = rec
}

func (d *Document) mergeBlob(rec blobRecord) {
	d.observe(rec.Seq)
	cur, ok := d.blobs[rec.Hash]
	if ok && !newer(rec.Seq, rec.Actor, cur.Seq, cur.Actor) {
		return
	}
	d.blobs[rec.Hash] = rec
}
