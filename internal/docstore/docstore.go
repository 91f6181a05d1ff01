// Package docstore implements the client side of document reconciliation:
// one replica of the project document, the last server version it has fully
// incorporated, and the sync state machine that exchanges diffs with the
// version store.
package docstore

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/canopysync/canopy/internal/doc"
	"github.com/canopysync/canopy/internal/logging"
	"github.com/canopysync/canopy/internal/metrics"
	"github.com/canopysync/canopy/internal/protocol"
)

// Transport is the subset of the sync protocol a DocStore drives. Implemented
// by docclient.Client; tests substitute fakes.
type Transport interface {
	// FetchSnapshot downloads the full document state and its version.
	FetchSnapshot(ctx context.Context) ([]byte, int64, error)
	// FetchDiff downloads the update since fromVersion. A nil payload means
	// the server has not advanced. Purged versions yield protocol.ErrNotFound.
	FetchDiff(ctx context.Context, fromVersion int64) (*protocol.Payload, int64, error)
	// PushUpdate sends an update under a version precondition. A failed
	// precondition surfaces as *protocol.ConflictError.
	PushUpdate(ctx context.Context, version int64, update []byte) (*protocol.Payload, int64, error)
}

// DocStore wraps one document replica with the reconciliation state. Not safe
// for concurrent use; callers serialize Sync, SetFile, and DeleteFile.
type DocStore struct {
	projectID string
	doc       *doc.Document
	transport Transport
	state     *StateFile // optional persistence, nil for in-memory only

	synced  bool
	version int64
	marker  []byte // state marker as of the last successful reconciliation
	pending []byte // local diff not yet acknowledged by the server
}

// New creates an unsynced DocStore with an empty document.
func New(projectID string, transport Transport) *DocStore {
	return &DocStore{
		projectID: projectID,
		doc:       doc.New(),
		transport: transport,
	}
}

// Open creates a DocStore bound to a state file, restoring any persisted
// snapshot and version so reconciliation resumes where the last process left
// off.
func Open(projectID string, transport Transport, state *StateFile) (*DocStore, error) {
	s := New(projectID, transport)
	s.state = state

	rec, err := state.Load(projectID)
	if err != nil {
		return nil, fmt.Errorf("load docstore state: %w", err)
	}
	if rec == nil {
		return s, nil
	}

	document, err := doc.NewFromState(rec.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("restore document snapshot: %w", err)
	}
	s.doc = document
	s.synced = rec.Synced
	s.version = rec.Version
	s.marker = rec.Marker
	return s, nil
}

// Document returns the underlying replica for direct reads and writes.
func (s *DocStore) Document() *doc.Document {
	return s.doc
}

// Version returns the last fully incorporated server version.
func (s *DocStore) Version() int64 {
	return s.version
}

// Synced reports whether the store has ever completed a first sync.
func (s *DocStore) Synced() bool {
	return s.synced
}

// Dirty reports whether the document holds changes not yet covered by the
// last reconciliation marker.
func (s *DocStore) Dirty() (bool, error) {
	if !s.synced {
		return s.doc.FileCount() > 0, nil
	}
	diff, err := s.doc.DiffSince(s.marker)
	if err != nil {
		return false, err
	}
	return diff != nil, nil
}

// Sync runs one reconciliation cycle. Each call does a bounded amount of
// work: a pull that merges remote changes returns without pushing, deferring
// the merged local diff to the next call. Transient network errors are
// returned marked retryable; the store's state is unchanged on error, so the
// whole call is safe to repeat.
func (s *DocStore) Sync(ctx context.Context) error {
	if !s.synced {
		return s.firstSync(ctx)
	}

	pending, err := s.doc.DiffSince(s.marker)
	if err != nil {
		return err
	}
	s.pending = pending

	payload, version, err := s.transport.FetchDiff(ctx, s.version)
	if errors.Is(err, protocol.ErrNotFound) {
		// Our version fell out of the server's history. Pull the full
		// snapshot instead; merging it is equivalent to any diff.
		return s.pullSnapshot(ctx)
	}
	if err != nil {
		metrics.RecordSyncCycle("error")
		return err
	}
	if payload != nil {
		return s.adoptRemote(payload.Update, payload.Marker, version, "pulled")
	}

	if len(s.pending) == 0 {
		metrics.RecordSyncCycle("noop")
		return nil
	}

	result, newVersion, err := s.transport.PushUpdate(ctx, s.version, s.pending)
	if ce, ok := protocol.AsConflict(err); ok {
		return s.adoptRemote(ce.Update, ce.Marker, ce.Version, "conflict")
	}
	if err != nil {
		metrics.RecordSyncCycle("error")
		return err
	}

	// The server's response is the merged authoritative snapshot. Applying
	// it is idempotent over what we already hold.
	if err := s.doc.ApplyUpdate(result.Update); err != nil {
		return err
	}
	s.version = newVersion
	s.marker = result.Marker
	s.pending = nil
	metrics.RecordSyncCycle("pushed")
	logging.Debug("sync pushed",
		zap.String("project", s.projectID),
		zap.Int64("version", newVersion))
	return s.save()
}

// adoptRemote merges a server update, adopts its version and marker, then
// re-applies the pending local diff on top and recomputes it against the new
// marker. The push is deferred to the next Sync call.
func (s *DocStore) adoptRemote(update, marker []byte, version int64, outcome string) error {
	if err := s.doc.ApplyUpdate(update); err != nil {
		return err
	}
	s.version = version
	s.marker = marker

	if err := s.doc.ApplyUpdate(s.pending); err != nil {
		return err
	}
	pending, err := s.doc.DiffSince(s.marker)
	if err != nil {
		return err
	}
	s.pending = pending

	if outcome == "conflict" {
		metrics.RecordSyncConflict()
	}
	metrics.RecordSyncCycle(outcome)
	logging.Debug("sync merged remote changes",
		zap.String("project", s.projectID),
		zap.Int64("version", version),
		zap.Bool("pending", len(pending) > 0))
	return s.save()
}

// pullSnapshot replaces the incremental pull when history is unavailable.
func (s *DocStore) pullSnapshot(ctx context.Context) error {
	state, version, err := s.transport.FetchSnapshot(ctx)
	if err != nil {
		metrics.RecordSyncCycle("error")
		return err
	}
	remote, err := doc.NewFromState(state)
	if err != nil {
		return err
	}
	return s.adoptRemote(state, remote.EncodeMarker(), version, "pulled")
}

// firstSync initializes the store from the server's full snapshot. Local
// changes made before the first sync stay pending and push on the next call.
func (s *DocStore) firstSync(ctx context.Context) error {
	state, version, err := s.transport.FetchSnapshot(ctx)
	if err != nil {
		metrics.RecordSyncCycle("error")
		return err
	}

	// The marker must cover exactly the server's records so that local
	// pre-sync writes show up in the next DiffSince.
	remote, err := doc.NewFromState(state)
	if err != nil {
		return err
	}
	if err := s.doc.ApplyUpdate(state); err != nil {
		return err
	}
	s.synced = true
	s.version = version
	s.marker = remote.EncodeMarker()
	metrics.RecordSyncCycle("first")
	logging.Debug("first sync complete",
		zap.String("project", s.projectID),
		zap.Int64("version", version),
		zap.Int("files", s.doc.FileCount()))
	return s.save()
}

func (s *DocStore) save() error {
	if s.state == nil {
		return nil
	}
	return s.state.Save(s.projectID, &StateRecord{
		Synced:   s.synced,
		Version:  s.version,
		Marker:   s.marker,
		Snapshot: s.doc.EncodeState(),
	})
}
