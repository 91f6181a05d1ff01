package docstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/canopysync/canopy/internal/doc"
	"github.com/canopysync/canopy/internal/protocol"
)

// fakeServer implements Transport with real version-store semantics: a
// document snapshot, a version counter, and per-version marker history.
type fakeServer struct {
	version  int64
	snapshot []byte
	marker   []byte
	history  map[int64][]byte
	pushes   int

	// afterDiff, when set, runs after FetchDiff returns. Tests use it to
	// simulate a concurrent writer racing between pull check and push.
	afterDiff func(*fakeServer)
}

func newFakeServer() *fakeServer {
	return &fakeServer{history: make(map[int64][]byte)}
}

// apply merges an update server-side and bumps the version.
func (f *fakeServer) apply(t *testing.T, update []byte) {
	t.Helper()
	d, err := doc.NewFromState(f.snapshot)
	if err != nil {
		t.Fatalf("server snapshot: %v", err)
	}
	if err := d.ApplyUpdate(update); err != nil {
		t.Fatalf("server apply: %v", err)
	}
	f.snapshot = d.EncodeState()
	f.marker = d.EncodeMarker()
	f.version++
	f.history[f.version] = f.marker
}

func (f *fakeServer) FetchSnapshot(_ context.Context) ([]byte, int64, error) {
	return f.snapshot, f.version, nil
}

func (f *fakeServer) FetchDiff(_ context.Context, fromVersion int64) (*protocol.Payload, int64, error) {
	defer func() {
		if f.afterDiff != nil {
			f.afterDiff(f)
		}
	}()
	if fromVersion == f.version {
		return nil, f.version, nil
	}
	clientMarker, ok := f.history[fromVersion]
	if fromVersion != 0 && !ok {
		return nil, 0, protocol.NotFound("version history")
	}
	d, err := doc.NewFromState(f.snapshot)
	if err != nil {
		return nil, 0, err
	}
	diff, err := d.DiffSince(clientMarker)
	if err != nil {
		return nil, 0, err
	}
	return &protocol.Payload{Marker: f.marker, Update: diff}, f.version, nil
}

func (f *fakeServer) PushUpdate(_ context.Context, version int64, update []byte) (*protocol.Payload, int64, error) {
	if version != f.version {
		d, err := doc.NewFromState(f.snapshot)
		if err != nil {
			return nil, 0, err
		}
		diff, err := d.DiffSince(f.history[version])
		if err != nil {
			return nil, 0, err
		}
		return nil, 0, &protocol.ConflictError{Version: f.version, Marker: f.marker, Update: diff}
	}

	d, err := doc.NewFromState(f.snapshot)
	if err != nil {
		return nil, 0, err
	}
	if err := d.ApplyUpdate(update); err != nil {
		return nil, 0, err
	}
	f.snapshot = d.EncodeState()
	f.marker = d.EncodeMarker()
	f.version++
	f.history[f.version] = f.marker
	f.pushes++
	return &protocol.Payload{Marker: f.marker, Update: f.snapshot}, f.version, nil
}

// serverFile reads a file entry out of the server's snapshot.
func (f *fakeServer) serverFile(t *testing.T, path string) (doc.FileEntry, bool) {
	t.Helper()
	d, err := doc.NewFromState(f.snapshot)
	if err != nil {
		t.Fatalf("server snapshot: %v", err)
	}
	return d.GetFile(path)
}

func TestDocStore_FirstSync(t *testing.T) {
	server := newFakeServer()
	seed := doc.New()
	seed.SetFile("readme.md", "h1", 10)
	server.apply(t, seed.EncodeState())

	s := New("p", server)
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if !s.Synced() {
		t.Error("Synced false after first sync")
	}
	if s.Version() != 1 {
		t.Errorf("version: got %d, want 1", s.Version())
	}
	if _, ok := s.Document().GetFile("readme.md"); !ok {
		t.Error("server file missing after first sync")
	}
	dirty, err := s.Dirty()
	if err != nil || dirty {
		t.Errorf("Dirty: got %v, %v", dirty, err)
	}
}

func TestDocStore_NoopWhenClean(t *testing.T) {
	server := newFakeServer()
	s := New("p", server)
	ctx := context.Background()

	if err := s.Sync(ctx); err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if server.pushes != 0 {
		t.Errorf("pushes: got %d, want 0", server.pushes)
	}
}

func TestDocStore_PushLocalChange(t *testing.T) {
	server := newFakeServer()
	s := New("p", server)
	ctx := context.Background()

	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	s.Document().SetFile("new.txt", "h1", 5)
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if server.pushes != 1 {
		t.Errorf("pushes: got %d, want 1", server.pushes)
	}
	if _, ok := server.serverFile(t, "new.txt"); !ok {
		t.Error("pushed file missing on server")
	}
	if s.Version() != server.version {
		t.Errorf("version not adopted: client %d, server %d", s.Version(), server.version)
	}
	dirty, err := s.Dirty()
	if err != nil || dirty {
		t.Errorf("Dirty after push: got %v, %v", dirty, err)
	}
}

func TestDocStore_PreSyncWritesPushOnSecondSync(t *testing.T) {
	server := newFakeServer()
	s := New("p", server)
	ctx := context.Background()

	s.Document().SetFile("early.txt", "h1", 3)

	// First sync only adopts the server state, never pushes.
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if server.pushes != 0 {
		t.Fatalf("first sync pushed: %d", server.pushes)
	}
	dirty, err := s.Dirty()
	if err != nil || !dirty {
		t.Fatalf("Dirty: got %v, %v, want true", dirty, err)
	}

	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, ok := server.serverFile(t, "early.txt"); !ok {
		t.Error("pre-sync write never reached the server")
	}
}

func TestDocStore_PullMergesThenReturnsWithoutPush(t *testing.T) {
	server := newFakeServer()
	s := New("p", server)
	ctx := context.Background()
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	// Another client advances the server; this client also has local changes.
	other := doc.New()
	other.SetFile("remote.txt", "hr", 1)
	server.apply(t, other.EncodeState())
	s.Document().SetFile("local.txt", "hl", 2)

	pushesBefore := server.pushes
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	// Merge-then-return: the remote change is merged, the local one is not
	// pushed in the same call.
	if _, ok := s.Document().GetFile("remote.txt"); !ok {
		t.Error("remote change not merged")
	}
	if server.pushes != pushesBefore {
		t.Error("sync pushed in the same call as a pull")
	}
	if s.Version() != server.version {
		t.Errorf("version not adopted: client %d, server %d", s.Version(), server.version)
	}
	dirty, err := s.Dirty()
	if err != nil || !dirty {
		t.Errorf("Dirty after deferred push: got %v, %v, want true", dirty, err)
	}

	// Next call pushes the merged local diff.
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, ok := server.serverFile(t, "local.txt"); !ok {
		t.Error("local change never pushed")
	}
	if _, ok := server.serverFile(t, "remote.txt"); !ok {
		t.Error("push dropped the merged remote change")
	}
}

func TestDocStore_ConflictDefersPush(t *testing.T) {
	server := newFakeServer()
	s := New("p", server)
	ctx := context.Background()
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	s.Document().SetFile("mine.txt", "hm", 1)

	// Race a concurrent writer in between the pull check and the push.
	server.afterDiff = func(f *fakeServer) {
		f.afterDiff = nil
		other := doc.New()
		other.SetFile("theirs.txt", "ht", 2)
		f.apply(t, other.EncodeState())
	}

	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	// Conflict handling merges the catch-up update and defers the push.
	if _, ok := s.Document().GetFile("theirs.txt"); !ok {
		t.Error("catch-up update not merged on conflict")
	}
	if _, ok := server.serverFile(t, "mine.txt"); ok {
		t.Error("conflicted push reached the server in the same call")
	}

	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, ok := server.serverFile(t, "mine.txt"); !ok {
		t.Error("local change never pushed after conflict")
	}
	if _, ok := server.serverFile(t, "theirs.txt"); !ok {
		t.Error("concurrent change lost after conflict resolution")
	}
}

func TestDocStore_PurgedHistoryFallsBackToSnapshot(t *testing.T) {
	server := newFakeServer()
	s := New("p", server)
	ctx := context.Background()
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	// Server advances and purges the client's version from history.
	other := doc.New()
	other.SetFile("later.txt", "h", 1)
	server.apply(t, other.EncodeState())
	delete(server.history, s.Version())

	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, ok := s.Document().GetFile("later.txt"); !ok {
		t.Error("snapshot fallback did not merge server state")
	}
	if s.Version() != server.version {
		t.Errorf("version not adopted: client %d, server %d", s.Version(), server.version)
	}
}

func TestDocStore_StatePersistsAcrossOpen(t *testing.T) {
	server := newFakeServer()
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	state, err := OpenStateFile(path)
	if err != nil {
		t.Fatalf("OpenStateFile: %v", err)
	}
	s, err := Open("p", server, state)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	s.Document().SetFile("kept.txt", "h1", 4)
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	wantVersion := s.Version()
	if err := state.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	state, err = OpenStateFile(path)
	if err != nil {
		t.Fatalf("reopen OpenStateFile: %v", err)
	}
	defer state.Close()
	restored, err := Open("p", server, state)
	if err != nil {
		t.Fatalf("reopen Open: %v", err)
	}

	if restored.Version() != wantVersion {
		t.Errorf("restored version: got %d, want %d", restored.Version(), wantVersion)
	}
	if !restored.Synced() {
		t.Error("restored store not marked synced")
	}
	if _, ok := restored.Document().GetFile("kept.txt"); !ok {
		t.Error("restored document missing file")
	}

	// A restored replica resumes without re-pushing anything.
	pushesBefore := server.pushes
	if err := restored.Sync(ctx); err != nil {
		t.Fatalf("Sync after restore: %v", err)
	}
	if server.pushes != pushesBefore {
		t.Errorf("restore caused a spurious push")
	}
}
