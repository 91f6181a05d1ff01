package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/canopysync/canopy/internal/auth"
	"github.com/canopysync/canopy/internal/blob"
	"github.com/canopysync/canopy/internal/blob/local"
	"github.com/canopysync/canopy/internal/doc"
	"github.com/canopysync/canopy/internal/events"
	"github.com/canopysync/canopy/internal/protocol"
	"github.com/canopysync/canopy/internal/versionstore"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	backend, err := local.New(t.TempDir())
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	srv := NewServer(
		versionstore.NewMemoryStore(100),
		backend,
		auth.New("test-secret", 0),
		events.NewBroadcaster(),
		10<<20,
	)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func versionHeader(t *testing.T, resp *http.Response) int64 {
	t.Helper()
	v, err := strconv.ParseInt(resp.Header.Get(protocol.HeaderVersion), 10, 64)
	if err != nil {
		t.Fatalf("parse %s header: %v", protocol.HeaderVersion, err)
	}
	return v
}

// patchUpdate pushes a single-file update and returns the response.
func patchUpdate(t *testing.T, ts *httptest.Server, ifMatch int64, update []byte) *http.Response {
	t.Helper()
	return do(t, http.MethodPatch, ts.URL+"/v1/projects/proj", update, map[string]string{
		protocol.HeaderIfMatch: strconv.FormatInt(ifMatch, 10),
	})
}

func fileUpdate(t *testing.T, path, hash string) []byte {
	t.Helper()
	d := doc.New()
	d.SetFile(path, hash, 1)
	return d.EncodeState()
}

func TestServer_SnapshotUnknownProject(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/v1/projects/proj", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	if v := versionHeader(t, resp); v != 0 {
		t.Errorf("version: got %d, want 0", v)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Errorf("expected empty snapshot, got %d bytes", len(body))
	}
}

func TestServer_UpdateSuccess(t *testing.T) {
	ts := newTestServer(t)

	resp := patchUpdate(t, ts, 0, fileUpdate(t, "a.txt", "h1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	if v := versionHeader(t, resp); v != 1 {
		t.Errorf("version: got %d, want 1", v)
	}

	body, _ := io.ReadAll(resp.Body)
	payload, err := protocol.DecodePayload(body)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	merged, err := doc.NewFromState(payload.Update)
	if err != nil {
		t.Fatalf("NewFromState: %v", err)
	}
	if _, ok := merged.GetFile("a.txt"); !ok {
		t.Error("merged snapshot missing pushed file")
	}
	if len(payload.Marker) == 0 {
		t.Error("response missing state marker")
	}
}

func TestServer_UpdateStaleVersionConflict(t *testing.T) {
	ts := newTestServer(t)

	if resp := patchUpdate(t, ts, 0, fileUpdate(t, "first.txt", "h1")); resp.StatusCode != http.StatusOK {
		t.Fatalf("seed push: %d", resp.StatusCode)
	}

	// A second writer pushing against version 0 must get the catch-up diff.
	resp := patchUpdate(t, ts, 0, fileUpdate(t, "second.txt", "h2"))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status: got %d, want 409", resp.StatusCode)
	}
	if v := versionHeader(t, resp); v != 1 {
		t.Errorf("version: got %d, want 1", v)
	}
	body, _ := io.ReadAll(resp.Body)
	payload, err := protocol.DecodePayload(body)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	catchup := doc.New()
	if err := catchup.ApplyUpdate(payload.Update); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if _, ok := catchup.GetFile("first.txt"); !ok {
		t.Error("catch-up payload missing the concurrent write")
	}
}

func TestServer_UpdateMalformed(t *testing.T) {
	ts := newTestServer(t)
	resp := patchUpdate(t, ts, 0, []byte("{broken"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}

func TestServer_Diff(t *testing.T) {
	ts := newTestServer(t)
	if resp := patchUpdate(t, ts, 0, fileUpdate(t, "a.txt", "h1")); resp.StatusCode != http.StatusOK {
		t.Fatalf("seed push: %d", resp.StatusCode)
	}

	// Caller already at the current version.
	resp := do(t, http.MethodGet, ts.URL+"/v1/projects/proj/diff?fromVersion=1", nil, nil)
	if resp.StatusCode != http.StatusNotModified {
		t.Errorf("status at head: got %d, want 304", resp.StatusCode)
	}

	// Caller at version 0 gets the full catch-up.
	resp = do(t, http.MethodGet, ts.URL+"/v1/projects/proj/diff?fromVersion=0", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status behind head: got %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	payload, err := protocol.DecodePayload(body)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	d := doc.New()
	if err := d.ApplyUpdate(payload.Update); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if _, ok := d.GetFile("a.txt"); !ok {
		t.Error("diff missing file")
	}

	// A version the server never recorded is gone from history.
	resp = do(t, http.MethodGet, ts.URL+"/v1/projects/proj/diff?fromVersion=42", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status for purged version: got %d, want 404", resp.StatusCode)
	}
}

func blobToken(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp := do(t, http.MethodPost, ts.URL+"/v1/projects/proj/blob-token", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("blob-token status: %d", resp.StatusCode)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if body.Token == "" {
		t.Fatal("empty token")
	}
	return body.Token
}

func TestServer_BlobLifecycle(t *testing.T) {
	ts := newTestServer(t)
	token := blobToken(t, ts)

	content := []byte("blob content")
	hash := blob.HashBytes(content)
	url := ts.URL + "/v1/blobs/proj/" + hash

	// Upload requires a credential.
	resp := do(t, http.MethodPut, url, content, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated put: got %d, want 401", resp.StatusCode)
	}

	authz := map[string]string{"Authorization": "Bearer " + token}
	resp = do(t, http.MethodPut, url, content, authz)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("put: got %d, want 201", resp.StatusCode)
	}

	// Re-upload is deduplicated.
	resp = do(t, http.MethodPut, url, content, authz)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("dedup put: got %d, want 200", resp.StatusCode)
	}

	resp = do(t, http.MethodHead, url, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("head: got %d, want 200", resp.StatusCode)
	}

	resp = do(t, http.MethodGet, url, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: got %d, want 200", resp.StatusCode)
	}
	got, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(got, content) {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}

	resp = do(t, http.MethodDelete, url, nil, authz)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete: got %d, want 204", resp.StatusCode)
	}
	resp = do(t, http.MethodHead, url, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("head after delete: got %d, want 404", resp.StatusCode)
	}
}

func TestServer_BlobHashMismatch(t *testing.T) {
	ts := newTestServer(t)
	token := blobToken(t, ts)

	url := ts.URL + "/v1/blobs/proj/" + blob.HashBytes([]byte("expected"))
	resp := do(t, http.MethodPut, url, []byte("different"), map[string]string{
		"Authorization": "Bearer " + token,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}

func TestServer_BlobTokenScope(t *testing.T) {
	ts := newTestServer(t)
	token := blobToken(t, ts) // scoped to "proj"

	content := []byte("x")
	url := ts.URL + "/v1/blobs/other/" + blob.HashBytes(content)
	resp := do(t, http.MethodPut, url, content, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("cross-project token: got %d, want 401", resp.StatusCode)
	}
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t)
	resp := do(t, http.MethodGet, ts.URL+"/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
}
