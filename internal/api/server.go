// Package api provides the HTTP server for the version store: the document
// sync endpoints, content-addressed blob endpoints, and the SSE event feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/canopysync/canopy/internal/auth"
	"github.com/canopysync/canopy/internal/blob"
	"github.com/canopysync/canopy/internal/doc"
	"github.com/canopysync/canopy/internal/events"
	"github.com/canopysync/canopy/internal/logging"
	"github.com/canopysync/canopy/internal/metrics"
	"github.com/canopysync/canopy/internal/protocol"
	"github.com/canopysync/canopy/internal/versionstore"
)

// Server is the version-store HTTP server.
type Server struct {
	store       versionstore.Store
	blobs       blob.Backend
	tokens      *auth.Tokens
	broadcaster *events.Broadcaster
	maxBlobSize int64
}

// NewServer creates a new server.
func NewServer(store versionstore.Store, blobs blob.Backend, tokens *auth.Tokens, broadcaster *events.Broadcaster, maxBlobSize int64) *Server {
	return &Server{
		store:       store,
		blobs:       blobs,
		tokens:      tokens,
		broadcaster: broadcaster,
		maxBlobSize: maxBlobSize,
	}
}

// Handler returns the routed HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Document sync protocol
	mux.HandleFunc("GET /v1/projects/{id}", s.handleSnapshot)
	mux.HandleFunc("PATCH /v1/projects/{id}", s.handleUpdate)
	mux.HandleFunc("GET /v1/projects/{id}/diff", s.handleDiff)
	mux.HandleFunc("GET /v1/projects/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /v1/projects/{id}/blob-token", s.handleBlobToken)

	// Content-addressed blob access
	mux.HandleFunc("GET /v1/blobs/{project}/{hash}", s.handleBlobGet)
	mux.HandleFunc("HEAD /v1/blobs/{project}/{hash}", s.handleBlobHead)
	mux.HandleFunc("PUT /v1/blobs/{project}/{hash}", s.handleBlobPut)
	mux.HandleFunc("DELETE /v1/blobs/{project}/{hash}", s.handleBlobDelete)

	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// handleSnapshot serves the full document snapshot with the current version
// in the X-Version header.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")

	p, err := s.store.Get(r.Context(), projectID)
	if err != nil {
		logging.Error("get project failed", zap.String("project", projectID), zap.Error(err))
		sendError(w, http.StatusInternalServerError, "version store unavailable")
		return
	}

	w.Header().Set(protocol.HeaderVersion, strconv.FormatInt(p.Version, 10))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(p.Snapshot)
}

// handleUpdate merges a client update into the project document under an
// If-Match version precondition. Success returns the merged full snapshot;
// a precondition failure returns 409 with the catch-up payload.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	ctx := r.Context()

	clientVersion, err := parseVersionHeader(r.Header.Get(protocol.HeaderIfMatch))
	if err != nil {
		sendError(w, http.StatusBadRequest, "malformed If-Match header")
		return
	}

	update, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBlobSize))
	if err != nil {
		sendError(w, http.StatusBadRequest, "read update: "+err.Error())
		return
	}

	p, err := s.store.Get(ctx, projectID)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "version store unavailable")
		return
	}

	if p.Version != clientVersion {
		s.sendConflict(ctx, w, p, clientVersion)
		return
	}

	document, err := doc.NewFromState(p.Snapshot)
	if err != nil {
		logging.Error("stored snapshot undecodable", zap.String("project", projectID), zap.Error(err))
		sendError(w, http.StatusInternalServerError, "corrupt stored snapshot")
		return
	}
	if err := document.ApplyUpdate(update); err != nil {
		var pe *protocol.ProtocolError
		if errors.As(err, &pe) {
			sendError(w, http.StatusBadRequest, pe.Error())
			return
		}
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	snapshot := document.EncodeState()
	marker := document.EncodeMarker()

	newVersion, err := s.store.CompareAndSwap(ctx, projectID, p.Version, snapshot, marker)
	if errors.Is(err, versionstore.ErrStaleVersion) {
		// Lost a race with another writer between Get and CAS. One
		// attempt only; hand the client the catch-up payload.
		current, gerr := s.store.Get(ctx, projectID)
		if gerr != nil {
			sendError(w, http.StatusInternalServerError, "version store unavailable")
			return
		}
		s.sendConflict(ctx, w, current, clientVersion)
		return
	}
	if err != nil {
		logging.Error("compare-and-swap failed", zap.String("project", projectID), zap.Error(err))
		sendError(w, http.StatusInternalServerError, "version store unavailable")
		return
	}

	s.broadcaster.Publish(events.Event{
		Type:      events.EventVersion,
		ProjectID: projectID,
		Version:   newVersion,
	})
	metrics.SetDocumentVersion(projectID, newVersion)
	logging.Info("document updated",
		zap.String("project", projectID),
		zap.Int64("version", newVersion),
		zap.Int("update_bytes", len(update)))

	w.Header().Set(protocol.HeaderVersion, strconv.FormatInt(newVersion, 10))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(protocol.EncodePayload(marker, snapshot))
}

// sendConflict answers a failed version precondition: 409 plus everything
// the client needs to catch up from clientVersion to the current state.
// When the client's version has been purged from history the diff falls back
// to the full state, which merges identically.
func (s *Server) sendConflict(ctx context.Context, w http.ResponseWriter, p *versionstore.Project, clientVersion int64) {
	metrics.RecordSyncConflict()

	clientMarker, err := s.store.MarkerAt(ctx, p.ID, clientVersion)
	if err != nil && !errors.Is(err, protocol.ErrNotFound) {
		sendError(w, http.StatusInternalServerError, "version store unavailable")
		return
	}

	document, err := doc.NewFromState(p.Snapshot)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "corrupt stored snapshot")
		return
	}
	diff, err := document.DiffSince(clientMarker)
	if err != nil {
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set(protocol.HeaderVersion, strconv.FormatInt(p.Version, 10))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusConflict)
	w.Write(protocol.EncodePayload(p.Marker, diff))
}

// handleDiff serves the incremental update since a client-held version:
// 304 when the server has not advanced, 404 when the requested version has
// been purged from history, otherwise 200 with the framed payload.
func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	ctx := r.Context()

	fromVersion, err := parseVersionHeader(r.URL.Query().Get("fromVersion"))
	if err != nil {
		sendError(w, http.StatusBadRequest, "malformed fromVersion")
		return
	}

	p, err := s.store.Get(ctx, projectID)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "version store unavailable")
		return
	}

	if p.Version == fromVersion {
		w.Header().Set(protocol.HeaderVersion, strconv.FormatInt(p.Version, 10))
		w.WriteHeader(http.StatusNotModified)
		return
	}

	fromMarker, err := s.store.MarkerAt(ctx, projectID, fromVersion)
	if err != nil {
		if errors.Is(err, protocol.ErrNotFound) {
			sendError(w, http.StatusNotFound, fmt.Sprintf("version %d purged from history", fromVersion))
			return
		}
		sendError(w, http.StatusInternalServerError, "version store unavailable")
		return
	}

	document, err := doc.NewFromState(p.Snapshot)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "corrupt stored snapshot")
		return
	}
	diff, err := document.DiffSince(fromMarker)
	if err != nil {
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set(protocol.HeaderVersion, strconv.FormatInt(p.Version, 10))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(protocol.EncodePayload(p.Marker, diff))
}

// handleBlobToken issues a short-lived, project-scoped upload credential.
func (s *Server) handleBlobToken(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")

	token, expires, err := s.tokens.IssueBlobToken(projectID)
	if err != nil {
		logging.Error("blob token issue failed", zap.String("project", projectID), zap.Error(err))
		sendError(w, http.StatusInternalServerError, "token issue failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"token":      token,
		"expires_at": expires.Unix(),
	})
}

// handleEvents streams version-bump events for one project over SSE.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		sendError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe(projectID)
	defer s.broadcaster.Unsubscribe(ch)

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event := <-ch:
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

func parseVersionHeader(value string) (int64, error) {
	if value == "" {
		return 0, nil
	}
	return strconv.ParseInt(value, 10, 64)
}
