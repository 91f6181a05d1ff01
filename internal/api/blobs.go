package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/canopysync/canopy/internal/blob"
	"github.com/canopysync/canopy/internal/logging"
	"github.com/canopysync/canopy/internal/metrics"
	"github.com/canopysync/canopy/internal/protocol"
)

// requireBlobToken validates the Bearer blob token scoping the request to
// the project in the path.
func (s *Server) requireBlobToken(w http.ResponseWriter, r *http.Request, projectID string) bool {
	header := r.Header.Get("Authorization")
	tokenStr, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenStr == "" {
		sendError(w, http.StatusUnauthorized, "missing blob token")
		return false
	}
	if err := s.tokens.ValidateBlobToken(tokenStr, projectID); err != nil {
		sendError(w, http.StatusUnauthorized, "invalid blob token")
		return false
	}
	return true
}

// handleBlobPut stores a blob under its content hash. The body must hash to
// the hash in the path. Re-uploads of existing blobs are deduplicated.
func (s *Server) handleBlobPut(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project")
	hash := r.PathValue("hash")
	ctx := r.Context()

	if !s.requireBlobToken(w, r, projectID) {
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBlobSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendError(w, http.StatusRequestEntityTooLarge, "blob exceeds size limit")
			return
		}
		sendError(w, http.StatusBadRequest, "read blob: "+err.Error())
		return
	}

	if got := blob.HashBytes(data); got != hash {
		sendError(w, http.StatusBadRequest, "content hash mismatch")
		return
	}

	exists, err := s.blobs.Exists(ctx, hash)
	if err != nil {
		logging.Error("blob exists check failed", zap.String("hash", hash), zap.Error(err))
		sendError(w, http.StatusInternalServerError, "blob backend unavailable")
		return
	}
	if exists {
		metrics.RecordBlobDedupHit()
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := s.blobs.Put(ctx, hash, bytes.NewReader(data), int64(len(data))); err != nil {
		logging.Error("blob put failed", zap.String("hash", hash), zap.Error(err))
		metrics.RecordBlobUpload(0, false)
		sendError(w, http.StatusInternalServerError, "blob backend unavailable")
		return
	}
	metrics.RecordBlobUpload(int64(len(data)), true)
	logging.Info("blob stored",
		zap.String("project", projectID),
		zap.String("hash", hash),
		zap.Int("bytes", len(data)))

	w.WriteHeader(http.StatusCreated)
}

// handleBlobGet streams a blob by content hash.
func (s *Server) handleBlobGet(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	ctx := r.Context()

	body, size, err := s.blobs.Get(ctx, hash)
	if err != nil {
		if errors.Is(err, protocol.ErrNotFound) {
			sendError(w, http.StatusNotFound, "blob not found")
			return
		}
		logging.Error("blob get failed", zap.String("hash", hash), zap.Error(err))
		sendError(w, http.StatusInternalServerError, "blob backend unavailable")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	written, err := io.Copy(w, body)
	if err != nil {
		logging.Error("blob stream interrupted", zap.String("hash", hash), zap.Error(err))
		return
	}
	metrics.RecordBlobDownload(written)
}

// handleBlobHead reports blob existence without a body.
func (s *Server) handleBlobHead(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")

	exists, err := s.blobs.Exists(r.Context(), hash)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleBlobDelete removes a blob. Requires a project-scoped token.
func (s *Server) handleBlobDelete(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project")
	hash := r.PathValue("hash")

	if !s.requireBlobToken(w, r, projectID) {
		return
	}

	if err := s.blobs.Delete(r.Context(), hash); err != nil {
		if errors.Is(err, protocol.ErrNotFound) {
			sendError(w, http.StatusNotFound, "blob not found")
			return
		}
		logging.Error("blob delete failed", zap.String("hash", hash), zap.Error(err))
		sendError(w, http.StatusInternalServerError, "blob backend unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
