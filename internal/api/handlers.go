package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/kylephillipsau/nosdesk-collab/internal/middleware"
	"github.com/kylephillipsau/nosdesk-collab/internal/repository"
)

// Handler serves the revision REST surface next to the WebSocket rooms.
type Handler struct {
	revisions RevisionStore
	updates   UpdateLog
}

// NewHandler creates the REST handler.
func NewHandler(revisions RevisionStore, updates UpdateLog) *Handler {
	return &Handler{revisions: revisions, updates: updates}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ListRevisions returns a document's snapshots, newest first, without
// content.
func (h *Handler) ListRevisions(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	snaps, err := h.revisions.ListSnapshots(r.Context(), documentID)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document_id": documentID,
		"revisions":   snaps,
	})
}

// GetRevision returns one snapshot including its base64 content, ready for
// the revision viewer.
func (h *Handler) GetRevision(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	documentID := vars["id"]

	revision, err := strconv.Atoi(vars["rev"])
	if err != nil {
		http.Error(w, "revision must be an integer", http.StatusBadRequest)
		return
	}

	snap, err := h.revisions.GetSnapshot(r.Context(), documentID, revision)
	if err != nil {
		if errors.Is(err, repository.ErrRevisionNotFound) {
			http.Error(w, "revision not found", http.StatusNotFound)
			return
		}
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

type createRevisionRequest struct {
	Content   string `json:"document_content"`
	CreatedBy string `json:"created_by"`
}

// CreateRevision stores a new snapshot. Content must be the base64 document
// encoding; the revision number is assigned server-side.
func (h *Handler) CreateRevision(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	var req createRevisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		http.Error(w, "document_content is required", http.StatusBadRequest)
		return
	}
	if _, err := base64.StdEncoding.DecodeString(req.Content); err != nil {
		http.Error(w, "document_content must be base64", http.StatusBadRequest)
		return
	}

	snap, err := h.revisions.CreateSnapshot(r.Context(), documentID, req.Content, req.CreatedBy)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, snap)
}

// DocumentStats reports the update log size, mostly for operators deciding
// when to snapshot and prune.
func (h *Handler) DocumentStats(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	count, err := h.updates.CountUpdates(r.Context(), documentID)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document_id":  documentID,
		"update_count": count,
	})
}

// Health is the liveness endpoint.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
