package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/repbook/core/internal/errors"
	"github.com/repbook/core/internal/records"
	"github.com/repbook/core/internal/session"
	"github.com/repbook/core/internal/uuid"
)

// RecordsHandler serves record CRUD over the repository facade. Every
// mutation returns as soon as local state is committed; backend
// propagation is observable through the status endpoints.
type RecordsHandler struct {
	svc  *records.Service
	sess *session.Manager
}

// NewRecordsHandler creates a RecordsHandler.
func NewRecordsHandler(svc *records.Service, sess *session.Manager) *RecordsHandler {
	return &RecordsHandler{svc: svc, sess: sess}
}

// pathID extracts and validates the record id path segment. Ids are
// minted client-side as UUID v4, so anything shaped differently is
// rejected before it reaches the engine.
func pathID(r *http.Request) (string, error) {
	id := r.PathValue("id")
	if err := uuid.Validate(id); err != nil {
		return "", errors.New(errors.ErrValidation, "invalid record id")
	}
	return id, nil
}

// List handles GET /api/records. The owner_id query parameter scopes
// the listing; without it the signed-in owner's records are listed.
func (h *RecordsHandler) List(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		ownerID, _ = h.sess.Current()
	}
	if ownerID == "" {
		writeError(w, errors.New(errors.ErrValidation, "owner_id is required"))
		return
	}

	list := h.svc.List(ownerID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": list,
		"count":   len(list),
	})
}

// Create handles POST /api/records.
func (h *RecordsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Name    string `json:"name"`
		OwnerID string `json:"owner_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, errors.New(errors.ErrValidation, "invalid request body"))
		return
	}
	if request.OwnerID == "" {
		request.OwnerID, _ = h.sess.Current()
	}

	rec, err := h.svc.Create(r.Context(), request.Name, request.OwnerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// Update handles PUT /api/records/{id}.
func (h *RecordsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var partial records.Partial
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		writeError(w, errors.New(errors.ErrValidation, "invalid request body"))
		return
	}

	rec, err := h.svc.Update(r.Context(), id, partial)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Delete handles DELETE /api/records/{id}.
func (h *RecordsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.svc.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SyncStatus handles GET /api/records/{id}/status.
func (h *RecordsHandler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	status, err := h.svc.GetSyncStatus(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"record_id": id,
		"status":    status,
	})
}
