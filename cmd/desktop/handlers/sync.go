package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/repbook/core/internal/errors"
	"github.com/repbook/core/internal/records"
	"github.com/repbook/core/internal/sync/scheduler"
)

// WSSyncBroadcaster pushes flush lifecycle events to WebSocket clients.
type WSSyncBroadcaster interface {
	BroadcastFlushStarted()
	BroadcastFlushCompleted(stats map[string]int)
	BroadcastFlushFailed(errorCode string, retryable bool)
	BroadcastOnlineChanged(online bool)
}

// SyncHandler serves sync engine status and controls.
type SyncHandler struct {
	sched *scheduler.Scheduler
	svc   *records.Service
	wsHub WSSyncBroadcaster
}

// NewSyncHandler creates a SyncHandler. The WebSocket hub is attached
// separately via SetWebSocketHub.
func NewSyncHandler(sched *scheduler.Scheduler, svc *records.Service) *SyncHandler {
	return &SyncHandler{sched: sched, svc: svc}
}

// SetWebSocketHub attaches the hub used for flush lifecycle events.
func (h *SyncHandler) SetWebSocketHub(wsHub WSSyncBroadcaster) {
	h.wsHub = wsHub
}

// GetStatus handles GET /api/sync/status.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.GetStatus())
}

// TriggerSync handles POST /api/sync/now: a synchronous queue flush
// that reports why it could not run when it cannot.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if h.wsHub != nil {
		h.wsHub.BroadcastFlushStarted()
	}

	if err := h.sched.FlushNow(r.Context()); err != nil {
		if h.wsHub != nil {
			h.wsHub.BroadcastFlushFailed(string(errors.Code(err)), errors.Retryable(err))
		}
		writeError(w, err)
		return
	}

	status := h.sched.GetStatus()
	if h.wsHub != nil {
		h.wsHub.BroadcastFlushCompleted(status.QueueStats)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"queue":  status.QueueStats,
	})
}

// ListOperations handles GET /api/sync/operations: the full queue,
// failures included, oldest first.
func (h *SyncHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	ops := h.svc.GetPendingOperations()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"operations": ops,
		"count":      len(ops),
	})
}

// RetryFailed handles POST /api/sync/retry.
func (h *SyncHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	count, err := h.svc.RetryFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"retried": count})
}

// SetOnline handles POST /api/sync/online: the connectivity toggle
// desktop clients flip when the platform reports link changes.
func (h *SyncHandler) SetOnline(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, errors.New(errors.ErrValidation, "invalid request body"))
		return
	}

	h.sched.SetOnlineStatus(request.Online)
	if h.wsHub != nil {
		h.wsHub.BroadcastOnlineChanged(request.Online)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"online": request.Online})
}
