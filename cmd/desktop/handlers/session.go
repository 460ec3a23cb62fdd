package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/repbook/core/internal/crypto"
	"github.com/repbook/core/internal/db"
	"github.com/repbook/core/internal/errors"
	"github.com/repbook/core/internal/logging"
	"github.com/repbook/core/internal/models"
	"github.com/repbook/core/internal/session"
)

// SessionHandler serves the owner scope and the stored backend
// credential.
type SessionHandler struct {
	repo      *db.Repository
	sess      *session.Manager
	machineID string
}

// NewSessionHandler creates a SessionHandler. machineID seeds the key
// sealing stored tokens; empty falls back to a fixed development key.
func NewSessionHandler(repo *db.Repository, sess *session.Manager, machineID string) *SessionHandler {
	return &SessionHandler{repo: repo, sess: sess, machineID: machineID}
}

// GetSession handles GET /api/session. The token never leaves the
// credential store.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	ownerID, signedIn := h.sess.Current()

	configured := false
	endpoint := ""
	if cred, err := h.repo.GetRemoteCredential(r.Context()); err == nil {
		configured = true
		endpoint = cred.Endpoint
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"owner_id":   ownerID,
		"anonymous":  !signedIn,
		"configured": configured,
		"endpoint":   endpoint,
	})
}

// SignIn handles POST /api/session: stores the backend credential
// sealed to this machine and switches the owner scope. The owner scope
// and the change stream switch immediately; the push client picks the
// new token up on the next daemon start.
func (h *SessionHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var request struct {
		OwnerID  string `json:"owner_id"`
		Endpoint string `json:"endpoint"`
		Token    string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, errors.New(errors.ErrValidation, "invalid request body"))
		return
	}
	if request.OwnerID == "" {
		writeError(w, errors.New(errors.ErrValidation, "owner_id is required"))
		return
	}
	if request.Endpoint == "" {
		writeError(w, errors.New(errors.ErrValidation, "endpoint is required"))
		return
	}
	if request.Token == "" {
		writeError(w, errors.New(errors.ErrValidation, "token is required"))
		return
	}

	sealed, err := crypto.EncryptToken(request.Token, h.machineID)
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrCryptoFailed, "failed to seal backend token", err))
		return
	}

	if err := h.repo.DisableAllRemoteCredentials(r.Context()); err != nil {
		logging.Warn("Failed to disable previous credentials",
			map[string]interface{}{"error": err.Error()})
	}

	cred := &models.RemoteCredential{
		Endpoint:       request.Endpoint,
		OwnerID:        request.OwnerID,
		TokenEncrypted: sealed,
		IsEnabled:      true,
	}
	if err := h.repo.SaveRemoteCredential(r.Context(), cred); err != nil {
		writeError(w, errors.Wrap(errors.ErrDatabase, "failed to store credential", err))
		return
	}

	h.sess.SetOwner(request.OwnerID)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "success",
		"owner_id": request.OwnerID,
	})
}

// SignOut handles DELETE /api/session: returns to the anonymous scope
// and disables the stored credential. Local records stay untouched;
// switching scope never deletes data.
func (h *SessionHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.DisableAllRemoteCredentials(r.Context()); err != nil {
		writeError(w, errors.Wrap(errors.ErrDatabase, "failed to disable credential", err))
		return
	}

	h.sess.Clear()

	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success"})
}
