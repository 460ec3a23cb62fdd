// Package remote translates sync operations into backend calls and
// backend change streams into local events.
package remote

import (
	"context"

	"github.com/repbook/core/internal/errors"
	"github.com/repbook/core/internal/models"
	"github.com/repbook/core/internal/session"
)

// ChangeAction identifies the kind of a server-pushed change.
type ChangeAction string

const (
	ActionInsert ChangeAction = "insert"
	ActionUpdate ChangeAction = "update"
	ActionDelete ChangeAction = "delete"
)

// ChangeEvent is one inbound mutation from the backend's filtered
// change stream.
type ChangeEvent struct {
	Action ChangeAction   `json:"action"`
	Record *models.Record `json:"record"`
}

// ChangeHandler consumes inbound change events.
type ChangeHandler func(event ChangeEvent)

// Client is the transport to the record backend. The implementation is
// chosen once at startup; the rest of the engine only sees this
// interface.
//
// Push performs the backend call for one operation: insert for create,
// upsert-by-id for update, row delete for delete, each scoped to the
// operation's embedded owner. Failures surface as coded errors:
// NETWORK_ERROR and SYNC_TIMEOUT are retryable, AUTH_MISMATCH and
// SERVER_REJECTED are not.
//
// OpenChangeStream blocks consuming the server-push channel filtered
// to ownerID, invoking onChange per inbound event. Reconnect-on-drop
// is the client's responsibility; the call returns once ctx is
// canceled.
type Client interface {
	Push(ctx context.Context, op *models.SyncOperation) error
	OpenChangeStream(ctx context.Context, ownerID string, onChange ChangeHandler) error
	Close() error
}

// checkOwner guards a push against owner drift: the operation's
// embedded owner must match the currently authenticated owner.
func checkOwner(sess *session.Manager, rec *models.Record) error {
	if sess == nil {
		return nil
	}
	current, ok := sess.Current()
	if !ok {
		return errors.New(errors.ErrAuthMismatch, "no authenticated owner for push")
	}
	if rec.OwnerID != current {
		return errors.New(errors.ErrAuthMismatch,
			"operation owner "+rec.OwnerID+" does not match authenticated owner "+current)
	}
	return nil
}
