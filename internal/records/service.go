// Package records is the CRUD surface the rest of the application
// depends on. Every method mutates local state synchronously and
// returns immediately; backend propagation happens in the background
// through the sync queue, and its outcome is observable through
// GetSyncStatus and GetPendingOperations rather than thrown.
package records

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/repbook/core/internal/errors"
	"github.com/repbook/core/internal/logging"
	"github.com/repbook/core/internal/models"
	"github.com/repbook/core/internal/session"
	"github.com/repbook/core/internal/store"
	"github.com/repbook/core/internal/sync/queue"
	"github.com/repbook/core/internal/uuid"
)

// maxNameLength bounds record names, counted in runes.
const maxNameLength = 255

// Partial carries the fields an update may change. A nil field is
// left untouched; an update changing nothing is a validation error.
type Partial struct {
	Name *string `json:"name"`
}

// Service implements the repository facade over the record store and
// the sync queue.
type Service struct {
	store *store.Store
	queue *queue.SyncQueue
	sess  *session.Manager

	// Invoked after a mutation is queued so the composition root can
	// nudge the scheduler without a hard dependency on it.
	onMutation func()
}

// NewService creates a records Service. The session manager may be
// nil, which disables owner-scope enforcement.
func NewService(st *store.Store, q *queue.SyncQueue, sess *session.Manager) *Service {
	return &Service{
		store: st,
		queue: q,
		sess:  sess,
	}
}

// SetOnMutation sets the callback fired after each queued mutation.
func (s *Service) SetOnMutation(fn func()) {
	s.onMutation = fn
}

// Create validates the name, stores the record locally, and queues its
// create for the backend. The record is returned before any network
// activity happens; a later push failure never reverts it.
func (s *Service) Create(ctx context.Context, name, ownerID string) (*models.Record, error) {
	trimmed, err := validateName(name)
	if err != nil {
		return nil, err
	}
	if ownerID == "" {
		return nil, errors.New(errors.ErrValidation, "owner id is required")
	}
	if owner, ok := s.currentOwner(); ok && owner != ownerID {
		return nil, errors.New(errors.ErrAuthMismatch,
			"record owner does not match the signed-in owner")
	}

	now := time.Now().UnixMilli()
	rec := &models.Record{
		ID:        models.UUID(uuid.New()),
		Name:      trimmed,
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Upsert(ctx, rec); err != nil {
		return nil, err
	}
	if _, err := s.queue.Enqueue(ctx, models.OpCreate, rec); err != nil {
		// The record was never visible as durable-and-queued; take the
		// optimistic insert back out rather than leave it unsyncable.
		if purgeErr := s.store.Purge(ctx, string(rec.ID)); purgeErr != nil {
			logging.Error("Failed to revert unqueued create", purgeErr,
				map[string]interface{}{"record_id": string(rec.ID)})
		}
		return nil, err
	}

	logging.Info("Record created",
		map[string]interface{}{
			"record_id": string(rec.ID),
			"owner_id":  ownerID,
		})

	s.fireMutation()
	return rec, nil
}

// Update merges the partial into the stored record, bumps updated_at,
// and queues the change. Unknown and tombstoned ids are not found; an
// empty partial or invalid name is a validation error.
func (s *Service) Update(ctx context.Context, id string, partial Partial) (*models.Record, error) {
	rec, err := s.visibleRecord(id)
	if err != nil {
		return nil, err
	}
	if partial.Name == nil {
		return nil, errors.New(errors.ErrValidation, "update changes nothing")
	}

	trimmed, err := validateName(*partial.Name)
	if err != nil {
		return nil, err
	}

	rec.Name = trimmed
	rec.Touch()

	if err := s.store.Upsert(ctx, rec); err != nil {
		return nil, err
	}
	if _, err := s.queue.Enqueue(ctx, models.OpUpdate, rec); err != nil {
		// The local edit stays; editing again re-queues it.
		return nil, err
	}

	s.fireMutation()
	return rec, nil
}

// Delete tombstones the record locally and queues the delete, which
// supersedes any not-yet-sent create or update for the same id. The
// row is purged only after the backend acknowledges the delete.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.visibleRecord(id); err != nil {
		return err
	}

	tombstone, err := s.store.MarkDeleted(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.queue.Enqueue(ctx, models.OpDelete, tombstone); err != nil {
		// Restore visibility; a tombstone with no queued delete would
		// neither sync nor purge.
		restored := tombstone.Clone()
		restored.IsDeleted = false
		restored.Touch()
		if revertErr := s.store.Upsert(ctx, restored); revertErr != nil {
			logging.Error("Failed to revert unqueued delete", revertErr,
				map[string]interface{}{"record_id": id})
		}
		return err
	}

	logging.Info("Record deleted",
		map[string]interface{}{"record_id": id})

	s.fireMutation()
	return nil
}

// List returns the owner's visible records in creation order.
func (s *Service) List(ownerID string) []*models.Record {
	return s.store.List(ownerID)
}

// Subscribe registers a listener for the owner's visible list. The
// returned function removes the subscription.
func (s *Service) Subscribe(ownerID string, fn store.Subscriber) func() {
	return s.store.Subscribe(ownerID, fn)
}

// GetSyncStatus reports where a record stands with the backend:
// the queued operation's status while one exists, synced otherwise.
func (s *Service) GetSyncStatus(id string) (models.OpStatus, error) {
	rec, recOK := s.store.Get(id)
	if recOK {
		if owner, ok := s.currentOwner(); ok && owner != rec.OwnerID {
			return "", errors.New(errors.ErrNotFound, "record not found: "+id)
		}
	}

	if op, ok := s.queue.ForRecord(id); ok {
		return op.Status, nil
	}
	if recOK {
		return models.StatusSynced, nil
	}
	return "", errors.New(errors.ErrNotFound, "record not found: "+id)
}

// GetPendingOperations returns every unresolved operation, oldest
// first, failures included.
func (s *Service) GetPendingOperations() []*models.SyncOperation {
	return s.queue.Operations()
}

// RetryFailed re-arms every failed operation for another attempt and
// returns how many were re-armed.
func (s *Service) RetryFailed(ctx context.Context) (int, error) {
	count, err := s.queue.RetryFailed(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.fireMutation()
	}
	return count, nil
}

// visibleRecord fetches a record for mutation: unknown ids, tombstones
// and records outside the signed-in owner's scope are all not found.
func (s *Service) visibleRecord(id string) (*models.Record, error) {
	rec, ok := s.store.Get(id)
	if !ok || rec.IsDeleted {
		return nil, errors.New(errors.ErrNotFound, "record not found: "+id)
	}
	if owner, signedIn := s.currentOwner(); signedIn && owner != rec.OwnerID {
		return nil, errors.New(errors.ErrNotFound, "record not found: "+id)
	}
	return rec, nil
}

func (s *Service) currentOwner() (string, bool) {
	if s.sess == nil {
		return "", false
	}
	return s.sess.Current()
}

func (s *Service) fireMutation() {
	if s.onMutation != nil {
		s.onMutation()
	}
}

// validateName trims and bounds a record name.
func validateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", errors.New(errors.ErrValidation, "record name cannot be empty")
	}
	if utf8.RuneCountInString(trimmed) > maxNameLength {
		return "", errors.New(errors.ErrValidation,
			fmt.Sprintf("record name exceeds %d characters", maxNameLength))
	}
	return trimmed, nil
}
