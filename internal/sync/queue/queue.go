// Package queue provides the coalescing ledger of outstanding sync
// operations.
//
// The queue holds at most one operation per record id: a second
// mutation arriving before the first is flushed merges into the
// existing entry instead of appending, and a delete always supersedes
// whatever it finds. This keeps per-record pushes strictly ordered by
// construction.
package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/repbook/core/internal/errors"
	"github.com/repbook/core/internal/logging"
	"github.com/repbook/core/internal/models"
	"github.com/repbook/core/internal/uuid"
)

// Persistence is the durable backing for the queue ledger. Writes go
// through it before memory so outstanding operations survive restarts.
type Persistence interface {
	SaveOperation(ctx context.Context, op *models.SyncOperation) error
	DeleteOperation(ctx context.Context, id string) error
	ListOperations(ctx context.Context) ([]*models.SyncOperation, error)
}

// SyncQueue manages outstanding sync operations with coalescing
// semantics. A nil persistence keeps the ledger memory-only.
type SyncQueue struct {
	persist Persistence

	mu       sync.RWMutex
	ops      map[string]*models.SyncOperation // by operation id
	byRecord map[string]string                // record id -> operation id

	// Callbacks invoked after an operation resolves for a record,
	// either synced or terminally failed. The realtime listener uses
	// this to flush deferred inbound events.
	resolveMu sync.Mutex
	onResolve []func(recordID string)
}

// NewSyncQueue creates a SyncQueue backed by the given persistence.
func NewSyncQueue(persist Persistence) *SyncQueue {
	return &SyncQueue{
		persist:  persist,
		ops:      make(map[string]*models.SyncOperation),
		byRecord: make(map[string]string),
	}
}

// Hydrate loads persisted operations into memory. Operations caught
// mid-push by a crash (status retrying) demote to pending so the next
// scheduler tick re-attempts them. Call once at startup.
func (q *SyncQueue) Hydrate(ctx context.Context) error {
	if q.persist == nil {
		return nil
	}

	ops, err := q.persist.ListOperations(ctx)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to hydrate sync queue", err)
	}

	q.mu.Lock()
	q.ops = make(map[string]*models.SyncOperation, len(ops))
	q.byRecord = make(map[string]string, len(ops))
	for _, op := range ops {
		if op.Status == models.StatusRetrying {
			op.Status = models.StatusPending
		}
		q.ops[string(op.ID)] = op
		q.byRecord[string(op.RecordID)] = string(op.ID)
	}
	q.mu.Unlock()

	logging.Info("Sync queue hydrated",
		map[string]interface{}{"operations": len(ops)})

	return nil
}

// Enqueue records an outgoing mutation for a record. If an operation
// already exists for the record id it coalesces: a delete replaces the
// entry entirely, any other kind merges the newest payload into it.
// An update arriving while the entry is a not-yet-sent create stays a
// create, since no remote row exists to update. Coalescing resets
// attempts and error state, preserves created_at, and bumps the
// revision so a push already in flight cannot retire the newer
// payload.
func (q *SyncQueue) Enqueue(ctx context.Context, kind models.OpKind, record *models.Record) (*models.SyncOperation, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to snapshot record payload", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UnixMilli()
	recordID := string(record.ID)

	existing := q.activeLocked(recordID)
	if existing == nil {
		op := &models.SyncOperation{
			ID:        models.UUID(uuid.New()),
			Kind:      kind,
			RecordID:  record.ID,
			Payload:   payload,
			Status:    models.StatusPending,
			CreatedAt: now,
		}
		if err := q.saveLocked(ctx, op); err != nil {
			return nil, err
		}
		q.ops[string(op.ID)] = op
		q.byRecord[recordID] = string(op.ID)

		logging.Debug("Sync operation enqueued",
			map[string]interface{}{
				"op_id":     string(op.ID),
				"kind":      string(kind),
				"record_id": recordID,
			})

		return op.Clone(), nil
	}

	merged := existing.Clone()
	switch {
	case kind == models.OpDelete:
		// Delete supersedes: the backend must never see the
		// superseded create or update.
		merged.Kind = models.OpDelete
	case merged.Kind == models.OpCreate:
		// Merge into the unsent create; there is no remote row yet.
	default:
		merged.Kind = kind
	}
	merged.Payload = payload
	merged.Status = models.StatusPending
	merged.Attempts = 0
	merged.LastError = ""
	merged.ErrorCode = ""
	merged.LastAttemptAt = 0
	merged.Revision++

	if err := q.saveLocked(ctx, merged); err != nil {
		return nil, err
	}
	q.ops[string(merged.ID)] = merged

	logging.Debug("Sync operation coalesced",
		map[string]interface{}{
			"op_id":     string(merged.ID),
			"kind":      string(merged.Kind),
			"record_id": recordID,
			"revision":  merged.Revision,
		})

	return merged.Clone(), nil
}

// MarkSynced removes an operation after a successful push. The
// revision must match the value captured when the push started; a
// mismatch means the entry was coalesced mid-flight and must stay
// queued, reported by returning false.
func (q *SyncQueue) MarkSynced(ctx context.Context, operationID string, revision int64) (bool, error) {
	q.mu.Lock()

	op, ok := q.ops[operationID]
	if !ok {
		q.mu.Unlock()
		return false, errors.New(errors.ErrNotFound, "operation not found: "+operationID)
	}
	if op.Revision != revision {
		q.mu.Unlock()
		logging.Debug("Push result superseded by newer payload",
			map[string]interface{}{
				"op_id":    operationID,
				"expected": revision,
				"current":  op.Revision,
			})
		return false, nil
	}

	if q.persist != nil {
		if err := q.persist.DeleteOperation(ctx, operationID); err != nil {
			q.mu.Unlock()
			return false, errors.Wrap(errors.ErrDatabase, "failed to remove synced operation", err)
		}
	}

	recordID := string(op.RecordID)
	delete(q.ops, operationID)
	delete(q.byRecord, recordID)
	q.mu.Unlock()

	logging.Debug("Sync operation synced",
		map[string]interface{}{"op_id": operationID, "record_id": recordID})

	q.fireResolve(recordID)
	return true, nil
}

// MarkError records a failed push: increments attempts, sets status to
// error, and stamps last_error, error_code and last_attempt_at. A
// revision mismatch means the entry was coalesced mid-flight; the
// stale failure is discarded and false returned. A non-retryable error
// code makes the entry terminal, which resolves it for listeners
// waiting on the record.
func (q *SyncQueue) MarkError(ctx context.Context, operationID string, revision int64, pushErr error) (bool, error) {
	q.mu.Lock()

	op, ok := q.ops[operationID]
	if !ok {
		q.mu.Unlock()
		return false, errors.New(errors.ErrNotFound, "operation not found: "+operationID)
	}
	if op.Revision != revision {
		q.mu.Unlock()
		return false, nil
	}

	updated := op.Clone()
	updated.Attempts++
	updated.Status = models.StatusError
	updated.LastError = pushErr.Error()
	updated.ErrorCode = string(errors.Code(pushErr))
	updated.LastAttemptAt = time.Now().UnixMilli()

	if err := q.saveLocked(ctx, updated); err != nil {
		q.mu.Unlock()
		return false, err
	}
	q.ops[operationID] = updated
	terminal := isTerminal(updated)
	recordID := string(updated.RecordID)
	q.mu.Unlock()

	logging.Warn("Sync operation failed",
		map[string]interface{}{
			"op_id":      operationID,
			"record_id":  recordID,
			"attempts":   updated.Attempts,
			"error_code": updated.ErrorCode,
			"terminal":   terminal,
		})

	if terminal {
		q.fireResolve(recordID)
	}
	return true, nil
}

// MarkRetrying transitions an errored operation to retrying when the
// scheduler picks it up, distinguishing "about to retry" from "waiting
// for the next backoff window".
func (q *SyncQueue) MarkRetrying(ctx context.Context, operationID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[operationID]
	if !ok {
		return errors.New(errors.ErrNotFound, "operation not found: "+operationID)
	}
	if op.Status != models.StatusError {
		return errors.New(errors.ErrConstraint, "operation is not in error state: "+operationID)
	}

	updated := op.Clone()
	updated.Status = models.StatusRetrying

	if err := q.saveLocked(ctx, updated); err != nil {
		return err
	}
	q.ops[operationID] = updated
	return nil
}

// Pending returns operations with status pending or retrying, oldest
// first.
func (q *SyncQueue) Pending() []*models.SyncOperation {
	return q.filtered(func(op *models.SyncOperation) bool {
		return op.Status == models.StatusPending || op.Status == models.StatusRetrying
	})
}

// Failed returns operations with status error, oldest first. Both
// entries waiting for their next backoff window and terminal entries
// are included; callers separate them by error code.
func (q *SyncQueue) Failed() []*models.SyncOperation {
	return q.filtered(func(op *models.SyncOperation) bool {
		return op.Status == models.StatusError
	})
}

// Operations returns every queued operation regardless of status,
// oldest first.
func (q *SyncQueue) Operations() []*models.SyncOperation {
	return q.filtered(func(*models.SyncOperation) bool { return true })
}

// ForRecord returns the queued operation for a record id, if any.
func (q *SyncQueue) ForRecord(recordID string) (*models.SyncOperation, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	op := q.activeLocked(recordID)
	if op == nil {
		return nil, false
	}
	return op.Clone(), true
}

// HasOutstanding reports whether a record has an operation that is
// still expected to reach the backend: pending, retrying, or errored
// with a retryable code. Terminal failures do not count; they resolve
// only through manual retry or discard.
func (q *SyncQueue) HasOutstanding(recordID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	op := q.activeLocked(recordID)
	if op == nil {
		return false
	}
	return !isTerminal(op)
}

// RetryFailed re-arms every errored operation to pending with a fresh
// attempt budget, terminal entries included. Returns the number of
// re-armed operations.
func (q *SyncQueue) RetryFailed(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for id, op := range q.ops {
		if op.Status != models.StatusError {
			continue
		}
		updated := op.Clone()
		updated.Status = models.StatusPending
		updated.Attempts = 0
		updated.LastError = ""
		updated.ErrorCode = ""
		updated.LastAttemptAt = 0

		if err := q.saveLocked(ctx, updated); err != nil {
			return count, err
		}
		q.ops[id] = updated
		count++
	}

	if count > 0 {
		logging.Info("Re-armed failed sync operations",
			map[string]interface{}{"count": count})
	}
	return count, nil
}

// Discard drops a terminal operation without pushing it. This is the
// only code path that abandons a user mutation, and it runs solely on
// explicit caller request.
func (q *SyncQueue) Discard(ctx context.Context, operationID string) error {
	q.mu.Lock()

	op, ok := q.ops[operationID]
	if !ok {
		q.mu.Unlock()
		return errors.New(errors.ErrNotFound, "operation not found: "+operationID)
	}

	if q.persist != nil {
		if err := q.persist.DeleteOperation(ctx, operationID); err != nil {
			q.mu.Unlock()
			return errors.Wrap(errors.ErrDatabase, "failed to discard operation", err)
		}
	}

	recordID := string(op.RecordID)
	delete(q.ops, operationID)
	delete(q.byRecord, recordID)
	q.mu.Unlock()

	logging.Info("Sync operation discarded",
		map[string]interface{}{"op_id": operationID, "record_id": recordID})

	q.fireResolve(recordID)
	return nil
}

// Size returns the number of queued operations.
func (q *SyncQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.ops)
}

// Stats returns a per-status operation count.
func (q *SyncQueue) Stats() map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := map[string]int{
		"total":    0,
		"pending":  0,
		"retrying": 0,
		"error":    0,
	}
	for _, op := range q.ops {
		stats["total"]++
		switch op.Status {
		case models.StatusPending:
			stats["pending"]++
		case models.StatusRetrying:
			stats["retrying"]++
		case models.StatusError:
			stats["error"]++
		}
	}
	return stats
}

// OnResolve registers a callback invoked with the record id whenever
// an operation resolves, either synced or terminally failed. Register
// before the queue is shared; callbacks cannot be removed.
func (q *SyncQueue) OnResolve(fn func(recordID string)) {
	q.resolveMu.Lock()
	defer q.resolveMu.Unlock()
	q.onResolve = append(q.onResolve, fn)
}

// fireResolve invokes resolution callbacks outside the queue lock so
// callbacks may query the queue.
func (q *SyncQueue) fireResolve(recordID string) {
	q.resolveMu.Lock()
	listeners := make([]func(string), len(q.onResolve))
	copy(listeners, q.onResolve)
	q.resolveMu.Unlock()

	for _, fn := range listeners {
		fn(recordID)
	}
}

// activeLocked returns the queued operation for a record id. Callers
// hold mu.
func (q *SyncQueue) activeLocked(recordID string) *models.SyncOperation {
	opID, ok := q.byRecord[recordID]
	if !ok {
		return nil
	}
	return q.ops[opID]
}

// saveLocked writes an operation through the persistence layer.
// Callers hold mu.
func (q *SyncQueue) saveLocked(ctx context.Context, op *models.SyncOperation) error {
	if q.persist == nil {
		return nil
	}
	if err := q.persist.SaveOperation(ctx, op); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to persist sync operation", err)
	}
	return nil
}

// filtered returns clones of operations matching the predicate,
// ordered by created_at oldest first with the operation id as a
// deterministic tie-break.
func (q *SyncQueue) filtered(keep func(*models.SyncOperation) bool) []*models.SyncOperation {
	q.mu.RLock()
	matched := make([]*models.SyncOperation, 0, len(q.ops))
	for _, op := range q.ops {
		if keep(op) {
			matched = append(matched, op.Clone())
		}
	}
	q.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt != matched[j].CreatedAt {
			return matched[i].CreatedAt < matched[j].CreatedAt
		}
		return matched[i].ID < matched[j].ID
	})
	return matched
}

// isTerminal reports whether an operation failed with a non-retryable
// error code.
func isTerminal(op *models.SyncOperation) bool {
	return op.Status == models.StatusError &&
		!errors.RetryableCode(errors.ErrorCode(op.ErrorCode))
}
