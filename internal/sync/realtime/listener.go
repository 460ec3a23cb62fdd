// Package realtime folds server-pushed changes into the record store.
// Inbound events for a record with an outstanding local operation are
// deferred until that operation resolves, so a server echo of a stale
// state can never overwrite an in-flight local edit.
package realtime

import (
	"context"
	"sync"

	"github.com/repbook/core/internal/logging"
	"github.com/repbook/core/internal/remote"
	"github.com/repbook/core/internal/session"
	"github.com/repbook/core/internal/store"
	"github.com/repbook/core/internal/sync/queue"
)

// Listener owns the change stream for the signed-in owner and applies
// inbound events to the store.
type Listener struct {
	client remote.Client
	queue  *queue.SyncQueue
	store  *store.Store
	sess   *session.Manager

	// mu guards buffered. Holding it across the outstanding check and
	// the buffer write keeps resolution flushes from slipping between
	// the two.
	mu       sync.Mutex
	buffered map[string]remote.ChangeEvent

	runMu   sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewListener creates a Listener and hooks it into queue resolution
// and session changes. Construct before the queue or session manager
// start receiving traffic.
func NewListener(client remote.Client, q *queue.SyncQueue, st *store.Store, sess *session.Manager) *Listener {
	l := &Listener{
		client:   client,
		queue:    q,
		store:    st,
		sess:     sess,
		buffered: make(map[string]remote.ChangeEvent),
	}
	q.OnResolve(l.flushResolved)
	sess.OnChange(l.ownerChanged)
	return l
}

// Start opens the change stream for the current owner, if any. While
// anonymous no stream runs; signing in opens one.
func (l *Listener) Start(ctx context.Context) {
	l.runMu.Lock()
	if l.running {
		l.runMu.Unlock()
		return
	}
	l.running = true
	l.runCtx = ctx
	l.runMu.Unlock()

	if owner, ok := l.sess.Current(); ok {
		l.openStream(owner)
	}

	logging.Info("Realtime listener started", nil)
}

// Stop closes the active stream and waits for it to wind down.
func (l *Listener) Stop() {
	l.runMu.Lock()
	if !l.running {
		l.runMu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	l.cancel = nil
	l.runMu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.wg.Wait()

	logging.Info("Realtime listener stopped", nil)
}

// Buffered returns the number of deferred inbound events.
func (l *Listener) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffered)
}

// ownerChanged re-points the stream at the new owner. Deferred events
// belong to the previous owner's stream and are dropped.
func (l *Listener) ownerChanged(ownerID string) {
	l.mu.Lock()
	l.buffered = make(map[string]remote.ChangeEvent)
	l.mu.Unlock()

	l.runMu.Lock()
	running := l.running
	l.runMu.Unlock()
	if !running {
		return
	}

	l.openStream(ownerID)
}

// openStream tears down the previous stream and opens one for ownerID.
// An empty owner id just tears down.
func (l *Listener) openStream(ownerID string) {
	l.runMu.Lock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
		l.runMu.Unlock()
		l.wg.Wait()
		l.runMu.Lock()
	}
	if !l.running || ownerID == "" {
		l.runMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(l.runCtx)
	l.cancel = cancel
	l.runMu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.client.OpenChangeStream(ctx, ownerID, l.handleEvent); err != nil {
			logging.Error("Change stream closed with error", err,
				map[string]interface{}{"owner_id": ownerID})
		}
	}()

	logging.Info("Change stream opened",
		map[string]interface{}{"owner_id": ownerID})
}

// handleEvent routes one inbound event: defer it while the record has
// an outstanding operation, apply it otherwise. Only the newest event
// per record is kept while deferring.
func (l *Listener) handleEvent(event remote.ChangeEvent) {
	if event.Record == nil {
		return
	}
	recordID := string(event.Record.ID)

	l.mu.Lock()
	if l.queue.HasOutstanding(recordID) {
		l.buffered[recordID] = event
		l.mu.Unlock()
		logging.Debug("Deferred inbound change, local operation outstanding",
			map[string]interface{}{
				"record_id": recordID,
				"action":    string(event.Action),
			})
		return
	}
	l.mu.Unlock()

	l.apply(event)
}

// flushResolved applies the deferred event for a record once its
// operation has resolved. Runs via queue resolution callbacks.
func (l *Listener) flushResolved(recordID string) {
	l.mu.Lock()
	event, ok := l.buffered[recordID]
	if ok {
		delete(l.buffered, recordID)
	}
	l.mu.Unlock()
	if !ok {
		return
	}

	logging.Debug("Applying deferred inbound change",
		map[string]interface{}{"record_id": recordID})
	l.apply(event)
}

// apply folds one event into the store. Inserts and updates upsert the
// row; deletes tombstone it. Events older than the local row are
// echoes of state we already have and are dropped.
func (l *Listener) apply(event remote.ChangeEvent) {
	ctx := l.applyContext()
	if ctx.Err() != nil {
		// The run context is canceled; nothing may write to the store
		// during shutdown.
		return
	}
	rec := event.Record
	recordID := string(rec.ID)

	switch event.Action {
	case remote.ActionDelete:
		local, ok := l.store.Get(recordID)
		if !ok || local.IsDeleted {
			return
		}
		if _, err := l.store.MarkDeleted(ctx, recordID); err != nil {
			logging.Error("Failed to apply remote delete", err,
				map[string]interface{}{"record_id": recordID})
		}
	default:
		if local, ok := l.store.Get(recordID); ok && local.UpdatedAt >= rec.UpdatedAt {
			return
		}
		if err := l.store.Upsert(ctx, rec); err != nil {
			logging.Error("Failed to apply remote change", err,
				map[string]interface{}{"record_id": recordID})
		}
	}
}

// applyContext returns the context applies run under: the one Start was
// given, Background before the first Start.
func (l *Listener) applyContext() context.Context {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if l.runCtx != nil {
		return l.runCtx
	}
	return context.Background()
}
