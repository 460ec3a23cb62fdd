// Integration tests for the offline-first engine. Every mutation must
// work with no backend reachable, queued work must drain on reconnect,
// and nothing may be lost across a restart. The stack is wired here
// exactly the way the desktop daemon wires it, against the loopback
// backend.
package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/repbook/core/internal/db"
	"github.com/repbook/core/internal/errors"
	"github.com/repbook/core/internal/models"
	"github.com/repbook/core/internal/records"
	"github.com/repbook/core/internal/remote"
	"github.com/repbook/core/internal/session"
	"github.com/repbook/core/internal/store"
	"github.com/repbook/core/internal/sync/queue"
	"github.com/repbook/core/internal/sync/realtime"
	"github.com/repbook/core/internal/sync/scheduler"
)

// =====================================================
// Test Harness
// =====================================================

// engine is the full stack as the daemon assembles it, minus HTTP:
// sqlite persistence underneath the store and queue, the scheduler and
// realtime listener on top, and the records facade in front.
type engine struct {
	database *db.DB
	repo     *db.Repository
	store    *store.Store
	queue    *queue.SyncQueue
	sess     *session.Manager
	client   *remote.MemoryClient
	sched    *scheduler.Scheduler
	listener *realtime.Listener
	svc      *records.Service

	stopped bool
}

// startEngine boots the stack against the sqlite file at dbPath and
// signs in owner-1. With online false both the backend link and the
// scheduler start offline, so nothing is pushed until goOnline.
func startEngine(t *testing.T, dbPath string, online bool) *engine {
	t.Helper()
	ctx := context.Background()

	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.RunMigrations(ctx, database.DB); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	repo := db.NewRepository(database.DB)

	st := store.New(repo)
	if err := st.Hydrate(ctx); err != nil {
		t.Fatalf("Failed to hydrate store: %v", err)
	}
	q := queue.NewSyncQueue(repo)
	if err := q.Hydrate(ctx); err != nil {
		t.Fatalf("Failed to hydrate queue: %v", err)
	}

	sess := session.NewManager()
	client := remote.NewMemoryClient(sess)

	config := scheduler.DefaultConfig()
	config.FlushInterval = time.Hour // flushes are driven by the tests
	config.BaseDelay = time.Millisecond

	sched := scheduler.NewScheduler(client, q, st, sess, config)
	listener := realtime.NewListener(client, q, st, sess)
	svc := records.NewService(st, q, sess)
	svc.SetOnMutation(func() { sched.TriggerFlush(context.Background()) })

	e := &engine{
		database: database,
		repo:     repo,
		store:    st,
		queue:    q,
		sess:     sess,
		client:   client,
		sched:    sched,
		listener: listener,
		svc:      svc,
	}

	if !online {
		client.SetOnline(false)
		sched.SetOnlineStatus(false)
	}

	sched.Start(ctx)
	listener.Start(ctx)
	sess.SetOwner("owner-1")

	t.Cleanup(e.stop)
	return e
}

// stop winds the engine down; safe to call twice so tests that restart
// the stack can stop explicitly before the cleanup runs.
func (e *engine) stop() {
	if e.stopped {
		return
	}
	e.stopped = true

	e.listener.Stop()
	e.sched.Stop()
	e.client.Close()
	e.repo.Close()
	e.database.Close()
}

// goOnline restores the backend link; the scheduler reacts with an
// immediate flush, as it would on a real connectivity change.
func (e *engine) goOnline() {
	e.client.SetOnline(true)
	e.sched.SetOnlineStatus(true)
}

// create adds a record for owner-1 through the facade.
func (e *engine) create(t *testing.T, name string) *models.Record {
	t.Helper()
	rec, err := e.svc.Create(context.Background(), name, "owner-1")
	if err != nil {
		t.Fatalf("Create(%s) failed: %v", name, err)
	}
	return rec
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before timeout")
}

// =====================================================
// Offline Work and Reconnect
// =====================================================

// TestOfflineCreatesDrainOnReconnect verifies records created with no
// backend reachable are immediately visible and queued, and that
// restoring connectivity pushes every one of them without user action.
func TestOfflineCreatesDrainOnReconnect(t *testing.T) {
	e := startEngine(t, filepath.Join(t.TempDir(), "repbook.db"), false)

	t.Log("Creating records while offline...")
	names := []string{"Bench Press", "Squat", "Deadlift"}
	created := make([]*models.Record, 0, len(names))
	for _, name := range names {
		created = append(created, e.create(t, name))
	}

	// Local-first: everything is visible and queued before any network.
	if got := len(e.svc.List("owner-1")); got != 3 {
		t.Fatalf("Expected 3 visible records offline, got %d", got)
	}
	if e.queue.Size() != 3 {
		t.Fatalf("Expected 3 queued operations, got %d", e.queue.Size())
	}
	for _, rec := range created {
		status, err := e.svc.GetSyncStatus(string(rec.ID))
		if err != nil {
			t.Fatalf("GetSyncStatus failed: %v", err)
		}
		if status != models.StatusPending {
			t.Errorf("Expected pending status offline, got %s", status)
		}
	}
	if rows := e.client.Rows("owner-1"); len(rows) != 0 {
		t.Fatalf("Backend received %d rows while offline", len(rows))
	}

	t.Log("Reconnecting...")
	e.goOnline()
	waitFor(t, 2*time.Second, func() bool { return e.queue.Size() == 0 })

	rows := e.client.Rows("owner-1")
	if len(rows) != 3 {
		t.Fatalf("Expected 3 backend rows after reconnect, got %d", len(rows))
	}
	pushed := make(map[string]bool, len(rows))
	for _, row := range rows {
		pushed[row.Name] = true
	}
	for _, name := range names {
		if !pushed[name] {
			t.Errorf("Record %q never reached the backend", name)
		}
	}
	for _, rec := range created {
		status, err := e.svc.GetSyncStatus(string(rec.ID))
		if err != nil {
			t.Fatalf("GetSyncStatus failed: %v", err)
		}
		if status != models.StatusSynced {
			t.Errorf("Expected synced status after reconnect, got %s", status)
		}
	}
}

// TestDeleteBeforeFlushSupersedes verifies that creating, renaming and
// deleting a record before any flush leaves a single delete in the
// queue, and that the backend never learns either name.
func TestDeleteBeforeFlushSupersedes(t *testing.T) {
	e := startEngine(t, filepath.Join(t.TempDir(), "repbook.db"), false)

	rec := e.create(t, "Morning Run")
	newName := "Evening Run"
	if _, err := e.svc.Update(context.Background(), string(rec.ID), records.Partial{Name: &newName}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := e.svc.Delete(context.Background(), string(rec.ID)); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	// The whole burst collapsed to one delete.
	if e.queue.Size() != 1 {
		t.Fatalf("Expected 1 queued operation, got %d", e.queue.Size())
	}
	op, ok := e.queue.ForRecord(string(rec.ID))
	if !ok {
		t.Fatal("Expected a queued operation for the record")
	}
	if op.Kind != models.OpDelete {
		t.Fatalf("Expected delete operation, got %s", op.Kind)
	}
	if got := len(e.svc.List("owner-1")); got != 0 {
		t.Fatalf("Expected no visible records, got %d", got)
	}
	if tomb, ok := e.store.Get(string(rec.ID)); !ok || !tomb.IsDeleted {
		t.Fatal("Expected a tombstone until the delete is acknowledged")
	}

	t.Log("Reconnecting to flush the residual delete...")
	e.goOnline()
	waitFor(t, 2*time.Second, func() bool { return e.queue.Size() == 0 })

	// The backend saw exactly one delete and neither name.
	if rows := e.client.Rows("owner-1"); len(rows) != 0 {
		t.Fatalf("Expected no backend rows, got %d", len(rows))
	}
	for _, event := range e.client.History() {
		if event.Action == remote.ActionInsert || event.Action == remote.ActionUpdate {
			t.Errorf("Backend received a superseded %s", event.Action)
		}
	}

	// Acknowledged delete purges the tombstone.
	waitFor(t, 2*time.Second, func() bool {
		_, ok := e.store.Get(string(rec.ID))
		return !ok
	})
	if _, err := e.svc.GetSyncStatus(string(rec.ID)); !errors.Is(err, errors.ErrNotFound) {
		t.Fatalf("Expected NOT_FOUND after purge, got %v", err)
	}
}

// =====================================================
// Restart Durability
// =====================================================

// TestQueuedWorkSurvivesRestart verifies offline mutations and their
// queued operations hydrate intact after the engine restarts, and
// still sync once connectivity returns.
func TestQueuedWorkSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "repbook.db")

	t.Log("Phase 1: creating records offline...")
	first := startEngine(t, dbPath, false)
	benchID := first.create(t, "Bench Press").ID
	first.create(t, "Squat")
	if first.queue.Size() != 2 {
		t.Fatalf("Expected 2 queued operations, got %d", first.queue.Size())
	}
	first.stop()

	t.Log("Phase 2: restarting the engine, still offline...")
	second := startEngine(t, dbPath, false)

	visible := second.svc.List("owner-1")
	if len(visible) != 2 {
		t.Fatalf("Expected 2 records after restart, got %d", len(visible))
	}
	if second.queue.Size() != 2 {
		t.Fatalf("Expected 2 queued operations after restart, got %d", second.queue.Size())
	}
	status, err := second.svc.GetSyncStatus(string(benchID))
	if err != nil {
		t.Fatalf("GetSyncStatus failed: %v", err)
	}
	if status != models.StatusPending {
		t.Fatalf("Expected pending status after restart, got %s", status)
	}

	t.Log("Phase 3: reconnecting...")
	second.goOnline()
	waitFor(t, 2*time.Second, func() bool { return second.queue.Size() == 0 })

	if rows := second.client.Rows("owner-1"); len(rows) != 2 {
		t.Fatalf("Expected 2 backend rows, got %d", len(rows))
	}
}

// =====================================================
// Push Failures and Retry
// =====================================================

// TestPushFailureRetries verifies a failed push parks the operation
// with its error code and a later flush re-arms and delivers it.
func TestPushFailureRetries(t *testing.T) {
	e := startEngine(t, filepath.Join(t.TempDir(), "repbook.db"), true)
	ctx := context.Background()

	e.client.FailPushes(errors.New(errors.ErrNetwork, "backend unavailable"))
	rec := e.create(t, "Deadlift Day")

	waitFor(t, 2*time.Second, func() bool {
		op, ok := e.queue.ForRecord(string(rec.ID))
		return ok && op.Status == models.StatusError
	})
	op, _ := e.queue.ForRecord(string(rec.ID))
	if op.ErrorCode != string(errors.ErrNetwork) {
		t.Errorf("Expected NETWORK_ERROR, got %s", op.ErrorCode)
	}
	if op.Attempts == 0 {
		t.Error("Expected at least one recorded attempt")
	}

	t.Log("Backend recovered; flushing again...")
	e.client.FailPushes(nil)
	time.Sleep(5 * time.Millisecond) // let the backoff window pass
	waitFor(t, 2*time.Second, func() bool {
		if err := e.sched.FlushNow(ctx); err != nil {
			t.Fatalf("FlushNow failed: %v", err)
		}
		return e.queue.Size() == 0
	})

	if _, ok := e.client.Row(rec.ID); !ok {
		t.Fatal("Record never reached the backend after retry")
	}
	status, err := e.svc.GetSyncStatus(string(rec.ID))
	if err != nil {
		t.Fatalf("GetSyncStatus failed: %v", err)
	}
	if status != models.StatusSynced {
		t.Fatalf("Expected synced status, got %s", status)
	}
}

// =====================================================
// Realtime Inbound
// =====================================================

// TestInboundChangesApply verifies changes from another device flow
// through the change stream into the local store.
func TestInboundChangesApply(t *testing.T) {
	e := startEngine(t, filepath.Join(t.TempDir(), "repbook.db"), true)
	waitFor(t, 2*time.Second, func() bool { return e.client.Streams() == 1 })

	now := time.Now().UnixMilli()
	remoteRec := &models.Record{
		ID:        "11111111-2222-4333-8444-555555555555",
		Name:      "Rowing",
		OwnerID:   "owner-1",
		CreatedAt: now,
		UpdatedAt: now,
	}

	e.client.Inject(remote.ActionInsert, remoteRec)
	waitFor(t, 2*time.Second, func() bool {
		rec, ok := e.store.Get(string(remoteRec.ID))
		return ok && rec.Name == "Rowing"
	})

	renamed := remoteRec.Clone()
	renamed.Name = "Rowing Intervals"
	renamed.UpdatedAt += 5000
	e.client.Inject(remote.ActionUpdate, renamed)
	waitFor(t, 2*time.Second, func() bool {
		rec, ok := e.store.Get(string(remoteRec.ID))
		return ok && rec.Name == "Rowing Intervals"
	})

	e.client.Inject(remote.ActionDelete, renamed)
	waitFor(t, 2*time.Second, func() bool {
		return len(e.svc.List("owner-1")) == 0
	})
	// An inbound delete tombstones; only an acknowledged local delete purges.
	if tomb, ok := e.store.Get(string(remoteRec.ID)); !ok || !tomb.IsDeleted {
		t.Fatal("Expected a tombstone for the remotely deleted record")
	}
}

// TestInboundDeferredWhileEditOutstanding verifies an inbound change
// for a record with an unflushed local operation is held back, then
// applied once that operation resolves.
func TestInboundDeferredWhileEditOutstanding(t *testing.T) {
	e := startEngine(t, filepath.Join(t.TempDir(), "repbook.db"), false)
	waitFor(t, 2*time.Second, func() bool { return e.client.Streams() == 1 })
	ctx := context.Background()

	rec := e.create(t, "Treadmill")

	fromElsewhere := rec.Clone()
	fromElsewhere.Name = "Treadmill Intervals"
	fromElsewhere.UpdatedAt += 10000
	e.client.Inject(remote.ActionUpdate, fromElsewhere)

	waitFor(t, 2*time.Second, func() bool { return e.listener.Buffered() == 1 })
	if local, _ := e.store.Get(string(rec.ID)); local.Name != "Treadmill" {
		t.Fatalf("Deferred change applied early: %s", local.Name)
	}

	// Resolve the outstanding create as the backend accepting it.
	op, ok := e.queue.ForRecord(string(rec.ID))
	if !ok {
		t.Fatal("Expected a queued operation")
	}
	if _, err := e.queue.MarkSynced(ctx, string(op.ID), op.Revision); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		local, ok := e.store.Get(string(rec.ID))
		return ok && local.Name == "Treadmill Intervals"
	})
	if e.listener.Buffered() != 0 {
		t.Errorf("Expected empty defer buffer, got %d", e.listener.Buffered())
	}
}

// =====================================================
// Concurrent Offline Writes
// =====================================================

// TestConcurrentOfflineCreates verifies concurrent facade writes while
// offline all land in the store and the queue, and all sync later.
func TestConcurrentOfflineCreates(t *testing.T) {
	e := startEngine(t, filepath.Join(t.TempDir(), "repbook.db"), false)

	const writers = 8
	const perWriter = 5

	t.Logf("Writing from %d goroutines while offline...", writers)
	errCh := make(chan error, writers*perWriter)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				name := fmt.Sprintf("Set %d-%d", w, i)
				if _, err := e.svc.Create(context.Background(), name, "owner-1"); err != nil {
					errCh <- fmt.Errorf("create %s: %w", name, err)
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}

	want := writers * perWriter
	if got := len(e.svc.List("owner-1")); got != want {
		t.Fatalf("Expected %d visible records, got %d", want, got)
	}
	if e.queue.Size() != want {
		t.Fatalf("Expected %d queued operations, got %d", want, e.queue.Size())
	}

	t.Log("Reconnecting...")
	e.goOnline()
	waitFor(t, 5*time.Second, func() bool { return e.queue.Size() == 0 })

	if rows := e.client.Rows("owner-1"); len(rows) != want {
		t.Fatalf("Expected %d backend rows, got %d", want, len(rows))
	}
}
