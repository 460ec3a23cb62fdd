package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/repbook/core/internal/errors"
	"github.com/repbook/core/internal/records"
	"github.com/repbook/core/internal/remote"
	"github.com/repbook/core/internal/session"
	"github.com/repbook/core/internal/store"
	"github.com/repbook/core/internal/sync/queue"
	"github.com/repbook/core/internal/sync/scheduler"
)

// ===== Helpers =====

// recordingBroadcaster captures flush lifecycle broadcasts.
type recordingBroadcaster struct {
	mu        sync.Mutex
	started   int
	completed int
	failed    []string
	online    []bool
}

func (b *recordingBroadcaster) BroadcastFlushStarted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started++
}

func (b *recordingBroadcaster) BroadcastFlushCompleted(stats map[string]int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completed++
}

func (b *recordingBroadcaster) BroadcastFlushFailed(errorCode string, retryable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failed = append(b.failed, errorCode)
}

func (b *recordingBroadcaster) BroadcastOnlineChanged(online bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.online = append(b.online, online)
}

type syncFixture struct {
	handler *SyncHandler
	hub     *recordingBroadcaster
	svc     *records.Service
	client  *remote.MemoryClient
	sched   *scheduler.Scheduler
	queue   *queue.SyncQueue
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()

	st := store.New(nil)
	q := queue.NewSyncQueue(nil)
	sess := session.NewManager()
	sess.SetOwner("owner-1")
	client := remote.NewMemoryClient(sess)
	svc := records.NewService(st, q, sess)

	config := scheduler.DefaultConfig()
	config.FlushInterval = time.Hour
	// The background loop stays stopped; TriggerSync drives pushes
	// through FlushNow, so queue counts are deterministic here.
	sched := scheduler.NewScheduler(client, q, st, sess, config)

	hub := &recordingBroadcaster{}
	handler := NewSyncHandler(sched, svc)
	handler.SetWebSocketHub(hub)

	return &syncFixture{
		handler: handler,
		hub:     hub,
		svc:     svc,
		client:  client,
		sched:   sched,
		queue:   q,
	}
}

// ===== Status =====

// TestSyncGetStatus verifies GET /api/sync/status exposes the
// scheduler state and queue counts.
func TestSyncGetStatus(t *testing.T) {
	f := newSyncFixture(t)
	if _, err := f.svc.Create(context.Background(), "Push-ups", "owner-1"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/sync/status", nil)
	w := httptest.NewRecorder()
	f.handler.GetStatus(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		IsOnline   bool           `json:"is_online"`
		QueueStats map[string]int `json:"queue_stats"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !body.IsOnline {
		t.Fatal("scheduler reported offline")
	}
	if body.QueueStats["pending"] != 1 {
		t.Fatalf("pending = %d, want 1", body.QueueStats["pending"])
	}
}

// ===== Trigger =====

// TestSyncTrigger verifies POST /api/sync/now pushes the queue to the
// backend and broadcasts the flush lifecycle.
func TestSyncTrigger(t *testing.T) {
	f := newSyncFixture(t)
	rec, err := f.svc.Create(context.Background(), "Push-ups", "owner-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/sync/now", nil)
	w := httptest.NewRecorder()
	f.handler.TriggerSync(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if _, ok := f.client.Row(rec.ID); !ok {
		t.Fatal("record did not reach the backend")
	}
	if f.queue.Size() != 0 {
		t.Fatalf("queue size = %d after flush", f.queue.Size())
	}

	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	if f.hub.started != 1 || f.hub.completed != 1 || len(f.hub.failed) != 0 {
		t.Fatalf("broadcasts = %d started, %d completed, %d failed",
			f.hub.started, f.hub.completed, len(f.hub.failed))
	}
}

// TestSyncTrigger_offline verifies a flush while offline yields 503
// with a retryable failure broadcast.
func TestSyncTrigger_offline(t *testing.T) {
	f := newSyncFixture(t)
	f.sched.SetOnlineStatus(false)

	req := httptest.NewRequest(http.MethodPost, "/api/sync/now", nil)
	w := httptest.NewRecorder()
	f.handler.TriggerSync(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if code, _ := decodeError(t, w); code != string(errors.ErrNetwork) {
		t.Fatalf("code = %q", code)
	}

	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	if len(f.hub.failed) != 1 || f.hub.failed[0] != string(errors.ErrNetwork) {
		t.Fatalf("failure broadcasts = %v", f.hub.failed)
	}
}

// ===== Operations =====

// TestSyncListOperations verifies GET /api/sync/operations exposes
// the queue contents.
func TestSyncListOperations(t *testing.T) {
	f := newSyncFixture(t)
	if _, err := f.svc.Create(context.Background(), "Push-ups", "owner-1"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/sync/operations", nil)
	w := httptest.NewRecorder()
	f.handler.ListOperations(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body.Count != 1 {
		t.Fatalf("count = %d, want 1", body.Count)
	}
}

// TestSyncRetryFailed verifies POST /api/sync/retry re-arms failed
// operations.
func TestSyncRetryFailed(t *testing.T) {
	f := newSyncFixture(t)
	rec, err := f.svc.Create(context.Background(), "Push-ups", "owner-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	op, _ := f.queue.ForRecord(string(rec.ID))
	pushErr := errors.New(errors.ErrServerRejected, "invalid payload")
	if _, err := f.queue.MarkError(context.Background(), string(op.ID), op.Revision, pushErr); err != nil {
		t.Fatalf("MarkError failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/sync/retry", nil)
	w := httptest.NewRecorder()
	f.handler.RetryFailed(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Retried int `json:"retried"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body.Retried != 1 {
		t.Fatalf("retried = %d, want 1", body.Retried)
	}
}

// ===== Online toggle =====

// TestSyncSetOnline verifies POST /api/sync/online flips the
// scheduler's connectivity and broadcasts the change.
func TestSyncSetOnline(t *testing.T) {
	f := newSyncFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/sync/online",
		strings.NewReader(`{"online":false}`))
	w := httptest.NewRecorder()
	f.handler.SetOnline(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if f.sched.IsOnline() {
		t.Fatal("scheduler still online")
	}

	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	if len(f.hub.online) != 1 || f.hub.online[0] {
		t.Fatalf("online broadcasts = %v", f.hub.online)
	}
}

// TestSyncSetOnline_invalidBody verifies malformed JSON yields 400.
func TestSyncSetOnline_invalidBody(t *testing.T) {
	f := newSyncFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/sync/online",
		strings.NewReader(`nope`))
	w := httptest.NewRecorder()
	f.handler.SetOnline(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
