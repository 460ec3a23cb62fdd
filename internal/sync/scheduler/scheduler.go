// Package scheduler drains the sync queue in the background: a
// recurring timer pushes pending operations to the backend, failed
// retryable operations are re-armed once their backoff window has
// passed, and nothing is attempted while offline or signed out.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/repbook/core/internal/errors"
	"github.com/repbook/core/internal/logging"
	"github.com/repbook/core/internal/models"
	"github.com/repbook/core/internal/remote"
	"github.com/repbook/core/internal/session"
	"github.com/repbook/core/internal/store"
	"github.com/repbook/core/internal/sync/queue"
)

// Scheduler owns the background push loop.
type Scheduler struct {
	client remote.Client
	queue  *queue.SyncQueue
	store  *store.Store
	sess   *session.Manager

	flushInterval time.Duration
	pushTimeout   time.Duration
	baseDelay     time.Duration
	maxDelay      time.Duration
	parallelism   int

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu              sync.RWMutex
	runCtx          context.Context
	isRunning       bool
	isOnline        bool
	flushInProgress bool
	lastFlushTime   time.Time
}

// Config holds scheduler configuration.
type Config struct {
	FlushInterval time.Duration // how often the queue is drained (default: 15 seconds)
	PushTimeout   time.Duration // per-operation backend deadline (default: 30 seconds)
	BaseDelay     time.Duration // retry delay after the first failure (default: 1 minute)
	MaxDelay      time.Duration // retry delay ceiling (default: 1 hour)
	Parallelism   int           // concurrent pushes across records (default: 4)
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		FlushInterval: 15 * time.Second,
		PushTimeout:   30 * time.Second,
		BaseDelay:     1 * time.Minute,
		MaxDelay:      1 * time.Hour,
		Parallelism:   4,
	}
}

// NewScheduler creates a new Scheduler. The session manager may be nil
// when pushes are not owner-gated.
func NewScheduler(client remote.Client, q *queue.SyncQueue, st *store.Store, sess *session.Manager, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}

	return &Scheduler{
		client:        client,
		queue:         q,
		store:         st,
		sess:          sess,
		flushInterval: config.FlushInterval,
		pushTimeout:   config.PushTimeout,
		baseDelay:     config.BaseDelay,
		maxDelay:      config.MaxDelay,
		parallelism:   config.Parallelism,
		stopCh:        make(chan struct{}),
		isOnline:      true, // Assume online initially
	}
}

// Start starts the background flush loop. An initial flush runs right
// away so operations queued while the app was closed drain promptly.
// A stopped scheduler can be started again.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.runCtx = ctx
	// Each run gets its own stop channel; the previous one was closed
	// by Stop.
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.wg.Add(1)
	s.mu.Unlock()

	go s.flushLoop(ctx, stopCh)

	s.spawnFlush(ctx)

	logging.Info("Sync scheduler started",
		map[string]interface{}{"flush_interval": s.flushInterval.String()})
}

// Stop stops the background flush loop and waits for any in-flight
// flush to finish, so the queue and store are quiet once it returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("Sync scheduler stopped", nil)
}

// spawnFlush runs one flush pass on its own goroutine, tracked so Stop
// waits for it. Reports false once Stop has begun; skipped operations
// stay queued for the next run.
func (s *Scheduler) spawnFlush(ctx context.Context) bool {
	s.mu.Lock()
	select {
	case <-s.stopCh:
		s.mu.Unlock()
		return false
	default:
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.runFlush(ctx)
	}()
	return true
}

// SetOnlineStatus changes the online status of the scheduler. Going
// back online kicks off an immediate flush so reconnects drain the
// queue without waiting for the next tick.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	running := s.isRunning
	runCtx := s.runCtx
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}

	logging.Info("Online status changed",
		map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  isOnline,
		})

	if isOnline && running {
		s.spawnFlush(runCtx)
	}
}

// flushLoop drains the queue on every tick.
func (s *Scheduler) flushLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.spawnFlush(ctx)
		}
	}
}

// runFlush drains the queue once, unless the scheduler is offline,
// nobody is signed in, or a flush is already in progress. Skipped
// operations stay queued; nothing is ever dropped here.
func (s *Scheduler) runFlush(ctx context.Context) {
	if !s.IsOnline() {
		logging.Debug("Skipping flush - scheduler is offline", nil)
		return
	}
	if s.sess != nil && s.sess.IsAnonymous() {
		logging.Debug("Skipping flush - no signed-in owner", nil)
		return
	}

	s.mu.Lock()
	if s.flushInProgress {
		s.mu.Unlock()
		logging.Debug("Flush already in progress, skipping", nil)
		return
	}
	s.flushInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.flushInProgress = false
		s.mu.Unlock()
	}()

	s.flush(ctx)
}

// flush re-arms eligible failures and pushes everything pending.
func (s *Scheduler) flush(ctx context.Context) {
	rearmed := s.rearmEligible(ctx)

	pending := s.queue.Pending()
	if len(pending) == 0 {
		return
	}

	logging.Info("Flushing sync queue",
		map[string]interface{}{
			"count":   len(pending),
			"rearmed": rearmed,
		})

	// One operation per record means pushes for different records are
	// independent; parallelism never reorders a single record's ops.
	var synced int64
	g := new(errgroup.Group)
	g.SetLimit(s.parallelism)
	for _, op := range pending {
		op := op
		g.Go(func() error {
			if s.pushOne(ctx, op) {
				atomic.AddInt64(&synced, 1)
			}
			return nil
		})
	}
	g.Wait()

	s.mu.Lock()
	s.lastFlushTime = time.Now()
	s.mu.Unlock()

	logging.Info("Flush completed",
		map[string]interface{}{
			"synced":    atomic.LoadInt64(&synced),
			"remaining": s.queue.Size(),
		})
}

// pushOne pushes a single operation and routes the outcome back into
// the queue. Returns true when the operation was retired as synced.
func (s *Scheduler) pushOne(ctx context.Context, op *models.SyncOperation) bool {
	pushCtx, cancel := context.WithTimeout(ctx, s.pushTimeout)
	defer cancel()

	if err := s.client.Push(pushCtx, op); err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-push; leave the operation for the next run.
			return false
		}
		if _, markErr := s.queue.MarkError(ctx, string(op.ID), op.Revision, err); markErr != nil {
			logging.Error("Failed to record push failure", markErr,
				map[string]interface{}{"operation_id": string(op.ID)})
		}
		return false
	}

	applied, err := s.queue.MarkSynced(ctx, string(op.ID), op.Revision)
	if err != nil {
		logging.Error("Failed to retire synced operation", err,
			map[string]interface{}{"operation_id": string(op.ID)})
		return false
	}
	if !applied {
		// Coalesced mid-push; the newer payload goes out next flush.
		logging.Debug("Operation changed during push, keeping newer payload",
			map[string]interface{}{"operation_id": string(op.ID)})
		return false
	}

	// A tombstone is only safe to purge once the backend has the
	// delete; that is exactly now.
	if op.Kind == models.OpDelete {
		if err := s.store.Purge(ctx, string(op.RecordID)); err != nil && !errors.Is(err, errors.ErrNotFound) {
			logging.Error("Failed to purge synced tombstone", err,
				map[string]interface{}{"record_id": string(op.RecordID)})
		}
	}

	return true
}

// rearmEligible moves retryable failures whose backoff window has
// passed back into the pending set. Terminal failures stay put until
// the user retries them explicitly.
func (s *Scheduler) rearmEligible(ctx context.Context) int {
	rearmed := 0
	now := time.Now()

	for _, op := range s.queue.Failed() {
		if !errors.RetryableCode(errors.ErrorCode(op.ErrorCode)) {
			continue
		}
		if now.Sub(op.LastAttemptAtTime()) < s.backoffDelay(op.Attempts) {
			continue
		}
		if err := s.queue.MarkRetrying(ctx, string(op.ID)); err != nil {
			logging.Error("Failed to re-arm failed operation", err,
				map[string]interface{}{"operation_id": string(op.ID)})
			continue
		}
		rearmed++
	}

	return rearmed
}

// backoffDelay doubles per attempt from BaseDelay up to MaxDelay.
func (s *Scheduler) backoffDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	shift := attempts - 1
	if shift > 30 {
		shift = 30
	}
	delay := s.baseDelay << uint(shift)
	if delay <= 0 || delay > s.maxDelay {
		return s.maxDelay
	}
	return delay
}

// TriggerFlush starts an immediate flush in the background. Returns
// false if a flush is already in progress or the scheduler has been
// stopped.
func (s *Scheduler) TriggerFlush(ctx context.Context) bool {
	s.mu.RLock()
	inProgress := s.flushInProgress
	s.mu.RUnlock()

	if inProgress {
		return false
	}

	return s.spawnFlush(ctx)
}

// FlushNow drains the queue synchronously. Unlike the background loop
// it reports why nothing can be pushed, so a manual "sync now" action
// gets an answer.
func (s *Scheduler) FlushNow(ctx context.Context) error {
	if !s.IsOnline() {
		return errors.New(errors.ErrNetwork, "cannot sync while offline")
	}
	if s.sess != nil && s.sess.IsAnonymous() {
		return errors.New(errors.ErrAuthMismatch, "cannot sync without a signed-in owner")
	}

	s.runFlush(ctx)
	return nil
}

// Status is a point-in-time snapshot of the scheduler.
type Status struct {
	IsRunning       bool           `json:"is_running"`
	IsOnline        bool           `json:"is_online"`
	FlushInProgress bool           `json:"flush_in_progress"`
	LastFlushTime   *time.Time     `json:"last_flush_time,omitempty"`
	QueueStats      map[string]int `json:"queue_stats"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		IsRunning:       s.isRunning,
		IsOnline:        s.isOnline,
		FlushInProgress: s.flushInProgress,
		QueueStats:      s.queue.Stats(),
	}

	if !s.lastFlushTime.IsZero() {
		t := s.lastFlushTime
		status.LastFlushTime = &t
	}

	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
