package remote

import (
	"context"
	"sort"
	"sync"

	"github.com/repbook/core/internal/errors"
	"github.com/repbook/core/internal/logging"
	"github.com/repbook/core/internal/models"
	"github.com/repbook/core/internal/session"
)

// MemoryClient is a loopback Client used in demo mode and tests. It
// applies pushes to an in-memory row set and feeds them back through
// the change stream the way a real backend would, with switches for
// simulating outages and rejections.
type MemoryClient struct {
	sess *session.Manager

	mu      sync.RWMutex
	rows    map[string]*models.Record
	history []ChangeEvent
	online  bool
	pushErr error

	streamMu sync.Mutex
	streams  map[int]*memoryStream
	nextID   int
	closed   chan struct{}
}

type memoryStream struct {
	ownerID string
	events  chan ChangeEvent
}

// NewMemoryClient creates an online MemoryClient. The session manager
// guards pushes against owner drift; pass nil to skip the check.
func NewMemoryClient(sess *session.Manager) *MemoryClient {
	return &MemoryClient{
		sess:    sess,
		rows:    make(map[string]*models.Record),
		online:  true,
		streams: make(map[int]*memoryStream),
		closed:  make(chan struct{}),
	}
}

// SetOnline toggles the simulated link. Pushes fail with a network
// error while offline.
func (c *MemoryClient) SetOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online = online
}

// FailPushes makes every push fail with err until called with nil.
func (c *MemoryClient) FailPushes(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushErr = err
}

// Push applies one operation to the row set and broadcasts the
// resulting change to this owner's streams.
func (c *MemoryClient) Push(ctx context.Context, op *models.SyncOperation) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(errors.ErrNetwork, "push canceled", err)
	}

	rec, err := op.Record()
	if err != nil {
		return errors.Wrap(errors.ErrServerRejected, "operation payload is not a record", err)
	}
	if err := checkOwner(c.sess, rec); err != nil {
		return err
	}

	c.mu.Lock()
	if !c.online {
		c.mu.Unlock()
		return errors.New(errors.ErrNetwork, "backend offline")
	}
	if c.pushErr != nil {
		err := c.pushErr
		c.mu.Unlock()
		return err
	}

	var event ChangeEvent
	switch op.Kind {
	case models.OpCreate:
		// An existing row means a previous attempt already landed;
		// the retry converges like a real backend's 409 would.
		c.rows[string(rec.ID)] = rec.Clone()
		event = ChangeEvent{Action: ActionInsert, Record: rec.Clone()}
	case models.OpUpdate:
		c.rows[string(rec.ID)] = rec.Clone()
		event = ChangeEvent{Action: ActionUpdate, Record: rec.Clone()}
	case models.OpDelete:
		delete(c.rows, string(rec.ID))
		event = ChangeEvent{Action: ActionDelete, Record: rec.Clone()}
	default:
		c.mu.Unlock()
		return errors.New(errors.ErrInternal, "unknown operation kind: "+string(op.Kind))
	}
	c.history = append(c.history, event)
	c.mu.Unlock()

	c.broadcast(event)
	return nil
}

// Inject applies a change as if another device produced it: the row
// set is updated and the change is broadcast to open streams.
func (c *MemoryClient) Inject(action ChangeAction, rec *models.Record) {
	event := ChangeEvent{Action: action, Record: rec.Clone()}

	c.mu.Lock()
	if action == ActionDelete {
		delete(c.rows, string(rec.ID))
	} else {
		c.rows[string(rec.ID)] = rec.Clone()
	}
	c.history = append(c.history, event)
	c.mu.Unlock()

	c.broadcast(event)
}

// OpenChangeStream delivers this owner's changes to onChange until ctx
// is canceled or the client is closed.
func (c *MemoryClient) OpenChangeStream(ctx context.Context, ownerID string, onChange ChangeHandler) error {
	stream := &memoryStream{
		ownerID: ownerID,
		events:  make(chan ChangeEvent, 64),
	}

	c.streamMu.Lock()
	id := c.nextID
	c.nextID++
	c.streams[id] = stream
	c.streamMu.Unlock()

	defer func() {
		c.streamMu.Lock()
		delete(c.streams, id)
		c.streamMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.closed:
			return nil
		case event := <-stream.events:
			onChange(event)
		}
	}
}

// Close shuts down all open change streams.
func (c *MemoryClient) Close() error {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

// Rows returns the owner's rows sorted by creation time.
func (c *MemoryClient) Rows(ownerID string) []*models.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows := make([]*models.Record, 0)
	for _, rec := range c.rows {
		if rec.OwnerID == ownerID {
			rows = append(rows, rec.Clone())
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt != rows[j].CreatedAt {
			return rows[i].CreatedAt < rows[j].CreatedAt
		}
		return rows[i].ID < rows[j].ID
	})
	return rows
}

// Row returns one row by id.
func (c *MemoryClient) Row(id models.UUID) (*models.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.rows[string(id)]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Streams returns the number of open change streams.
func (c *MemoryClient) Streams() int {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	return len(c.streams)
}

// History returns every change applied so far, oldest first.
func (c *MemoryClient) History() []ChangeEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	history := make([]ChangeEvent, len(c.history))
	copy(history, c.history)
	return history
}

// broadcast fans an event out to the owner's open streams. Slow
// streams drop events rather than block the pusher.
func (c *MemoryClient) broadcast(event ChangeEvent) {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()

	for _, stream := range c.streams {
		if stream.ownerID != event.Record.OwnerID {
			continue
		}
		select {
		case stream.events <- event:
		default:
			logging.Warn("Change stream buffer full, dropping event",
				map[string]interface{}{"record_id": string(event.Record.ID)})
		}
	}
}
