// Package store provides the reactive record store holding the local
// source of truth for records.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/repbook/core/internal/errors"
	"github.com/repbook/core/internal/logging"
	"github.com/repbook/core/internal/models"
)

// Persistence is the durable backing for the store. Writes go through
// it before memory so record state survives restarts.
type Persistence interface {
	UpsertRecord(ctx context.Context, rec *models.Record) error
	PurgeRecord(ctx context.Context, id string) error
	ListAllRecords(ctx context.Context) ([]*models.Record, error)
}

// Subscriber receives the full visible record list for its owner after
// every committed mutation affecting that owner.
type Subscriber func(records []*models.Record)

type subscription struct {
	ownerID string
	fn      Subscriber
}

// Store holds every record keyed by id with reactive read access.
// Mutations write through the persistence layer, update memory, then
// notify subscribers synchronously. No network calls originate here.
type Store struct {
	persist Persistence

	// commitMu serializes mutation plus notification so every
	// subscriber observes mutations in commit order.
	commitMu sync.Mutex

	// dataMu guards records and order so readers never block on a
	// subscriber callback.
	dataMu  sync.RWMutex
	records map[string]*models.Record
	order   []string // record ids in creation order

	subsMu  sync.RWMutex
	subs    map[int]*subscription
	nextSub int
}

// New creates a Store backed by the given persistence layer. A nil
// persist keeps the store memory-only.
func New(persist Persistence) *Store {
	return &Store{
		persist: persist,
		records: make(map[string]*models.Record),
		subs:    make(map[int]*subscription),
	}
}

// Hydrate loads every persisted record into memory, preserving the
// creation order the persistence layer returns. Call once at startup
// before the store is shared.
func (s *Store) Hydrate(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}

	records, err := s.persist.ListAllRecords(ctx)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to hydrate record store", err)
	}

	s.dataMu.Lock()
	s.records = make(map[string]*models.Record, len(records))
	s.order = make([]string, 0, len(records))
	for _, rec := range records {
		s.records[string(rec.ID)] = rec
		s.order = append(s.order, string(rec.ID))
	}
	s.dataMu.Unlock()

	logging.Info("Record store hydrated",
		map[string]interface{}{"records": len(records)})

	return nil
}

// Get returns the record for id, tombstoned rows included. Callers
// check IsDeleted when they need the visible subset.
func (s *Store) Get(id string) (*models.Record, bool) {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// List returns the visible records for an owner in creation order,
// tombstoned rows excluded.
func (s *Store) List(ownerID string) []*models.Record {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	return s.visibleLocked(ownerID)
}

// Count returns the number of stored records, tombstones included.
func (s *Store) Count() int {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	return len(s.records)
}

// visibleLocked builds the visible list for an owner. Callers hold
// dataMu.
func (s *Store) visibleLocked(ownerID string) []*models.Record {
	visible := make([]*models.Record, 0, len(s.order))
	for _, id := range s.order {
		rec := s.records[id]
		if rec.OwnerID != ownerID || rec.IsDeleted {
			continue
		}
		visible = append(visible, rec.Clone())
	}
	return visible
}

// Upsert inserts or replaces a record and notifies subscribers for the
// record's owner. New ids append to creation order; existing ids keep
// their position.
func (s *Store) Upsert(ctx context.Context, rec *models.Record) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	stored := rec.Clone()

	if s.persist != nil {
		if err := s.persist.UpsertRecord(ctx, stored); err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to persist record", err)
		}
	}

	s.dataMu.Lock()
	if _, exists := s.records[string(stored.ID)]; !exists {
		s.order = append(s.order, string(stored.ID))
	}
	s.records[string(stored.ID)] = stored
	s.dataMu.Unlock()

	logging.Debug("Record upserted",
		map[string]interface{}{"record_id": string(stored.ID)})

	s.notify(stored.OwnerID)
	return nil
}

// MarkDeleted sets the tombstone flag and bumps updated_at. The row
// stays addressable by id until purged. Returns the tombstoned record.
func (s *Store) MarkDeleted(ctx context.Context, id string) (*models.Record, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.dataMu.RLock()
	current, ok := s.records[id]
	var tombstone *models.Record
	if ok {
		tombstone = current.Clone()
	}
	s.dataMu.RUnlock()

	if !ok {
		return nil, errors.New(errors.ErrNotFound, "record not found: "+id)
	}

	tombstone.IsDeleted = true
	tombstone.Touch()

	if s.persist != nil {
		if err := s.persist.UpsertRecord(ctx, tombstone); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to persist tombstone", err)
		}
	}

	s.dataMu.Lock()
	s.records[id] = tombstone
	s.dataMu.Unlock()

	logging.Debug("Record tombstoned",
		map[string]interface{}{"record_id": id})

	s.notify(tombstone.OwnerID)
	return tombstone.Clone(), nil
}

// Purge physically removes a record. Purging a tombstone (the normal
// case, after its delete was acknowledged remotely) leaves the visible
// list unchanged and does not notify; purging a still-visible record
// does notify, since the list shrinks.
func (s *Store) Purge(ctx context.Context, id string) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.dataMu.RLock()
	rec, ok := s.records[id]
	s.dataMu.RUnlock()
	if !ok {
		return errors.New(errors.ErrNotFound, "record not found: "+id)
	}
	wasVisible := !rec.IsDeleted
	ownerID := rec.OwnerID

	if s.persist != nil {
		if err := s.persist.PurgeRecord(ctx, id); err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to purge record", err)
		}
	}

	s.dataMu.Lock()
	delete(s.records, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.dataMu.Unlock()

	logging.Info("Record purged",
		map[string]interface{}{"record_id": id})

	if wasVisible {
		s.notify(ownerID)
	}
	return nil
}

// Subscribe registers a listener for an owner's visible list. The
// returned function removes the subscription.
func (s *Store) Subscribe(ownerID string, fn Subscriber) func() {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = &subscription{ownerID: ownerID, fn: fn}
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

// notify invokes every subscriber for ownerID with the owner's current
// visible list, in registration order. Runs under commitMu so listeners
// observe mutations in commit order; listeners must not mutate the
// store from inside the callback.
func (s *Store) notify(ownerID string) {
	s.subsMu.RLock()
	ids := make([]int, 0, len(s.subs))
	for id, sub := range s.subs {
		if sub.ownerID == ownerID {
			ids = append(ids, id)
		}
	}
	matched := make([]*subscription, 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		matched = append(matched, s.subs[id])
	}
	s.subsMu.RUnlock()

	if len(matched) == 0 {
		return
	}

	s.dataMu.RLock()
	visible := s.visibleLocked(ownerID)
	s.dataMu.RUnlock()

	for _, sub := range matched {
		// Each listener gets its own copy so one cannot affect what
		// the next one sees.
		list := make([]*models.Record, len(visible))
		for i, rec := range visible {
			list[i] = rec.Clone()
		}
		sub.fn(list)
	}
}
