// Package store holds the client's authoritative in-memory notification state.
//
// Every mutation goes through one of the declared operations; presentation
// surfaces only ever observe snapshots. The store maintains two invariants at
// all times: record IDs are unique, and the unread counter equals the number
// of records whose read flag is false.
package store

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bazaarlab/notisync/internal/notify"
	"github.com/bazaarlab/notisync/pkg/logger"
	"github.com/bazaarlab/notisync/pkg/metrics"
)

const subscriberBuffer = 16

// ChangeOp identifies which operation produced a change notification.
type ChangeOp string

const (
	OpSeed       ChangeOp = "seed"
	OpPrepend    ChangeOp = "prepend"
	OpAppendPage ChangeOp = "append_page"
	OpMarkRead   ChangeOp = "mark_read"
	OpMarkAll    ChangeOp = "mark_all_read"
	OpRemove     ChangeOp = "remove"
	OpClear      ChangeOp = "clear"
)

// Change describes a committed store mutation delivered to subscribers.
type Change struct {
	Op          ChangeOp
	RecordID    string
	UnreadCount int
}

// Store is the single shared mutable resource of the sync subsystem. It keeps
// records ordered newest-first by creation time: push deliveries go to the
// front, REST pages are appended behind everything already present.
type Store struct {
	mu          sync.RWMutex
	records     []notify.Record
	index       map[string]int
	unread      int
	generation  uint64
	subscribers map[uint64]chan Change
	nextSubID   uint64
	log         *zap.Logger
}

// New constructs an empty store.
func New() *Store {
	return &Store{
		index:       make(map[string]int),
		subscribers: make(map[uint64]chan Change),
		log:         logger.WithModule("store"),
	}
}

// Seed replaces the full collection, typically after the initial page fetch or
// an explicit refresh. The server-computed unread counter is reconciled
// against the records themselves; the derived value always wins.
func (s *Store) Seed(records []notify.Record, serverUnread int) {
	s.mu.Lock()

	s.records = make([]notify.Record, 0, len(records))
	s.index = make(map[string]int, len(records))
	s.unread = 0

	for _, record := range records {
		record = record.Normalize()
		if record.ID == "" {
			continue
		}
		if _, exists := s.index[record.ID]; exists {
			metrics.DuplicatesDropped.Inc()
			continue
		}
		s.index[record.ID] = len(s.records)
		s.records = append(s.records, record)
		if !record.Read {
			s.unread++
		}
	}

	if serverUnread >= 0 && serverUnread != s.unread {
		s.log.Debug("server unread counter disagrees with records",
			zap.Int("server", serverUnread),
			zap.Int("derived", s.unread))
	}

	s.generation++
	change := Change{Op: OpSeed, UnreadCount: s.unread}
	s.mu.Unlock()

	s.publish(change)
}

// Prepend inserts a newly pushed record at the front. Duplicate delivery of an
// already-present ID is a no-op, including for the unread counter.
func (s *Store) Prepend(record notify.Record) bool {
	record = record.Normalize()
	if record.ID == "" {
		return false
	}

	s.mu.Lock()
	if _, exists := s.index[record.ID]; exists {
		s.mu.Unlock()
		metrics.DuplicatesDropped.Inc()
		return false
	}

	s.records = append([]notify.Record{record}, s.records...)
	for id, pos := range s.index {
		s.index[id] = pos + 1
	}
	s.index[record.ID] = 0
	if !record.Read {
		s.unread++
	}
	change := Change{Op: OpPrepend, RecordID: record.ID, UnreadCount: s.unread}
	s.mu.Unlock()

	s.publish(change)
	return true
}

// AppendPage merges an additional REST page behind the records already held,
// skipping any ID that is present. Pages arrive newest-first, so appending
// preserves the overall ordering.
func (s *Store) AppendPage(records []notify.Record) int {
	s.mu.Lock()

	added := 0
	for _, record := range records {
		record = record.Normalize()
		if record.ID == "" {
			continue
		}
		if _, exists := s.index[record.ID]; exists {
			metrics.DuplicatesDropped.Inc()
			continue
		}
		s.index[record.ID] = len(s.records)
		s.records = append(s.records, record)
		if !record.Read {
			s.unread++
		}
		added++
	}

	change := Change{Op: OpAppendPage, UnreadCount: s.unread}
	s.mu.Unlock()

	if added > 0 {
		s.publish(change)
	}
	return added
}

// MarkRead flips a record to read and stamps its read time. Calling it again
// for the same record is a no-op, so the unread counter can never
// double-decrement. The returned revert closure restores the exact prior
// state and is used by the controller's optimistic-update rollback.
func (s *Store) MarkRead(id string) (revert func(), ok bool) {
	s.mu.Lock()

	pos, exists := s.index[id]
	if !exists || s.records[pos].Read {
		s.mu.Unlock()
		return nil, false
	}

	prevReadAt := s.records[pos].ReadAt
	now := time.Now().UTC()
	s.records[pos].Read = true
	s.records[pos].ReadAt = &now
	s.unread--
	change := Change{Op: OpMarkRead, RecordID: id, UnreadCount: s.unread}
	s.mu.Unlock()

	s.publish(change)

	return func() {
		s.mu.Lock()
		pos, exists := s.index[id]
		if !exists || !s.records[pos].Read {
			s.mu.Unlock()
			return
		}
		s.records[pos].Read = false
		s.records[pos].ReadAt = prevReadAt
		s.unread++
		change := Change{Op: OpMarkRead, RecordID: id, UnreadCount: s.unread}
		s.mu.Unlock()
		s.publish(change)
	}, true
}

// MarkAllRead flips every unread record and zeroes the counter. The revert
// closure restores exactly the records flipped by this call.
func (s *Store) MarkAllRead() (revert func(), flipped int) {
	s.mu.Lock()

	now := time.Now().UTC()
	var flippedIDs []string
	for i := range s.records {
		if s.records[i].Read {
			continue
		}
		s.records[i].Read = true
		s.records[i].ReadAt = &now
		flippedIDs = append(flippedIDs, s.records[i].ID)
	}
	s.unread = 0
	change := Change{Op: OpMarkAll, UnreadCount: 0}
	s.mu.Unlock()

	if len(flippedIDs) > 0 {
		s.publish(change)
	}

	return func() {
		s.mu.Lock()
		for _, id := range flippedIDs {
			pos, exists := s.index[id]
			if !exists || !s.records[pos].Read {
				continue
			}
			s.records[pos].Read = false
			s.records[pos].ReadAt = nil
			s.unread++
		}
		change := Change{Op: OpMarkAll, UnreadCount: s.unread}
		s.mu.Unlock()
		s.publish(change)
	}, len(flippedIDs)
}

// Remove deletes a record. The unread counter drops by one only when the
// removed record was unread. The revert closure reinserts the record at its
// prior position.
func (s *Store) Remove(id string) (revert func(), ok bool) {
	s.mu.Lock()

	pos, exists := s.index[id]
	if !exists {
		s.mu.Unlock()
		return nil, false
	}

	removed := s.records[pos]
	s.records = append(s.records[:pos], s.records[pos+1:]...)
	delete(s.index, id)
	for i := pos; i < len(s.records); i++ {
		s.index[s.records[i].ID] = i
	}
	if !removed.Read {
		s.unread--
	}
	change := Change{Op: OpRemove, RecordID: id, UnreadCount: s.unread}
	s.mu.Unlock()

	s.publish(change)

	return func() {
		s.mu.Lock()
		if _, exists := s.index[removed.ID]; exists {
			s.mu.Unlock()
			return
		}
		insertAt := pos
		if insertAt > len(s.records) {
			insertAt = len(s.records)
		}
		s.records = append(s.records[:insertAt], append([]notify.Record{removed}, s.records[insertAt:]...)...)
		for i := insertAt; i < len(s.records); i++ {
			s.index[s.records[i].ID] = i
		}
		if !removed.Read {
			s.unread++
		}
		change := Change{Op: OpRemove, RecordID: removed.ID, UnreadCount: s.unread}
		s.mu.Unlock()
		s.publish(change)
	}, true
}

// Clear empties the store on session teardown so no cross-user data survives
// a logout.
func (s *Store) Clear() {
	s.mu.Lock()
	s.records = nil
	s.index = make(map[string]int)
	s.unread = 0
	s.generation++
	change := Change{Op: OpClear}
	s.mu.Unlock()

	s.publish(change)
}

// Snapshot returns a copy of the current records, newest first.
func (s *Store) Snapshot() []notify.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]notify.Record, len(s.records))
	copy(out, s.records)
	return out
}

// Get returns a copy of the record with the supplied ID.
func (s *Store) Get(id string) (notify.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, exists := s.index[id]
	if !exists {
		return notify.Record{}, false
	}
	return s.records[pos], true
}

// Len returns the number of records held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// UnreadCount returns the derived unread counter.
func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread
}

// Generation returns a token that increases on every Seed or Clear. The
// controller captures it before issuing a page fetch and discards completions
// whose token no longer matches.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Subscribe registers a change listener. Delivery is non-blocking: a
// subscriber that stops draining loses events rather than stalling mutation.
// The returned function unregisters the subscriber and closes its channel.
func (s *Store) Subscribe() (<-chan Change, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	ch := make(chan Change, subscriberBuffer)
	s.subscribers[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(existing)
		}
	}
}

func (s *Store) publish(change Change) {
	metrics.UnreadGauge.Set(float64(change.UnreadCount))

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- change:
		default:
			// Drop if buffer full to avoid blocking mutations.
		}
	}
}
