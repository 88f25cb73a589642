package session

import (
	"sort"
	"sync"
	"time"

	"github.com/vovakirdan/wirechat-sync/internal/core"
)

// MessageStore is the ordered, deduplicated message log of one room session.
//
// Messages live in an append-only arena; index maps an id to its arena slot
// and order lists arena slots sorted by (OccurredAt, ID).
type MessageStore struct {
	mu    sync.RWMutex
	arena []core.Message
	index map[string]int
	order []int
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{index: make(map[string]int)}
}

// Seed folds history pages into the log. Pages may arrive most-recent-first
// and may overlap each other or live messages. It returns how many messages
// were new.
func (s *MessageStore) Seed(pages ...[]core.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, page := range pages {
		for _, msg := range page {
			if s.insertLocked(msg) {
				added++
			}
		}
	}
	return added
}

// Ingest inserts one live message. Duplicates and messages without id are
// dropped and reported as false.
func (s *MessageStore) Ingest(msg core.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(msg)
}

func (s *MessageStore) insertLocked(msg core.Message) bool {
	if msg.ID == "" {
		return false
	}
	if _, ok := s.index[msg.ID]; ok {
		return false
	}

	slot := len(s.arena)
	s.arena = append(s.arena, msg)
	s.index[msg.ID] = slot

	// live messages almost always land at the end
	n := len(s.order)
	if n == 0 || s.arena[s.order[n-1]].Before(msg) {
		s.order = append(s.order, slot)
		return true
	}

	pos := sort.Search(n, func(i int) bool {
		return msg.Before(s.arena[s.order[i]])
	})
	s.order = append(s.order, 0)
	copy(s.order[pos+1:], s.order[pos:])
	s.order[pos] = slot
	return true
}

// Messages returns the log in ascending order.
func (s *MessageStore) Messages() []core.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]core.Message, len(s.order))
	for i, slot := range s.order {
		out[i] = s.arena[slot]
	}
	return out
}

// Last returns the most recent message.
func (s *MessageStore) Last() (core.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.order) == 0 {
		return core.Message{}, false
	}
	return s.arena[s.order[len(s.order)-1]], true
}

// First returns the oldest loaded message.
func (s *MessageStore) First() (core.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.order) == 0 {
		return core.Message{}, false
	}
	return s.arena[s.order[0]], true
}

// FirstAtOrAfter returns the oldest loaded message not older than at.
func (s *MessageStore) FirstAtOrAfter(at time.Time) (core.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos := sort.Search(len(s.order), func(i int) bool {
		return !s.arena[s.order[i]].OccurredAt.Before(at)
	})
	if pos == len(s.order) {
		return core.Message{}, false
	}
	return s.arena[s.order[pos]], true
}

// Contains reports whether id is in the log.
func (s *MessageStore) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[id]
	return ok
}

// Lookup returns the message with id.
func (s *MessageStore) Lookup(id string) (core.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.index[id]
	if !ok {
		return core.Message{}, false
	}
	return s.arena[slot], true
}

// Quoted resolves the quoted back-reference of msg. The quoted message may be
// older than anything loaded, in which case it is not found.
func (s *MessageStore) Quoted(msg core.Message) (core.Message, bool) {
	if msg.QuotedMessageID == "" {
		return core.Message{}, false
	}
	return s.Lookup(msg.QuotedMessageID)
}

// Len returns the number of messages.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
