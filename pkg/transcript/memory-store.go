package transcript

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type threadState struct {
	entries []*Entry
	byID    map[uuid.UUID]*Entry
	status  string
}

// MemoryStore keeps transcripts in process memory, one lock over all
// threads. It is the store behind interactive sessions; nothing is
// persisted across restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]*threadState
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string]*threadState),
	}
}

// thread returns the state for threadID, creating it on first use. Callers
// must hold the write lock.
func (s *MemoryStore) thread(threadID string) *threadState {
	ts, ok := s.threads[threadID]
	if !ok {
		ts = &threadState{byID: make(map[uuid.UUID]*Entry)}
		s.threads[threadID] = ts
	}
	return ts
}

func (s *MemoryStore) CreateEntry(threadID string, entry *Entry) (uuid.UUID, error) {
	if entry == nil {
		return uuid.Nil, errors.New("cannot create nil entry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := entry.Clone()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		now := time.Now()
		e.CreatedAt = now
		e.UpdatedAt = now
	}

	ts := s.thread(threadID)
	if _, exists := ts.byID[e.ID]; exists {
		return uuid.Nil, errors.Errorf("duplicate entry id %s in thread %s", e.ID, threadID)
	}
	ts.entries = append(ts.entries, e)
	ts.byID[e.ID] = e

	log.Trace().
		Str("thread_id", threadID).
		Object("entry", e).
		Int("entry_count", len(ts.entries)).
		Msg("created transcript entry")

	return e.ID, nil
}

func (s *MemoryStore) UpdateEntry(threadID string, id uuid.UUID, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.threads[threadID]
	if !ok {
		return errors.Wrapf(ErrEntryNotFound, "thread %s", threadID)
	}
	e, ok := ts.byID[id]
	if !ok {
		return errors.Wrapf(ErrEntryNotFound, "entry %s in thread %s", id, threadID)
	}

	patch.apply(e)

	log.Trace().
		Str("thread_id", threadID).
		Object("entry", e).
		Msg("patched transcript entry")

	return nil
}

func (s *MemoryStore) SetStatus(threadID string, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.thread(threadID).status = status
	return nil
}

func (s *MemoryStore) Entries(threadID string) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.threads[threadID]
	if !ok {
		return nil
	}
	ret := make([]*Entry, len(ts.entries))
	for i, e := range ts.entries {
		ret[i] = e.Clone()
	}
	return ret
}

func (s *MemoryStore) Entry(threadID string, id uuid.UUID) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.threads[threadID]
	if !ok {
		return nil, false
	}
	e, ok := ts.byID[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

func (s *MemoryStore) Threads() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret := make([]string, 0, len(s.threads))
	for id := range s.threads {
		ret = append(ret, id)
	}
	sort.Strings(ret)
	return ret
}

func (s *MemoryStore) Status(threadID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.threads[threadID]
	if !ok {
		return ""
	}
	return ts.status
}
