package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/teranos/aggregator/errors"
)

// MemoryStore keeps the audit log in memory. Used by tests and by the server
// when no database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (s *MemoryStore) Persist(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[entry.ID]; exists {
		return errors.Newf("audit entry %s already exists", entry.ID)
	}
	if entry.SimilarTo != "" {
		if orig, ok := s.entries[entry.SimilarTo]; ok {
			orig.SimilarQueries = append(orig.SimilarQueries, entry.ID)
		}
	}
	e := entry
	e.SimilarQueries = nil
	e.AccessLog = nil
	s.entries[e.ID] = &e
	s.order = append(s.order, e.ID)
	return nil
}

func (s *MemoryStore) AppendAccess(_ context.Context, entryID string, event AccessEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return false, nil
	}
	e.AccessLog = append(e.AccessLog, event)
	return true, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, entryID string, status Status, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return errors.NewNotFoundError("audit entry %s", entryID)
	}
	e.Status = status
	e.Detail = detail
	return nil
}

func (s *MemoryStore) Get(_ context.Context, entryID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[entryID]
	if !ok {
		return nil, errors.NewNotFoundError("audit entry %s", entryID)
	}
	c := copyEntry(*e)
	return &c, nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.order))
	for _, id := range s.order {
		e := s.entries[id]
		if !filter.matches(*e) {
			continue
		}
		out = append(out, copyEntry(*e))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func copyEntry(e Entry) Entry {
	e.SimilarQueries = append([]string{}, e.SimilarQueries...)
	e.AccessLog = append([]AccessEvent{}, e.AccessLog...)
	return e
}
