package checkpoint

import (
	"context"
	"sync"
)

// MemoryStore keeps checkpoints in process memory. Entries are stored
// encoded so callers never share state with the store.
type MemoryStore struct {
	data   map[string][]byte
	mu     sync.RWMutex
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Load returns the checkpoint of a thread.
func (s *MemoryStore) Load(_ context.Context, threadID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStorageClosed
	}
	data, ok := s.data[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	return decode(data)
}

// Save writes cp if its version is current.
func (s *MemoryStore) Save(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStorageClosed
	}

	var stored int64
	if data, ok := s.data[cp.ThreadID]; ok {
		existing, err := decode(data)
		if err != nil {
			return err
		}
		stored = existing.Version
	}
	if stored != cp.Version {
		return ErrVersionConflict
	}

	next, data, err := prepare(cp, now())
	if err != nil {
		return err
	}
	s.data[cp.ThreadID] = data
	commit(cp, next)
	return nil
}

// List returns summaries of all checkpoints.
func (s *MemoryStore) List(_ context.Context) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStorageClosed
	}
	out := make([]Summary, 0, len(s.data))
	for _, data := range s.data {
		cp, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, cp.Summarize())
	}
	sortSummaries(out)
	return out, nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
