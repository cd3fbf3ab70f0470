package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore keeps one JSON file per thread.
// Storage layout:
//
//	<dir>/
//	  └── <thread-id>.json
//
// Writes go to a temporary file that is renamed into place, so a crash
// never leaves a torn checkpoint. The version check is serialized by an
// in-process lock; processes sharing a directory must not write the same
// thread concurrently.
type FileStore struct {
	dir    string
	mu     sync.RWMutex
	closed bool
}

// NewFileStore creates a file store rooted at dir.
// If dir is empty, uses ~/.hitl/checkpoints.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		dir = filepath.Join(home, ".hitl", "checkpoints")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(threadID string) string {
	return filepath.Join(s.dir, threadID+".json")
}

// Load returns the checkpoint of a thread.
func (s *FileStore) Load(_ context.Context, threadID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStorageClosed
	}
	if err := ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	return s.read(threadID)
}

func (s *FileStore) read(threadID string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(threadID)) // #nosec G304 - thread id validated to prevent traversal
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	return decode(data)
}

// Save writes cp if its version is current.
func (s *FileStore) Save(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStorageClosed
	}

	next, data, err := prepare(cp, now())
	if err != nil {
		return err
	}

	var stored int64
	existing, err := s.read(cp.ThreadID)
	switch {
	case err == nil:
		stored = existing.Version
	case !errors.Is(err, ErrNotFound):
		return err
	}
	if stored != cp.Version {
		return ErrVersionConflict
	}

	tmp, err := os.CreateTemp(s.dir, "."+cp.ThreadID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(cp.ThreadID)); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}

	commit(cp, next)
	return nil
}

// List returns summaries of all checkpoints in the directory.
func (s *FileStore) List(_ context.Context) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStorageClosed
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint directory: %w", err)
	}

	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		cp, err := s.read(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, cp.Summarize())
	}
	sortSummaries(out)
	return out, nil
}

// Close marks the store closed.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
