// Package cachestore provides durable storage of cached model results keyed
// by request fingerprint. A store hands out scoped sessions (open/close
// around a call); single-key get and set are each atomic, but callers must
// not assume get-then-set is. Redundant overwrites of the same fingerprint
// are safe because entries are idempotent snapshots of a deterministic
// computation.
//
// Backends: in-memory (tests, single process), SQLite (local disk), and
// Redis (shared between processes).
package cachestore

import (
	"context"
	"sync"

	"github.com/tmachado/llmcall/internal/model"
)

// Store opens scoped sessions against a cache backend.
type Store interface {
	Open(ctx context.Context) (Session, error)
}

// Session is one scoped acquisition of the cache. Values are typed: a store
// instance holds model.CachedResult records and nothing else.
type Session interface {
	Get(ctx context.Context, key string) (*model.CachedResult, bool, error)
	Set(ctx context.Context, key string, value *model.CachedResult) error
	Close() error
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*model.CachedResult
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*model.CachedResult)}
}

func (s *MemoryStore) Open(ctx context.Context) (Session, error) {
	return &memorySession{store: s}, nil
}

// Len reports the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

type memorySession struct {
	store *MemoryStore
}

func (s *memorySession) Get(ctx context.Context, key string) (*model.CachedResult, bool, error) {
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()

	item, ok := s.store.items[key]
	if !ok {
		return nil, false, nil
	}
	return item, true, nil
}

func (s *memorySession) Set(ctx context.Context, key string, value *model.CachedResult) error {
	if err := value.Validate(); err != nil {
		return err
	}

	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.store.items[key] = value
	return nil
}

func (s *memorySession) Close() error { return nil }
