package registry

import (
	"context"
	"sync"
)

// MemStore is an in-memory [Store] for tests and throwaway runs.
// It is safe for concurrent use.
type MemStore struct {
	mu   sync.Mutex
	data map[string]string
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]string)}
}

func (s *MemStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemStore) Put(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemStore) Update(_ context.Context, key string, fn func(current string, found bool) (string, error)) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, found := s.data[key]
	next, err := fn(current, found)
	if err != nil {
		return "", err
	}
	s.data[key] = next
	return current, nil
}

func (s *MemStore) Close() error { return nil }

// Len reports the number of stored keys. Test helper.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
