// Package mock provides an in-memory implementation of embedauth.Store for testing.
package mock

import (
	"context"
	"sort"
	"sync"

	"github.com/blackwell-systems/embedauth"
)

// Store is an in-memory mock for testing.
type Store struct {
	items map[string]string
	mu    sync.RWMutex

	gets int
	sets int

	// Behavior control for testing
	InitError   error
	GetError    error
	SetError    error
	DeleteError error
}

// New creates a new mock store.
func New() *Store {
	return &Store{
		items: make(map[string]string),
	}
}

// Name returns the store name.
func (s *Store) Name() string { return "mock" }

// Init returns InitError if set.
func (s *Store) Init(ctx context.Context) error { return s.InitError }

// Close is a no-op for mock.
func (s *Store) Close() error { return nil }

// Get retrieves a value from the in-memory map.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++

	if s.GetError != nil {
		return "", s.GetError
	}

	value, ok := s.items[key]
	if !ok {
		return "", embedauth.ErrNotFound
	}
	return value, nil
}

// Set creates or replaces a value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets++

	if s.SetError != nil {
		return s.SetError
	}

	s.items[key] = value
	return nil
}

// Delete removes a value.
func (s *Store) Delete(ctx context.Context, key string) error {
	if s.DeleteError != nil {
		return s.DeleteError
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, key)
	return nil
}

// Helper methods for tests

// Put directly sets a value without counting it as a write.
func (s *Store) Put(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
}

// Value returns the raw stored value and whether it exists.
func (s *Store) Value(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.items[key]
	return value, ok
}

// Keys returns the stored keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Gets returns how many times Get was called.
func (s *Store) Gets() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gets
}

// Sets returns how many times Set was called.
func (s *Store) Sets() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sets
}

// Clear removes all values.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]string)
}
