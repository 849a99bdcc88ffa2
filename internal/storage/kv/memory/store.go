// Package memory provides an in-memory KV store for development/testing.
package memory

import (
	"context"
	"sync"
)

// Store implements kv.Store with a mutex-guarded map.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New constructs an empty Store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Get returns a copy of the stored value.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Set stores a copy of value under key.
func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	s.data[key] = v
	return nil
}

// Delete removes key if present.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Close implements kv.Store; it performs no action.
func (s *Store) Close() error {
	return nil
}
