package kv

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// MemoryStore keeps records in process memory.
// Data survives across operations but not process restarts; it exists for
// tests and for running without a durable backend configured.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]json.RawMessage
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]json.RawMessage)}
}

// Get retrieves a copy of the value for key.
func (s *MemoryStore) Get(_ context.Context, key string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	if !ok {
		return nil, nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out, nil
}

// Set stores a copy of value at key.
func (s *MemoryStore) Set(_ context.Context, key string, value json.RawMessage) error {
	cp := make(json.RawMessage, len(value))
	copy(cp, value)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = cp
	return nil
}

// Delete removes key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// List returns copies of all entries whose key starts with prefix.
func (s *MemoryStore) List(_ context.Context, prefix string) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]json.RawMessage)
	for k, v := range s.items {
		if strings.HasPrefix(k, prefix) {
			cp := make(json.RawMessage, len(v))
			copy(cp, v)
			out[k] = cp
		}
	}
	return out, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
