package store

import (
	"bytes"
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of the Store interface.
// It is used in tests and single-process deployments.
type MemoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]map[string][]byte
	sequences  map[string]uint64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		namespaces: make(map[string]map[string][]byte),
		sequences:  make(map[string]uint64),
	}
}

// Get returns the value stored under (namespace, key), or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, namespace string, key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ns, ok := s.namespaces[namespace]
	if !ok {
		return nil, ErrNotFound
	}
	value, ok := ns[string(key)]
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Put stores value under (namespace, key).
func (s *MemoryStore) Put(_ context.Context, namespace string, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.namespaces[namespace]
	if !ok {
		ns = make(map[string][]byte)
		s.namespaces[namespace] = ns
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	ns[string(key)] = stored
	return nil
}

// Delete removes (namespace, key).
func (s *MemoryStore) Delete(_ context.Context, namespace string, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ns, ok := s.namespaces[namespace]; ok {
		delete(ns, string(key))
	}
	return nil
}

// Scan visits every entry in the namespace whose key starts with prefix.
func (s *MemoryStore) Scan(_ context.Context, namespace string, prefix []byte, fn func(key, value []byte) error) error {
	s.mu.RLock()
	entries := make(map[string][]byte)
	if ns, ok := s.namespaces[namespace]; ok {
		for k, v := range ns {
			if bytes.HasPrefix([]byte(k), prefix) {
				entries[k] = v
			}
		}
	}
	s.mu.RUnlock()

	for k, v := range entries {
		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

// NextSequence atomically increments and returns the named counter.
func (s *MemoryStore) NextSequence(_ context.Context, name string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sequences[name]++
	return s.sequences[name], nil
}

// Close releases resources. It is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
