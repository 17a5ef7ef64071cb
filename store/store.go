package store

import (
	"sync"

	"github.com/go-errors/errors"
)

// returned by Get when no value is stored under the key
var ErrNotFound = errors.New("Key not found")

// Store is a generic interface for the key-value backend account state is
// persisted to. This allows the plugin to use any backend (in-memory or
// persistent).
type Store interface {
	Get(key string) (string, error)
	Put(key string, value string) error
	Delete(key string) error
	Close() error
}

// MemStore is an in-memory Store, mainly useful for tests.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{
		data: make(map[string]string),
	}
}

func (s *MemStore) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[key]
	if !ok {
		return "", ErrNotFound
	}

	return value, nil
}

func (s *MemStore) Put(key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = value

	return nil
}

func (s *MemStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)

	return nil
}

// Close satisfies the Store interface for MemStore.
func (s *MemStore) Close() error {
	return nil
}
