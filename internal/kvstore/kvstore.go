// Package kvstore persists the small amount of state courier needs across
// restarts: the last anonymous id written and the batch file index.
package kvstore

import (
	"errors"
	"strconv"
	"sync"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a string key/value store.
type Store interface {
	GetString(key string) (string, error)
	SetString(key, value string) error
	Remove(key string) error
	Close() error
}

// GetInt reads an integer value, returning def when the key is missing.
func GetInt(s Store, key string, def int64) (int64, error) {
	v, err := s.GetString(key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// SetInt stores an integer value.
func SetInt(s Store, key string, v int64) error {
	return s.SetString(key, strconv.FormatInt(v, 10))
}

// MemoryStore is an in-process Store. State is lost on exit.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) GetString(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) SetString(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStore) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
