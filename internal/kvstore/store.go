// Package kvstore persists the updater's string-to-string state: cached file
// digests and the subscribed release stream.
package kvstore

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Store is a persisted string map. Get/Set/Delete operate on the in-memory
// view; Load replaces it from disk and Save writes it back.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
	Keys(prefix string) []string
	Load() error
	Save() error
	Close() error
}

// Open returns the store for the named backend ("file" or "sqlite").
func Open(backend, path string) (Store, error) {
	switch strings.ToLower(backend) {
	case "", "file", "yaml":
		return NewFileStore(path), nil
	case "sqlite":
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("kvstore: unknown backend %q", backend)
	}
}

// memory is the map shared by both backends.
type memory struct {
	mu     sync.RWMutex
	values map[string]string
}

func (m *memory) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *memory) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}

func (m *memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
}

func (m *memory) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *memory) replace(values map[string]string) {
	if values == nil {
		values = make(map[string]string)
	}
	m.mu.Lock()
	m.values = values
	m.mu.Unlock()
}

func (m *memory) snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}
