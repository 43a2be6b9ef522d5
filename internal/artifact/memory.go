package artifact

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store. It backs one-shot CLI runs with
// --ephemeral and tests in other packages.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]string)}
}

func (m *MemoryStore) Write(_ context.Context, key, content string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("write artifact: empty key")
	}
	m.mu.Lock()
	m.items[key] = content
	m.mu.Unlock()
	return URI(key), nil
}

func (m *MemoryStore) Read(_ context.Context, key string) (string, error) {
	key = KeyFromURI(key)
	m.mu.RLock()
	defer m.mu.RUnlock()
	content, ok := m.items[key]
	if !ok {
		return "", fmt.Errorf("read artifact %s: %w", key, ErrNotFound)
	}
	return content, nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	key = KeyFromURI(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[key]; !ok {
		return fmt.Errorf("delete artifact %s: %w", key, ErrNotFound)
	}
	delete(m.items, key)
	return nil
}
