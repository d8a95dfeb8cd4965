package kv

import (
	"context"
	"slices"
	"sync"

	"fieldsync-go/internal/fieldsync"
)

// MemoryStore is an in-process KeyValue for tests and ephemeral sessions.
type MemoryStore struct {
	mu      sync.Mutex
	strings map[string][]string
	values  map[string]string
	watch   []chan struct{}
}

var (
	_ fieldsync.KeyValue        = (*MemoryStore)(nil)
	_ fieldsync.KeyValueWatcher = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string][]string),
		values:  make(map[string]string),
	}
}

func (m *MemoryStore) Strings(key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Clone(m.strings[key])
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func (m *MemoryStore) UpdateStrings(key string, fn func([]string) []string) ([]string, error) {
	m.mu.Lock()
	current := slices.Clone(m.strings[key])
	if current == nil {
		current = []string{}
	}
	out := fn(current)
	if out == nil {
		out = []string{}
	}
	m.strings[key] = slices.Clone(out)
	m.mu.Unlock()
	m.notify()
	return out, nil
}

func (m *MemoryStore) String(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key], nil
}

func (m *MemoryStore) SetString(key, value string) error {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *MemoryStore) Delete(keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.strings, k)
		delete(m.values, k)
	}
	m.mu.Unlock()
	m.notify()
	return nil
}

// Watch reports every write. The channel is closed when ctx ends.
func (m *MemoryStore) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.watch = append(m.watch, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		m.watch = slices.DeleteFunc(m.watch, func(c chan struct{}) bool { return c == ch })
		close(ch)
	}()
	return ch, nil
}

func (m *MemoryStore) notify() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.watch {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
