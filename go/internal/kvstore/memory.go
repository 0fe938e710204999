package kvstore

import (
	"strings"
	"sync"
)

// Memory is an in-process KV implementation. Watch callbacks are delivered
// synchronously on the mutating goroutine, after internal locks are
// released, so a watcher may call back into the store.
type Memory struct {
	mu       sync.Mutex
	data     map[string]string
	watchers map[int64]func(Change)
	nextID   int64
}

// NewMemory creates an empty in-memory key-value store.
func NewMemory() *Memory {
	return &Memory{
		data:     make(map[string]string),
		watchers: make(map[int64]func(Change)),
	}
}

func (m *Memory) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *Memory) Set(key, value string) {
	m.mu.Lock()
	m.data[key] = value
	watchers := m.snapshotWatchers()
	m.mu.Unlock()
	dispatch(watchers, Change{Key: key, Value: value})
}

func (m *Memory) Remove(key string) {
	m.mu.Lock()
	if _, ok := m.data[key]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.data, key)
	watchers := m.snapshotWatchers()
	m.mu.Unlock()
	dispatch(watchers, Change{Key: key, Removed: true})
}

func (m *Memory) Keys(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

func (m *Memory) Watch(fn func(Change)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.watchers, id)
	}
}

// snapshotWatchers copies the watcher list. Caller holds mu.
func (m *Memory) snapshotWatchers() []func(Change) {
	out := make([]func(Change), 0, len(m.watchers))
	for _, fn := range m.watchers {
		out = append(out, fn)
	}
	return out
}

func dispatch(watchers []func(Change), c Change) {
	for _, fn := range watchers {
		fn(c)
	}
}
