package backend

import (
	"context"
	"sort"
	"sync"

	"github.com/Aram1d/stored/internal/pubsub"
)

// Memory is a map-backed backend. It persists nothing across restarts and
// exists for tests and for hosts without a durable medium. SimulateExternal
// stands in for another process touching the medium.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]string
	broker *pubsub.Broker[Event]
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		data:   make(map[string]string),
		broker: pubsub.NewBroker[Event](),
	}
}

// Get returns the stored string for key, if any.
func (m *Memory) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

// Set stores value under key. Local writes emit no Event.
func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

// Remove deletes key.
func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Keys returns all stored keys, sorted.
func (m *Memory) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Events returns a fresh subscription to simulated external changes.
func (m *Memory) Events() <-chan Event {
	return m.broker.Subscribe(context.Background())
}

// Close shuts down the event stream.
func (m *Memory) Close() error {
	m.broker.Close()
	return nil
}

// SimulateExternal mutates the map as another process would and emits the
// matching Event. An empty value with removed=true deletes the key.
func (m *Memory) SimulateExternal(key, value string, removed bool) {
	m.mu.Lock()
	if removed {
		delete(m.data, key)
	} else {
		m.data[key] = value
	}
	m.mu.Unlock()

	m.broker.Publish(Event{Key: key, Value: value, Removed: removed})
}
