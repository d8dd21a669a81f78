package kvstore

import (
	"context"
	"sync"
	"time"
)

// Store abstracts the durable key-value storage every poll coordinates through.
// Values are opaque strings; callers serialize their own records. Set is
// last-write-wins with an explicit TTL. Increment advances a counter atomically
// in the store itself, never read-modify-write on the caller side.
// CompareAndSwap replaces a value only if the stored value still equals the
// one the caller read; it is the primitive that keeps two concurrent polls
// from both claiming the same session.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Increment(ctx context.Context, key string) (int64, error)
	CompareAndSwap(ctx context.Context, key, expect, value string, ttl time.Duration) (bool, error)
}

type entry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is mostly for testing and local development.
type MemoryStore struct {
	mu       sync.Mutex
	data     map[string]entry
	counters map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:     make(map[string]entry),
		counters: make(map[string]int64),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return "", false, nil
	}
	if time.Now().After(e.expiresAt) {
		delete(m.data, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Increment(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	return m.counters[key], nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, key, expect, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok || time.Now().After(e.expiresAt) || e.value != expect {
		return false, nil
	}
	m.data[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	return true, nil
}
