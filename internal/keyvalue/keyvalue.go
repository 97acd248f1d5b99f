// Package keyvalue provides a small TTL key-value store used for the
// access-token revocation set and the login-attempt counters. Both
// operations need atomic increment and expiry, nothing more.
package keyvalue

import (
	"context"
	"sync"
	"time"
)

type Store interface {
	// Incr increments the counter at key and returns the new value. The
	// first increment of a fresh (or expired) key arms the ttl; later
	// increments within the window do not extend it.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the current value at key and whether it exists and has
	// not expired.
	Get(ctx context.Context, key string) (int64, bool, error)

	// Put stores a marker value of 1 at key with the given ttl,
	// overwriting any previous entry.
	Put(ctx context.Context, key string, ttl time.Duration) error

	Delete(ctx context.Context, key string) error

	// Sweep removes expired entries and returns how many were dropped.
	Sweep(ctx context.Context) (int, error)
}

type memoryEntry struct {
	count     int64
	expiresAt time.Time
}

// Memory is the in-process Store used in tests and single-node setups.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: map[string]memoryEntry{},
		now:     time.Now,
	}
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	entry, ok := m.entries[key]
	if !ok || now.After(entry.expiresAt) {
		entry = memoryEntry{count: 0, expiresAt: now.Add(ttl)}
	}
	entry.count++
	m.entries[key] = entry

	return entry.count, nil
}

func (m *Memory) Get(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok || m.now().After(entry.expiresAt) {
		return 0, false, nil
	}

	return entry.count, true, nil
}

func (m *Memory) Put(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memoryEntry{count: 1, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

func (m *Memory) Sweep(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	dropped := 0
	for key, entry := range m.entries {
		if now.After(entry.expiresAt) {
			delete(m.entries, key)
			dropped++
		}
	}

	return dropped, nil
}
