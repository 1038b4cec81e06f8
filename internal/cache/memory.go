package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const memoryCacheEntries = 10_000

// entry carries its own deadline; the LRU evicts on capacity, expiry is
// checked lazily on read.
type entry struct {
	value    string
	deadline time.Time
}

func (e entry) expired(now time.Time) bool {
	return now.After(e.deadline)
}

// MemoryProvider is the single-instance cache backend: webhook replay keys
// and gateway tokens live only as long as this process does.
type MemoryProvider struct {
	entries *lru.Cache[string, entry]
}

func NewMemoryProvider() (*MemoryProvider, error) {
	c, err := lru.New[string, entry](memoryCacheEntries)
	if err != nil {
		return nil, err
	}
	return &MemoryProvider{entries: c}, nil
}

func (m *MemoryProvider) Get(_ context.Context, key string) (string, error) {
	e, ok := m.entries.Get(key)
	if !ok {
		return "", ErrNotFound
	}
	if e.expired(time.Now()) {
		m.entries.Remove(key)
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *MemoryProvider) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	m.entries.Add(key, entry{value: value, deadline: time.Now().Add(ttl)})
	return nil
}

func (m *MemoryProvider) Delete(_ context.Context, key string) error {
	m.entries.Remove(key)
	return nil
}

func (m *MemoryProvider) Close() error {
	return nil
}
