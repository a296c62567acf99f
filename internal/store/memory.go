package store

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	data    []byte
	expires time.Time
}

// MemoryCache implements ReportCache with an in-process map. Expired
// entries are dropped when read.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, ErrMiss
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return nil, ErrMiss
	}
	// Return a copy to avoid external mutation.
	return append([]byte(nil), e.data...), nil
}

// Set stores data under key. A non-positive ttl stores nothing.
func (c *MemoryCache) Set(_ context.Context, key string, data []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry{
		data:    append([]byte(nil), data...),
		expires: c.now().Add(ttl),
	}
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
