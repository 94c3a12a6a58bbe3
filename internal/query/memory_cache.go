package query

import (
	"context"
	"sync"
	"time"
)

// MemoryCache 是进程内缓存，ttl 为 0 表示永不过期。
type MemoryCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

// NewMemoryCache 创建内存缓存。
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, entries: make(map[string]memoryEntry), now: time.Now}
}

// Load implements Cache.
func (c *MemoryCache) Load(_ context.Context, key Key) (Entry, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key.String()]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key.String())
		c.mu.Unlock()
		return Entry{}, false, nil
	}
	return e.entry, true, nil
}

// Save implements Cache.
func (c *MemoryCache) Save(_ context.Context, key Key, entry Entry) error {
	e := memoryEntry{entry: entry}
	if c.ttl > 0 {
		e.expiresAt = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[key.String()] = e
	c.mu.Unlock()
	return nil
}

// Delete implements Cache.
func (c *MemoryCache) Delete(_ context.Context, keys ...Key) error {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.entries, k.String())
	}
	c.mu.Unlock()
	return nil
}

// Close implements Cache.
func (c *MemoryCache) Close() error { return nil }
