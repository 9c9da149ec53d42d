package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryCache 进程内缓存，过期键在访问时惰性清理
type MemoryCache struct {
	prefix string
	now    func() time.Time

	mu    sync.Mutex
	items map[string]memoryEntry
}

// NewMemoryCache 创建进程内缓存
func NewMemoryCache(prefix string) *MemoryCache {
	return &MemoryCache{
		prefix: prefix,
		now:    time.Now,
		items:  make(map[string]memoryEntry),
	}
}

func (c *MemoryCache) entry(value string, ttl time.Duration) memoryEntry {
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	return e
}

func (c *MemoryCache) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	key = prefixed(c.prefix, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok && !e.expired(c.now()) {
		return false, nil
	}
	c.items[key] = c.entry(value, ttl)
	return true, nil
}

func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	key = prefixed(c.prefix, key)

	c.mu.Lock()
	c.items[key] = c.entry(value, ttl)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, error) {
	key = prefixed(c.prefix, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return "", ErrMiss
	}
	if e.expired(c.now()) {
		delete(c.items, key)
		return "", ErrMiss
	}
	return e.value, nil
}

func (c *MemoryCache) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.items, prefixed(c.prefix, key))
	}
	return nil
}

// Len 返回未过期键的数量
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for key, e := range c.items {
		if e.expired(now) {
			delete(c.items, key)
			continue
		}
		n++
	}
	return n
}

func (c *MemoryCache) Close() error {
	return nil
}
