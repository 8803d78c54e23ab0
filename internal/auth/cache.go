package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// Cache is a TTL cache of verified API keys. Expired entries are still
// served while one caller refreshes them in the background, so only a cold
// key pays for the database lookup and bcrypt.
type Cache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	identity   *Identity
	expiresAt  time.Time
	refreshing atomic.Bool
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl}
}

// GetResult is the outcome of a cache lookup. NeedsRefresh is set for
// exactly one caller per stale entry.
type GetResult struct {
	Identity     *Identity
	Hit          bool
	NeedsRefresh bool
}

func (c *Cache) Get(key string) GetResult {
	val, ok := c.store.Load(key)
	if !ok {
		return GetResult{}
	}
	entry := val.(*cacheEntry)
	if time.Now().Before(entry.expiresAt) {
		return GetResult{Identity: entry.identity, Hit: true}
	}
	return GetResult{
		Identity:     entry.identity,
		Hit:          true,
		NeedsRefresh: entry.refreshing.CompareAndSwap(false, true),
	}
}

func (c *Cache) Set(key string, id *Identity) {
	c.store.Store(key, &cacheEntry{identity: id, expiresAt: time.Now().Add(c.ttl)})
}

func (c *Cache) Delete(key string) {
	c.store.Delete(key)
}
