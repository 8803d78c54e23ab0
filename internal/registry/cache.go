package registry

import (
	"sync"
	"sync/atomic"
	"time"
)

// DatabaseCache is a TTL-based in-memory cache with stale-while-revalidate
// for database rows. Uses sync.Map for lock-free reads on the hot path.
type DatabaseCache struct {
	store sync.Map // map[string]*dbCacheEntry
	ttl   time.Duration
}

type dbCacheEntry struct {
	db         *Database
	expiresAt  time.Time
	refreshing atomic.Bool
}

// CacheGetResult holds the result of a cache lookup.
type CacheGetResult struct {
	Database     *Database
	Hit          bool // true if a value was found (fresh or stale)
	NeedsRefresh bool // true if expired; the caller should refresh in background
}

// NewDatabaseCache creates a cache with the given TTL.
func NewDatabaseCache(ttl time.Duration) *DatabaseCache {
	return &DatabaseCache{ttl: ttl}
}

// cacheKey builds the lookup key for a tenant+reference pair. The tenant is
// part of the key so a row cached for one tenant is never served to another.
func cacheKey(tenantID, ref string) string {
	return tenantID + "|" + ref
}

// Get performs a non-blocking cache lookup.
// Returns stale entries with NeedsRefresh=true when expired.
func (c *DatabaseCache) Get(tenantID, ref string) CacheGetResult {
	val, ok := c.store.Load(cacheKey(tenantID, ref))
	if !ok {
		return CacheGetResult{}
	}

	entry := val.(*dbCacheEntry)
	if time.Now().Before(entry.expiresAt) {
		return CacheGetResult{Database: entry.db.clone(), Hit: true}
	}

	// only one goroutine wins the CAS
	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return CacheGetResult{
		Database:     entry.db.clone(),
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores a row with a fresh TTL.
func (c *DatabaseCache) Set(tenantID, ref string, db *Database) {
	c.store.Store(cacheKey(tenantID, ref), &dbCacheEntry{
		db:        db.clone(),
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Forget drops every entry that resolves to the database with the given
// storage id, whichever tenant or reference it was cached under.
func (c *DatabaseCache) Forget(id string) {
	c.store.Range(func(key, val any) bool {
		if entry := val.(*dbCacheEntry); entry.db != nil && entry.db.ID == id {
			c.store.Delete(key)
		}
		return true
	})
}
