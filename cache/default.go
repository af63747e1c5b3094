package cache

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tcriess/lightspeed-muc/globals"
	"github.com/tcriess/lightspeed-muc/types"
)

// DefaultCache is the process-local cache backend. It keeps two orderings
// over the same entry set: one by last access (for LRU culling) and one by
// insertion age (for lifetime expiry). All operations are internally
// synchronized.
type DefaultCache struct {
	name        string
	maxSize     int64 // bytes, -1 = unlimited
	maxLifetime time.Duration

	mu        sync.Mutex
	entries   map[string]*cacheEntry
	lruList   *list.List // front = most recently used
	ageList   *list.List // front = most recently inserted
	cacheSize int64

	hits   int64
	misses int64

	locks KeyLocks
}

type cacheEntry struct {
	key     string
	value   interface{}
	size    int64
	created time.Time

	lruNode *list.Element
	ageNode *list.Element
}

// NewDefaultCache creates a local cache. maxSize is the byte budget (-1 for
// unlimited), maxLifetime the maximum entry age (0 or less for no expiry).
func NewDefaultCache(name string, maxSize int64, maxLifetime time.Duration) *DefaultCache {
	return &DefaultCache{
		name:        name,
		maxSize:     maxSize,
		maxLifetime: maxLifetime,
		entries:     make(map[string]*cacheEntry),
		lruList:     list.New(),
		ageList:     list.New(),
	}
}

func (c *DefaultCache) Name() string { return c.name }

func (c *DefaultCache) Put(key string, value interface{}) (interface{}, error) {
	if key == "" || value == nil {
		return nil, fmt.Errorf("%w: cache %s requires non-empty key and non-nil value", types.ErrInvalidArgument, c.name)
	}
	size := sizeOf(value) + int64(len(key)) + perEntryOverhead
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxSize > 0 && size > c.maxSize*90/100 {
		// an entry this large would evict nearly everything else, reject it
		globals.AppLogger.Warn("cache entry rejected, larger than 90% of the total budget",
			"cache", c.name, "key", key, "size", size, "max", c.maxSize)
		return value, types.ErrNotAllowed
	}
	var previous interface{}
	if old, ok := c.entries[key]; ok {
		previous = old.value
		c.removeEntry(old)
	}
	entry := &cacheEntry{
		key:     key,
		value:   value,
		size:    size,
		created: time.Now(),
	}
	entry.lruNode = c.lruList.PushFront(entry)
	entry.ageNode = c.ageList.PushFront(entry)
	c.entries[key] = entry
	c.cacheSize += size
	c.cullCache()
	return previous, nil
}

func (c *DefaultCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteExpiredEntries()
	entry, ok := c.entries[key]
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	atomic.AddInt64(&c.hits, 1)
	c.lruList.MoveToFront(entry.lruNode)
	return entry.value, true
}

func (c *DefaultCache) Remove(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.removeEntry(entry)
	return entry.value, true
}

func (c *DefaultCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteExpiredEntries()
	return len(c.entries)
}

func (c *DefaultCache) CacheSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteExpiredEntries()
	return c.cacheSize
}

func (c *DefaultCache) MaxCacheSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSize
}

func (c *DefaultCache) SetMaxCacheSize(size int64) {
	c.mu.Lock()
	c.maxSize = size
	c.cullCache()
	c.mu.Unlock()
}

func (c *DefaultCache) MaxLifetime() time.Duration { return c.maxLifetime }

func (c *DefaultCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteExpiredEntries()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

func (c *DefaultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.lruList.Init()
	c.ageList.Init()
	c.cacheSize = 0
}

func (c *DefaultCache) Stats() Stats {
	return Stats{
		Hits:   atomic.LoadInt64(&c.hits),
		Misses: atomic.LoadInt64(&c.misses),
	}
}

func (c *DefaultCache) KeyLock(key string) sync.Locker {
	return c.locks.LockFor(key)
}

// removeEntry unlinks entry from both orderings and the map. Caller holds
// c.mu. Removing the same logical key twice never double-decrements the
// size accounting because the entry is gone from the map after the first
// call.
func (c *DefaultCache) removeEntry(entry *cacheEntry) {
	if _, ok := c.entries[entry.key]; !ok {
		return
	}
	delete(c.entries, entry.key)
	c.lruList.Remove(entry.lruNode)
	c.ageList.Remove(entry.ageNode)
	c.cacheSize -= entry.size
}

// deleteExpiredEntries purges all entries older than the maximum lifetime.
// Caller holds c.mu.
func (c *DefaultCache) deleteExpiredEntries() {
	if c.maxLifetime <= 0 {
		return
	}
	deadline := time.Now().Add(-c.maxLifetime)
	for {
		oldest := c.ageList.Back()
		if oldest == nil {
			break
		}
		entry := oldest.Value.(*cacheEntry)
		if entry.created.After(deadline) {
			break
		}
		c.removeEntry(entry)
	}
}

// cullCache enforces the byte budget: once usage is within 3% of the
// maximum, expired entries are purged first; if usage is then still within
// 10% of the maximum, least-recently-used entries are evicted one at a
// time until usage drops to 90% of the maximum. Caller holds c.mu.
func (c *DefaultCache) cullCache() {
	if c.maxSize <= 0 {
		return
	}
	if c.cacheSize < c.maxSize*97/100 {
		return
	}
	c.deleteExpiredEntries()
	desired := c.maxSize * 90 / 100
	if c.cacheSize < desired {
		return
	}
	t := time.Now()
	for c.cacheSize > desired {
		lru := c.lruList.Back()
		if lru == nil {
			break
		}
		c.removeEntry(lru.Value.(*cacheEntry))
	}
	globals.AppLogger.Debug("cache culled", "cache", c.name, "took", time.Since(t), "size", c.cacheSize)
}
