// Package cache provides the named, byte-size-bounded caches used by the
// room service, either purely process-local or backed by a cluster-wide
// store. Caches are obtained via the factory (see factory.go), which hands
// out stable wrappers whose backend is swapped when the process joins or
// leaves a cluster.
package cache

import (
	"sync"
	"time"
)

// Cache is a key-value store with approximate byte-size accounting,
// optional per-entry maximum lifetime and hit/miss counters. Keys must be
// non-empty, values non-nil.
type Cache interface {
	// Name returns the registered name of this cache.
	Name() string

	// Put stores value under key and returns the previous value, if any.
	// A value whose estimated size exceeds 90% of the configured maximum
	// is rejected: the cache is left unchanged and the rejected value is
	// returned together with ErrNotAllowed.
	Put(key string, value interface{}) (interface{}, error)

	// Get returns the value stored under key. Lifetime-expired entries are
	// purged before the lookup and are never returned.
	Get(key string) (interface{}, bool)

	// Remove deletes the entry under key and returns the removed value.
	Remove(key string) (interface{}, bool)

	// Size returns the number of live entries.
	Size() int

	// CacheSize returns the approximate total byte size of all entries.
	CacheSize() int64

	MaxCacheSize() int64
	SetMaxCacheSize(size int64)
	MaxLifetime() time.Duration

	// Keys returns a snapshot of all live keys.
	Keys() []string

	Clear()

	Stats() Stats

	// KeyLock returns a mutual-exclusion handle scoped to key. Locks are
	// keyed by value equality, so callers passing equal keys contend on
	// the same lock. The cache's own content is not guarded by these
	// locks; they are a convenience for callers needing critical sections
	// keyed by the same domain value as a cache entry.
	KeyLock(key string) sync.Locker
}

// Stats carries the hit/miss counters of a cache.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Sizer can be implemented by cached values to report their own
// approximate byte size instead of the generic estimate.
type Sizer interface {
	CachedSize() int64
}
