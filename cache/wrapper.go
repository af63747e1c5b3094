package cache

import (
	"sync"
	"time"
)

// CacheWrapper is the stable object the factory hands out to callers. Its
// internal delegate is swapped when the process joins or leaves a cluster,
// so callers holding a reference never need to re-resolve their cache.
type CacheWrapper struct {
	mu       sync.RWMutex
	delegate Cache

	localOnly    bool
	nonClearable bool
}

func newCacheWrapper(delegate Cache, localOnly, nonClearable bool) *CacheWrapper {
	return &CacheWrapper{delegate: delegate, localOnly: localOnly, nonClearable: nonClearable}
}

// swapDelegate replaces the backend. Joining or leaving a cluster discards
// cache content, no migration is attempted.
func (w *CacheWrapper) swapDelegate(delegate Cache) {
	w.mu.Lock()
	w.delegate = delegate
	w.mu.Unlock()
}

func (w *CacheWrapper) backend() Cache {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.delegate
}

// LocalOnly reports whether this cache is excluded from clustering.
func (w *CacheWrapper) LocalOnly() bool { return w.localOnly }

// NonClearable reports whether global clear-all operations skip this cache.
func (w *CacheWrapper) NonClearable() bool { return w.nonClearable }

func (w *CacheWrapper) Name() string { return w.backend().Name() }

func (w *CacheWrapper) Put(key string, value interface{}) (interface{}, error) {
	return w.backend().Put(key, value)
}

func (w *CacheWrapper) Get(key string) (interface{}, bool) { return w.backend().Get(key) }

func (w *CacheWrapper) Remove(key string) (interface{}, bool) { return w.backend().Remove(key) }

func (w *CacheWrapper) Size() int { return w.backend().Size() }

func (w *CacheWrapper) CacheSize() int64 { return w.backend().CacheSize() }

func (w *CacheWrapper) MaxCacheSize() int64 { return w.backend().MaxCacheSize() }

func (w *CacheWrapper) SetMaxCacheSize(size int64) { w.backend().SetMaxCacheSize(size) }

func (w *CacheWrapper) MaxLifetime() time.Duration { return w.backend().MaxLifetime() }

func (w *CacheWrapper) Keys() []string { return w.backend().Keys() }

func (w *CacheWrapper) Clear() { w.backend().Clear() }

func (w *CacheWrapper) Stats() Stats { return w.backend().Stats() }

func (w *CacheWrapper) KeyLock(key string) sync.Locker { return w.backend().KeyLock(key) }
