package cache

import (
	"sync"
	"time"

	"github.com/tcriess/lightspeed-muc/config"
	"github.com/tcriess/lightspeed-muc/globals"
)

// Well-known cache names. Callers may use the short alias in configuration
// files, the factory resolves it to the canonical name.
const (
	CacheRooms          = "muc-rooms"
	CacheRoomSurrogates = "muc-room-surrogates"
	CacheOccupants      = "muc-occupants"
	CacheComponents     = "muc-components"
)

type cacheDefault struct {
	maxSize      int64
	maxLifetime  time.Duration
	localOnly    bool
	nonClearable bool
}

// Built-in size/lifetime defaults per cache name. A configuration property
// for the same (or aliased) name takes precedence.
var cacheDefaults = map[string]cacheDefault{
	CacheRooms:          {maxSize: 5 * 1024 * 1024, maxLifetime: -1},
	CacheRoomSurrogates: {maxSize: 1024 * 1024, maxLifetime: 30 * time.Minute, localOnly: true},
	CacheOccupants:      {maxSize: 5 * 1024 * 1024, maxLifetime: -1},
	CacheComponents:     {maxSize: 256 * 1024, maxLifetime: -1, nonClearable: true},
}

// Short-name aliases kept for backward compatibility with pre-existing
// configuration keys.
var cacheAliases = map[string]string{
	"rooms":      CacheRooms,
	"surrogates": CacheRoomSurrogates,
	"occupants":  CacheOccupants,
	"components": CacheComponents,
}

const (
	defaultMaxSize     = 256 * 1024
	defaultMaxLifetime = 6 * time.Hour
)

// Backend creates cache instances for one clustering strategy.
type Backend interface {
	NewCache(name string, maxSize int64, maxLifetime time.Duration) Cache
}

// localBackend creates process-local caches.
type localBackend struct{}

func (localBackend) NewCache(name string, maxSize int64, maxLifetime time.Duration) Cache {
	return NewDefaultCache(name, maxSize, maxLifetime)
}

// Factory is the process-wide registry of named caches. It hands out
// stable wrappers and swaps their backends when the process joins or
// leaves a cluster.
type Factory struct {
	mu        sync.Mutex
	caches    map[string]*CacheWrapper
	backend   Backend
	clustered bool
	overrides map[string]config.CacheConfig
}

// NewFactory creates a factory using the local backend. Configuration
// overrides (by canonical name or alias) take precedence over the built-in
// defaults.
func NewFactory(overrides map[string]config.CacheConfig) *Factory {
	resolved := make(map[string]config.CacheConfig, len(overrides))
	for name, cc := range overrides {
		if canonical, ok := cacheAliases[name]; ok {
			name = canonical
		}
		resolved[name] = cc
	}
	return &Factory{
		caches:    make(map[string]*CacheWrapper),
		backend:   localBackend{},
		overrides: resolved,
	}
}

// GetCache returns the cache registered under name, creating it on first
// request. A second request for the same name returns the existing
// instance.
func (f *Factory) GetCache(name string) *CacheWrapper {
	if canonical, ok := cacheAliases[name]; ok {
		name = canonical
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.caches[name]; ok {
		return c
	}
	def, ok := cacheDefaults[name]
	if !ok {
		def = cacheDefault{maxSize: defaultMaxSize, maxLifetime: defaultMaxLifetime}
	}
	maxSize, maxLifetime := def.maxSize, def.maxLifetime
	if override, ok := f.overrides[name]; ok {
		if override.Size != 0 {
			maxSize = override.Size
		}
		if override.MaxLifetime != 0 {
			maxLifetime = override.MaxLifetime
		}
	}
	backend := f.backend
	if def.localOnly || !f.clustered {
		backend = localBackend{}
	}
	wrapper := newCacheWrapper(backend.NewCache(name, maxSize, maxLifetime), def.localOnly, def.nonClearable)
	f.caches[name] = wrapper
	globals.AppLogger.Debug("created cache", "name", name, "max_size", maxSize, "max_lifetime", maxLifetime, "clustered", f.clustered && !def.localOnly)
	return wrapper
}

// JoinedCluster swaps every cache not flagged local-only onto the given
// clustered backend. Existing local content is discarded.
func (f *Factory) JoinedCluster(backend Backend) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backend = backend
	f.clustered = true
	for name, wrapper := range f.caches {
		if wrapper.LocalOnly() {
			continue
		}
		old := wrapper.backend()
		wrapper.swapDelegate(backend.NewCache(name, old.MaxCacheSize(), old.MaxLifetime()))
		globals.AppLogger.Info("cache switched to clustered backend", "name", name)
	}
}

// LeftCluster swaps every clustered cache back onto a fresh local backend,
// which purges its content.
func (f *Factory) LeftCluster() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backend = localBackend{}
	f.clustered = false
	for name, wrapper := range f.caches {
		if wrapper.LocalOnly() {
			continue
		}
		old := wrapper.backend()
		wrapper.swapDelegate(NewDefaultCache(name, old.MaxCacheSize(), old.MaxLifetime()))
		globals.AppLogger.Info("cache switched back to local backend", "name", name)
	}
}

// IsClustered reports whether the factory currently uses a clustered
// backend.
func (f *Factory) IsClustered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clustered
}

// ClearAllCaches clears every registered cache except those flagged
// non-clearable.
func (f *Factory) ClearAllCaches() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, wrapper := range f.caches {
		if wrapper.NonClearable() {
			globals.AppLogger.Debug("skipping non-clearable cache", "name", name)
			continue
		}
		wrapper.Clear()
	}
}

// Caches returns a snapshot of all registered caches.
func (f *Factory) Caches() map[string]*CacheWrapper {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*CacheWrapper, len(f.caches))
	for name, wrapper := range f.caches {
		out[name] = wrapper
	}
	return out
}
