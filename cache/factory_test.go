package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-muc/config"
)

// countingBackend stands in for a clustered backend in the swap tests.
type countingBackend struct {
	created []string
}

func (b *countingBackend) NewCache(name string, maxSize int64, maxLifetime time.Duration) Cache {
	b.created = append(b.created, name)
	return NewDefaultCache(name, maxSize, maxLifetime)
}

func TestGetCacheIsIdempotent(t *testing.T) {
	f := NewFactory(nil)
	c1 := f.GetCache(CacheRooms)
	c2 := f.GetCache(CacheRooms)
	assert.Same(t, c1, c2)
}

func TestGetCacheResolvesAliases(t *testing.T) {
	f := NewFactory(nil)
	c1 := f.GetCache("rooms")
	c2 := f.GetCache(CacheRooms)
	assert.Same(t, c1, c2)
}

func TestConfigOverridesDefaults(t *testing.T) {
	overrides := map[string]config.CacheConfig{
		"rooms": {Size: 1234, MaxLifetime: time.Minute}, // via short alias
	}
	f := NewFactory(overrides)
	c := f.GetCache(CacheRooms)
	assert.Equal(t, int64(1234), c.MaxCacheSize())
	assert.Equal(t, time.Minute, c.MaxLifetime())
}

func TestClusterSwapKeepsWrapperIdentity(t *testing.T) {
	f := NewFactory(nil)
	rooms := f.GetCache(CacheRooms)
	_, err := rooms.Put("lobby", "state")
	require.NoError(t, err)

	backend := &countingBackend{}
	f.JoinedCluster(backend)

	// the wrapper identity is stable, callers keep their reference
	assert.Same(t, rooms, f.GetCache(CacheRooms))
	assert.Contains(t, backend.created, CacheRooms)
	// joining a cluster discards cache content
	_, ok := rooms.Get("lobby")
	assert.False(t, ok)

	_, err = rooms.Put("lobby", "clustered state")
	require.NoError(t, err)
	f.LeftCluster()
	assert.Same(t, rooms, f.GetCache(CacheRooms))
	_, ok = rooms.Get("lobby")
	assert.False(t, ok, "leaving the cluster purges content")
}

func TestLocalOnlyCacheIsNotSwapped(t *testing.T) {
	f := NewFactory(nil)
	surrogates := f.GetCache(CacheRoomSurrogates)
	require.True(t, surrogates.LocalOnly())
	_, err := surrogates.Put("lobby", "surrogate")
	require.NoError(t, err)

	backend := &countingBackend{}
	f.JoinedCluster(backend)

	assert.NotContains(t, backend.created, CacheRoomSurrogates)
	_, ok := surrogates.Get("lobby")
	assert.True(t, ok, "local-only cache keeps its content across a cluster join")
}

func TestClearAllCachesSkipsNonClearable(t *testing.T) {
	f := NewFactory(nil)
	rooms := f.GetCache(CacheRooms)
	components := f.GetCache(CacheComponents)
	require.True(t, components.NonClearable())

	_, err := rooms.Put("a", "x")
	require.NoError(t, err)
	_, err = components.Put("b", "y")
	require.NoError(t, err)

	f.ClearAllCaches()

	assert.Equal(t, 0, rooms.Size())
	assert.Equal(t, 1, components.Size())
}
