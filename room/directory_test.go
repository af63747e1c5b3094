package room

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-muc/cache"
	"github.com/tcriess/lightspeed-muc/config"
	"github.com/tcriess/lightspeed-muc/types"
)

func testDirectory(cfg *config.Config) *Directory {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if cfg.MUCConfig.ServiceDomain == "" {
		cfg.MUCConfig.ServiceDomain = "conference.example.org"
	}
	return NewDirectory(cfg, nil, cache.NewFactory(nil))
}

func TestDirectoryCreateAndGet(t *testing.T) {
	d := testDirectory(nil)
	alice := jid(t, "alice@example.org/desktop")

	_, err := d.GetRoom("garden")
	assert.ErrorIs(t, err, types.ErrRoomNotFound)

	r, created, err := d.GetOrCreateRoom("Garden", alice)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "garden", r.Name())
	assert.True(t, r.IsLocked())

	// a second request returns the same instance
	again, created, err := d.GetOrCreateRoom("garden", alice)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, r, again)

	got, err := d.GetRoom("GARDEN")
	require.NoError(t, err)
	assert.Same(t, r, got)
}

func TestDirectoryCreateAllowList(t *testing.T) {
	cfg := &config.Config{}
	cfg.MUCConfig.CreateAllowList = []string{"alice@example.org"}
	cfg.MUCConfig.Sysadmins = []string{"root@example.org"}
	d := testDirectory(cfg)

	_, _, err := d.GetOrCreateRoom("one", jid(t, "bob@example.org/phone"))
	assert.ErrorIs(t, err, types.ErrNotAllowed)

	_, created, err := d.GetOrCreateRoom("one", jid(t, "alice@example.org/desktop"))
	require.NoError(t, err)
	assert.True(t, created)

	// sysadmins bypass the allow-list
	_, created, err = d.GetOrCreateRoom("two", jid(t, "root@example.org/tty"))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestDirectoryHandleEmptied(t *testing.T) {
	d := testDirectory(nil)
	alice := jid(t, "alice@example.org/desktop")
	r, _, err := d.GetOrCreateRoom("garden", alice)
	require.NoError(t, err)
	unlockRoom(t, r, alice, "alice")

	res, err := r.Leave("alice")
	require.NoError(t, err)
	require.True(t, res.RoomEmptied)
	d.HandleEmptied(r)

	// non-persistent rooms are gone once empty
	_, err = d.GetRoom("garden")
	assert.ErrorIs(t, err, types.ErrRoomNotFound)
}

func TestDirectoryHandleEmptiedRace(t *testing.T) {
	d := testDirectory(nil)
	alice := jid(t, "alice@example.org/desktop")
	r, _, err := d.GetOrCreateRoom("garden", alice)
	require.NoError(t, err)
	unlockRoom(t, r, alice, "alice")

	res, err := r.Leave("alice")
	require.NoError(t, err)
	require.True(t, res.RoomEmptied)

	// somebody re-joined before the emptied signal was processed
	_, err = r.Join("alice", "", nil, alice)
	require.NoError(t, err)
	d.HandleEmptied(r)

	got, err := d.GetRoom("garden")
	require.NoError(t, err)
	assert.Same(t, r, got)
}

func TestDirectoryDestroyRoom(t *testing.T) {
	d := testDirectory(nil)
	alice := jid(t, "alice@example.org/desktop")
	r, _, err := d.GetOrCreateRoom("garden", alice)
	require.NoError(t, err)
	unlockRoom(t, r, alice, "alice")

	_, err = d.DestroyRoom("garden", jid(t, "bob@example.org/phone"), "")
	assert.ErrorIs(t, err, types.ErrForbidden)

	res, err := d.DestroyRoom("garden", alice, "maintenance")
	require.NoError(t, err)
	assert.Len(t, res.Broadcasts, 1)
	_, err = d.GetRoom("garden")
	assert.ErrorIs(t, err, types.ErrRoomNotFound)
}

func TestDirectoryDestroyClearsSurrogates(t *testing.T) {
	d := testDirectory(nil)
	alice := jid(t, "alice@example.org/desktop")
	r, _, err := d.GetOrCreateRoom("garden", alice)
	require.NoError(t, err)
	unlockRoom(t, r, alice, "alice")

	surrogates := d.caches.GetCache(cache.CacheRoomSurrogates)
	_, err = surrogates.Put("garden", struct{}{})
	require.NoError(t, err)
	_, err = surrogates.Put("attic", struct{}{})
	require.NoError(t, err)

	_, err = d.DestroyRoom("garden", alice, "")
	require.NoError(t, err)

	// the whole surrogate cache goes, not just the destroyed name, it is
	// rebuilt from storage on the next refresh
	assert.Empty(t, surrogates.Keys())
	assert.False(t, d.KnownRoom("attic"))
}

func TestDirectoryCleanupExpired(t *testing.T) {
	cfg := &config.Config{}
	cfg.MUCConfig.LockTimeout = time.Millisecond
	d := testDirectory(cfg)
	alice := jid(t, "alice@example.org/desktop")
	_, _, err := d.GetOrCreateRoom("stale", alice)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	d.CleanupExpired()
	assert.Empty(t, d.Rooms())
}

func TestDirectorySyncRoomCaches(t *testing.T) {
	cfg := &config.Config{}
	cfg.ClusterConfig.NodeID = "node-1"
	d := testDirectory(cfg)
	alice := jid(t, "alice@example.org/desktop")
	r, _, err := d.GetOrCreateRoom("garden", alice)
	require.NoError(t, err)
	unlockRoom(t, r, alice, "alice")

	d.SyncRoomCaches(r)
	nodes, found := d.caches.GetCache(cache.CacheRooms).Get("garden")
	require.True(t, found)
	assert.Equal(t, []string{"node-1"}, nodes)

	_, err = r.Leave("alice")
	require.NoError(t, err)
	d.SyncRoomCaches(r)
	_, found = d.caches.GetCache(cache.CacheRooms).Get("garden")
	assert.False(t, found)
}

func TestDirectoryPublicRooms(t *testing.T) {
	d := testDirectory(nil)
	alice := jid(t, "alice@example.org/desktop")
	r, _, err := d.GetOrCreateRoom("garden", alice)
	require.NoError(t, err)
	unlockRoom(t, r, alice, "alice")

	hidden, _, err := d.GetOrCreateRoom("secret", alice)
	require.NoError(t, err)
	unlockRoom(t, hidden, alice, "alice2")
	form := types.RoomConfigForm{Config: types.DefaultRoomConfig(), Owners: []string{"alice@example.org"}}
	form.Config.Public = false
	_, err = hidden.ApplyConfigForm(alice, form)
	require.NoError(t, err)

	infos := d.PublicRooms()
	require.Len(t, infos, 1)
	assert.Equal(t, "garden", infos[0].Name)
}
