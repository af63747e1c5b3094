package room

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tcriess/lightspeed-muc/cache"
	"github.com/tcriess/lightspeed-muc/config"
	"github.com/tcriess/lightspeed-muc/globals"
	"github.com/tcriess/lightspeed-muc/persistence"
	"github.com/tcriess/lightspeed-muc/types"
)

// Directory is the authority over which rooms exist on this node. It loads
// persisted rooms on demand, creates fresh locked rooms, unloads emptied
// rooms and keeps the shared caches (room ownership, occupants, room name
// surrogates) in sync with the in-memory state.
type Directory struct {
	mu    sync.Mutex
	rooms map[string]*Room

	cfg       *config.Config
	persister persistence.Persister
	caches    *cache.Factory
	nodeID    string
}

// NewDirectory wires a directory to its persister and cache factory. The
// persister may be nil for a purely in-memory deployment.
func NewDirectory(cfg *config.Config, persister persistence.Persister, caches *cache.Factory) *Directory {
	return &Directory{
		rooms:     make(map[string]*Room),
		cfg:       cfg,
		persister: persister,
		caches:    caches,
		nodeID:    cfg.ClusterConfig.NodeID,
	}
}

func (d *Directory) roomOptions() Options {
	return Options{
		ServiceDomain: d.cfg.MUCConfig.ServiceDomain,
		LockTimeout:   d.cfg.LockTimeout(),
		HistorySize:   d.cfg.HistoryConfig.HistorySize,
		Persister:     d.persister,
		IsSysadmin:    d.cfg.IsSysadmin,
		NodeID:        d.nodeID,
	}
}

// GetRoom returns an in-memory room, loading it from persistent storage if
// necessary. It never creates rooms.
func (d *Directory) GetRoom(name string) (*Room, error) {
	name = strings.ToLower(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getRoomLocked(name)
}

func (d *Directory) getRoomLocked(name string) (*Room, error) {
	if r, ok := d.rooms[name]; ok {
		return r, nil
	}
	if d.persister == nil {
		return nil, types.ErrRoomNotFound
	}
	record, affs, err := d.persister.LoadRoom(name)
	if err != nil {
		return nil, err
	}
	r := NewRoomFromRecord(record, affs, d.roomOptions())
	d.rooms[name] = r
	if err := d.persister.UpdateInMemoryFlag(name, true); err != nil {
		globals.AppLogger.Error("could not flag room in-memory", "room", name, "error", err)
	}
	globals.AppLogger.Info("room loaded from storage", "room", name)
	return r, nil
}

// GetOrCreateRoom returns the room, creating a fresh locked one when it
// does not exist. Creation honours the allow-list: with a non-empty
// allow-list only listed users and sysadmins may create rooms.
func (d *Directory) GetOrCreateRoom(name string, creator types.JID) (*Room, bool, error) {
	name = strings.ToLower(name)
	if name == "" {
		return nil, false, fmt.Errorf("%w: empty room name", types.ErrInvalidArgument)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	r, err := d.getRoomLocked(name)
	if err == nil {
		return r, false, nil
	}
	if !errors.Is(err, types.ErrRoomNotFound) {
		return nil, false, err
	}
	if !d.mayCreate(creator.BareString()) {
		return nil, false, types.ErrNotAllowed
	}
	r = NewRoom(name, creator, d.roomOptions())
	d.rooms[name] = r
	globals.AppLogger.Info("room created", "room", name, "creator", creator.BareString())
	return r, true, nil
}

func (d *Directory) mayCreate(bareJID string) bool {
	allow := d.cfg.MUCConfig.CreateAllowList
	if len(allow) == 0 {
		return true
	}
	if d.cfg.IsSysadmin(bareJID) {
		return true
	}
	for _, allowed := range allow {
		if strings.EqualFold(allowed, bareJID) {
			return true
		}
	}
	return false
}

// IsLoaded reports whether the room is currently held in memory, without
// the load side effect of GetRoom.
func (d *Directory) IsLoaded(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.rooms[strings.ToLower(name)]
	return ok
}

// KnownRoom reports whether a room name refers to an existing room,
// in-memory or persisted, without loading it. Persisted names are answered
// from the local room-surrogate cache, rebuilt periodically and after
// destroys.
func (d *Directory) KnownRoom(name string) bool {
	name = strings.ToLower(name)
	d.mu.Lock()
	_, inMemory := d.rooms[name]
	d.mu.Unlock()
	if inMemory {
		return true
	}
	if d.caches == nil {
		return false
	}
	_, found := d.caches.GetCache(cache.CacheRoomSurrogates).Get(name)
	return found
}

// RefreshSurrogates rebuilds the room-surrogate cache from persistent
// storage; run from a cron schedule.
func (d *Directory) RefreshSurrogates() {
	if d.caches == nil || d.persister == nil {
		return
	}
	surrogates := d.caches.GetCache(cache.CacheRoomSurrogates)
	names, err := d.persister.RoomNames()
	if err != nil {
		globals.AppLogger.Error("could not list persisted rooms", "error", err)
		return
	}
	for _, name := range names {
		if _, err := surrogates.Put(strings.ToLower(name), struct{}{}); err != nil {
			globals.AppLogger.Warn("could not cache room surrogate", "room", name, "error", err)
		}
	}
	globals.AppLogger.Debug("room surrogates refreshed", "count", len(names))
}

// SyncRoomCaches publishes the room's current ownership (the set of nodes
// with occupants connected) and occupant snapshot into the shared caches.
// Called after every mutation that changed occupancy, outside the room
// lock.
func (d *Directory) SyncRoomCaches(r *Room) {
	if d.caches == nil {
		return
	}
	roomsCache := d.caches.GetCache(cache.CacheRooms)
	occupantsCache := d.caches.GetCache(cache.CacheOccupants)
	nodes := r.OccupantNodes()
	if len(nodes) == 0 {
		roomsCache.Remove(r.Name())
		occupantsCache.Remove(r.Name())
		return
	}
	if _, err := roomsCache.Put(r.Name(), nodes); err != nil {
		globals.AppLogger.Warn("could not cache room ownership", "room", r.Name(), "error", err)
	}
	if _, err := occupantsCache.Put(r.Name(), r.Occupants()); err != nil {
		globals.AppLogger.Warn("could not cache occupants", "room", r.Name(), "error", err)
	}
}

// HandleEmptied unloads or removes a room once its last occupant left.
// Persistent rooms survive in storage and are unloaded from memory;
// non-persistent rooms (including locked rooms whose configuration was
// never confirmed) are gone.
func (d *Directory) HandleEmptied(r *Room) {
	name := r.Name()
	d.mu.Lock()
	if current, ok := d.rooms[name]; !ok || current != r {
		d.mu.Unlock()
		return
	}
	if r.OccupantCount() > 0 {
		// somebody re-joined between the leave and this call
		d.mu.Unlock()
		return
	}
	delete(d.rooms, name)
	d.mu.Unlock()

	if r.Config().Persistent {
		r.Persist()
		if d.persister != nil {
			if err := d.persister.UpdateInMemoryFlag(name, false); err != nil {
				globals.AppLogger.Error("could not flag room unloaded", "room", name, "error", err)
			}
		}
		globals.AppLogger.Info("room unloaded", "room", name)
	} else {
		globals.AppLogger.Info("room removed", "room", name)
	}
	d.dropFromCaches(name)
}

// DestroyRoom runs the owner-initiated destroy and removes every trace of
// the room, including its persistent record.
func (d *Directory) DestroyRoom(name string, actor types.JID, reason string) (*DestroyResult, error) {
	name = strings.ToLower(name)
	d.mu.Lock()
	r, err := d.getRoomLocked(name)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	d.mu.Unlock()

	result, err := r.Destroy(actor, reason)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	delete(d.rooms, name)
	d.mu.Unlock()
	if d.persister != nil {
		if err := d.persister.DeleteRoom(name); err != nil && !errors.Is(err, types.ErrRoomNotFound) {
			globals.AppLogger.Error("could not delete room from storage", "room", name, "error", err)
		}
	}
	d.dropFromCaches(name)
	if d.caches != nil {
		// the surrogate cache is invalidated wholesale and rebuilt on the
		// next refresh, a stale surviving entry would resurrect the name
		d.caches.GetCache(cache.CacheRoomSurrogates).Clear()
	}
	globals.AppLogger.Info("room destroyed", "room", name, "actor", actor.BareString())
	return result, nil
}

// dropFromCaches removes the room's ownership and occupant entries. The
// surrogate cache is left alone; unloaded persistent rooms stay known.
func (d *Directory) dropFromCaches(name string) {
	if d.caches == nil {
		return
	}
	for _, cacheName := range []string{cache.CacheRooms, cache.CacheOccupants} {
		d.caches.GetCache(cacheName).Remove(name)
	}
}

// CleanupExpired tears down locked rooms whose configuration was never
// confirmed within the lock timeout and that have no occupants left; run
// from a cron schedule. The lock state itself flips lazily on access, this
// sweep only reclaims the memory.
func (d *Directory) CleanupExpired() {
	d.mu.Lock()
	candidates := make([]*Room, 0)
	for _, r := range d.rooms {
		candidates = append(candidates, r)
	}
	d.mu.Unlock()

	for _, r := range candidates {
		r.mu.Lock()
		stale := r.locked && r.lockTimeout > 0 && time.Since(r.lockedTime) > r.lockTimeout && len(r.byFullJID) == 0
		r.mu.Unlock()
		if !stale {
			continue
		}
		d.mu.Lock()
		delete(d.rooms, r.Name())
		d.mu.Unlock()
		d.dropFromCaches(r.Name())
		globals.AppLogger.Info("stale locked room reclaimed", "room", r.Name())
	}
}

// PublicRooms lists the rooms discoverable on this node.
func (d *Directory) PublicRooms() []RoomInfo {
	d.mu.Lock()
	rooms := make([]*Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		rooms = append(rooms, r)
	}
	d.mu.Unlock()

	infos := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		cfg := r.Config()
		if !cfg.Public {
			continue
		}
		infos = append(infos, RoomInfo{
			Name:        r.Name(),
			Description: cfg.Description,
			Occupants:   r.OccupantCount(),
			Subject:     r.Subject(),
		})
	}
	return infos
}

// RoomInfo is one entry of the public room listing.
type RoomInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Occupants   int    `json:"occupants"`
	Subject     string `json:"subject"`
}

// Rooms returns the rooms currently held in memory.
func (d *Directory) Rooms() []*Room {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		out = append(out, r)
	}
	return out
}
