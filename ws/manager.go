package ws

import (
	"sync"

	"github.com/tcriess/lightspeed-muc/config"
	"github.com/tcriess/lightspeed-muc/globals"
	"github.com/tcriess/lightspeed-muc/room"
	"github.com/tcriess/lightspeed-muc/types"
)

// HubManager hands out the hub for a room, creating room and hub on first
// connect. Hubs whose room is gone and that serve no clients any more are
// reaped periodically.
type HubManager struct {
	mu   sync.RWMutex
	hubs map[string]*Hub

	directory *room.Directory
	cfg       *config.Config
}

func NewHubManager(directory *room.Directory, cfg *config.Config) *HubManager {
	return &HubManager{
		hubs:      make(map[string]*Hub),
		directory: directory,
		cfg:       cfg,
	}
}

// HubFor returns the hub serving the named room. The connecting user is
// the creator if the room does not exist yet.
func (m *HubManager) HubFor(roomName string, user types.JID) (*Hub, error) {
	m.mu.RLock()
	hub, ok := m.hubs[roomName]
	m.mu.RUnlock()
	if ok {
		return hub, nil
	}

	r, created, err := m.directory.GetOrCreateRoom(roomName, user)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if hub, ok := m.hubs[r.Name()]; ok {
		return hub, nil
	}
	hub = NewHub(r, m.directory, m.cfg)
	m.hubs[r.Name()] = hub
	go hub.Run()
	if created {
		globals.AppLogger.Info("hub started for new room", "room", r.Name())
	}
	return hub, nil
}

// ReapIdle stops hubs that serve no clients and whose room is no longer in
// the directory; run from a cron schedule.
func (m *HubManager) ReapIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, hub := range m.hubs {
		if hub.NoClients() > 0 {
			continue
		}
		if m.directory.IsLoaded(name) {
			continue
		}
		hub.Stop()
		delete(m.hubs, name)
		globals.AppLogger.Debug("idle hub reaped", "room", name)
	}
}

// Hubs returns a snapshot of the running hubs.
func (m *HubManager) Hubs() map[string]*Hub {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Hub, len(m.hubs))
	for name, hub := range m.hubs {
		out[name] = hub
	}
	return out
}
