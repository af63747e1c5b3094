package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/antonmedv/expr/vm"
	lru "github.com/hashicorp/golang-lru"
	"github.com/tcriess/lightspeed-muc/config"
	"github.com/tcriess/lightspeed-muc/filter"
	"github.com/tcriess/lightspeed-muc/globals"
	"github.com/tcriess/lightspeed-muc/room"
	"github.com/tcriess/lightspeed-muc/types"
)

const (
	maxMessageSize       = 4096
	pongWait             = 2 * time.Minute
	pingPeriod           = time.Minute
	writeWait            = 10 * time.Second
	broadcastChannelSize = 1000
	filterProgramCache   = 128
)

// RoomMessage is one groupchat message on its way to the occupants,
// together with the sender and the optional per-recipient delivery filter.
type RoomMessage struct {
	Message types.Message
	Filter  string
	Source  types.Occupant
}

// Hub fans room output out to the websocket clients of one room. There is
// one hub per room; the room computes presence batches under its own lock
// and the hub delivers them here, outside that lock.
type Hub struct {
	Room      *room.Room
	directory *room.Directory

	// Registered clients.
	clients map[*Client]struct{}

	// Register a new client to the hub.
	Register chan *Client

	// Unregister a client from the hub.
	Unregister chan *Client

	// Presences are the presence batches computed by the room.
	Presences chan []types.Broadcast

	// Messages are groupchat messages subject to per-recipient filtering.
	Messages chan *RoomMessage

	// compiled delivery filter programs, keyed by expression
	filterPrograms *lru.ARCCache

	cfg *config.Config

	done chan struct{}

	// mutex for manipulating the clients
	sync.RWMutex
}

func NewHub(r *room.Room, directory *room.Directory, cfg *config.Config) *Hub {
	programs, err := lru.NewARC(filterProgramCache)
	if err != nil {
		panic(err)
	}
	return &Hub{
		Room:           r,
		directory:      directory,
		clients:        make(map[*Client]struct{}),
		Register:       make(chan *Client),
		Unregister:     make(chan *Client),
		Presences:      make(chan []types.Broadcast, broadcastChannelSize),
		Messages:       make(chan *RoomMessage, broadcastChannelSize),
		filterPrograms: programs,
		cfg:            cfg,
		done:           make(chan struct{}),
	}
}

// NoClients returns the number of clients registered
func (h *Hub) NoClients() int {
	h.RLock()
	defer h.RUnlock()
	return len(h.clients)
}

// Run is the main hub event loop handling register, unregister and
// broadcast events.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return

		case client := <-h.Register:
			globals.AppLogger.Debug("register new client", "room", h.Room.Name())
			h.Lock()
			h.clients[client] = struct{}{}
			h.Unlock()
			// the connection handler waits for the registration
			client.Done()

		case client := <-h.Unregister:
			h.RLock()
			_, ok := h.clients[client]
			h.RUnlock()
			if !ok {
				continue
			}
			globals.AppLogger.Debug("unregister client", "room", h.Room.Name())
			h.leaveRoom(client)
			h.Lock()
			delete(h.clients, client)
			client.conn.Close()
			// wait for all loops and write operations to be finished,
			// then it is safe to close the send channel
			client.Wait()
			close(client.Send)
			h.Unlock()

		case batch := <-h.Presences:
			go h.deliverPresences(batch)

		case message := <-h.Messages:
			h.Room.AddMessage(message.Message)
			go h.deliverMessage(message)
		}
	}
}

// Stop ends the run loop. Remaining clients are closed by their own read
// loops noticing the dropped connection.
func (h *Hub) Stop() {
	close(h.done)
}

// leaveRoom runs the room leave for a still-joined client and delivers the
// resulting presences.
func (h *Hub) leaveRoom(c *Client) {
	nick, joined := c.joinedNick()
	if !joined {
		return
	}
	c.setJoined("")
	res, err := h.Room.Leave(nick)
	if err != nil {
		return
	}
	h.deliverPresences(res.Broadcasts)
	for _, notice := range res.Notices {
		h.deliverNotice(notice)
	}
	h.directory.SyncRoomCaches(h.Room)
	if res.RoomEmptied {
		h.directory.HandleEmptied(h.Room)
	}
}

// deliverPresences routes one presence batch to the registered clients,
// applying the target/exclude/sender-only rules and per-recipient JID
// redaction.
func (h *Hub) deliverPresences(batch []types.Broadcast) {
	var wg sync.WaitGroup
	h.RLock()
	for _, b := range batch {
		for client := range h.clients {
			presence, ok := h.presenceFor(&b, client)
			if !ok {
				continue
			}
			data, err := json.Marshal(types.WirePresence{Presence: presence})
			if err != nil {
				globals.AppLogger.Error("could not marshal presence", "error", err)
				continue
			}
			wg.Add(1)
			client.Add(1)
			go func(c *Client, data []byte) {
				defer wg.Done()
				defer c.Done()
				c.Send <- data
			}(client, data)
		}
	}
	wg.Wait()
	h.RUnlock()
}

// presenceFor decides whether one client receives one broadcast entry and
// returns the (possibly redacted) presence to send. Redaction is
// recomputed per recipient, never cached.
func (h *Hub) presenceFor(b *types.Broadcast, c *Client) (*types.Presence, bool) {
	nick, joined := c.joinedNick()
	if b.To != nil {
		if !b.To.Equal(c.user) {
			return nil, false
		}
	} else if !joined {
		return nil, false
	}
	for _, excluded := range b.Exclude {
		if excluded.Equal(c.user) {
			return nil, false
		}
	}
	if b.SenderOnly && (b.Presence.OccupantJID == nil || !b.Presence.OccupantJID.Equal(c.user)) {
		return nil, false
	}
	presence := b.Presence
	if b.RedactJID {
		recipient, ok := h.Room.OccupantByNick(nick)
		if !ok || !recipient.IsModerator() {
			presence.OccupantJID = nil
		}
	}
	// a targeted expel presence means this client is out of the room
	if b.To != nil && presence.Type == types.PresenceUnavailable && len(presence.StatusCodes) > 0 {
		c.setJoined("")
	}
	return &presence, true
}

// deliverMessage routes one groupchat message, evaluating the optional
// delivery filter per recipient. Compiled programs are kept in an ARC
// cache keyed by the expression.
func (h *Hub) deliverMessage(message *RoomMessage) {
	var prog *vm.Program
	if message.Filter != "" {
		if cached, ok := h.filterPrograms.Get(message.Filter); ok {
			prog = cached.(*vm.Program)
		} else {
			var err error
			prog, err = filter.Compile(message.Filter)
			if err != nil {
				globals.AppLogger.Error("could not compile filter", "error", err)
				return
			}
			h.filterPrograms.Add(message.Filter, prog)
		}
	}

	var wg sync.WaitGroup
	h.RLock()
	for client := range h.clients {
		nick, joined := client.joinedNick()
		if !joined {
			continue
		}
		if prog != nil {
			recipient, ok := h.Room.OccupantByNick(nick)
			if !ok {
				continue
			}
			if !filter.Run(prog, h.filterEnv(message, &recipient)) {
				continue
			}
		}
		msg := message.Message
		data, err := json.Marshal(types.WireMessage{Message: &msg})
		if err != nil {
			globals.AppLogger.Error("could not marshal message", "error", err)
			continue
		}
		wg.Add(1)
		client.Add(1)
		go func(c *Client, data []byte) {
			defer wg.Done()
			defer c.Done()
			c.Send <- data
		}(client, data)
	}
	wg.Wait()
	h.RUnlock()
}

// deliverNotice sends a room system message to all joined clients.
func (h *Hub) deliverNotice(notice types.Message) {
	data, err := json.Marshal(types.WireMessage{Message: &notice})
	if err != nil {
		return
	}
	var wg sync.WaitGroup
	h.RLock()
	for client := range h.clients {
		if _, joined := client.joinedNick(); !joined {
			continue
		}
		wg.Add(1)
		client.Add(1)
		go func(c *Client) {
			defer wg.Done()
			defer c.Done()
			c.Send <- data
		}(client)
	}
	wg.Wait()
	h.RUnlock()
}

// filterEnv builds the filter environment for one recipient. The source
// JID is exposed to moderators only in semi-anonymous rooms.
func (h *Hub) filterEnv(message *RoomMessage, recipient *types.Occupant) filter.Env {
	cfg := h.Room.Config()
	sourceJID := message.Source.UserJID.String()
	if !cfg.CanDiscoverJID && !recipient.IsModerator() {
		sourceJID = ""
	}
	return filter.Env{
		Room: filter.Room{
			Name:      h.Room.Name(),
			Subject:   h.Room.Subject(),
			Moderated: cfg.Moderated,
			Occupants: h.Room.OccupantCount(),
		},
		Source: filter.Source{
			Occupant: filter.Occupant{
				Nick:        message.Source.Nick,
				JID:         sourceJID,
				Role:        message.Source.Role.String(),
				Affiliation: message.Source.Affiliation.String(),
			},
		},
		Target: filter.Target{
			Occupant: filter.Occupant{
				Nick:        recipient.Nick,
				JID:         recipient.UserJID.String(),
				Role:        recipient.Role.String(),
				Affiliation: recipient.Affiliation.String(),
			},
		},
		Body:    message.Message.Body,
		Created: message.Message.Timestamp.Unix(),
	}
}
