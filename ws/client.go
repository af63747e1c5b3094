package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mitchellh/mapstructure"
	"github.com/tcriess/lightspeed-muc/globals"
	"github.com/tcriess/lightspeed-muc/types"
)

const sendChannelSize = 1000

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	Send chan []byte

	// the authenticated user behind this connection
	user types.JID

	mu   sync.Mutex
	nick string // non-empty while joined

	doneChan chan struct{}

	// WaitGroup which keeps track of running read/write loops and write
	// access to Send. If the WaitGroup is done, it is safe to close all
	// channels (all loops are done and there are no more write operations
	// on the channels)
	sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, user types.JID, doneChan chan struct{}) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		Send:     make(chan []byte, sendChannelSize),
		user:     user,
		doneChan: doneChan,
	}
}

func (c *Client) joinedNick() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nick, c.nick != ""
}

func (c *Client) setJoined(nick string) {
	c.mu.Lock()
	c.nick = nick
	c.mu.Unlock()
}

// sendDirect queues data for this client while holding the hub's client
// set, so the channel cannot be closed concurrently.
func (c *Client) sendDirect(data []byte) {
	c.hub.RLock()
	if _, ok := c.hub.clients[c]; ok {
		c.Send <- data
	}
	c.hub.RUnlock()
}

// sendError reports a rejected action back to this client only.
func (c *Client) sendError(err error) {
	wireErr := types.WireError{Kind: errorKind(err), Detail: err.Error()}
	data, mErr := json.Marshal(wireErr)
	if mErr != nil {
		globals.AppLogger.Error("could not marshal error", "error", mErr)
		return
	}
	c.sendDirect(data)
}

// errorKind maps the error taxonomy onto stable wire identifiers.
func errorKind(err error) string {
	switch {
	case errors.Is(err, types.ErrForbidden):
		return "forbidden"
	case errors.Is(err, types.ErrNotAllowed):
		return "not-allowed"
	case errors.Is(err, types.ErrConflict):
		return "conflict"
	case errors.Is(err, types.ErrUserNotFound):
		return "item-not-found"
	case errors.Is(err, types.ErrUserAlreadyExists):
		return "conflict"
	case errors.Is(err, types.ErrRoomLocked):
		return "item-not-found"
	case errors.Is(err, types.ErrRoomNotFound):
		return "item-not-found"
	case errors.Is(err, types.ErrRegistrationRequired):
		return "registration-required"
	case errors.Is(err, types.ErrUnauthorized):
		return "not-authorized"
	case errors.Is(err, types.ErrInvalidArgument):
		return "bad-request"
	}
	return "internal-server-error"
}

// decode unmarshals the raw event payload via an intermediate map, so
// clients may send loosely typed values.
func decode(data json.RawMessage, out interface{}) error {
	payload := make(map[string]interface{})
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	return mapstructure.WeakDecode(payload, out)
}

// ReadLoop pumps messages from the websocket connection to the hub.
//
// The application runs ReadLoop in a per-connection goroutine. The
// application ensures that there is at most one reader on a connection by
// executing all reads from this goroutine.
func (c *Client) ReadLoop() {
	defer func() {
		c.conn.Close()
		close(c.doneChan)
		c.Done()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	message := &types.WebsocketMessage{}
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				globals.AppLogger.Debug("ws closed unexpected", "error", err)
			}
			return
		}
		if err := json.Unmarshal(raw, &message); err != nil {
			globals.AppLogger.Debug("could not unmarshal ws message", "error", err)
			return
		}

		switch message.Event {
		case types.WireMessageTypeJoin:
			c.handleJoin(message.Data)

		case types.WireMessageTypeLeave:
			c.handleLeave()

		case types.WireMessageTypeMessage:
			c.handleMessage(message.Data)

		case types.WireMessageTypeSubject:
			c.handleSubject(message.Data)

		case types.WireMessageTypeNick:
			c.handleNick(message.Data)

		case types.WireMessageTypeKick:
			c.handleKick(message.Data)

		case types.WireMessageTypeAffiliate:
			c.handleAffiliate(message.Data)

		case types.WireMessageTypeConfigure:
			c.handleConfigure(message.Data)

		default:
			c.sendError(types.ErrInvalidArgument)
		}
	}
}

func (c *Client) handleJoin(data json.RawMessage) {
	joinMsg := types.JoinMessage{}
	if err := decode(data, &joinMsg); err != nil {
		c.sendError(types.ErrInvalidArgument)
		return
	}
	if _, joined := c.joinedNick(); joined {
		c.sendError(types.ErrNotAllowed)
		return
	}
	res, err := c.hub.Room.Join(joinMsg.Nick, joinMsg.Password, joinMsg.History, c.user)
	if err != nil {
		c.sendError(err)
		return
	}
	c.setJoined(res.Occupant.Nick)

	// per protocol order: existing occupants, own presence, history, subject
	for i := range res.Existing {
		b := res.Existing[i]
		if presence, ok := c.hub.presenceFor(&b, c); ok {
			if out, err := json.Marshal(types.WirePresence{Presence: presence}); err == nil {
				c.sendDirect(out)
			}
		}
	}
	c.hub.Presences <- res.Broadcasts
	for _, notice := range res.Notices {
		if out, err := json.Marshal(types.WireMessage{Message: &notice}); err == nil {
			c.sendDirect(out)
		}
	}
	for i := range res.History {
		if out, err := json.Marshal(types.WireMessage{Message: &res.History[i]}); err == nil {
			c.sendDirect(out)
		}
	}
	if subject := c.hub.Room.Subject(); subject != "" {
		msg := types.Message{From: c.hub.Room.Address(), Subject: subject, Timestamp: time.Now()}
		if out, err := json.Marshal(types.WireMessage{Message: &msg}); err == nil {
			c.sendDirect(out)
		}
	}
	c.hub.directory.SyncRoomCaches(c.hub.Room)
}

func (c *Client) handleLeave() {
	if _, joined := c.joinedNick(); !joined {
		c.sendError(types.ErrNotAllowed)
		return
	}
	c.hub.leaveRoom(c)
}

func (c *Client) handleMessage(data json.RawMessage) {
	nick, joined := c.joinedNick()
	if !joined {
		c.sendError(types.ErrNotAllowed)
		return
	}
	chatMsg := types.ChatMessage{}
	if err := decode(data, &chatMsg); err != nil {
		c.sendError(types.ErrInvalidArgument)
		return
	}
	source, ok := c.hub.Room.OccupantByNick(nick)
	if !ok {
		c.sendError(types.ErrUserNotFound)
		return
	}
	// visitors in moderated rooms have no voice
	if source.Role == types.RoleVisitor {
		c.sendError(types.ErrForbidden)
		return
	}
	c.hub.Messages <- &RoomMessage{
		Message: types.Message{
			From:      source.RoleJID,
			Nick:      source.Nick,
			Body:      chatMsg.Body,
			Timestamp: time.Now(),
		},
		Filter: chatMsg.Filter,
		Source: source,
	}
}

func (c *Client) handleSubject(data json.RawMessage) {
	subjectMsg := types.SubjectMessage{}
	if err := decode(data, &subjectMsg); err != nil {
		c.sendError(types.ErrInvalidArgument)
		return
	}
	res, err := c.hub.Room.ChangeSubject(c.user, subjectMsg.Subject)
	if err != nil {
		c.sendError(err)
		return
	}
	c.hub.deliverNotice(res.Message)
}

func (c *Client) handleNick(data json.RawMessage) {
	nickMsg := types.NickMessage{}
	if err := decode(data, &nickMsg); err != nil {
		c.sendError(types.ErrInvalidArgument)
		return
	}
	res, err := c.hub.Room.ChangeNick(c.user, nickMsg.Nick)
	if err != nil {
		c.sendError(err)
		return
	}
	c.setJoined(nickMsg.Nick)
	c.hub.Presences <- res.Broadcasts
}

func (c *Client) handleKick(data json.RawMessage) {
	nick, joined := c.joinedNick()
	if !joined {
		c.sendError(types.ErrNotAllowed)
		return
	}
	kickMsg := types.KickMessage{}
	if err := decode(data, &kickMsg); err != nil {
		c.sendError(types.ErrInvalidArgument)
		return
	}
	res, err := c.hub.Room.Kick(nick, kickMsg.Nick, kickMsg.Reason)
	if err != nil {
		c.sendError(err)
		return
	}
	c.hub.Presences <- res.Broadcasts
	c.hub.directory.SyncRoomCaches(c.hub.Room)
	if res.RoomEmptied {
		c.hub.directory.HandleEmptied(c.hub.Room)
	}
}

func (c *Client) handleAffiliate(data json.RawMessage) {
	affMsg := types.AffiliateMessage{}
	if err := decode(data, &affMsg); err != nil {
		c.sendError(types.ErrInvalidArgument)
		return
	}
	target, err := types.ParseJID(affMsg.JID)
	if err != nil {
		c.sendError(types.ErrInvalidArgument)
		return
	}
	newAff, err := types.ParseAffiliation(affMsg.Affiliation)
	if err != nil {
		c.sendError(err)
		return
	}
	res, err := c.hub.Room.ChangeAffiliation(c.user, target, newAff, "", affMsg.Reason)
	if err != nil {
		c.sendError(err)
		return
	}
	c.hub.Presences <- res.Broadcasts
	c.hub.directory.SyncRoomCaches(c.hub.Room)
	if res.RoomEmptied {
		c.hub.directory.HandleEmptied(c.hub.Room)
	}
}

func (c *Client) handleConfigure(data json.RawMessage) {
	form := types.RoomConfigForm{}
	if err := decode(data, &form); err != nil {
		c.sendError(types.ErrInvalidArgument)
		return
	}
	res, err := c.hub.Room.ApplyConfigForm(c.user, form)
	if err != nil {
		c.sendError(err)
		return
	}
	if len(res.Broadcasts) > 0 {
		c.hub.Presences <- res.Broadcasts
		c.hub.directory.SyncRoomCaches(c.hub.Room)
	}
	if res.Unlocked {
		notice := types.Message{From: c.hub.Room.Address(), Body: "This room is now unlocked.", Timestamp: time.Now()}
		c.hub.deliverNotice(notice)
	}
}

// WriteLoop pumps messages from the hub to the websocket connection.
//
// A goroutine running WriteLoop is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.Done()
	}()
	for {
		select {
		case <-c.doneChan:
			return
		default:
		}
		select {
		case message, ok := <-c.Send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.doneChan:
			return
		}
	}
}
