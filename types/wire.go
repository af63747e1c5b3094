package types

import "encoding/json"

const (
	WireMessageTypeJoin      = "join"
	WireMessageTypeLeave     = "leave"
	WireMessageTypePresence  = "presence"
	WireMessageTypeMessage   = "message"
	WireMessageTypeSubject   = "subject"
	WireMessageTypeConfigure = "configure"
	WireMessageTypeAffiliate = "affiliate"
	WireMessageTypeKick      = "kick"
	WireMessageTypeNick      = "nick"
	WireMessageTypeError     = "error"
	WireMessageTypeHistory   = "history"
)

// JSON-serialized WebsocketMessage is what is actually sent via the Websocket connection
type WebsocketMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type WirePresence struct {
	*Presence
}

func (p WirePresence) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(p.Presence)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WebsocketMessage{Event: WireMessageTypePresence, Data: data})
}

type WireMessage struct {
	*Message
}

func (m WireMessage) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(m.Message)
	if err != nil {
		return nil, err
	}
	event := WireMessageTypeMessage
	if m.Message.Subject != "" {
		event = WireMessageTypeSubject
	}
	return json.Marshal(WebsocketMessage{Event: event, Data: data})
}

// WireError is the error frame sent back for a rejected client action.
type WireError struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

func (e WireError) MarshalJSON() ([]byte, error) {
	type localWireError WireError
	data, err := json.Marshal(localWireError(e))
	if err != nil {
		return nil, err
	}
	return json.Marshal(WebsocketMessage{Event: WireMessageTypeError, Data: data})
}

// The different types of messages transferred from the client to here.

// JoinMessage is sent by a client to enter a room.
type JoinMessage struct {
	Nick     string          `json:"nick" mapstructure:"nick"`
	Password string          `json:"password" mapstructure:"password"`
	History  *HistoryRequest `json:"history" mapstructure:"history"`
}

// AffiliateMessage changes the affiliation of a bare JID in the room.
type AffiliateMessage struct {
	JID         string `json:"jid" mapstructure:"jid"`
	Affiliation string `json:"affiliation" mapstructure:"affiliation"`
	Reason      string `json:"reason" mapstructure:"reason"`
}

// KickMessage removes an occupant by nick.
type KickMessage struct {
	Nick   string `json:"nick" mapstructure:"nick"`
	Reason string `json:"reason" mapstructure:"reason"`
}

// NickMessage changes the sender's nickname in the room.
type NickMessage struct {
	Nick string `json:"nick" mapstructure:"nick"`
}

// SubjectMessage changes the room subject.
type SubjectMessage struct {
	Subject string `json:"subject" mapstructure:"subject"`
}

// ChatMessage is a groupchat message to the room.
type ChatMessage struct {
	Body   string `json:"body" mapstructure:"body"`
	Filter string `json:"filter" mapstructure:"filter"` // optional delivery filter expression
}
