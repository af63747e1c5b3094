package types

import (
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

const (
	PresenceAvailable   = ""
	PresenceUnavailable = "unavailable"
)

// Status codes stamped into outgoing presence, as defined by the MUC
// protocol the consuming layer speaks.
const (
	StatusRoomCreated       = 201 // first occupant of a freshly unlocked room
	StatusBanned            = 301
	StatusNewNick           = 303
	StatusKicked            = 307
	StatusMembershipRevoked = 321 // removed from a members-only room after affiliation loss
)

// Presence is one occupant's presence in a room as seen by other occupants.
// OccupantJID (the real address) is subject to per-recipient redaction in
// semi-anonymous rooms, see Broadcast.
type Presence struct {
	From        JID         `json:"from"` // the occupant's role JID (room@service/nick)
	Type        string      `json:"type,omitempty"`
	Role        Role        `json:"role"`
	Affiliation Affiliation `json:"affiliation"`
	OccupantJID *JID        `json:"occupant_jid,omitempty" hash:"ignore"`
	StatusCodes []int       `json:"status_codes,omitempty"`
	Actor       *JID        `json:"actor,omitempty"` // who caused a kick/ban, when known
	Reason      string      `json:"reason,omitempty"`
	NewNick     string      `json:"new_nick,omitempty"` // set on status 303
	Timestamp   time.Time   `json:"timestamp" hash:"ignore"`
}

// Id returns a stable hash of the presence, used by the delivery layer for
// deduplication and logging.
func (p *Presence) Id() uint64 {
	h, err := hashstructure.Hash(p, hashstructure.FormatV2, nil)
	if err != nil {
		return 0
	}
	return h
}

// Broadcast is one presence delivery computed by the room under its write
// lock and handed to the router for actual sending outside the lock.
type Broadcast struct {
	Presence Presence

	// To restricts delivery to a single occupant (by full user JID). Nil
	// means all current occupants.
	To *JID

	// SenderOnly routes the presence back to its own sender only; used when
	// the sender's role is not in the room's broadcast-presence set.
	SenderOnly bool

	// RedactJID marks the room as semi-anonymous: the delivery layer must
	// strip Presence.OccupantJID for every recipient that is not a
	// moderator. Recomputed per recipient, never cached.
	RedactJID bool

	// Exclude lists full user JIDs that must not receive this presence
	// (f.e. a banned user does not see the final broadcast).
	Exclude []JID
}

// Message is a room message or system notice.
type Message struct {
	From      JID       `json:"from"`
	Nick      string    `json:"nick,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Body      string    `json:"body,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryRequest is the client-specified slice of room history to deliver
// on join. Zero values mean "no limit" for the respective dimension.
type HistoryRequest struct {
	MaxStanzas int       `json:"max_stanzas" mapstructure:"max_stanzas"`
	MaxChars   int       `json:"max_chars" mapstructure:"max_chars"`
	Seconds    int       `json:"seconds" mapstructure:"seconds"`
	Since      time.Time `json:"since" mapstructure:"since"`
}
