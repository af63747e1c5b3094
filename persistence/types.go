package persistence

import (
	"fmt"
	"time"

	"github.com/tcriess/lightspeed-muc/config"
	"github.com/tcriess/lightspeed-muc/types"
)

// RoomRecord is the durable form of a room's configuration. Occupancy is
// never persisted, only configuration, subject and affiliations.
type RoomRecord struct {
	Name              string `json:"name" gorm:"primaryKey"`
	RoomID            int64  `json:"room_id"`
	Description       string `json:"description"`
	MaxOccupants      int    `json:"max_occupants"`
	Moderated         bool   `json:"moderated"`
	MembersOnly       bool   `json:"members_only"`
	PasswordProtected bool   `json:"password_protected"`
	Password          string `json:"password"`
	CanDiscoverJID    bool   `json:"can_discover_jid"`
	LogEnabled        bool   `json:"log_enabled"`
	Public            bool   `json:"public"`
	CanChangeSubject  bool   `json:"can_change_subject"`

	// BroadcastRoles is the comma-joined list of roles whose presence is
	// broadcast.
	BroadcastRoles string `json:"broadcast_roles"`

	Subject string `json:"subject"`

	// InMemory tracks whether some node currently has this room loaded.
	InMemory bool `json:"in_memory"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// AffiliationRecord is one bare JID's durable affiliation with a room,
// including the reserved nickname for members.
type AffiliationRecord struct {
	ID          uint   `json:"-" gorm:"primaryKey"`
	RoomName    string `json:"room_name" gorm:"index"`
	JID         string `json:"jid" gorm:"column:jid"`
	Nickname    string `json:"nickname"`
	Affiliation string `json:"affiliation"`
}

// Persister is the persistence contract consumed by the room service. All
// calls are best-effort from the room's perspective: a failure is logged
// and the in-memory state change stands (documented inconsistency risk,
// not silently hidden).
type Persister interface {
	// LoadRoom returns the record and affiliations of a persisted room, or
	// types.ErrRoomNotFound.
	LoadRoom(name string) (*RoomRecord, []*AffiliationRecord, error)
	SaveRoom(record RoomRecord, affiliations []*AffiliationRecord) error
	DeleteRoom(name string) error

	// RoomNames lists all persisted room names, used to build the
	// surrogate cache in bulk.
	RoomNames() ([]string, error)
	LoadRooms() ([]*RoomRecord, error)

	UpdateInMemoryFlag(name string, inMemory bool) error
	UpdateSubject(name, subject string) error
	SaveAffiliation(roomName, jid, nickname string, newAff, oldAff types.Affiliation) error
	RemoveAffiliation(roomName, jid string, oldAff types.Affiliation) error

	Close() error
}

// NewPersister creates the configured persister, or nil if persistence is
// not configured.
func NewPersister(cfg *config.Config) (Persister, error) {
	switch cfg.PersistenceConfig.Type {
	case "sqlite", "postgres":
		return NewGormPersister(cfg)
	case "buntdb":
		return NewBuntPersister(cfg)
	case "":
		return nil, nil
	}
	return nil, fmt.Errorf("invalid persistence type %q", cfg.PersistenceConfig.Type)
}
