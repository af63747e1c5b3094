package types

// RoomConfig is the flat, owner-controlled configuration of a room. It is
// decoded from a submitted configuration form (mapstructure) and applied as
// a diff by the room, never field-by-name.
type RoomConfig struct {
	Description       string `json:"description" mapstructure:"description"`
	MaxOccupants      int    `json:"max_occupants" mapstructure:"max_occupants"` // 0 = unlimited
	Moderated         bool   `json:"moderated" mapstructure:"moderated"`
	MembersOnly       bool   `json:"members_only" mapstructure:"members_only"`
	PasswordProtected bool   `json:"password_protected" mapstructure:"password_protected"`
	Password          string `json:"-" mapstructure:"password"`
	CanDiscoverJID    bool   `json:"can_discover_jid" mapstructure:"can_discover_jid"` // false = semi-anonymous
	LogEnabled        bool   `json:"log_enabled" mapstructure:"log_enabled"`
	Public            bool   `json:"public" mapstructure:"public"`
	Persistent        bool   `json:"persistent" mapstructure:"persistent"`

	// CanChangeSubject: anyone may change the subject, otherwise only
	// moderators.
	CanChangeSubject bool `json:"can_change_subject" mapstructure:"can_change_subject"`

	// BroadcastRoles lists the roles whose presence is broadcast to the
	// room ("moderator", "participant", "visitor").
	BroadcastRoles []string `json:"broadcast_roles" mapstructure:"broadcast_roles"`
}

// DefaultRoomConfig is the configuration of a freshly created room before
// its first owner submits a configuration form.
func DefaultRoomConfig() RoomConfig {
	return RoomConfig{
		MaxOccupants:     30,
		CanDiscoverJID:   false,
		Public:           true,
		CanChangeSubject: false,
		BroadcastRoles:   []string{"moderator", "participant", "visitor"},
	}
}

// CanBroadcastRole reports whether presence of the given role is broadcast.
func (c *RoomConfig) CanBroadcastRole(role Role) bool {
	for _, r := range c.BroadcastRoles {
		if r == role.String() {
			return true
		}
	}
	return false
}

// RoomConfigForm is a submitted owner configuration form: the recognized
// fields plus replacement affiliation lists. Owner lists are validated as
// non-empty before any field is applied.
type RoomConfigForm struct {
	Config  RoomConfig `json:"config" mapstructure:",squash"`
	Owners  []string   `json:"owners" mapstructure:"owners"` // bare JIDs
	Admins  []string   `json:"admins" mapstructure:"admins"` // bare JIDs
	Unlock  bool       `json:"unlock" mapstructure:"unlock"`
	Cancel  bool       `json:"cancel" mapstructure:"cancel"`
	Instant bool       `json:"instant" mapstructure:"instant"` // accept defaults, just unlock
}
