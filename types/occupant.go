package types

import "fmt"

// Affiliation is the long-lived trust relationship between a bare JID and a
// room; it survives the user leaving.
type Affiliation int

const (
	AffiliationNone Affiliation = iota
	AffiliationOutcast
	AffiliationMember
	AffiliationAdmin
	AffiliationOwner
)

func (a Affiliation) String() string {
	switch a {
	case AffiliationOwner:
		return "owner"
	case AffiliationAdmin:
		return "admin"
	case AffiliationMember:
		return "member"
	case AffiliationOutcast:
		return "outcast"
	}
	return "none"
}

// ParseAffiliation is the inverse of Affiliation.String.
func ParseAffiliation(s string) (Affiliation, error) {
	switch s {
	case "owner":
		return AffiliationOwner, nil
	case "admin":
		return AffiliationAdmin, nil
	case "member":
		return AffiliationMember, nil
	case "outcast":
		return AffiliationOutcast, nil
	case "none", "":
		return AffiliationNone, nil
	}
	return AffiliationNone, fmt.Errorf("%w: unknown affiliation %q", ErrInvalidArgument, s)
}

// Role is the session-scoped privilege of an occupant while in the room.
type Role int

const (
	RoleNone Role = iota
	RoleVisitor
	RoleParticipant
	RoleModerator
)

func (r Role) String() string {
	switch r {
	case RoleModerator:
		return "moderator"
	case RoleParticipant:
		return "participant"
	case RoleVisitor:
		return "visitor"
	}
	return "none"
}

func ParseRole(s string) (Role, error) {
	switch s {
	case "moderator":
		return RoleModerator, nil
	case "participant":
		return RoleParticipant, nil
	case "visitor":
		return RoleVisitor, nil
	case "none", "":
		return RoleNone, nil
	}
	return RoleNone, fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, s)
}

// Occupant binds one user connection to one nickname in one room.
type Occupant struct {
	Nick        string      `json:"nick"`
	UserJID     JID         `json:"user_jid"` // the real, full address of the user
	RoleJID     JID         `json:"role_jid"` // room@service/nick
	Role        Role        `json:"role"`
	Affiliation Affiliation `json:"affiliation"`

	// NodeID is the cluster node this occupant's connection terminates on.
	NodeID string `json:"node_id"`
}

// BareUserJID is the occupant's user-level address, the key into the
// room's affiliation lists.
func (o *Occupant) BareUserJID() string {
	return o.UserJID.BareString()
}

// IsModerator reports whether the occupant currently holds the moderator
// role (moderators see real JIDs in semi-anonymous rooms).
func (o *Occupant) IsModerator() bool {
	return o.Role == RoleModerator
}
