package types

import (
	"fmt"
	"strings"
)

// JID is a user or room address of the form node@domain/resource. The
// resource part is optional; a JID without a resource is a "bare" JID
// identifying the user, a JID with a resource identifies one particular
// connection of that user.
type JID struct {
	Node     string `json:"node"`
	Domain   string `json:"domain"`
	Resource string `json:"resource"`
}

// ParseJID parses s into a JID. Node and resource are optional, the domain
// is not.
func ParseJID(s string) (JID, error) {
	jid := JID{}
	if s == "" {
		return jid, fmt.Errorf("%w: empty jid", ErrInvalidArgument)
	}
	rest := s
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		jid.Resource = rest[idx+1:]
		rest = rest[:idx]
	}
	if idx := strings.IndexByte(rest, '@'); idx >= 0 {
		jid.Node = rest[:idx]
		rest = rest[idx+1:]
	}
	if rest == "" {
		return JID{}, fmt.Errorf("%w: jid %q has no domain", ErrInvalidArgument, s)
	}
	jid.Domain = rest
	return jid, nil
}

// Bare returns the JID without the resource part.
func (j JID) Bare() JID {
	return JID{Node: j.Node, Domain: j.Domain}
}

// BareString is the canonical (lower-cased) string form of the bare JID,
// used as map key for affiliation lists.
func (j JID) BareString() string {
	if j.Node == "" {
		return strings.ToLower(j.Domain)
	}
	return strings.ToLower(j.Node) + "@" + strings.ToLower(j.Domain)
}

func (j JID) String() string {
	s := j.BareString()
	if j.Resource != "" {
		s += "/" + j.Resource
	}
	return s
}

// IsBare reports whether the JID carries no resource.
func (j JID) IsBare() bool {
	return j.Resource == ""
}

// Equal compares the canonical forms, i.e. node and domain are compared
// case-insensitively, the resource case-sensitively.
func (j JID) Equal(other JID) bool {
	return j.BareString() == other.BareString() && j.Resource == other.Resource
}
