package types

import "errors"

// The failure kinds returned by the room state machine and the cache layer.
// The protocol-handling layer maps these onto client-visible errors, the
// core itself has no protocol knowledge.
var (
	// ErrForbidden: the caller lacks the affiliation or role required for
	// the requested mutation.
	ErrForbidden = errors.New("forbidden")

	// ErrNotAllowed: the caller is privileged enough, but the action itself
	// is structurally disallowed (room full, kicking a moderator directly).
	ErrNotAllowed = errors.New("not allowed")

	// ErrConflict: the action would violate a room invariant, f.e. removing
	// the last remaining owner or taking a reserved nickname.
	ErrConflict = errors.New("conflict")

	ErrUserNotFound      = errors.New("user not found")
	ErrUserAlreadyExists = errors.New("user already exists")
	ErrRoomLocked        = errors.New("room locked")
	ErrRoomNotFound      = errors.New("room not found")

	// ErrRegistrationRequired: the room is members-only and the caller has
	// no member affiliation.
	ErrRegistrationRequired = errors.New("registration required")

	// ErrUnauthorized: wrong or missing room password.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidArgument: nil value or empty key passed to a cache.
	ErrInvalidArgument = errors.New("invalid argument")
)
