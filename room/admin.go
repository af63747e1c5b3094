package room

import (
	"fmt"
	"strings"
	"time"

	"github.com/tcriess/lightspeed-muc/globals"
	"github.com/tcriess/lightspeed-muc/persistence"
	"github.com/tcriess/lightspeed-muc/types"
)

// AffiliationResult carries the deliveries of an affiliation change.
type AffiliationResult struct {
	OldAffiliation types.Affiliation
	Broadcasts     []types.Broadcast
	RoomEmptied    bool
}

// ChangeAffiliation moves target to a new affiliation. The actor needs
// admin rights for member/outcast/none changes and owner rights for
// owner/admin grants and for demoting owners or admins. Removing the last
// owner is refused. Banning immediately expels all online sessions of the
// target with status 301; losing membership in a members-only room expels
// with status 321.
func (r *Room) ChangeAffiliation(actor, target types.JID, newAff types.Affiliation, reservedNick, reason string) (*AffiliationResult, error) {
	actorBare := actor.BareString()
	targetBare := target.BareString()

	r.mu.Lock()
	actorAff := r.affiliationOf(actorBare)
	targetAff := r.affiliationOf(targetBare)

	needsOwner := newAff == types.AffiliationOwner || newAff == types.AffiliationAdmin ||
		targetAff == types.AffiliationOwner || targetAff == types.AffiliationAdmin
	if needsOwner {
		if actorAff != types.AffiliationOwner {
			r.mu.Unlock()
			return nil, types.ErrForbidden
		}
	} else if actorAff != types.AffiliationOwner && actorAff != types.AffiliationAdmin {
		r.mu.Unlock()
		return nil, types.ErrForbidden
	}
	if newAff == types.AffiliationOutcast && targetAff == types.AffiliationOwner {
		r.mu.Unlock()
		return nil, types.ErrNotAllowed
	}
	if _, listedOwner := r.owners[targetBare]; listedOwner && newAff != types.AffiliationOwner && len(r.owners) <= 1 {
		// a room must always retain at least one listed owner
		r.mu.Unlock()
		return nil, types.ErrConflict
	}
	if newAff == targetAff {
		r.mu.Unlock()
		return &AffiliationResult{OldAffiliation: targetAff}, nil
	}

	r.removeFromLists(targetBare)
	switch newAff {
	case types.AffiliationOwner:
		r.owners[targetBare] = struct{}{}
	case types.AffiliationAdmin:
		r.admins[targetBare] = struct{}{}
	case types.AffiliationMember:
		if reservedNick == "" {
			if sessions := r.byBareJID[targetBare]; len(sessions) > 0 {
				reservedNick = sessions[0].Nick
			}
		}
		r.members[targetBare] = reservedNick
	case types.AffiliationOutcast:
		r.outcasts[targetBare] = struct{}{}
	}
	r.persistAffiliation(targetBare, reservedNick, newAff, targetAff)

	result := &AffiliationResult{OldAffiliation: targetAff}
	sessions := append([]*types.Occupant(nil), r.byBareJID[targetBare]...)
	switch {
	case newAff == types.AffiliationOutcast:
		for _, session := range sessions {
			expel := r.expelLocked(session, types.StatusBanned, &actor, reason, true)
			result.Broadcasts = append(result.Broadcasts, expel.Broadcasts...)
		}
	case newAff == types.AffiliationNone && r.cfg.MembersOnly:
		for _, session := range sessions {
			expel := r.expelLocked(session, types.StatusMembershipRevoked, &actor, reason, false)
			result.Broadcasts = append(result.Broadcasts, expel.Broadcasts...)
		}
	default:
		for _, session := range sessions {
			session.Affiliation = newAff
			session.Role = r.defaultRole(newAff)
			result.Broadcasts = append(result.Broadcasts, r.broadcastOf(session, types.PresenceAvailable))
		}
	}
	if len(r.byFullJID) == 0 && len(sessions) > 0 {
		result.RoomEmptied = true
	}
	r.mu.Unlock()
	return result, nil
}

// removeFromLists strips a bare JID from every affiliation list. Caller
// holds the write lock.
func (r *Room) removeFromLists(bareJID string) {
	delete(r.owners, bareJID)
	delete(r.admins, bareJID)
	delete(r.members, bareJID)
	delete(r.outcasts, bareJID)
}

// persistAffiliation stores an affiliation change best-effort: persistence
// failures are logged, never surfaced, the in-memory room stays
// authoritative. Caller holds the write lock.
func (r *Room) persistAffiliation(bareJID, nick string, newAff, oldAff types.Affiliation) {
	if r.persister == nil || !r.cfg.Persistent {
		return
	}
	var err error
	if newAff == types.AffiliationNone {
		err = r.persister.RemoveAffiliation(r.name, bareJID, oldAff)
	} else {
		err = r.persister.SaveAffiliation(r.name, bareJID, nick, newAff, oldAff)
	}
	if err != nil {
		globals.AppLogger.Error("could not persist affiliation", "room", r.name, "jid", bareJID, "error", err)
	}
}

// NickResult carries the presence pair announcing a nickname change.
type NickResult struct {
	OldNick    string
	Broadcasts []types.Broadcast
}

// ChangeNick renames the session identified by the user's full JID. The
// rename is announced as an unavailable presence with status 303 carrying
// the new nickname, followed by an available presence under the new
// nickname.
func (r *Room) ChangeNick(user types.JID, newNick string) (*NickResult, error) {
	if newNick == "" {
		return nil, fmt.Errorf("%w: empty nickname", types.ErrInvalidArgument)
	}
	lowerNew := strings.ToLower(newNick)

	r.mu.Lock()
	occupant, ok := r.byFullJID[user.String()]
	if !ok {
		r.mu.Unlock()
		return nil, types.ErrUserNotFound
	}
	oldNick := occupant.Nick
	if strings.ToLower(oldNick) == lowerNew {
		occupant.Nick = newNick // case-only change
		r.mu.Unlock()
		return &NickResult{OldNick: oldNick}, nil
	}
	if _, taken := r.byNick[lowerNew]; taken {
		r.mu.Unlock()
		return nil, types.ErrUserAlreadyExists
	}
	bare := user.BareString()
	for memberJID, reserved := range r.members {
		if memberJID != bare && strings.EqualFold(reserved, newNick) {
			r.mu.Unlock()
			return nil, types.ErrConflict
		}
	}

	result := &NickResult{OldNick: oldNick}
	farewell := r.broadcastOf(occupant, types.PresenceUnavailable)
	farewell.Presence.StatusCodes = append(farewell.Presence.StatusCodes, types.StatusNewNick)
	farewell.Presence.NewNick = newNick
	result.Broadcasts = append(result.Broadcasts, farewell)

	delete(r.byNick, strings.ToLower(oldNick))
	occupant.Nick = newNick
	occupant.RoleJID = r.roleJID(newNick)
	r.byNick[lowerNew] = occupant

	result.Broadcasts = append(result.Broadcasts, r.broadcastOf(occupant, types.PresenceAvailable))
	r.mu.Unlock()
	return result, nil
}

// SubjectResult carries the subject message to deliver to all occupants.
type SubjectResult struct {
	Message types.Message
}

// ChangeSubject updates the room subject. Unless the configuration allows
// every occupant to change it, the actor must be a moderator.
func (r *Room) ChangeSubject(user types.JID, subject string) (*SubjectResult, error) {
	r.mu.Lock()
	occupant, ok := r.byFullJID[user.String()]
	if !ok {
		r.mu.Unlock()
		return nil, types.ErrUserNotFound
	}
	if !r.cfg.CanChangeSubject && occupant.Role != types.RoleModerator {
		r.mu.Unlock()
		return nil, types.ErrForbidden
	}
	r.subject = subject
	if r.persister != nil && r.cfg.Persistent {
		if err := r.persister.UpdateSubject(r.name, subject); err != nil {
			globals.AppLogger.Error("could not persist subject", "room", r.name, "error", err)
		}
	}
	msg := types.Message{
		From:      occupant.RoleJID,
		Nick:      occupant.Nick,
		Subject:   subject,
		Timestamp: time.Now(),
	}
	r.history.add(msg)
	r.mu.Unlock()
	return &SubjectResult{Message: msg}, nil
}

// AddMessage appends a delivered groupchat message to the room history.
func (r *Room) AddMessage(msg types.Message) {
	r.mu.Lock()
	r.history.add(msg)
	r.mu.Unlock()
}

// ConfigResult carries the outcome of a configuration form submission.
type ConfigResult struct {
	Changed    []string
	Unlocked   bool
	Broadcasts []types.Broadcast
}

// ApplyConfigForm processes an owner's configuration form. Cancelling the
// form of a still-locked empty room unlocks it with the defaults in place;
// an instant-room request unlocks with defaults and makes the actor an
// owner. A full form is validated completely before any field is
// applied: a form that would leave the room ownerless is rejected with a
// conflict and the previous configuration stays in force.
func (r *Room) ApplyConfigForm(actor types.JID, form types.RoomConfigForm) (*ConfigResult, error) {
	actorBare := actor.BareString()

	r.mu.Lock()
	wasLocked := r.checkLocked()
	if r.affiliationOf(actorBare) != types.AffiliationOwner {
		if !(wasLocked && actorBare == r.creator) {
			r.mu.Unlock()
			return nil, types.ErrForbidden
		}
	}

	result := &ConfigResult{}
	if form.Cancel {
		// a cancelled form on an empty locked room releases the lock,
		// occupied rooms stay locked so the creator may submit again
		if wasLocked && len(r.byFullJID) == 0 {
			r.locked = false
			result.Unlocked = true
			result.Changed = append(result.Changed, "unlocked")
		}
		r.mu.Unlock()
		return result, nil
	}
	if form.Instant {
		if len(r.owners) == 0 {
			r.owners[actorBare] = struct{}{}
			r.persistAffiliation(actorBare, "", types.AffiliationOwner, types.AffiliationNone)
		}
		r.locked = false
		result.Unlocked = wasLocked
		result.Changed = append(result.Changed, "unlocked")
		r.mu.Unlock()
		return result, nil
	}

	newOwners, err := parseBareJIDs(form.Owners)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	newAdmins, err := parseBareJIDs(form.Admins)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if wasLocked && len(newOwners) == 0 {
		newOwners = []string{actorBare}
	}
	if len(newOwners) == 0 {
		// never leave a room ownerless
		r.mu.Unlock()
		return nil, types.ErrConflict
	}

	old := r.cfg
	r.applyConfig(form.Config, result)
	affected := r.replaceAffiliationLists(newOwners, newAdmins)

	for bare := range affected {
		aff := r.affiliationOf(bare)
		for _, session := range append([]*types.Occupant(nil), r.byBareJID[bare]...) {
			if aff == types.AffiliationNone && r.cfg.MembersOnly {
				expel := r.expelLocked(session, types.StatusMembershipRevoked, &actor, "", false)
				result.Broadcasts = append(result.Broadcasts, expel.Broadcasts...)
				continue
			}
			session.Affiliation = aff
			session.Role = r.defaultRole(aff)
			result.Broadcasts = append(result.Broadcasts, r.broadcastOf(session, types.PresenceAvailable))
		}
	}
	if r.cfg.MembersOnly && !old.MembersOnly {
		sessions := make([]*types.Occupant, 0, len(r.byFullJID))
		for _, o := range r.byFullJID {
			sessions = append(sessions, o)
		}
		for _, o := range sessions {
			if r.affiliationOf(o.BareUserJID()) == types.AffiliationNone {
				expel := r.expelLocked(o, types.StatusMembershipRevoked, &actor, "", false)
				result.Broadcasts = append(result.Broadcasts, expel.Broadcasts...)
			}
		}
	}

	if wasLocked || form.Unlock {
		r.locked = false
		result.Unlocked = wasLocked
		result.Changed = append(result.Changed, "unlocked")
	}
	r.persistRoomLocked()
	r.mu.Unlock()
	return result, nil
}

func parseBareJIDs(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		jid, err := types.ParseJID(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", types.ErrInvalidArgument, s)
		}
		out = append(out, jid.BareString())
	}
	return out, nil
}

// applyConfig copies the form fields into the live configuration and
// records the names of the fields that changed. Caller holds the write
// lock.
func (r *Room) applyConfig(cfg types.RoomConfig, result *ConfigResult) {
	changed := func(name string) { result.Changed = append(result.Changed, name) }
	if r.cfg.Description != cfg.Description {
		changed("description")
	}
	if r.cfg.MaxOccupants != cfg.MaxOccupants {
		changed("max_occupants")
	}
	if r.cfg.Moderated != cfg.Moderated {
		changed("moderated")
	}
	if r.cfg.MembersOnly != cfg.MembersOnly {
		changed("members_only")
	}
	if r.cfg.PasswordProtected != cfg.PasswordProtected {
		changed("password_protected")
	}
	if r.cfg.CanDiscoverJID != cfg.CanDiscoverJID {
		changed("can_discover_jid")
	}
	if r.cfg.LogEnabled != cfg.LogEnabled {
		changed("log_enabled")
	}
	if r.cfg.Public != cfg.Public {
		changed("public")
	}
	if r.cfg.Persistent != cfg.Persistent {
		changed("persistent")
	}
	if r.cfg.CanChangeSubject != cfg.CanChangeSubject {
		changed("can_change_subject")
	}
	if strings.Join(r.cfg.BroadcastRoles, ",") != strings.Join(cfg.BroadcastRoles, ",") {
		changed("broadcast_roles")
	}
	if len(cfg.BroadcastRoles) == 0 {
		cfg.BroadcastRoles = types.DefaultRoomConfig().BroadcastRoles
	}
	r.cfg = cfg
}

// replaceAffiliationLists swaps the owner and admin lists wholesale and
// returns the set of bare JIDs whose affiliation may have changed. Caller
// holds the write lock.
func (r *Room) replaceAffiliationLists(newOwners, newAdmins []string) map[string]struct{} {
	affected := make(map[string]struct{})
	for bare := range r.owners {
		affected[bare] = struct{}{}
	}
	for bare := range r.admins {
		affected[bare] = struct{}{}
	}
	r.owners = make(map[string]struct{})
	r.admins = make(map[string]struct{})
	for _, bare := range newOwners {
		affected[bare] = struct{}{}
		delete(r.members, bare)
		delete(r.outcasts, bare)
		r.owners[bare] = struct{}{}
	}
	for _, bare := range newAdmins {
		if _, isOwner := r.owners[bare]; isOwner {
			continue
		}
		affected[bare] = struct{}{}
		delete(r.members, bare)
		delete(r.outcasts, bare)
		r.admins[bare] = struct{}{}
	}
	return affected
}

// persistRoomLocked writes the full room state including all affiliation
// lists, best-effort. Caller holds the write lock.
func (r *Room) persistRoomLocked() {
	if r.persister == nil {
		return
	}
	if !r.cfg.Persistent {
		// a room configured away from persistence is removed from storage
		if err := r.persister.DeleteRoom(r.name); err != nil {
			globals.AppLogger.Error("could not remove room from storage", "room", r.name, "error", err)
		}
		return
	}
	if r.roomID == 0 {
		// numeric ids only exist for rooms that ever hit storage
		r.roomID = time.Now().UnixNano()
	}
	record := persistence.RoomRecord{
		Name:              r.name,
		RoomID:            r.roomID,
		Description:       r.cfg.Description,
		MaxOccupants:      r.cfg.MaxOccupants,
		Moderated:         r.cfg.Moderated,
		MembersOnly:       r.cfg.MembersOnly,
		PasswordProtected: r.cfg.PasswordProtected,
		Password:          r.cfg.Password,
		CanDiscoverJID:    r.cfg.CanDiscoverJID,
		LogEnabled:        r.cfg.LogEnabled,
		Public:            r.cfg.Public,
		CanChangeSubject:  r.cfg.CanChangeSubject,
		BroadcastRoles:    strings.Join(r.cfg.BroadcastRoles, ","),
		Subject:           r.subject,
		InMemory:          true,
	}
	affs := make([]*persistence.AffiliationRecord, 0, len(r.owners)+len(r.admins)+len(r.members)+len(r.outcasts))
	for bare := range r.owners {
		affs = append(affs, &persistence.AffiliationRecord{RoomName: r.name, JID: bare, Affiliation: "owner"})
	}
	for bare := range r.admins {
		affs = append(affs, &persistence.AffiliationRecord{RoomName: r.name, JID: bare, Affiliation: "admin"})
	}
	for bare, nick := range r.members {
		affs = append(affs, &persistence.AffiliationRecord{RoomName: r.name, JID: bare, Nickname: nick, Affiliation: "member"})
	}
	for bare := range r.outcasts {
		affs = append(affs, &persistence.AffiliationRecord{RoomName: r.name, JID: bare, Affiliation: "outcast"})
	}
	if err := r.persister.SaveRoom(record, affs); err != nil {
		globals.AppLogger.Error("could not persist room", "room", r.name, "error", err)
	}
}

// Persist writes the current room state to storage if the room is
// persistent.
func (r *Room) Persist() {
	r.mu.Lock()
	r.persistRoomLocked()
	r.mu.Unlock()
}

// DestroyResult carries the final presences sent to all occupants of a
// destroyed room.
type DestroyResult struct {
	Broadcasts []types.Broadcast
}

// Destroy expels every occupant and marks the room for removal. Only
// owners may destroy a room.
func (r *Room) Destroy(actor types.JID, reason string) (*DestroyResult, error) {
	r.mu.Lock()
	if r.affiliationOf(actor.BareString()) != types.AffiliationOwner {
		r.mu.Unlock()
		return nil, types.ErrForbidden
	}
	result := &DestroyResult{}
	for _, o := range r.byFullJID {
		presence := r.presenceOf(o, types.PresenceUnavailable)
		presence.Role = types.RoleNone
		presence.Affiliation = types.AffiliationNone
		presence.Reason = reason
		target := o.UserJID
		result.Broadcasts = append(result.Broadcasts, types.Broadcast{Presence: presence, To: &target})
	}
	r.byNick = make(map[string]*types.Occupant)
	r.byBareJID = make(map[string][]*types.Occupant)
	r.byFullJID = make(map[string]*types.Occupant)
	r.mu.Unlock()
	return result, nil
}
