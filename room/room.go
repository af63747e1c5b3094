// Package room implements the multi-user chat room state machine: occupant
// indexes, affiliation lists, the locked/unlocked lifecycle and the
// presence batches resulting from joins, leaves, kicks, bans and
// configuration changes. Rooms never perform network I/O themselves; every
// mutation returns the presence and message batches the caller must
// deliver after the room lock has been released.
package room

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tcriess/lightspeed-muc/globals"
	"github.com/tcriess/lightspeed-muc/persistence"
	"github.com/tcriess/lightspeed-muc/types"
)

// Options carries the collaborators and tunables a room needs.
type Options struct {
	ServiceDomain string
	LockTimeout   time.Duration
	HistorySize   int
	Persister     persistence.Persister

	// IsSysadmin reports whether a bare JID has server-level admin rights;
	// sysadmins enter every room with owner privileges without being
	// listed.
	IsSysadmin func(bareJID string) bool

	// NodeID tags occupants with the cluster node their connection
	// terminates on.
	NodeID string
}

// Room is one chat room. All three occupant indexes and the affiliation
// lists are guarded by a single read/write lock; mutators compute their
// outgoing presence batches under the write lock and the caller delivers
// them after the lock is released.
type Room struct {
	name    string // canonical, lower-case
	service string
	roomID  int64 // lazily assigned, only for persistent or logged rooms

	mu sync.RWMutex

	cfg     types.RoomConfig
	subject string

	locked      bool
	lockedTime  time.Time
	lockTimeout time.Duration
	creator     string // bare JID of the creating user, may enter while locked
	firstJoin   bool   // true until the first occupant ever joined
	emptyTime   time.Time

	owners   map[string]struct{}
	admins   map[string]struct{}
	members  map[string]string // bare JID -> reserved nick
	outcasts map[string]struct{}

	byNick    map[string]*types.Occupant   // lower-case nick -> occupant
	byBareJID map[string][]*types.Occupant // bare JID -> sessions
	byFullJID map[string]*types.Occupant   // full JID -> occupant

	history *history

	persister  persistence.Persister
	isSysadmin func(string) bool
	nodeID     string
}

// NewRoom creates a fresh, locked room. Only the creator (or a sysadmin)
// may enter until the configuration is confirmed or the lock timeout
// elapses.
func NewRoom(name string, creator types.JID, opts Options) *Room {
	r := newBareRoom(name, opts)
	r.cfg = types.DefaultRoomConfig()
	r.locked = true
	r.lockedTime = time.Now()
	r.creator = creator.BareString()
	r.firstJoin = true
	return r
}

// NewRoomFromRecord rehydrates a persisted room: unlocked, configuration
// and affiliations loaded.
func NewRoomFromRecord(record *persistence.RoomRecord, affiliations []*persistence.AffiliationRecord, opts Options) *Room {
	r := newBareRoom(record.Name, opts)
	r.roomID = record.RoomID
	r.cfg = types.RoomConfig{
		Description:       record.Description,
		MaxOccupants:      record.MaxOccupants,
		Moderated:         record.Moderated,
		MembersOnly:       record.MembersOnly,
		PasswordProtected: record.PasswordProtected,
		Password:          record.Password,
		CanDiscoverJID:    record.CanDiscoverJID,
		LogEnabled:        record.LogEnabled,
		Public:            record.Public,
		Persistent:        true,
		CanChangeSubject:  record.CanChangeSubject,
		BroadcastRoles:    strings.Split(record.BroadcastRoles, ","),
	}
	r.subject = record.Subject
	for _, aff := range affiliations {
		switch aff.Affiliation {
		case "owner":
			r.owners[strings.ToLower(aff.JID)] = struct{}{}
		case "admin":
			r.admins[strings.ToLower(aff.JID)] = struct{}{}
		case "member":
			r.members[strings.ToLower(aff.JID)] = aff.Nickname
		case "outcast":
			r.outcasts[strings.ToLower(aff.JID)] = struct{}{}
		}
	}
	return r
}

func newBareRoom(name string, opts Options) *Room {
	return &Room{
		name:        strings.ToLower(name),
		service:     opts.ServiceDomain,
		lockTimeout: opts.LockTimeout,
		owners:      make(map[string]struct{}),
		admins:      make(map[string]struct{}),
		members:     make(map[string]string),
		outcasts:    make(map[string]struct{}),
		byNick:      make(map[string]*types.Occupant),
		byBareJID:   make(map[string][]*types.Occupant),
		byFullJID:   make(map[string]*types.Occupant),
		history:     newHistory(opts.HistorySize),
		persister:   opts.Persister,
		isSysadmin:  opts.IsSysadmin,
		nodeID:      opts.NodeID,
	}
}

func (r *Room) Name() string { return r.name }

// Address is the room's own JID (room@service).
func (r *Room) Address() types.JID {
	return types.JID{Node: r.name, Domain: r.service}
}

func (r *Room) roleJID(nick string) types.JID {
	return types.JID{Node: r.name, Domain: r.service, Resource: nick}
}

// IsLocked checks the lock state. The check is a side-effecting read: once
// the lock timeout has elapsed since creation the room flips to unlocked.
// There is no proactive unlock callback.
func (r *Room) IsLocked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkLocked()
}

// checkLocked evaluates the lazy lock timeout. Caller holds the write lock.
func (r *Room) checkLocked() bool {
	if r.locked && r.lockTimeout > 0 && time.Since(r.lockedTime) > r.lockTimeout {
		r.locked = false
		globals.AppLogger.Info("room lock timed out", "room", r.name)
	}
	return r.locked
}

func (r *Room) Subject() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subject
}

func (r *Room) Config() types.RoomConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

func (r *Room) OccupantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byFullJID)
}

// OccupantByNick looks up an occupant by nickname (case-insensitive).
func (r *Room) OccupantByNick(nick string) (types.Occupant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.byNick[strings.ToLower(nick)]
	if !ok {
		return types.Occupant{}, false
	}
	return *o, true
}

// OccupantByUser looks up an occupant by the user's full JID.
func (r *Room) OccupantByUser(user types.JID) (types.Occupant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.byFullJID[user.String()]
	if !ok {
		return types.Occupant{}, false
	}
	return *o, true
}

// OccupantsByBareJID returns all sessions of one user in this room.
func (r *Room) OccupantsByBareJID(bareJID string) []types.Occupant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := r.byBareJID[strings.ToLower(bareJID)]
	out := make([]types.Occupant, 0, len(sessions))
	for _, o := range sessions {
		out = append(out, *o)
	}
	return out
}

// Occupants returns a snapshot of all occupants.
func (r *Room) Occupants() []types.Occupant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Occupant, 0, len(r.byFullJID))
	for _, o := range r.byFullJID {
		out = append(out, *o)
	}
	return out
}

// OccupantNodes returns the set of cluster nodes occupants of this room
// are connected through; this is the ownership-deriving value stored in
// the shared occupants cache.
func (r *Room) OccupantNodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	nodes := make([]string, 0)
	for _, o := range r.byFullJID {
		if _, ok := seen[o.NodeID]; ok {
			continue
		}
		seen[o.NodeID] = struct{}{}
		nodes = append(nodes, o.NodeID)
	}
	return nodes
}

// Owners returns the bare JIDs holding owner affiliation.
func (r *Room) Owners() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return setKeys(r.owners)
}

func (r *Room) Admins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return setKeys(r.admins)
}

func (r *Room) Outcasts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return setKeys(r.outcasts)
}

// Members returns the bare JID -> reserved nickname map.
func (r *Room) Members() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.members))
	for k, v := range r.members {
		out[k] = v
	}
	return out
}

func setKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// affiliationOf derives the affiliation of a bare JID from the lists.
// Sysadmins are treated as owners without being listed. Caller holds at
// least the read lock.
func (r *Room) affiliationOf(bareJID string) types.Affiliation {
	if _, ok := r.owners[bareJID]; ok {
		return types.AffiliationOwner
	}
	if r.isSysadmin != nil && r.isSysadmin(bareJID) {
		return types.AffiliationOwner
	}
	if _, ok := r.admins[bareJID]; ok {
		return types.AffiliationAdmin
	}
	if _, ok := r.members[bareJID]; ok {
		return types.AffiliationMember
	}
	if _, ok := r.outcasts[bareJID]; ok {
		return types.AffiliationOutcast
	}
	return types.AffiliationNone
}

// defaultRole derives the role a session gets for an affiliation. Caller
// holds at least the read lock.
func (r *Room) defaultRole(aff types.Affiliation) types.Role {
	switch aff {
	case types.AffiliationOwner, types.AffiliationAdmin:
		return types.RoleModerator
	case types.AffiliationMember:
		return types.RoleParticipant
	case types.AffiliationOutcast:
		return types.RoleNone
	}
	if r.cfg.Moderated {
		return types.RoleVisitor
	}
	return types.RoleParticipant
}

// canBroadcastPresence implements the role-based broadcast filter: with at
// least 3 of the possible roles configured the size check short-circuits
// to true, otherwise the role must be listed.
func (r *Room) canBroadcastPresence(role types.Role) bool {
	if len(r.cfg.BroadcastRoles) >= 3 {
		return true
	}
	return r.cfg.CanBroadcastRole(role)
}

func (r *Room) presenceOf(o *types.Occupant, presenceType string) types.Presence {
	userJID := o.UserJID
	return types.Presence{
		From:        o.RoleJID,
		Type:        presenceType,
		Role:        o.Role,
		Affiliation: o.Affiliation,
		OccupantJID: &userJID,
		Timestamp:   time.Now(),
	}
}

func (r *Room) broadcastOf(o *types.Occupant, presenceType string) types.Broadcast {
	return types.Broadcast{
		Presence:   r.presenceOf(o, presenceType),
		SenderOnly: !r.canBroadcastPresence(o.Role),
		RedactJID:  !r.cfg.CanDiscoverJID,
	}
}

// JoinResult carries everything the caller must deliver after a successful
// join, strictly outside the room lock.
type JoinResult struct {
	Occupant types.Occupant

	// Existing are the presences of the occupants already in the room,
	// targeted at the joiner.
	Existing []types.Broadcast

	// Broadcasts announce the new occupant to the room.
	Broadcasts []types.Broadcast

	// Notices are system messages for the joiner (room locked, room
	// non-anonymous).
	Notices []types.Message

	// History is the slice of buffered room history to deliver.
	History []types.Message
}

// Join runs the join protocol for user under the given nickname. All
// validation completes before the first mutation; on error the indexes are
// untouched.
func (r *Room) Join(nick, password string, histReq *types.HistoryRequest, user types.JID) (*JoinResult, error) {
	if nick == "" {
		return nil, fmt.Errorf("%w: empty nickname", types.ErrInvalidArgument)
	}
	bare := user.BareString()
	lowerNick := strings.ToLower(nick)

	r.mu.Lock()

	if r.cfg.MaxOccupants > 0 && len(r.byFullJID) >= r.cfg.MaxOccupants {
		r.mu.Unlock()
		return nil, types.ErrNotAllowed
	}
	if r.checkLocked() {
		sysadmin := r.isSysadmin != nil && r.isSysadmin(bare)
		if bare != r.creator && !sysadmin {
			r.mu.Unlock()
			return nil, types.ErrRoomLocked
		}
	}
	if _, taken := r.byNick[lowerNick]; taken {
		r.mu.Unlock()
		return nil, types.ErrUserAlreadyExists
	}
	if r.cfg.PasswordProtected && password != r.cfg.Password {
		r.mu.Unlock()
		return nil, types.ErrUnauthorized
	}
	for memberJID, reserved := range r.members {
		if memberJID != bare && strings.EqualFold(reserved, nick) {
			r.mu.Unlock()
			return nil, types.ErrConflict
		}
	}

	aff := r.affiliationOf(bare)
	if aff == types.AffiliationOutcast {
		r.mu.Unlock()
		return nil, types.ErrForbidden
	}
	if aff == types.AffiliationNone && r.cfg.MembersOnly {
		r.mu.Unlock()
		return nil, types.ErrRegistrationRequired
	}
	role := r.defaultRole(aff)
	if r.locked && bare == r.creator && aff == types.AffiliationNone {
		// the creator of a still-locked room is its future owner
		aff = types.AffiliationOwner
		role = types.RoleModerator
	}

	occupant := &types.Occupant{
		Nick:        nick,
		UserJID:     user,
		RoleJID:     r.roleJID(nick),
		Role:        role,
		Affiliation: aff,
		NodeID:      r.nodeID,
	}

	result := &JoinResult{Occupant: *occupant}
	// presence of the current occupants for the joiner, JIDs subject to
	// per-recipient redaction by the delivery layer
	for _, existing := range r.byNick {
		b := types.Broadcast{
			Presence:  r.presenceOf(existing, types.PresenceAvailable),
			To:        &user,
			RedactJID: !r.cfg.CanDiscoverJID,
		}
		result.Existing = append(result.Existing, b)
	}

	r.byNick[lowerNick] = occupant
	r.byBareJID[bare] = append(r.byBareJID[bare], occupant)
	r.byFullJID[user.String()] = occupant
	wasFirstJoin := r.firstJoin
	r.firstJoin = false

	join := r.broadcastOf(occupant, types.PresenceAvailable)
	if wasFirstJoin {
		join.Presence.StatusCodes = append(join.Presence.StatusCodes, types.StatusRoomCreated)
	}
	result.Broadcasts = append(result.Broadcasts, join)

	if r.locked {
		result.Notices = append(result.Notices, r.systemNotice("This room is locked from entry until configuration is confirmed."))
	}
	if r.cfg.CanDiscoverJID {
		result.Notices = append(result.Notices, r.systemNotice("This room is not anonymous."))
	}
	result.History = r.history.slice(histReq)

	r.mu.Unlock()
	return result, nil
}

// systemNotice builds a message originating from the room itself rather
// than from any occupant.
func (r *Room) systemNotice(body string) types.Message {
	return types.Message{
		From:      r.Address(),
		Body:      body,
		Timestamp: time.Now(),
	}
}

// LeaveResult carries the deliveries of a leave/kick/ban and whether the
// room emptied out, which the directory acts on.
type LeaveResult struct {
	Broadcasts  []types.Broadcast
	Notices     []types.Message
	RoomEmptied bool
}

// Leave removes the occupant with the given nickname.
func (r *Room) Leave(nick string) (*LeaveResult, error) {
	lowerNick := strings.ToLower(nick)
	r.mu.Lock()
	occupant, ok := r.byNick[lowerNick]
	if !ok {
		r.mu.Unlock()
		return nil, types.ErrUserNotFound
	}
	r.removeOccupant(occupant)

	result := &LeaveResult{}
	if r.canBroadcastPresence(occupant.Role) {
		leave := r.broadcastOf(occupant, types.PresenceUnavailable)
		result.Broadcasts = append(result.Broadcasts, leave)
		result.Notices = append(result.Notices, r.systemNotice(fmt.Sprintf("%s has left the room.", occupant.Nick)))
	}
	if len(r.byFullJID) == 0 {
		r.emptyTime = time.Now()
		result.RoomEmptied = true
	}
	r.mu.Unlock()
	return result, nil
}

// removeOccupant unlinks an occupant from all three indexes. Caller holds
// the write lock.
func (r *Room) removeOccupant(o *types.Occupant) {
	delete(r.byNick, strings.ToLower(o.Nick))
	delete(r.byFullJID, o.UserJID.String())
	bare := o.BareUserJID()
	sessions := r.byBareJID[bare]
	for i, s := range sessions {
		if s == o {
			sessions = append(sessions[:i], sessions[i+1:]...)
			break
		}
	}
	if len(sessions) == 0 {
		delete(r.byBareJID, bare)
	} else {
		r.byBareJID[bare] = sessions
	}
}

// Kick removes the target occupant with status 307. The actor must be a
// moderator; occupants holding owner or admin affiliation cannot be kicked
// directly, their removal must go through the affiliation change path.
func (r *Room) Kick(actorNick, targetNick, reason string) (*LeaveResult, error) {
	r.mu.Lock()
	actor, ok := r.byNick[strings.ToLower(actorNick)]
	if !ok {
		r.mu.Unlock()
		return nil, types.ErrUserNotFound
	}
	if actor.Role != types.RoleModerator {
		r.mu.Unlock()
		return nil, types.ErrForbidden
	}
	target, ok := r.byNick[strings.ToLower(targetNick)]
	if !ok {
		r.mu.Unlock()
		return nil, types.ErrUserNotFound
	}
	if target.Affiliation == types.AffiliationOwner || target.Affiliation == types.AffiliationAdmin {
		r.mu.Unlock()
		return nil, types.ErrNotAllowed
	}
	actorJID := actor.UserJID
	result := r.expelLocked(target, types.StatusKicked, &actorJID, reason, false)
	if len(r.byFullJID) == 0 {
		r.emptyTime = time.Now()
		result.RoomEmptied = true
	}
	r.mu.Unlock()
	return result, nil
}

// expelLocked removes one occupant with the given status code stamped into
// the outgoing presence. With excludeTarget the expelled user does not
// receive the room-wide broadcast (bans), only their own targeted copy.
// Caller holds the write lock.
func (r *Room) expelLocked(target *types.Occupant, statusCode int, actor *types.JID, reason string, excludeTarget bool) *LeaveResult {
	presence := r.presenceOf(target, types.PresenceUnavailable)
	presence.StatusCodes = append(presence.StatusCodes, statusCode)
	presence.Actor = actor
	presence.Reason = reason
	presence.Role = types.RoleNone
	if statusCode == types.StatusBanned {
		presence.Affiliation = types.AffiliationOutcast
	} else {
		presence.Affiliation = types.AffiliationNone
	}

	result := &LeaveResult{}
	targetJID := target.UserJID
	// the expelled user always learns about their own removal
	result.Broadcasts = append(result.Broadcasts, types.Broadcast{
		Presence: presence,
		To:       &targetJID,
	})
	roomWide := types.Broadcast{
		Presence:  presence,
		RedactJID: !r.cfg.CanDiscoverJID,
	}
	if excludeTarget {
		roomWide.Exclude = []types.JID{targetJID}
	}
	result.Broadcasts = append(result.Broadcasts, roomWide)

	r.removeOccupant(target)
	return result
}
