package room

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-muc/types"
)

func testOptions() Options {
	return Options{
		ServiceDomain: "conference.example.org",
		LockTimeout:   30 * time.Minute,
		HistorySize:   20,
		NodeID:        "node-1",
	}
}

func jid(t *testing.T, s string) types.JID {
	t.Helper()
	j, err := types.ParseJID(s)
	require.NoError(t, err)
	return j
}

func hasStatus(p types.Presence, code int) bool {
	for _, c := range p.StatusCodes {
		if c == code {
			return true
		}
	}
	return false
}

// unlockRoom joins the creator and confirms the default configuration.
func unlockRoom(t *testing.T, r *Room, creator types.JID, nick string) {
	t.Helper()
	_, err := r.Join(nick, "", nil, creator)
	require.NoError(t, err)
	_, err = r.ApplyConfigForm(creator, types.RoomConfigForm{Instant: true})
	require.NoError(t, err)
	require.False(t, r.IsLocked())
}

func TestLockedRoomLifecycle(t *testing.T) {
	alice := jid(t, "alice@example.org/desktop")
	bob := jid(t, "bob@example.org/phone")
	r := NewRoom("garden", alice, testOptions())
	require.True(t, r.IsLocked())

	// only the creator may enter while locked
	_, err := r.Join("bobby", "", nil, bob)
	assert.ErrorIs(t, err, types.ErrRoomLocked)

	res, err := r.Join("alice", "", nil, alice)
	require.NoError(t, err)
	assert.Equal(t, types.AffiliationOwner, res.Occupant.Affiliation)
	assert.Equal(t, types.RoleModerator, res.Occupant.Role)
	require.Len(t, res.Broadcasts, 1)
	assert.True(t, hasStatus(res.Broadcasts[0].Presence, types.StatusRoomCreated))

	cfgRes, err := r.ApplyConfigForm(alice, types.RoomConfigForm{Instant: true})
	require.NoError(t, err)
	assert.True(t, cfgRes.Unlocked)
	assert.False(t, r.IsLocked())
	assert.Contains(t, r.Owners(), "alice@example.org")

	// now anybody can enter, without the created status
	res, err = r.Join("bobby", "", nil, bob)
	require.NoError(t, err)
	assert.False(t, hasStatus(res.Broadcasts[0].Presence, types.StatusRoomCreated))
	assert.Len(t, res.Existing, 1)
}

func TestLockTimeoutIsLazy(t *testing.T) {
	alice := jid(t, "alice@example.org/desktop")
	bob := jid(t, "bob@example.org/phone")
	opts := testOptions()
	opts.LockTimeout = 10 * time.Millisecond
	r := NewRoom("garden", alice, opts)

	_, err := r.Join("bobby", "", nil, bob)
	assert.ErrorIs(t, err, types.ErrRoomLocked)

	time.Sleep(20 * time.Millisecond)
	// the timeout is evaluated on access, nothing ran in the background
	_, err = r.Join("bobby", "", nil, bob)
	assert.NoError(t, err)
	assert.False(t, r.IsLocked())
}

func TestJoinPrecedence(t *testing.T) {
	alice := jid(t, "alice@example.org/desktop")
	sys := jid(t, "root@example.org/tty")
	opts := testOptions()
	opts.IsSysadmin = func(bare string) bool { return bare == "root@example.org" }
	r := NewRoom("garden", alice, opts)
	unlockRoom(t, r, alice, "alice")

	// a sysadmin who is also a member enters with owner privileges
	_, err := r.ChangeAffiliation(alice, sys, types.AffiliationMember, "rooty", "")
	require.NoError(t, err)
	res, err := r.Join("rooty", "", nil, sys)
	require.NoError(t, err)
	assert.Equal(t, types.AffiliationOwner, res.Occupant.Affiliation)
	assert.Equal(t, types.RoleModerator, res.Occupant.Role)
}

func TestJoinRejections(t *testing.T) {
	alice := jid(t, "alice@example.org/desktop")
	bob := jid(t, "bob@example.org/phone")
	carol := jid(t, "carol@example.org/web")
	r := NewRoom("garden", alice, testOptions())
	unlockRoom(t, r, alice, "alice")

	// nickname collision, case-insensitive
	_, err := r.Join("ALICE", "", nil, bob)
	assert.ErrorIs(t, err, types.ErrUserAlreadyExists)

	// the rejected join left the first occupant untouched
	o, ok := r.OccupantByNick("alice")
	require.True(t, ok)
	assert.Equal(t, alice, o.UserJID)
	assert.Equal(t, 1, r.OccupantCount())

	// banned users are rejected before anything else affiliation-wise
	_, err = r.ChangeAffiliation(alice, bob, types.AffiliationOutcast, "", "spam")
	require.NoError(t, err)
	_, err = r.Join("bobby", "", nil, bob)
	assert.ErrorIs(t, err, types.ErrForbidden)

	// members-only without affiliation
	form := types.RoomConfigForm{Config: types.DefaultRoomConfig(), Owners: []string{"alice@example.org"}}
	form.Config.MembersOnly = true
	_, err = r.ApplyConfigForm(alice, form)
	require.NoError(t, err)
	_, err = r.Join("carol", "", nil, carol)
	assert.ErrorIs(t, err, types.ErrRegistrationRequired)
}

func TestPasswordProtectedJoin(t *testing.T) {
	alice := jid(t, "alice@example.org/desktop")
	bob := jid(t, "bob@example.org/phone")
	r := NewRoom("vault", alice, testOptions())
	unlockRoom(t, r, alice, "alice")

	form := types.RoomConfigForm{Config: types.DefaultRoomConfig(), Owners: []string{"alice@example.org"}}
	form.Config.PasswordProtected = true
	form.Config.Password = "sesame"
	_, err := r.ApplyConfigForm(alice, form)
	require.NoError(t, err)

	_, err = r.Join("bobby", "wrong", nil, bob)
	assert.ErrorIs(t, err, types.ErrUnauthorized)
	_, err = r.Join("bobby", "sesame", nil, bob)
	assert.NoError(t, err)
}

func TestKick(t *testing.T) {
	alice := jid(t, "alice@example.org/desktop")
	bob := jid(t, "bob@example.org/phone")
	carol := jid(t, "carol@example.org/web")
	r := NewRoom("garden", alice, testOptions())
	unlockRoom(t, r, alice, "alice")
	_, err := r.Join("bobby", "", nil, bob)
	require.NoError(t, err)
	_, err = r.Join("carol", "", nil, carol)
	require.NoError(t, err)

	// non-moderators cannot kick
	_, err = r.Kick("bobby", "carol", "")
	assert.ErrorIs(t, err, types.ErrForbidden)

	res, err := r.Kick("alice", "bobby", "flooding")
	require.NoError(t, err)
	require.Len(t, res.Broadcasts, 2)
	targeted := res.Broadcasts[0]
	require.NotNil(t, targeted.To)
	assert.Equal(t, bob, *targeted.To)
	assert.True(t, hasStatus(targeted.Presence, types.StatusKicked))
	assert.Equal(t, "flooding", targeted.Presence.Reason)
	require.NotNil(t, targeted.Presence.Actor)
	assert.Equal(t, "alice@example.org", targeted.Presence.Actor.BareString())
	_, stillThere := r.OccupantByNick("bobby")
	assert.False(t, stillThere)
}

func TestKickOfAdminRefused(t *testing.T) {
	alice := jid(t, "alice@example.org/desktop")
	bob := jid(t, "bob@example.org/phone")
	r := NewRoom("garden", alice, testOptions())
	unlockRoom(t, r, alice, "alice")
	_, err := r.ChangeAffiliation(alice, bob, types.AffiliationAdmin, "", "")
	require.NoError(t, err)
	_, err = r.Join("bobby", "", nil, bob)
	require.NoError(t, err)

	_, err = r.Kick("alice", "bobby", "")
	assert.ErrorIs(t, err, types.ErrNotAllowed)
}

func TestBanExpelsAllSessions(t *testing.T) {
	alice := jid(t, "alice@example.org/desktop")
	bob1 := jid(t, "bob@example.org/phone")
	bob2 := jid(t, "bob@example.org/laptop")
	r := NewRoom("garden", alice, testOptions())
	unlockRoom(t, r, alice, "alice")
	_, err := r.Join("bobby", "", nil, bob1)
	require.NoError(t, err)
	_, err = r.Join("bobster", "", nil, bob2)
	require.NoError(t, err)

	res, err := r.ChangeAffiliation(alice, bob1, types.AffiliationOutcast, "", "spam")
	require.NoError(t, err)
	assert.Contains(t, r.Outcasts(), "bob@example.org")
	assert.Empty(t, r.OccupantsByBareJID("bob@example.org"))

	// each session yields a targeted presence plus a room broadcast that
	// excludes the banned user
	require.Len(t, res.Broadcasts, 4)
	for _, b := range res.Broadcasts {
		assert.True(t, hasStatus(b.Presence, types.StatusBanned))
		assert.Equal(t, types.AffiliationOutcast, b.Presence.Affiliation)
		if b.To == nil {
			require.Len(t, b.Exclude, 1)
			assert.Equal(t, "bob@example.org", b.Exclude[0].BareString())
		}
	}
}

func TestLastOwnerCannotBeDemoted(t *testing.T) {
	alice := jid(t, "alice@example.org/desktop")
	bob := jid(t, "bob@example.org/phone")
	r := NewRoom("garden", alice, testOptions())
	unlockRoom(t, r, alice, "alice")

	_, err := r.ChangeAffiliation(alice, alice, types.AffiliationAdmin, "", "")
	assert.ErrorIs(t, err, types.ErrConflict)

	// with a second owner the demotion goes through
	_, err = r.ChangeAffiliation(alice, bob, types.AffiliationOwner, "", "")
	require.NoError(t, err)
	_, err = r.ChangeAffiliation(alice, alice, types.AffiliationAdmin, "", "")
	assert.NoError(t, err)
	assert.Equal(t, []string{"bob@example.org"}, r.Owners())
}

func TestMembershipLossInMembersOnlyRoom(t *testing.T) {
	alice := jid(t, "alice@example.org/desktop")
	bob := jid(t, "bob@example.org/phone")
	r := NewRoom("club", alice, testOptions())
	unlockRoom(t, r, alice, "alice")
	form := types.RoomConfigForm{Config: types.DefaultRoomConfig(), Owners: []string{"alice@example.org"}}
	form.Config.MembersOnly = true
	_, err := r.ApplyConfigForm(alice, form)
	require.NoError(t, err)
	_, err = r.ChangeAffiliation(alice, bob, types.AffiliationMember, "bobby", "")
	require.NoError(t, err)
	_, err = r.Join("bobby", "", nil, bob)
	require.NoError(t, err)

	res, err := r.ChangeAffiliation(alice, bob, types.AffiliationNone, "", "")
	require.NoError(t, err)
	require.NotEmpty(t, res.Broadcasts)
	assert.True(t, hasStatus(res.Broadcasts[0].Presence, types.StatusMembershipRevoked))
	_, stillThere := r.OccupantByNick("bobby")
	assert.False(t, stillThere)
}

func TestChangeNick(t *testing.T) {
	alice := jid(t, "alice@example.org/desktop")
	bob := jid(t, "bob@example.org/phone")
	r := NewRoom("garden", alice, testOptions())
	unlockRoom(t, r, alice, "alice")
	_, err := r.Join("bobby", "", nil, bob)
	require.NoError(t, err)

	_, err = r.ChangeNick(bob, "Alice")
	assert.ErrorIs(t, err, types.ErrUserAlreadyExists)

	res, err := r.ChangeNick(bob, "robert")
	require.NoError(t, err)
	require.Len(t, res.Broadcasts, 2)
	farewell := res.Broadcasts[0]
	assert.Equal(t, types.PresenceUnavailable, farewell.Presence.Type)
	assert.True(t, hasStatus(farewell.Presence, types.StatusNewNick))
	assert.Equal(t, "robert", farewell.Presence.NewNick)
	assert.Equal(t, types.PresenceAvailable, res.Broadcasts[1].Presence.Type)

	o, ok := r.OccupantByNick("Robert")
	require.True(t, ok)
	assert.Equal(t, "garden", o.RoleJID.Node)
	assert.Equal(t, "robert", o.RoleJID.Resource)
	_, ok = r.OccupantByNick("bobby")
	assert.False(t, ok)
}

func TestChangeSubject(t *testing.T) {
	alice := jid(t, "alice@example.org/desktop")
	bob := jid(t, "bob@example.org/phone")
	r := NewRoom("garden", alice, testOptions())
	unlockRoom(t, r, alice, "alice")
	_, err := r.Join("bobby", "", nil, bob)
	require.NoError(t, err)

	// default config restricts the subject to moderators
	_, err = r.ChangeSubject(bob, "weeds")
	assert.ErrorIs(t, err, types.ErrForbidden)

	res, err := r.ChangeSubject(alice, "roses")
	require.NoError(t, err)
	assert.Equal(t, "roses", res.Message.Subject)
	assert.Equal(t, "roses", r.Subject())
}

func TestConfigFormValidatesBeforeApplying(t *testing.T) {
	alice := jid(t, "alice@example.org/desktop")
	r := NewRoom("garden", alice, testOptions())
	unlockRoom(t, r, alice, "alice")

	form := types.RoomConfigForm{Config: types.DefaultRoomConfig()}
	form.Config.Description = "should not stick"
	_, err := r.ApplyConfigForm(alice, form)
	assert.ErrorIs(t, err, types.ErrConflict)

	// nothing was applied, the previous configuration is still in force
	assert.Empty(t, r.Config().Description)
	assert.Equal(t, []string{"alice@example.org"}, r.Owners())
}

func TestConfigCancelUnlocksEmptyRoom(t *testing.T) {
	alice := jid(t, "alice@example.org/desktop")
	bob := jid(t, "bob@example.org/phone")
	r := NewRoom("garden", alice, testOptions())
	require.True(t, r.IsLocked())

	res, err := r.ApplyConfigForm(alice, types.RoomConfigForm{Cancel: true})
	require.NoError(t, err)
	assert.True(t, res.Unlocked)
	assert.False(t, r.IsLocked())
	_, err = r.Join("bobby", "", nil, bob)
	assert.NoError(t, err)

	// with the creator still inside the lock stays, the form may be
	// submitted again
	r2 := NewRoom("attic", alice, testOptions())
	_, err = r2.Join("alice", "", nil, alice)
	require.NoError(t, err)
	res, err = r2.ApplyConfigForm(alice, types.RoomConfigForm{Cancel: true})
	require.NoError(t, err)
	assert.False(t, res.Unlocked)
	assert.True(t, r2.IsLocked())
}

func TestConfigFormOnlyForOwners(t *testing.T) {
	alice := jid(t, "alice@example.org/desktop")
	bob := jid(t, "bob@example.org/phone")
	r := NewRoom("garden", alice, testOptions())
	unlockRoom(t, r, alice, "alice")
	_, err := r.Join("bobby", "", nil, bob)
	require.NoError(t, err)

	_, err = r.ApplyConfigForm(bob, types.RoomConfigForm{Instant: true})
	assert.ErrorIs(t, err, types.ErrForbidden)
}

func TestLeaveSignalsEmptyRoom(t *testing.T) {
	alice := jid(t, "alice@example.org/desktop")
	bob := jid(t, "bob@example.org/phone")
	r := NewRoom("garden", alice, testOptions())
	unlockRoom(t, r, alice, "alice")
	_, err := r.Join("bobby", "", nil, bob)
	require.NoError(t, err)

	res, err := r.Leave("bobby")
	require.NoError(t, err)
	assert.False(t, res.RoomEmptied)

	res, err = r.Leave("alice")
	require.NoError(t, err)
	assert.True(t, res.RoomEmptied)
	assert.Zero(t, r.OccupantCount())
}

func TestHistoryDeliveredOnJoin(t *testing.T) {
	alice := jid(t, "alice@example.org/desktop")
	bob := jid(t, "bob@example.org/phone")
	r := NewRoom("garden", alice, testOptions())
	unlockRoom(t, r, alice, "alice")
	for i := 0; i < 5; i++ {
		r.AddMessage(types.Message{From: r.roleJID("alice"), Nick: "alice", Body: "hello", Timestamp: time.Now()})
	}

	res, err := r.Join("bobby", "", nil, bob)
	require.NoError(t, err)
	assert.Len(t, res.History, 5)

	_, err = r.Leave("bobby")
	require.NoError(t, err)
	res, err = r.Join("bobby", "", nil, bob)
	require.NoError(t, err)
	assert.Len(t, res.History, 5)
}

func TestHistoryRequestLimits(t *testing.T) {
	alice := jid(t, "alice@example.org/desktop")
	bob := jid(t, "bob@example.org/phone")
	r := NewRoom("garden", alice, testOptions())
	unlockRoom(t, r, alice, "alice")
	for i := 0; i < 10; i++ {
		r.AddMessage(types.Message{From: r.roleJID("alice"), Nick: "alice", Body: "msg", Timestamp: time.Now()})
	}

	res, err := r.Join("bobby", "", &types.HistoryRequest{MaxStanzas: 3}, bob)
	require.NoError(t, err)
	assert.Len(t, res.History, 3)
}

func TestDestroy(t *testing.T) {
	alice := jid(t, "alice@example.org/desktop")
	bob := jid(t, "bob@example.org/phone")
	r := NewRoom("garden", alice, testOptions())
	unlockRoom(t, r, alice, "alice")
	_, err := r.Join("bobby", "", nil, bob)
	require.NoError(t, err)

	_, err = r.Destroy(bob, "")
	assert.ErrorIs(t, err, types.ErrForbidden)

	res, err := r.Destroy(alice, "gone")
	require.NoError(t, err)
	assert.Len(t, res.Broadcasts, 2)
	assert.Zero(t, r.OccupantCount())
}

func TestSemiAnonymousBroadcasts(t *testing.T) {
	alice := jid(t, "alice@example.org/desktop")
	bob := jid(t, "bob@example.org/phone")
	r := NewRoom("garden", alice, testOptions())
	unlockRoom(t, r, alice, "alice")

	res, err := r.Join("bobby", "", nil, bob)
	require.NoError(t, err)
	// default rooms are semi-anonymous: the delivery layer must redact
	require.Len(t, res.Broadcasts, 1)
	assert.True(t, res.Broadcasts[0].RedactJID)
	for _, b := range res.Existing {
		assert.True(t, b.RedactJID)
	}
}
