package ws

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-muc/cache"
	"github.com/tcriess/lightspeed-muc/config"
	"github.com/tcriess/lightspeed-muc/room"
	"github.com/tcriess/lightspeed-muc/types"
)

func testSetup(t *testing.T) (*Hub, *room.Room, *room.Directory) {
	t.Helper()
	cfg := &config.Config{}
	cfg.MUCConfig.ServiceDomain = "conference.example.org"
	directory := room.NewDirectory(cfg, nil, cache.NewFactory(nil))
	r, _, err := directory.GetOrCreateRoom("garden", testJID(t, "alice@example.org/desktop"))
	require.NoError(t, err)
	return NewHub(r, directory, cfg), r, directory
}

func testJID(t *testing.T, s string) types.JID {
	t.Helper()
	j, err := types.ParseJID(s)
	require.NoError(t, err)
	return j
}

// joinClient joins the user into the room and registers a loop-less client
// with the hub.
func joinClient(t *testing.T, h *Hub, r *room.Room, nick, jid string) *Client {
	t.Helper()
	user := testJID(t, jid)
	res, err := r.Join(nick, "", nil, user)
	require.NoError(t, err)
	c := NewClient(h, nil, user, make(chan struct{}))
	c.setJoined(res.Occupant.Nick)
	h.Lock()
	h.clients[c] = struct{}{}
	h.Unlock()
	return c
}

func drain(c *Client) []types.WebsocketMessage {
	out := make([]types.WebsocketMessage, 0)
	for {
		select {
		case data := <-c.Send:
			msg := types.WebsocketMessage{}
			if err := json.Unmarshal(data, &msg); err == nil {
				out = append(out, msg)
			}
		default:
			return out
		}
	}
}

func TestDeliverPresencesTargeted(t *testing.T) {
	h, r, _ := testSetup(t)
	alice := joinClient(t, h, r, "alice", "alice@example.org/desktop")
	_, err := r.ApplyConfigForm(alice.user, types.RoomConfigForm{Instant: true})
	require.NoError(t, err)
	bob := joinClient(t, h, r, "bobby", "bob@example.org/phone")

	target := bob.user
	h.deliverPresences([]types.Broadcast{{
		Presence: types.Presence{From: r.Address(), Timestamp: time.Now()},
		To:       &target,
	}})
	assert.Empty(t, drain(alice))
	assert.Len(t, drain(bob), 1)
}

func TestDeliverPresencesExclude(t *testing.T) {
	h, r, _ := testSetup(t)
	alice := joinClient(t, h, r, "alice", "alice@example.org/desktop")
	_, err := r.ApplyConfigForm(alice.user, types.RoomConfigForm{Instant: true})
	require.NoError(t, err)
	bob := joinClient(t, h, r, "bobby", "bob@example.org/phone")

	h.deliverPresences([]types.Broadcast{{
		Presence: types.Presence{From: r.Address(), Timestamp: time.Now()},
		Exclude:  []types.JID{bob.user},
	}})
	assert.Len(t, drain(alice), 1)
	assert.Empty(t, drain(bob))
}

func TestDeliverPresencesRedactsForNonModerators(t *testing.T) {
	h, r, _ := testSetup(t)
	alice := joinClient(t, h, r, "alice", "alice@example.org/desktop")
	_, err := r.ApplyConfigForm(alice.user, types.RoomConfigForm{Instant: true})
	require.NoError(t, err)
	bob := joinClient(t, h, r, "bobby", "bob@example.org/phone")

	occupantJID := bob.user
	h.deliverPresences([]types.Broadcast{{
		Presence:  types.Presence{From: r.Address(), OccupantJID: &occupantJID, Timestamp: time.Now()},
		RedactJID: true,
	}})

	// alice is a moderator and sees the real JID, bob does not
	aliceMsgs := drain(alice)
	require.Len(t, aliceMsgs, 1)
	alicePresence := types.Presence{}
	require.NoError(t, json.Unmarshal(aliceMsgs[0].Data, &alicePresence))
	assert.NotNil(t, alicePresence.OccupantJID)

	bobMsgs := drain(bob)
	require.Len(t, bobMsgs, 1)
	bobPresence := types.Presence{}
	require.NoError(t, json.Unmarshal(bobMsgs[0].Data, &bobPresence))
	assert.Nil(t, bobPresence.OccupantJID)
}

func TestDeliverMessageWithFilter(t *testing.T) {
	h, r, _ := testSetup(t)
	alice := joinClient(t, h, r, "alice", "alice@example.org/desktop")
	_, err := r.ApplyConfigForm(alice.user, types.RoomConfigForm{Instant: true})
	require.NoError(t, err)
	bob := joinClient(t, h, r, "bobby", "bob@example.org/phone")

	source, ok := r.OccupantByNick("alice")
	require.True(t, ok)
	h.deliverMessage(&RoomMessage{
		Message: types.Message{From: source.RoleJID, Nick: "alice", Body: "mods only", Timestamp: time.Now()},
		Filter:  `Target.Role == "moderator"`,
		Source:  source,
	})
	assert.Len(t, drain(alice), 1)
	assert.Empty(t, drain(bob))

	// compiled program is cached
	_, cached := h.filterPrograms.Get(`Target.Role == "moderator"`)
	assert.True(t, cached)
}

func TestDeliverMessageUnfiltered(t *testing.T) {
	h, r, _ := testSetup(t)
	alice := joinClient(t, h, r, "alice", "alice@example.org/desktop")
	_, err := r.ApplyConfigForm(alice.user, types.RoomConfigForm{Instant: true})
	require.NoError(t, err)
	bob := joinClient(t, h, r, "bobby", "bob@example.org/phone")

	source, ok := r.OccupantByNick("alice")
	require.True(t, ok)
	h.deliverMessage(&RoomMessage{
		Message: types.Message{From: source.RoleJID, Nick: "alice", Body: "hello", Timestamp: time.Now()},
		Source:  source,
	})
	assert.Len(t, drain(alice), 1)
	assert.Len(t, drain(bob), 1)
}

func TestTargetedExpelMarksClientLeft(t *testing.T) {
	h, r, _ := testSetup(t)
	alice := joinClient(t, h, r, "alice", "alice@example.org/desktop")
	_, err := r.ApplyConfigForm(alice.user, types.RoomConfigForm{Instant: true})
	require.NoError(t, err)
	bob := joinClient(t, h, r, "bobby", "bob@example.org/phone")

	res, err := r.Kick("alice", "bobby", "flooding")
	require.NoError(t, err)
	h.deliverPresences(res.Broadcasts)

	_, joined := bob.joinedNick()
	assert.False(t, joined)
	require.NotEmpty(t, drain(bob))
}

func TestErrorKindMapping(t *testing.T) {
	assert.Equal(t, "forbidden", errorKind(types.ErrForbidden))
	assert.Equal(t, "conflict", errorKind(types.ErrConflict))
	assert.Equal(t, "registration-required", errorKind(types.ErrRegistrationRequired))
	assert.Equal(t, "not-authorized", errorKind(types.ErrUnauthorized))
	assert.Equal(t, "bad-request", errorKind(types.ErrInvalidArgument))
	assert.Equal(t, "internal-server-error", errorKind(assert.AnError))
}
