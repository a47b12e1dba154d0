// internal/core/clientset_test.go
package core

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeSession builds a logged-in session with only its writer running, so
// broadcast frames can be read off the client end without a full Run loop.
func pipeSession(t *testing.T, deps *Deps, name string) (*Session, *wireClient) {
	t.Helper()
	client, server := net.Pipe()
	s := NewSession(deps, server)
	u := deps.Users.LoginToken("acct-"+name, name)
	s.setUser(u, 0)
	go s.writeLoop()
	t.Cleanup(func() {
		s.Disconnect()
		client.Close()
	})
	return s, &wireClient{t: t, conn: client}
}

func TestClientSetRoster(t *testing.T) {
	deps, _ := newTestDeps(t)
	cs := NewClientSet()
	s1, _ := pipeSession(t, deps, "alice")
	s2, _ := pipeSession(t, deps, "bob")

	assert.Equal(t, 0, cs.Len())
	assert.False(t, cs.Has(s1))

	cs.AddBroadcastJoined(s1, playerJoinedRaw(s1))
	cs.AddBroadcastJoined(s2, playerJoinedRaw(s2))
	assert.Equal(t, 2, cs.Len())
	assert.True(t, cs.Has(s1))
	assert.Equal(t, []*Session{s1, s2}, cs.List(), "roster keeps join order")

	assert.Same(t, s1, cs.FindByUID(s1.User().UID))
	assert.Nil(t, cs.FindByUID("no-such-uid"))
}

func TestClientSetJoinBroadcastReachesEveryone(t *testing.T) {
	deps, _ := newTestDeps(t)
	cs := NewClientSet()
	s1, c1 := pipeSession(t, deps, "alice")
	s2, c2 := pipeSession(t, deps, "bob")

	cs.AddBroadcastJoined(s1, playerJoinedRaw(s1))
	p := payloadOf(t, c1.readType("PLAYER_JOINED"))
	assert.Equal(t, s1.User().UID, p["uid"], "new member sees their own join")

	cs.AddBroadcastJoined(s2, playerJoinedRaw(s2))
	p = payloadOf(t, c1.readType("PLAYER_JOINED"))
	assert.Equal(t, s2.User().UID, p["uid"])
	p = payloadOf(t, c2.readType("PLAYER_JOINED"))
	assert.Equal(t, s2.User().UID, p["uid"])
}

func TestClientSetCappedAdd(t *testing.T) {
	deps, _ := newTestDeps(t)
	cs := NewClientSet()
	s1, c1 := pipeSession(t, deps, "alice")
	s2, c2 := pipeSession(t, deps, "bob")
	s3, c3 := pipeSession(t, deps, "carol")

	require.True(t, cs.AddCappedBroadcastJoined(s1, 2, playerJoinedRaw(s1)))
	require.True(t, cs.AddCappedBroadcastJoined(s2, 2, playerJoinedRaw(s2)))
	assert.False(t, cs.AddCappedBroadcastJoined(s3, 2, playerJoinedRaw(s3)))
	assert.Equal(t, 2, cs.Len())
	assert.False(t, cs.Has(s3))

	c1.readType("PLAYER_JOINED")
	c1.readType("PLAYER_JOINED")
	c2.readType("PLAYER_JOINED")
	c1.expectSilence(150 * time.Millisecond)
	c2.expectSilence(150 * time.Millisecond)
	c3.expectSilence(150 * time.Millisecond)
}

func TestClientSetRemoveBroadcastLeft(t *testing.T) {
	deps, _ := newTestDeps(t)
	cs := NewClientSet()
	s1, c1 := pipeSession(t, deps, "alice")
	s2, c2 := pipeSession(t, deps, "bob")
	cs.AddBroadcastJoined(s1, playerJoinedRaw(s1))
	cs.AddBroadcastJoined(s2, playerJoinedRaw(s2))
	c1.readType("PLAYER_JOINED")
	c1.readType("PLAYER_JOINED")
	c2.readType("PLAYER_JOINED")

	require.True(t, cs.RemoveBroadcastLeft(s1, playerLeftRaw(s1)))
	assert.False(t, cs.RemoveBroadcastLeft(s1, playerLeftRaw(s1)), "second remove reports absence")

	p := payloadOf(t, c2.readType("PLAYER_LEFT"))
	assert.Equal(t, s1.User().UID, p["uid"])
	c1.expectSilence(150 * time.Millisecond)
}

func TestClientSetBroadcastLeftRemove(t *testing.T) {
	deps, _ := newTestDeps(t)
	cs := NewClientSet()
	s1, c1 := pipeSession(t, deps, "alice")
	s2, c2 := pipeSession(t, deps, "bob")
	cs.AddBroadcastJoined(s1, playerJoinedRaw(s1))
	cs.AddBroadcastJoined(s2, playerJoinedRaw(s2))
	c1.readType("PLAYER_JOINED")
	c1.readType("PLAYER_JOINED")
	c2.readType("PLAYER_JOINED")

	require.True(t, cs.BroadcastLeftRemove(s1, playerLeftRaw(s1)))
	assert.False(t, cs.Has(s1))

	// the leaver sees their own departure on this variant
	p := payloadOf(t, c1.readType("PLAYER_LEFT"))
	assert.Equal(t, s1.User().UID, p["uid"])
	p = payloadOf(t, c2.readType("PLAYER_LEFT"))
	assert.Equal(t, s1.User().UID, p["uid"])
}

func TestPlayersPayloadSkipsAnonymous(t *testing.T) {
	deps, _ := newTestDeps(t)
	s1, _ := pipeSession(t, deps, "alice")
	anon := bareSession(t, deps)

	p := playersPayload([]*Session{s1, anon})
	players, ok := p["players"].([]interface{})
	require.True(t, ok)
	require.Len(t, players, 1)
	entry := players[0].(map[string]interface{})
	assert.Equal(t, s1.User().UID, entry["uid"])
	assert.Equal(t, "alice", entry["username"])
}
