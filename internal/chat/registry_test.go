package chat

import (
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andy6609/simplechat/internal/protocol"
)

func TestCoordinator_LoginBroadcastReachesEveryone(t *testing.T) {
	c := newTestCoordinator(t, Options{})

	_, alice := login(t, c, "alice", "pw")
	requireEvent(t, alice, protocol.EventUserLogin, "alice")

	_, bob := login(t, c, "bob", "pw")
	requireEvent(t, alice, protocol.EventUserLogin, "bob")
	requireEvent(t, bob, protocol.EventUserLogin, "bob")

	requireNoFrames(t, alice)
	requireNoFrames(t, bob)
	assert.Equal(t, 2, c.Sessions())
	assert.Equal(t, float64(2), testutil.ToFloat64(SessionsActive))
}

func TestCoordinator_InvalidCredentialClosesClient(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	rejected := testutil.ToFloat64(LoginsRejected)

	_, alice := login(t, c, "alice", "pw")
	requireEvent(t, alice, protocol.EventUserLogin, "alice")

	impostor := NewClient(nil, 8)
	id, err := c.Login("alice", "not-pw", impostor)
	require.ErrorIs(t, err, ErrInvalidCredential)
	assert.Empty(t, id)

	resp, ok := nextResponse(t, impostor)
	require.True(t, ok)
	errResp, isErr := resp.(*protocol.Error)
	require.True(t, isErr, "got %T", resp)
	assert.Equal(t, "Invalid username or password", errResp.Message)
	requireClosed(t, impostor)

	requireNoFrames(t, alice)
	assert.Equal(t, 1, c.Sessions())
	assert.Equal(t, []string{"alice"}, c.Users())
	assert.Equal(t, rejected+1, testutil.ToFloat64(LoginsRejected))
}

func TestCoordinator_LogoutIsIdempotent(t *testing.T) {
	c := newTestCoordinator(t, Options{})

	_, alice := login(t, c, "alice", "pw")
	bobID, bob := login(t, c, "bob", "pw")
	requireEvent(t, alice, protocol.EventUserLogin, "alice")
	requireEvent(t, alice, protocol.EventUserLogin, "bob")
	requireEvent(t, bob, protocol.EventUserLogin, "bob")

	require.NoError(t, c.Logout(bobID))
	require.NoError(t, c.Logout(bobID))
	require.NoError(t, c.ExpireSession(bobID))

	requireEvent(t, alice, protocol.EventUserLogout, "bob")
	requireNoFrames(t, alice)

	requireEvent(t, bob, protocol.EventUserLogout, "bob")
	requireClosed(t, bob)
	assert.False(t, bob.Open())
	assert.Equal(t, 1, c.Sessions())
}

func TestCoordinator_DisconnectedSessionIsSilent(t *testing.T) {
	c := newTestCoordinator(t, Options{})

	_, alice := login(t, c, "alice", "pw")
	bobID, bob := login(t, c, "bob", "pw")
	requireEvent(t, alice, protocol.EventUserLogin, "alice")
	requireEvent(t, alice, protocol.EventUserLogin, "bob")

	// Transport gone, session not yet removed.
	bob.Close()

	require.NoError(t, c.BroadcastMessage(bobID, "anyone?"))
	require.NoError(t, c.ListRegisteredUsers(bobID))
	require.NoError(t, c.SendError(bobID, "oops"))

	requireNoFrames(t, alice)
	assert.Empty(t, c.History())
	assert.Equal(t, 2, c.Sessions())
}

func TestCoordinator_UnknownSessionIsNoop(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	_, alice := login(t, c, "alice", "pw")
	requireEvent(t, alice, protocol.EventUserLogin, "alice")

	unknown := SessionID("does-not-exist")
	assert.NoError(t, c.BroadcastMessage(unknown, "hi"))
	assert.NoError(t, c.ListRegisteredUsers(unknown))
	assert.NoError(t, c.SendError(unknown, "x"))
	assert.NoError(t, c.Logout(unknown))
	assert.NoError(t, c.ExpireSession(unknown))

	requireNoFrames(t, alice)
	assert.Empty(t, c.History())
}

func TestCoordinator_MessagesAndBoundedHistory(t *testing.T) {
	c := newTestCoordinator(t, Options{Name: "Lobby", MessageCapacity: 2, SessionTimeout: 5 * time.Minute})

	aliceID, alice := login(t, c, "alice", "pw")
	_, bob := login(t, c, "bob", "pw")
	requireEvent(t, alice, protocol.EventUserLogin, "alice")
	requireEvent(t, alice, protocol.EventUserLogin, "bob")
	requireEvent(t, bob, protocol.EventUserLogin, "bob")

	before := alice.LastActivity()
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, c.BroadcastMessage(aliceID, "hi"))
	for _, client := range []*Client{alice, bob} {
		resp, ok := nextResponse(t, client)
		require.True(t, ok)
		ev, isEvent := resp.(*protocol.Event)
		require.True(t, isEvent, "got %T", resp)
		assert.Equal(t, protocol.EventMessage, ev.Kind)
		assert.Equal(t, "Lobby", ev.From)
		assert.Equal(t, "hi", ev.Message)
	}
	assert.True(t, alice.LastActivity().After(before), "sender activity refreshed")

	require.NoError(t, c.BroadcastMessage(aliceID, "bye"))
	assert.Equal(t, []string{"hi", "bye"}, c.History())

	require.NoError(t, c.BroadcastMessage(aliceID, "third"))
	assert.Equal(t, []string{"bye", "third"}, c.History())
	assert.Equal(t, float64(2), testutil.ToFloat64(MessageLogEntries))
}

func TestCoordinator_ListIncludesDisconnectedUsers(t *testing.T) {
	c := newTestCoordinator(t, Options{})

	aliceID, alice := login(t, c, "alice", "pw")
	require.NoError(t, c.Logout(aliceID))
	requireEvent(t, alice, protocol.EventUserLogin, "alice")
	requireEvent(t, alice, protocol.EventUserLogout, "alice")

	bobID, bob := login(t, c, "bob", "pw")
	requireEvent(t, bob, protocol.EventUserLogin, "bob")

	require.NoError(t, c.ListRegisteredUsers(bobID))
	resp, ok := nextResponse(t, bob)
	require.True(t, ok)
	success, isSuccess := resp.(*protocol.Success)
	require.True(t, isSuccess, "got %T", resp)
	assert.ElementsMatch(t, []string{"alice", "bob"}, success.Users)
}

func TestCoordinator_SendErrorOnlyToRequester(t *testing.T) {
	c := newTestCoordinator(t, Options{})

	aliceID, alice := login(t, c, "alice", "pw")
	_, bob := login(t, c, "bob", "pw")
	requireEvent(t, alice, protocol.EventUserLogin, "alice")
	requireEvent(t, alice, protocol.EventUserLogin, "bob")
	requireEvent(t, bob, protocol.EventUserLogin, "bob")

	before := alice.LastActivity()
	require.NoError(t, c.SendError(aliceID, "Unknown command"))

	resp, ok := nextResponse(t, alice)
	require.True(t, ok)
	errResp, isErr := resp.(*protocol.Error)
	require.True(t, isErr, "got %T", resp)
	assert.Equal(t, "Unknown command", errResp.Message)

	requireNoFrames(t, bob)
	assert.Equal(t, before, alice.LastActivity(), "errors do not count as activity")
}

func TestCoordinator_SweepExpiresIdleSessions(t *testing.T) {
	c := newTestCoordinator(t, Options{SessionTimeout: 300 * time.Millisecond, SweepInterval: 10 * time.Millisecond})
	expired := testutil.ToFloat64(SessionsExpired)

	_, alice := login(t, c, "alice", "pw")
	requireEvent(t, alice, protocol.EventUserLogin, "alice")

	time.Sleep(150 * time.Millisecond)
	_, bob := login(t, c, "bob", "pw")
	requireEvent(t, alice, protocol.EventUserLogin, "bob")
	requireEvent(t, bob, protocol.EventUserLogin, "bob")

	// Nobody sends anything; the sweep alone removes alice first.
	requireEvent(t, bob, protocol.EventUserLogout, "alice")
	requireEvent(t, alice, protocol.EventUserLogout, "alice")
	requireClosed(t, alice)

	assert.GreaterOrEqual(t, testutil.ToFloat64(SessionsExpired), expired+1)
}

func TestCoordinator_ShutdownClosesAllClients(t *testing.T) {
	c := newTestCoordinator(t, Options{})

	_, alice := login(t, c, "alice", "pw")
	_, bob := login(t, c, "bob", "pw")

	require.NoError(t, c.Shutdown())
	assert.False(t, alice.Open())
	assert.False(t, bob.Open())
	assert.Equal(t, 0, c.Sessions())
}

func TestCoordinator_StoppedLoopReportsError(t *testing.T) {
	c := NewCoordinator(Options{}, nil)
	go c.Run()
	c.Stop()
	c.Wait()

	assert.ErrorIs(t, c.Logout("x"), ErrChatStopped)
	assert.ErrorIs(t, c.BroadcastMessage("x", "hi"), ErrChatStopped)
}

func TestCoordinator_FullPeerQueueDoesNotBlockOthers(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	dropped := testutil.ToFloat64(FramesDropped)

	aliceID, alice := login(t, c, "alice", "pw")
	requireEvent(t, alice, protocol.EventUserLogin, "alice")

	// Room for one frame, taken by its own login event.
	slow := NewClient(nil, 1)
	_, err := c.Login("slow", "pw", slow)
	require.NoError(t, err)
	requireEvent(t, alice, protocol.EventUserLogin, "slow")

	require.NoError(t, c.BroadcastMessage(aliceID, "hi"))
	resp, ok := nextResponse(t, alice)
	require.True(t, ok)
	ev, isEvent := resp.(*protocol.Event)
	require.True(t, isEvent, "got %T", resp)
	assert.Equal(t, "hi", ev.Message)

	assert.Equal(t, dropped+1, testutil.ToFloat64(FramesDropped))
	assert.True(t, slow.Open())
	requireEvent(t, slow, protocol.EventUserLogin, "slow")
	requireNoFrames(t, slow)
	assert.Equal(t, []string{"hi"}, c.History())
}

func TestCoordinator_WriteFailureDoesNotBlockOthers(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	failures := testutil.ToFloat64(WriteFailures)

	aliceID, alice := login(t, c, "alice", "pw")
	requireEvent(t, alice, protocol.EventUserLogin, "alice")

	server, remote := net.Pipe()
	t.Cleanup(func() { _ = remote.Close() })
	carol := NewClient(server, 8)
	StartOutboundWriter(carol, time.Second, nil)
	_, err := c.Login("carol", "pw", carol)
	require.NoError(t, err)
	requireEvent(t, alice, protocol.EventUserLogin, "carol")
	assert.Equal(t, "carol", readEvent(t, remote).User)

	require.NoError(t, remote.Close())
	require.NoError(t, c.BroadcastMessage(aliceID, "hi"))

	resp, ok := nextResponse(t, alice)
	require.True(t, ok)
	ev, isEvent := resp.(*protocol.Event)
	require.True(t, isEvent, "got %T", resp)
	assert.Equal(t, "hi", ev.Message)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(WriteFailures) >= failures+1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !carol.Open() }, 2*time.Second, 10*time.Millisecond)

	// The session stays registered until its handler logs it out.
	assert.Equal(t, 2, c.Sessions())
	require.NoError(t, c.BroadcastMessage(aliceID, "still here"))
	resp, ok = nextResponse(t, alice)
	require.True(t, ok)
	assert.Equal(t, "still here", resp.(*protocol.Event).Message)
}

func TestNewCoordinator_TinyTimeoutKeepsSweepPositive(t *testing.T) {
	c := newTestCoordinator(t, Options{SessionTimeout: 5 * time.Nanosecond})
	assert.Equal(t, minSweepInterval, c.sweepEvery)
	assert.NoError(t, c.Logout("nobody"))

	c = newTestCoordinator(t, Options{SessionTimeout: 10 * time.Second})
	assert.Equal(t, time.Second, c.sweepEvery)
}
