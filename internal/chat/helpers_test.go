package chat

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/andy6609/simplechat/internal/protocol"
)

func newTestCoordinator(t *testing.T, opts Options) *Coordinator {
	t.Helper()
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.MinCost
	}
	c := NewCoordinator(opts, nil)
	go c.Run()
	t.Cleanup(func() {
		c.Stop()
		c.Wait()
	})
	return c
}

// login registers a connection-less client; frames land in its Out channel.
func login(t *testing.T, c *Coordinator, username, password string) (SessionID, *Client) {
	t.Helper()
	client := NewClient(nil, 256)
	id, err := c.Login(username, password, client)
	require.NoError(t, err, "login(%s)", username)
	return id, client
}

// nextResponse waits for the next frame queued for client and decodes it.
// ok is false when the queue was closed.
func nextResponse(t *testing.T, client *Client) (protocol.Response, bool) {
	t.Helper()
	select {
	case frame, open := <-client.Out:
		if !open {
			return nil, false
		}
		resp, err := protocol.ReadResponse(bytes.NewReader(frame), 0)
		require.NoError(t, err)
		return resp, true
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for a frame for %q", client.Username)
	}
	return nil, false
}

func requireEvent(t *testing.T, client *Client, kind, user string) {
	t.Helper()
	resp, ok := nextResponse(t, client)
	require.True(t, ok, "queue closed before %s event", kind)
	ev, isEvent := resp.(*protocol.Event)
	require.True(t, isEvent, "got %T, want event", resp)
	require.Equal(t, kind, ev.Kind)
	require.Equal(t, user, ev.User)
}

func requireNoFrames(t *testing.T, client *Client) {
	t.Helper()
	require.Len(t, client.Out, 0, "unexpected frames queued for %q", client.Username)
}

func requireClosed(t *testing.T, client *Client) {
	t.Helper()
	for {
		if _, ok := nextResponse(t, client); !ok {
			return
		}
	}
}

// readResponse reads one response from a raw connection.
func readResponse(t *testing.T, conn net.Conn) protocol.Response {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	resp, err := protocol.ReadResponse(conn, 0)
	require.NoError(t, err)
	return resp
}

func readEvent(t *testing.T, conn net.Conn) *protocol.Event {
	t.Helper()
	resp := readResponse(t, conn)
	ev, ok := resp.(*protocol.Event)
	require.True(t, ok, "got %T, want event", resp)
	return ev
}

func sendCommand(t *testing.T, conn net.Conn, cmd protocol.Command) {
	t.Helper()
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, protocol.WriteCommand(conn, cmd))
}
