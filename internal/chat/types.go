package chat

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// SessionID identifies one authenticated connection.
type SessionID string

// Client is the server side of one transport connection: the connection
// itself, its outbound frame queue and the last time the user did something.
type Client struct {
	Conn     net.Conn
	Username string
	Out      chan []byte // framed responses, drained by the writer goroutine

	mu     sync.Mutex
	closed bool

	lastActivity atomic.Int64 // unix nanoseconds
}

func NewClient(conn net.Conn, buffer int) *Client {
	if buffer <= 0 {
		buffer = 32
	}
	c := &Client{
		Conn: conn,
		Out:  make(chan []byte, buffer),
	}
	c.Touch(time.Now())
	return c
}

// Open reports whether the client still accepts frames.
func (c *Client) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close stops the client from accepting frames. Queued frames are still
// flushed by the writer, which then closes the connection. Only the first
// call returns true.
func (c *Client) Close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.Out)
	return true
}

// enqueue hands a frame to the writer without blocking. It reports false when
// the client is closed or its queue is full.
func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Out <- frame:
		return true
	default:
		return false
	}
}

// Touch moves the last activity time forward to t. Earlier times are ignored.
func (c *Client) Touch(t time.Time) {
	n := t.UnixNano()
	for {
		cur := c.lastActivity.Load()
		if n <= cur || c.lastActivity.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (c *Client) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Session is a registry entry.
type Session struct {
	ID       SessionID
	Username string
	Client   *Client
}

type EventType int

const (
	EventLogin EventType = iota
	EventLogout
	EventExpire
	EventBroadcast
	EventList
	EventError
	EventShutdown
)

func (t EventType) String() string {
	switch t {
	case EventLogin:
		return "login"
	case EventLogout:
		return "logout"
	case EventExpire:
		return "expire"
	case EventBroadcast:
		return "broadcast"
	case EventList:
		return "list"
	case EventError:
		return "error"
	case EventShutdown:
		return "shutdown"
	}
	return "unknown"
}

type Event struct {
	Type      EventType
	Session   SessionID
	Client    *Client
	Text      string
	ReplyChan chan error // buffered; receives the outcome once the loop handled the event
}

var (
	ErrInvalidCredential = errorString("invalid username or password")
	ErrChatStopped       = errorString("chat stopped")
)

type errorString string

func (e errorString) Error() string { return string(e) }
