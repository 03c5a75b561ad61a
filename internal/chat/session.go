package chat

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/andy6609/simplechat/internal/protocol"
)

// HandlerOptions tunes per-connection behaviour.
type HandlerOptions struct {
	WriteTimeout   time.Duration
	OutboundBuffer int
	MaxFrameSize   int
}

// Handler runs the per-connection protocol against a Coordinator.
type Handler struct {
	coord  *Coordinator
	opts   HandlerOptions
	logger *slog.Logger
}

func NewHandler(coord *Coordinator, opts HandlerOptions, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{coord: coord, opts: opts, logger: logger}
}

type connState int

const (
	stateHandshake connState = iota
	stateActive
	stateClosed
)

// conn is the state of one connection while Handle runs.
type conn struct {
	h       *Handler
	raw     net.Conn
	addr    string
	reader  *bufio.Reader
	client  *Client
	session SessionID
	// released is set once Logout or ExpireSession has been called for the
	// session, so teardown does not call it again.
	released bool
}

// Handle serves one connection until logout, idle timeout or a transport or
// protocol error, and returns with the session removed and the connection
// closed.
func (h *Handler) Handle(raw net.Conn) {
	c := &conn{
		h:      h,
		raw:    raw,
		addr:   raw.RemoteAddr().String(),
		reader: bufio.NewReader(raw),
	}

	state := stateHandshake
	for state != stateClosed {
		switch state {
		case stateHandshake:
			state = c.handshake()
		case stateActive:
			state = c.active()
		}
	}
	c.teardown()
}

// handshake expects exactly one login command with a username and password.
func (c *conn) handshake() connState {
	timeout := c.h.coord.SessionTimeout()
	_ = c.raw.SetReadDeadline(time.Now().Add(timeout))

	cmd, err := protocol.ReadCommand(c.reader, c.h.opts.MaxFrameSize)
	if err != nil {
		c.logReadError("handshake", err)
		return stateClosed
	}
	if cmd.Kind != protocol.Login || cmd.Username == "" || cmd.Password == "" {
		HandshakesRejected.Inc()
		c.h.logger.Warn("invalid handshake", "addr", c.addr, "command", cmd.Name)
		return stateClosed
	}

	c.client = NewClient(c.raw, c.h.opts.OutboundBuffer)
	StartOutboundWriter(c.client, c.h.opts.WriteTimeout, c.h.logger)

	id, err := c.h.coord.Login(cmd.Username, cmd.Password, c.client)
	if err != nil {
		return stateClosed
	}
	c.session = id
	return stateActive
}

// active reads and dispatches commands until the session ends. Each read is
// bounded by the session's idle deadline.
func (c *conn) active() connState {
	timeout := c.h.coord.SessionTimeout()
	for {
		_ = c.raw.SetReadDeadline(c.client.LastActivity().Add(timeout))

		cmd, err := protocol.ReadCommand(c.reader, c.h.opts.MaxFrameSize)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				c.h.logger.Info("session idle timeout", "username", c.client.Username, "session", c.session)
				c.release(c.h.coord.ExpireSession)
				return stateClosed
			}
			c.logReadError("command", err)
			return stateClosed
		}

		switch cmd.Kind {
		case protocol.List:
			err = c.h.coord.ListRegisteredUsers(c.session)
		case protocol.Message:
			err = c.h.coord.BroadcastMessage(c.session, cmd.Message)
		case protocol.Logout:
			c.release(c.h.coord.Logout)
			return stateClosed
		default:
			err = c.h.coord.SendError(c.session, "Unknown command")
		}
		if err != nil {
			return stateClosed
		}
	}
}

func (c *conn) release(end func(SessionID) error) {
	c.released = true
	if err := end(c.session); err != nil {
		c.h.logger.Debug("session release", "session", c.session, "error", err)
	}
}

func (c *conn) teardown() {
	if c.client == nil {
		_ = c.raw.Close()
		return
	}
	if c.session != "" && !c.released {
		c.release(c.h.coord.Logout)
	}
	// No-op when the coordinator already closed it; otherwise the writer
	// flushes and closes the connection.
	c.client.Close()
}

func (c *conn) logReadError(stage string, err error) {
	switch {
	case errors.Is(err, protocol.ErrMalformedFrame):
		c.h.logger.Warn("malformed frame", "stage", stage, "addr", c.addr, "error", err)
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		c.h.logger.Debug("connection closed", "stage", stage, "addr", c.addr)
	default:
		c.h.logger.Warn("read failed", "stage", stage, "addr", c.addr, "error", err)
	}
}
