package chat

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/andy6609/simplechat/internal/protocol"
)

const minSweepInterval = 100 * time.Millisecond

// Options configures a Coordinator.
type Options struct {
	Name            string
	MessageCapacity int
	SessionTimeout  time.Duration
	SweepInterval   time.Duration
	BcryptCost      int
	Buffer          int // event queue length
}

// Coordinator owns the user directory, the session registry and the message
// log. Every change to the registry goes through the Run loop, one event at a
// time, so a broadcast never interleaves with a login or logout.
type Coordinator struct {
	name       string
	timeout    time.Duration
	sweepEvery time.Duration

	users    *Directory
	messages *MessageLog

	events   chan Event
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	sessionCount atomic.Int64
	logger       *slog.Logger
}

func NewCoordinator(opts Options, logger *slog.Logger) *Coordinator {
	if opts.Name == "" {
		opts.Name = "Simple Chat"
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 5 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = max(opts.SessionTimeout/10, minSweepInterval)
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		name:       opts.Name,
		timeout:    opts.SessionTimeout,
		sweepEvery: opts.SweepInterval,
		users:      NewDirectory(opts.BcryptCost),
		messages:   NewMessageLog(opts.MessageCapacity),
		events:     make(chan Event, opts.Buffer),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		logger:     logger,
	}
}

// Stop signals the Run loop to exit. Safe to call more than once.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Wait blocks until the Run loop has completely finished.
func (c *Coordinator) Wait() {
	<-c.doneCh
}

func (c *Coordinator) Run() {
	defer close(c.doneCh)
	// Single-writer ownership: this map is only accessed in this goroutine.
	sessions := make(map[SessionID]*Session)

	sweep := time.NewTicker(c.sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case ev := <-c.events:
			start := time.Now()
			eventType := ev.Type.String()

			switch ev.Type {
			case EventLogin:
				c.handleLogin(sessions, ev)
			case EventLogout:
				c.handleLogout(sessions, ev.Session, "logout")
			case EventExpire:
				c.handleLogout(sessions, ev.Session, "timeout")
			case EventBroadcast:
				c.handleBroadcast(sessions, ev)
			case EventList:
				c.handleList(sessions, ev)
			case EventError:
				c.handleError(sessions, ev)
			case EventShutdown:
				c.handleShutdown(sessions)
			}
			c.sessionCount.Store(int64(len(sessions)))
			SessionsActive.Set(float64(len(sessions)))

			if ev.ReplyChan != nil {
				ev.ReplyChan <- nil
			}

			EventsTotal.WithLabelValues(eventType).Inc()
			EventProcessingDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		case now := <-sweep.C:
			c.sweep(sessions, now)
			c.sessionCount.Store(int64(len(sessions)))
			SessionsActive.Set(float64(len(sessions)))
		case <-c.stopCh:
			return
		}
	}
}

// submit queues ev and waits until the loop has handled it.
func (c *Coordinator) submit(ev Event) error {
	ev.ReplyChan = make(chan error, 1)
	select {
	case c.events <- ev:
	case <-c.doneCh:
		return ErrChatStopped
	}
	select {
	case err := <-ev.ReplyChan:
		return err
	case <-c.doneCh:
		return ErrChatStopped
	}
}

// Login verifies or registers the user, then adds a session for client and
// announces it to everyone, the new session included. On failure the client
// gets an error response and is closed.
func (c *Coordinator) Login(username, password string, client *Client) (SessionID, error) {
	if _, err := c.users.RegisterOrVerify(username, password); err != nil {
		reason := "Login failed"
		if errors.Is(err, ErrInvalidCredential) {
			reason = "Invalid username or password"
			LoginsRejected.Inc()
			c.logger.Warn("login rejected", "username", username)
		} else {
			c.logger.Error("login failed", "username", username, "error", err)
		}
		c.send(client, protocol.NewError(reason))
		client.Close()
		return "", err
	}

	client.Username = username
	client.Touch(time.Now())
	id := SessionID(uuid.New().String())
	if err := c.submit(Event{Type: EventLogin, Session: id, Client: client}); err != nil {
		client.Close()
		return "", err
	}
	return id, nil
}

// Logout announces the user's departure, closes the connection and removes
// the session. Unknown ids are ignored.
func (c *Coordinator) Logout(id SessionID) error {
	return c.submit(Event{Type: EventLogout, Session: id})
}

// ExpireSession is Logout for a session that went idle too long.
func (c *Coordinator) ExpireSession(id SessionID) error {
	return c.submit(Event{Type: EventExpire, Session: id})
}

// BroadcastMessage records text in the message log and sends it to every
// connected session.
func (c *Coordinator) BroadcastMessage(id SessionID, text string) error {
	return c.submit(Event{Type: EventBroadcast, Session: id, Text: text})
}

// ListRegisteredUsers sends every username the directory has seen to the
// requester, connected or not.
func (c *Coordinator) ListRegisteredUsers(id SessionID) error {
	return c.submit(Event{Type: EventList, Session: id})
}

// SendError sends an error response to the requester only.
func (c *Coordinator) SendError(id SessionID, message string) error {
	return c.submit(Event{Type: EventError, Session: id, Text: message})
}

// Shutdown closes every session's connection without announcing anything.
func (c *Coordinator) Shutdown() error {
	return c.submit(Event{Type: EventShutdown})
}

func (c *Coordinator) Name() string { return c.name }

func (c *Coordinator) SessionTimeout() time.Duration { return c.timeout }

// History returns the retained messages, oldest first.
func (c *Coordinator) History() []string { return c.messages.Snapshot() }

// Users returns every registered username.
func (c *Coordinator) Users() []string { return c.users.ListUsernames() }

// Sessions returns the number of live sessions.
func (c *Coordinator) Sessions() int { return int(c.sessionCount.Load()) }

func (c *Coordinator) handleLogin(sessions map[SessionID]*Session, ev Event) {
	if ev.Client == nil {
		return
	}
	sessions[ev.Session] = &Session{ID: ev.Session, Username: ev.Client.Username, Client: ev.Client}

	c.logger.Info("user logged in", "username", ev.Client.Username, "session", ev.Session)
	c.broadcast(sessions, protocol.UserLoginEvent(ev.Client.Username))
}

func (c *Coordinator) handleLogout(sessions map[SessionID]*Session, id SessionID, reason string) {
	s, ok := sessions[id]
	if !ok {
		return
	}

	c.broadcast(sessions, protocol.UserLogoutEvent(s.Username))
	s.Client.Close()
	delete(sessions, id)

	if reason == "timeout" {
		SessionsExpired.Inc()
	}
	c.logger.Info("user logged out", "username", s.Username, "session", id, "reason", reason)
}

func (c *Coordinator) handleBroadcast(sessions map[SessionID]*Session, ev Event) {
	s, ok := sessions[ev.Session]
	if !ok || !s.Client.Open() {
		return
	}

	c.messages.Append(ev.Text)
	MessageLogEntries.Set(float64(c.messages.Len()))

	c.broadcast(sessions, protocol.MessageEvent(c.name, ev.Text))
	s.Client.Touch(time.Now())
}

func (c *Coordinator) handleList(sessions map[SessionID]*Session, ev Event) {
	s, ok := sessions[ev.Session]
	if !ok || !s.Client.Open() {
		return
	}
	c.send(s.Client, protocol.NewSuccess(c.users.ListUsernames()))
	s.Client.Touch(time.Now())
}

func (c *Coordinator) handleError(sessions map[SessionID]*Session, ev Event) {
	s, ok := sessions[ev.Session]
	if !ok || !s.Client.Open() {
		return
	}
	c.send(s.Client, protocol.NewError(ev.Text))
}

func (c *Coordinator) handleShutdown(sessions map[SessionID]*Session) {
	for id, s := range sessions {
		s.Client.Close()
		delete(sessions, id)
	}
	c.logger.Info("all sessions closed")
}

func (c *Coordinator) sweep(sessions map[SessionID]*Session, now time.Time) {
	var expired []SessionID
	for id, s := range sessions {
		if now.Sub(s.Client.LastActivity()) > c.timeout {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		c.handleLogout(sessions, id, "timeout")
	}
}

func (c *Coordinator) broadcast(sessions map[SessionID]*Session, resp protocol.Response) {
	frame, err := protocol.EncodeResponse(resp)
	if err != nil {
		c.logger.Error("encode response", "error", err)
		return
	}
	for _, s := range sessions {
		c.deliver(s.Client, frame)
	}
}

func (c *Coordinator) send(client *Client, resp protocol.Response) {
	frame, err := protocol.EncodeResponse(resp)
	if err != nil {
		c.logger.Error("encode response", "error", err)
		return
	}
	c.deliver(client, frame)
}

// deliver never blocks; a full queue drops the frame for that client only.
func (c *Coordinator) deliver(client *Client, frame []byte) {
	if client.enqueue(frame) {
		return
	}
	if client.Open() {
		FramesDropped.Inc()
		c.logger.Warn("dropped frame for slow client", "username", client.Username)
	}
}
