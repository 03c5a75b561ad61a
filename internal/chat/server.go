package chat

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/andy6609/simplechat/internal/config"
)

// Server accepts TCP connections and serves each one with a Handler, at most
// WorkerPoolSize at a time.
type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	coord   *Coordinator
	handler *Handler

	listener net.Listener
	slots    *semaphore.Weighted
	cancel   context.CancelFunc
	acceptWG sync.WaitGroup
	connWG   sync.WaitGroup
	stopOnce sync.Once

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func NewServer(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	coord := NewCoordinator(Options{
		Name:            cfg.ChatName,
		MessageCapacity: cfg.MessageCapacity,
		SessionTimeout:  cfg.SessionTimeout,
		SweepInterval:   cfg.EffectiveSweepInterval(),
		BcryptCost:      cfg.BcryptCost,
	}, logger)
	return &Server{
		cfg:    cfg,
		logger: logger,
		coord:  coord,
		handler: NewHandler(coord, HandlerOptions{
			WriteTimeout:   cfg.WriteTimeout,
			OutboundBuffer: cfg.OutboundBuffer,
			MaxFrameSize:   cfg.MaxFrameSize,
		}, logger),
		slots: semaphore.NewWeighted(int64(cfg.WorkerPoolSize)),
		conns: make(map[net.Conn]struct{}),
	}
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return err
	}
	s.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.coord.Run()
	s.acceptWG.Add(1)
	go s.acceptLoop(ctx, ln)

	s.logger.Info("server started", "addr", ln.Addr().String(), "chat", s.coord.Name(), "pool_size", s.cfg.WorkerPoolSize)
	return nil
}

// Run starts the server and stops it when ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Addr is the bound listener address; nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Coordinator() *Coordinator { return s.coord }

// Stop closes the listener, disconnects every client, waits up to
// ShutdownTimeout for handlers to finish and stops the coordinator.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if s.listener == nil {
			return
		}
		s.logger.Info("shutting down")

		s.cancel()
		s.listener.Close()
		s.acceptWG.Wait()

		if err := s.coord.Shutdown(); err != nil {
			s.logger.Warn("coordinator shutdown", "error", err)
		}
		s.closeConns()

		done := make(chan struct{})
		go func() {
			s.connWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.cfg.ShutdownTimeout):
			s.logger.Warn("shutdown timeout reached, some connections may still be running")
		}

		s.coord.Stop()
		s.coord.Wait()
		s.logger.Info("shutdown complete")
	})
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.acceptWG.Done()
	for {
		// A free slot is taken before accepting so a full pool leaves new
		// connections in the listen backlog.
		if err := s.slots.Acquire(ctx, 1); err != nil {
			return
		}

		conn, err := ln.Accept()
		if err != nil {
			s.slots.Release(1)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		s.logger.Info("client connected", "addr", conn.RemoteAddr().String())
		s.track(conn, true)
		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			defer s.slots.Release(1)
			defer s.track(conn, false)

			ConnectionsActive.Inc()
			defer ConnectionsActive.Dec()
			s.handler.Handle(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}
