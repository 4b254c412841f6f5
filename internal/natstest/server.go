// Package natstest runs a small in-process NATS server for tests.
package natstest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Handler serves one accepted connection. Returning ends the connection.
type Handler interface {
	Handle(ctx context.Context, conn *net.TCPConn) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn *net.TCPConn) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, conn *net.TCPConn) error {
	return f(ctx, conn)
}

// Server accepts loopback TCP connections and hands each to a Handler.
// The accept loop and all handlers run under one errgroup.
type Server struct {
	listener *net.TCPListener
	logger   *slog.Logger
	cancel   context.CancelFunc
	group    *errgroup.Group

	mu       sync.Mutex
	shutdown bool
	conns    map[*net.TCPConn]struct{}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// New listens on an ephemeral loopback port and starts serving handler.
func New(handler Handler, opts ...ServerOption) (*Server, error) {
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		listener: listener,
		logger:   slog.Default(),
		conns:    make(map[*net.TCPConn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())
	s.group, ctx = errgroup.WithContext(ctx)
	s.group.Go(func() error {
		return s.serve(ctx, handler)
	})

	return s, nil
}

func (s *Server) serve(ctx context.Context, handler Handler) error {
	s.logger.Debug("test server started", "addr", s.listener.Addr())

	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			if s.isShutdown() {
				return nil
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		_ = conn.SetNoDelay(true)
		if !s.track(conn) {
			conn.Close()
			return nil
		}

		s.group.Go(func() error {
			defer s.untrack(conn)
			defer conn.Close()

			err := handler.Handle(ctx, conn)
			if err != nil && !s.isShutdown() {
				s.logger.Debug("connection ended", "remote_addr", conn.RemoteAddr(), "error", err)
			}
			return nil
		})
	}
}

func (s *Server) track(conn *net.TCPConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn *net.TCPConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// URL returns the nats:// URL clients dial.
func (s *Server) URL() string {
	return fmt.Sprintf("nats://%s", s.listener.Addr())
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting, closes every open connection and waits for the
// handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.cancel()
	err := s.listener.Close()
	if werr := s.group.Wait(); werr != nil {
		return werr
	}
	return err
}
