package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/go-logr/logr"
)

// Server accepts proxy clients.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
	log    logr.Logger

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	clients   map[*clientConn]struct{}
	closed    bool
}

// NewServer constructs a Server. Canceling ctx aborts connection attempts in
// progress but leaves established connections alone; use Close for that.
func NewServer(ctx context.Context, cfg Config) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	return &Server{
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
		log:       cfg.Log,
		listeners: make(map[net.Listener]struct{}),
		clients:   make(map[*clientConn]struct{}),
	}
}

// Serve accepts connections on ln until it fails or the server is closed.
func (s *Server) Serve(ln net.Listener) error {
	if !s.track(ln) {
		return net.ErrClosed
	}
	defer s.untrack(ln)

	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		c := newClientConn(s, nc)
		if !s.add(c) {
			_ = nc.Close()
			return nil
		}
		c.start()
	}
}

// Close stops every listener and disconnects every client.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := s.listeners
	clients := s.clients
	s.listeners = nil
	s.clients = nil
	s.mu.Unlock()

	s.cancel()
	var errs []error
	for ln := range listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for c := range clients {
		c.loop.Post(c.disconnect)
	}
	return errors.Join(errs...)
}

// Clients reports how many client connections are open.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) track(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrack(ln net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, ln)
}

func (s *Server) add(c *clientConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *Server) remove(c *clientConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
