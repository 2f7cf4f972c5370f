package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// ServerTimeouts bounds the phases of an HTTP exchange.
type ServerTimeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

// DefaultServerTimeouts returns the timeouts used when none are given.
func DefaultServerTimeouts() ServerTimeouts {
	return ServerTimeouts{
		Read:  15 * time.Second,
		Write: 15 * time.Second,
		Idle:  60 * time.Second,
	}
}

// Server wraps an HTTP server with graceful shutdown support.
type Server struct {
	server *http.Server
	router chi.Router
}

// NewServer creates a new Server with the given router and address.
func NewServer(router chi.Router, addr string, timeouts ServerTimeouts) *Server {
	def := DefaultServerTimeouts()
	if timeouts.Read <= 0 {
		timeouts.Read = def.Read
	}
	if timeouts.Write <= 0 {
		timeouts.Write = def.Write
	}
	if timeouts.Idle <= 0 {
		timeouts.Idle = def.Idle
	}
	return &Server{
		router: router,
		server: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  timeouts.Read,
			WriteTimeout: timeouts.Write,
			IdleTimeout:  timeouts.Idle,
		},
	}
}

// Start begins listening and serving HTTP requests.
// It blocks until the server is shut down.
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve accepts connections on l. It blocks until the server is shut down.
func (s *Server) Serve(l net.Listener) error {
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server with the given context.
// It waits for all active connections to finish or until the context is canceled.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router returns the server's router.
func (s *Server) Router() chi.Router {
	return s.router
}

// Addr returns the server's address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// SetKeepAlivesEnabled controls whether HTTP keep-alives are enabled.
func (s *Server) SetKeepAlivesEnabled(v bool) {
	s.server.SetKeepAlivesEnabled(v)
}
