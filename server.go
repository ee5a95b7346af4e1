// Package pondsocket implements a channel-based realtime message broker over
// websockets. This file contains the Server struct, which owns the HTTP
// server lifecycle and graceful shutdown handling.
package pondsocket

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

type Server struct {
	server    *http.Server
	manager   *Manager
	mutex     sync.RWMutex
	isRunning bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewServer builds a broker server from options. Nil nested Options fall back
// to DefaultOptions.
func NewServer(options *ServerOptions) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	opts := options.Options
	if opts == nil {
		opts = DefaultOptions()
	}
	manager := NewManager(ctx, *opts)

	addr := options.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	return &Server{
		ctx:     ctx,
		cancel:  cancel,
		manager: manager,
		server: &http.Server{
			Addr:         addr,
			Handler:      manager.HTTPHandler(),
			ReadTimeout:  options.ServerReadTimeout,
			WriteTimeout: options.ServerWriteTimeout,
			IdleTimeout:  options.ServerIdleTimeout,
			TLSConfig:    options.ServerTLSConfig,
		},
	}
}

// CreateEndpoint registers a websocket endpoint at the given path pattern.
func (s *Server) CreateEndpoint(path string, handlerFunc ConnectionEventHandler) *Endpoint {
	return s.manager.CreateEndpoint(path, handlerFunc)
}

// Start begins serving in a background goroutine and returns immediately.
func (s *Server) Start() error {
	s.mutex.Lock()
	if s.isRunning {
		s.mutex.Unlock()
		return conflict("", "Server is already running")
	}
	s.isRunning = true
	s.mutex.Unlock()

	go func() {
		if s.server.TLSConfig != nil {
			_ = s.server.ListenAndServeTLS("", "")
		} else {
			_ = s.server.ListenAndServe()
		}

		s.mutex.Lock()
		s.isRunning = false
		s.mutex.Unlock()
	}()

	return nil
}

// Listen starts the server and blocks until SIGINT or SIGTERM, then shuts
// down gracefully with a 30 second drain window.
func (s *Server) Listen() error {
	if err := s.Start(); err != nil {
		return err
	}
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	if err := s.Stop(30 * time.Second); err != nil {
		return wrapF(err, "error during server shutdown")
	}
	return nil
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.isRunning
}

// Stop cancels the broker context and shuts the HTTP server down, waiting up
// to timeout for open connections to drain.
func (s *Server) Stop(timeout time.Duration) error {
	s.mutex.Lock()
	if !s.isRunning {
		s.mutex.Unlock()
		return nil
	}
	s.mutex.Unlock()

	s.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return wrapF(err, "http server shutdown failed")
	}
	return nil
}
