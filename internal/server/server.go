// Package server runs the front-end HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/brizzai/marketweb/internal/config"
	"github.com/brizzai/marketweb/internal/logger"
	"github.com/brizzai/marketweb/internal/server/handler"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	// shutdownTimeout is the default time to wait for server shutdown
	shutdownTimeout = 5 * time.Second
)

// Server serves the session, auth, proxy and event routes
type Server struct {
	config  *config.ServerConfig
	handler *handler.Handler
	http    *http.Server
	addr    net.Addr
	errChan chan error
}

// NewServer creates a new server instance
func NewServer(cfg *config.ServerConfig, h *handler.Handler) *Server {
	return &Server{
		config:  cfg,
		handler: h,
		errChan: make(chan error, 1),
	}
}

// Start binds the listener and serves in the background
func (s *Server) Start(context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.addr = listener.Addr()
	s.http = &http.Server{
		Handler:           s.handler.CreateHTTPHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting server", zap.String("address", s.addr.String()))
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", zap.Error(err))
			s.errChan <- fmt.Errorf("server error: %w", err)
		}
	}()
	return nil
}

// Addr is the bound address, available after Start
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Errors reports a server that stopped on its own
func (s *Server) Errors() <-chan error {
	return s.errChan
}

// Stop shuts the server down gracefully. Streaming clients such as event
// subscribers are cut off when the timeout expires.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	timeout := s.config.ShutdownTimeout
	if timeout == 0 {
		timeout = shutdownTimeout
	}
	logger.Info("Shutting down server", zap.Duration("timeout", timeout))

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return s.http.Close()
		}
		return fmt.Errorf("server shutdown error: %w", err)
	}
	return nil
}

// Run serves until ctx is cancelled or the server fails
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return s.Stop(context.Background())
	case err := <-s.errChan:
		return err
	}
}

// Module provides the server dependencies
var Module = fx.Module("server",
	fx.Provide(
		handler.NewHandler,
		NewServer,
	),
	fx.Invoke(func(lc fx.Lifecycle, s *Server) {
		lc.Append(fx.Hook{
			OnStart: s.Start,
			OnStop:  s.Stop,
		})
	}),
)
