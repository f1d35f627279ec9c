package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/trace"

	"teleclaude/internal/log"
	"teleclaude/internal/tracing"
)

// Server hosts the control plane on a unix socket.
type Server struct {
	server     *http.Server
	listener   net.Listener
	socketPath string
}

// ServerConfig configures the control plane server.
type ServerConfig struct {
	// SocketPath is the unix socket to listen on (required).
	SocketPath string
	// Handler is the API handler (required).
	Handler *Handler
	// Tracer instruments requests; nil disables tracing.
	Tracer trace.Tracer
	// ReadTimeout is the maximum duration for reading a request.
	ReadTimeout time.Duration
}

// NewServer binds the unix socket and assembles the middleware chain. A
// leftover socket from a dead daemon is unlinked; a socket something still
// answers on fails the bind.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("socket path is required")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0o700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if err := clearStaleSocket(cfg.SocketPath); err != nil {
		return nil, err
	}

	listener, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.SocketPath, err)
	}
	if err := os.Chmod(cfg.SocketPath, 0o600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}

	mux := cfg.Handler.Routes()
	chain := Recover(
		Logging(
			tracing.Middleware(cfg.Tracer)(
				Metrics(mux, mux))))

	return &Server{
		socketPath: cfg.SocketPath,
		listener:   listener,
		server: &http.Server{
			Handler:           chain,
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			// No write timeout: tails are long-lived SSE streams.
			WriteTimeout: 0,
		},
	}, nil
}

// Start serves until Stop. Blocks.
func (s *Server) Start() error {
	log.Info(log.CatAPI, "control plane listening", "socket", s.socketPath)
	err := s.server.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests and removes the socket.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatAPI, "control plane stopping")
	err := s.server.Shutdown(ctx)
	if rmErr := os.Remove(s.socketPath); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

// SocketPath returns the socket the server is bound to.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// clearStaleSocket unlinks a socket nothing answers on. When a live daemon
// still accepts connections, the bind fails instead of stealing the socket.
func clearStaleSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat socket: %w", err)
	}

	conn, err := net.DialTimeout("unix", path, time.Second)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("socket %s already in use", path)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	log.Warn(log.CatAPI, "removed stale socket", "socket", path)
	return nil
}
