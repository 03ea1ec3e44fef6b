// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

// Package control serves the host's management API over a Unix socket:
// process health, backend lifecycle commands, and a websocket stream of
// plugin log entries and metrics snapshots.
package control

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/oops"

	"github.com/deskpet/deskpet/internal/backend"
	"github.com/deskpet/deskpet/internal/logbus"
	"github.com/deskpet/deskpet/internal/observability"
	"github.com/deskpet/deskpet/internal/xdg"
)

// Component is reported by /status.
const Component = "host"

// DefaultSocketPath returns the socket path under the runtime directory.
func DefaultSocketPath() string {
	return filepath.Join(xdg.RuntimeDir(), "deskpet-host.sock")
}

// Backends is the registry surface the API drives.
type Backends interface {
	Load(ctx context.Context, id, path string) error
	Unload(ctx context.Context, id string) error
	Call(ctx context.Context, id, function, args string) (string, error)
	HotReload(ctx context.Context, id, path string) (backend.HotReloadResult, error)
	Restart(ctx context.Context, id string) (backend.HotReloadResult, error)
	Info(id string) (backend.Info, error)
	Infos() []backend.Info
	Metrics(id string) (backend.Metrics, error)
	AllMetrics() []backend.Metrics
	HealthCheck(ctx context.Context, id string) (bool, error)
	CanHotReload(ctx context.Context, id string) (bool, error)
	SetLogLevel(ctx context.Context, id, level string) error
	Commands(id string) ([]backend.Command, error)
	Len() int
}

// Snapshots provides periodic metrics snapshots.
type Snapshots interface {
	Subscribe() (<-chan []backend.Metrics, func())
}

// Options configures a Server.
type Options struct {
	// SocketPath defaults to DefaultSocketPath.
	SocketPath string
	Backends   Backends
	Logs       *logbus.Broadcaster
	Snapshots  Snapshots
	// Shutdown is invoked asynchronously by POST /shutdown.
	Shutdown func()
	// HostStats defaults to observability.ReadHostStats.
	HostStats func(context.Context) (observability.HostStats, error)
	Logger    *slog.Logger
}

// Server runs HTTP over a Unix socket.
type Server struct {
	opts      Options
	logger    *slog.Logger
	startTime time.Time
	upgrader  websocket.Upgrader

	listener   net.Listener
	httpServer *http.Server
	running    atomic.Bool

	closing   chan struct{}
	closeOnce sync.Once
	streams   sync.WaitGroup
}

// NewServer creates a control server.
func NewServer(opts Options) *Server {
	if opts.SocketPath == "" {
		opts.SocketPath = DefaultSocketPath()
	}
	if opts.HostStats == nil {
		opts.HostStats = observability.ReadHostStats
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		opts:      opts,
		logger:    logger.With("component", Component),
		startTime: time.Now(),
		closing:   make(chan struct{}),
	}
	s.running.Store(true)
	return s
}

// SocketPath returns the path the server listens on.
func (s *Server) SocketPath() string { return s.opts.SocketPath }

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	mux.HandleFunc("GET /events", s.handleEvents)
	if s.opts.Backends != nil {
		s.routeBackends(mux)
	}
	return mux
}

// Start begins listening on the Unix socket.
func (s *Server) Start() error {
	path := s.opts.SocketPath
	if err := xdg.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return oops.In("control").With("path", path).Wrapf(err, "remove stale socket")
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return oops.In("control").With("path", path).Wrapf(err, "listen on socket")
	}
	s.listener = listener

	if err := os.Chmod(path, 0o600); err != nil {
		_ = listener.Close()
		return oops.In("control").With("path", path).Wrapf(err, "set socket permissions")
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control socket server error", "error", err)
		}
	}()

	s.logger.Info("control socket listening", "path", path)
	return nil
}

// Stop closes event streams, shuts the HTTP server down and removes the
// socket file.
func (s *Server) Stop(ctx context.Context) error {
	s.running.Store(false)
	s.closeOnce.Do(func() { close(s.closing) })

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return oops.In("control").Wrapf(err, "shutdown http server")
		}
	}
	s.streams.Wait()

	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Warn("failed to close control socket listener", "error", err)
		}
		if err := os.Remove(s.opts.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to remove control socket file", "path", s.opts.SocketPath, "error", err)
		}
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Running:       s.running.Load(),
		PID:           os.Getpid(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Component:     Component,
	}
	if s.opts.Backends != nil {
		resp.Backends = s.opts.Backends.Len()
	}
	if stats, err := s.opts.HostStats(r.Context()); err == nil {
		resp.Host = &stats
	} else {
		s.logger.Debug("host stats unavailable", "error", err)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, ShutdownResponse{Message: "shutdown initiated"})
	if s.opts.Shutdown != nil {
		go s.opts.Shutdown()
	}
}
