package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-operator/internal/agent"
	"github.com/kubilitics/kubilitics-operator/internal/audit"
	"github.com/kubilitics/kubilitics-operator/internal/catalog"
	"github.com/kubilitics/kubilitics-operator/internal/config"
	"github.com/kubilitics/kubilitics-operator/internal/contextmgr"
	"github.com/kubilitics/kubilitics-operator/internal/db"
	"github.com/kubilitics/kubilitics-operator/internal/llm/adapter"
	"github.com/kubilitics/kubilitics-operator/internal/middleware"
	"github.com/kubilitics/kubilitics-operator/internal/safety"
	"github.com/kubilitics/kubilitics-operator/internal/session"
)

// Package server exposes the operator over HTTP: the realtime chat
// WebSocket, a classifier dry-run, the tool catalogue, health and metrics.

// Deps are the components the server wires together.
type Deps struct {
	Server    config.ServerConfig
	Agent     config.AgentConfig
	Loop      *agent.Loop
	Sessions  *session.Registry
	Context   *contextmgr.Manager
	Providers *adapter.Registry
	Safety    *safety.Engine
	Catalog   *catalog.Catalog
	// Store backs the audit and confirmation queries; nil disables them.
	Store  db.Store
	Audit  audit.Logger
	Logger *zap.Logger
}

// Server is the operator's HTTP front end.
type Server struct {
	deps     Deps
	logger   *zap.Logger
	limiter  *middleware.RateLimiter
	upgrader websocket.Upgrader

	httpServer *http.Server

	// attached tracks session ids bound to a live connection.
	mu       sync.Mutex
	attached map[string]bool

	wg sync.WaitGroup
}

// New creates a server.
func New(d Deps) (*Server, error) {
	if d.Loop == nil || d.Sessions == nil || d.Context == nil || d.Providers == nil {
		return nil, errors.New("server: loop, sessions, context manager and providers are required")
	}
	if d.Safety == nil {
		d.Safety = safety.NewEngine(nil, nil, d.Logger)
	}
	if d.Catalog == nil {
		d.Catalog = catalog.Default()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Server.ShutdownTimeout <= 0 {
		d.Server.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		deps:     d,
		logger:   d.Logger,
		limiter:  middleware.NewRateLimiter(d.Server.RequestsPerMinute, d.Server.Burst),
		upgrader: newUpgrader(d.Server.AllowedOrigins),
		attached: make(map[string]bool),
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", d.Server.Host, d.Server.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler with rate limiting applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/ws/chat", s.handleWebSocket)

	mux.HandleFunc("/api/v1/tools", s.handleTools)
	mux.HandleFunc("/api/v1/safety/check", s.handleSafetyCheck)
	mux.HandleFunc("/api/v1/sessions", s.handleSessions)
	mux.HandleFunc("/api/v1/audit", s.handleAudit)
	mux.HandleFunc("/api/v1/confirmations", s.handleConfirmations)

	return s.limiter.Middleware(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.deps.Server.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting connections, tears down every session and waits
// for connection handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	err := s.httpServer.Shutdown(ctx)
	for _, info := range s.deps.Sessions.List() {
		s.removeSession(ctx, info.ID)
	}
	s.limiter.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.deps.Context.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// removeSession tears down a session and closes its pending confirmation.
func (s *Server) removeSession(ctx context.Context, id string) {
	if pc := s.deps.Sessions.Remove(id); pc != nil {
		s.deps.Loop.Discard(ctx, pc)
	}
}

func (s *Server) attach(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached[id] {
		return false
	}
	s.attached[id] = true
	return true
}

func (s *Server) detach(id string) {
	s.mu.Lock()
	delete(s.attached, id)
	s.mu.Unlock()
}

// newUpgrader builds a WebSocket upgrader with an origin allow-list. An
// empty list allows the local development front ends; "*" allows any
// origin. Requests without an Origin header are not from browsers and are
// allowed.
func newUpgrader(allowed []string) websocket.Upgrader {
	if len(allowed) == 0 {
		allowed = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	set := make(map[string]bool, len(allowed))
	wildcard := false
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || wildcard {
				return true
			}
			return set[strings.ToLower(strings.TrimRight(origin, "/"))]
		},
	}
}
