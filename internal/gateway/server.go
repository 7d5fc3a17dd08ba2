// Package gateway exposes the agent chat API over HTTP: the SSE streaming
// endpoint, its blocking counterpart, conversation history, and quota
// standing, plus the operational /metrics and /healthz surfaces.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/threadline-ai/threadline/internal/auth"
	"github.com/threadline-ai/threadline/internal/config"
	"github.com/threadline-ai/threadline/internal/conversations"
	"github.com/threadline-ai/threadline/internal/observability"
	"github.com/threadline-ai/threadline/internal/orchestrator"
	"github.com/threadline-ai/threadline/internal/quota"
)

// Server hosts the HTTP API.
type Server struct {
	cfg      config.ServerConfig
	auth     *auth.Service
	orch     *orchestrator.Orchestrator
	store    conversations.Store
	enforcer *quota.Enforcer
	metrics  *observability.Metrics
	log      *observability.Logger

	httpServer   *http.Server
	httpListener net.Listener
}

// Deps carries the server's collaborators.
type Deps struct {
	Auth         *auth.Service
	Orchestrator *orchestrator.Orchestrator
	Store        conversations.Store
	Enforcer     *quota.Enforcer
	Metrics      *observability.Metrics
	Logger       *observability.Logger
}

// NewServer assembles the HTTP server. Auth, Orchestrator, Store, and
// Enforcer are required; Metrics may be nil.
func NewServer(cfg config.ServerConfig, deps Deps) (*Server, error) {
	if deps.Auth == nil {
		return nil, fmt.Errorf("gateway: auth service is required")
	}
	if deps.Orchestrator == nil {
		return nil, fmt.Errorf("gateway: orchestrator is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("gateway: conversation store is required")
	}
	if deps.Enforcer == nil {
		return nil, fmt.Errorf("gateway: quota enforcer is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Server{
		cfg:      cfg,
		auth:     deps.Auth,
		orch:     deps.Orchestrator,
		store:    deps.Store,
		enforcer: deps.Enforcer,
		metrics:  deps.Metrics,
		log:      logger.WithFields("component", "gateway"),
	}, nil
}

// Handler builds the route table. Split out from Start so tests can drive
// the full middleware chain through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	mux.Handle("POST /agent/stream", s.authenticated(s.handleAgentStream))
	mux.Handle("POST /agent", s.authenticated(s.handleAgent))
	mux.Handle("GET /agent/history", s.authenticated(s.handleHistory))
	mux.Handle("GET /agent/limits", s.authenticated(s.handleLimits))

	return s.withRequestMetrics(mux)
}

// Start binds the listener and serves in the background. Returns once the
// address is bound so callers can fail fast on port conflicts.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.HTTPPort)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = server
	s.httpListener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error(ctx, "http server error", "error", err)
		}
	}()

	s.log.Info(ctx, "http server listening", "addr", addr)
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Warn(ctx, "http server shutdown error", "error", err)
	}
	s.httpServer = nil
	s.httpListener = nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
