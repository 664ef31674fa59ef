// Package server is the developer-facing ingress: it terminates gateway-style
// HTTP requests, routes them to function invocations, and serves the
// diagnostics endpoints.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/kldeb/lambdev/internal/config"
	"github.com/kldeb/lambdev/internal/invoke"
	"github.com/kldeb/lambdev/internal/registry"
	"github.com/kldeb/lambdev/internal/server/invlog"
	"github.com/kldeb/lambdev/internal/supervisor"
)

const defaultInvLogCapacity = 1000

type Server struct {
	cfg        *config.Config
	registry   *registry.Registry
	table      *invoke.Table
	sup        *supervisor.Supervisor
	invLogs    *invlog.Store
	httpServer *http.Server
	router     *Router
}

func New(cfg *config.Config, reg *registry.Registry, table *invoke.Table, sup *supervisor.Supervisor) *Server {
	srv := &Server{
		cfg:      cfg,
		registry: reg,
		table:    table,
		sup:      sup,
		invLogs:  invlog.NewStore(defaultInvLogCapacity),
	}

	srv.router = NewRouter(srv)
	srv.httpServer = &http.Server{
		Addr:    cfg.Server.Address(),
		Handler: srv.router,
		// No write timeout: a function may legitimately run for its whole
		// invocation timeout before the response starts.
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	return srv
}

func (s *Server) Start() error {
	log.Info().
		Str("addr", s.cfg.Server.Address()).
		Msg("Ingress listening")

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down ingress")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the full middleware-wrapped router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// InvocationLogs exposes the recent-invocation store.
func (s *Server) InvocationLogs() *invlog.Store {
	return s.invLogs
}
