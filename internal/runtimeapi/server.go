// Package runtimeapi serves the runtime protocol surface that spawned
// worker processes poll for work. Each worker addresses the surface through
// a path prefix carrying its id, taken from AWS_LAMBDA_RUNTIME_API.
package runtimeapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kldeb/lambdev/internal/supervisor"
)

// Server is the worker-facing protocol endpoint. It binds to a loopback
// address and translates protocol calls into supervisor operations.
type Server struct {
	sup        *supervisor.Supervisor
	httpServer *http.Server
	listener   net.Listener
}

// New creates a runtime protocol server for the given supervisor.
func New(sup *supervisor.Supervisor) *Server {
	s := &Server{sup: sup}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{workerID}/2018-06-01/runtime/invocation/next", s.handleNext)
	mux.HandleFunc("POST /{workerID}/2018-06-01/runtime/invocation/{invocationID}/response", s.handleResponse)
	mux.HandleFunc("POST /{workerID}/2018-06-01/runtime/invocation/{invocationID}/error", s.handleError)
	mux.HandleFunc("POST /{workerID}/2018-06-01/runtime/init/error", s.handleInitError)

	s.httpServer = &http.Server{
		Handler: mux,
		// The next-invocation call long-polls; it must never be cut short
		// by a write timeout.
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the protocol routes, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Listen binds the loopback listener so Addr is known before workers spawn.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding runtime api listener: %w", err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, valid after Listen.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve runs the protocol server until Shutdown.
func (s *Server) Serve() error {
	log.Info().Str("addr", s.Addr()).Msg("Runtime protocol surface listening")
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server, interrupting pending long polls.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
