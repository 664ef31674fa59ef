package server

import (
	"net/http"

	"github.com/kldeb/lambdev/internal/metrics"
	"github.com/kldeb/lambdev/internal/server/handlers"
)

type Router struct {
	server      *Server
	mux         *http.ServeMux
	middlewares []Middleware
}

type Middleware func(http.Handler) http.Handler

func NewRouter(srv *Server) *Router {
	r := &Router{
		server: srv,
		mux:    http.NewServeMux(),
	}

	r.setupMiddleware()
	r.setupRoutes()

	return r
}

func (r *Router) setupMiddleware() {
	r.Use(RecoveryMiddleware)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(MetricsMiddleware)

	if r.server.cfg.Server.CORS.Enabled {
		r.Use(CORSMiddleware(r.server.cfg.Server.CORS))
	}
}

func (r *Router) Use(mw Middleware) {
	r.middlewares = append(r.middlewares, mw)
}

func (r *Router) setupRoutes() {
	h := handlers.New(r.server.cfg, r.server.registry, r.server.table, r.server.sup, r.server.invLogs)

	r.mux.HandleFunc("GET /health", h.HealthCheck)
	r.mux.Handle("GET /metrics", metrics.Handler())

	// Function URL surface: any method, trailing path forwarded in the event.
	r.mux.HandleFunc("/lambda-url/{function}", h.FunctionURL)
	r.mux.HandleFunc("/lambda-url/{function}/{path...}", h.FunctionURL)

	// Direct Invoke API.
	r.mux.HandleFunc("POST /2015-03-31/functions/{function}/invocations", h.DirectInvoke)

	// Diagnostics.
	r.mux.HandleFunc("GET /lambdev/functions", h.ListFunctions)
	r.mux.HandleFunc("GET /lambdev/requests", h.ListInvocations)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	handler := http.Handler(r.mux)

	for i := len(r.middlewares) - 1; i >= 0; i-- {
		handler = r.middlewares[i](handler)
	}

	handler.ServeHTTP(w, req)
}
