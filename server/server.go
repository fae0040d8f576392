// Package server exposes the platform over HTTP: cascade and single-tier
// invocation, function management, log query and streaming, and metrics.
// Handlers decode the envelope, run the invocation pipeline, and shape the
// uniform error surface.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360studio/cascade/auth"
	"github.com/c360studio/cascade/cascade"
	"github.com/c360studio/cascade/logstore"
	"github.com/c360studio/cascade/ratelimit"
	"github.com/c360studio/cascade/registry"
)

// Store is the metadata and code surface the server needs. *registry.Store
// satisfies it.
type Store interface {
	GetMetadata(ctx context.Context, id, version string) (*registry.Metadata, error)
	PutMetadata(ctx context.Context, meta *registry.Metadata) error
	UpdateMetadata(ctx context.Context, meta *registry.Metadata) error
	DeleteMetadata(ctx context.Context, id string) error
	ListMetadata(ctx context.Context, cursor string, limit int, ftype registry.FunctionType) (*registry.ListPage, error)
	PutCode(ctx context.Context, id, code, version string, derivative registry.Derivative) error
	GetCode(ctx context.Context, id, version string, derivative registry.Derivative) (string, error)
	DeleteCode(ctx context.Context, id, version string, derivative registry.Derivative) error
	ListVersionsSorted(ctx context.Context, id string) (*registry.VersionListing, error)
}

// RateLimitPolicy is the per-key admission policy applied on the
// invocation hot path.
type RateLimitPolicy struct {
	Limit  int64
	Window time.Duration
}

// Server routes HTTP requests to the cascade engine and its stores.
type Server struct {
	mux        *http.ServeMux
	engine     *cascade.Engine
	store      Store
	logs       *logstore.Aggregator
	authorizer *auth.Authorizer
	limiter    ratelimit.Limiter
	ratePolicy RateLimitPolicy
	principal  PrincipalFunc
	metrics    http.Handler
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithLimiter installs the rate limiter and its admission policy.
func WithLimiter(l ratelimit.Limiter, policy RateLimitPolicy) Option {
	return func(s *Server) {
		s.limiter = l
		s.ratePolicy = policy
	}
}

// WithPrincipalFunc overrides how the caller's principal is extracted.
func WithPrincipalFunc(fn PrincipalFunc) Option {
	return func(s *Server) { s.principal = fn }
}

// WithMetricsHandler installs the Prometheus handler served from /metrics
// when no functionId is queried.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// New creates a Server and registers its routes.
func New(engine *cascade.Engine, store Store, logs *logstore.Aggregator, authorizer *auth.Authorizer, opts ...Option) *Server {
	s := &Server{
		mux:        http.NewServeMux(),
		engine:     engine,
		store:      store,
		logs:       logs,
		authorizer: authorizer,
		principal:  HeaderPrincipal,
		logger:     slog.Default(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /cascade/{id}", s.handleCascade)
	s.mux.HandleFunc("POST /invoke/{id}", s.handleInvoke)

	s.mux.HandleFunc("POST /functions", s.handleDeploy)
	s.mux.HandleFunc("GET /functions", s.handleListFunctions)
	s.mux.HandleFunc("GET /functions/{id}", s.handleGetFunction)
	s.mux.HandleFunc("PATCH /functions/{id}", s.handlePatchFunction)
	s.mux.HandleFunc("DELETE /functions/{id}", s.handleDeleteFunction)
	s.mux.HandleFunc("GET /functions/{id}/versions", s.handleListVersions)

	s.mux.HandleFunc("POST /logs", s.handleCaptureLogs)
	s.mux.HandleFunc("GET /logs", s.handleQueryLogs)
	s.mux.HandleFunc("DELETE /logs/{functionId}", s.handleDeleteLogs)
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)
	s.mux.HandleFunc("GET /stream", s.handleStream)

	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
