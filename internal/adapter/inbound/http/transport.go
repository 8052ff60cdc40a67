package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gitops-gate/gitopsgate/internal/adapter/outbound/memory"
	"github.com/gitops-gate/gitopsgate/internal/domain/auth"
	"github.com/gitops-gate/gitopsgate/internal/domain/ratelimit"
	"github.com/gitops-gate/gitopsgate/internal/service"
)

// Server is the inbound adapter exposing the authorization check API.
type Server struct {
	authorizer  *service.Authorizer
	store       *service.PolicyStore
	loader      *service.PolicyLoader
	auditLog    *memory.AuditLog
	forwarder   *service.Forwarder
	rateLimiter *memory.RateLimiter
	keyring     *auth.Keyring
	health      *HealthChecker
	metrics     *Metrics
	logger      *slog.Logger

	server     *http.Server
	addr       string
	policyPath string
	rateLimit  ratelimit.Limit
}

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithAddr sets the listen address. Default is "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithKeyring enables API key authentication on the /v1 routes.
func WithKeyring(k *auth.Keyring) Option {
	return func(s *Server) {
		s.keyring = k
	}
}

// WithRateLimit enables rate limiting with the given limiter and limit.
func WithRateLimit(limiter *memory.RateLimiter, limit ratelimit.Limit) Option {
	return func(s *Server) {
		s.rateLimiter = limiter
		s.rateLimit = limit
	}
}

// WithForwarder wires the audit shipper into health and metrics.
func WithForwarder(f *service.Forwarder) Option {
	return func(s *Server) {
		s.forwarder = f
	}
}

// WithHealthChecker sets the health checker for /healthz.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(s *Server) {
		s.health = hc
	}
}

// NewServer creates the check API server.
func NewServer(
	authorizer *service.Authorizer,
	store *service.PolicyStore,
	loader *service.PolicyLoader,
	auditLog *memory.AuditLog,
	policyPath string,
	opts ...Option,
) *Server {
	s := &Server{
		authorizer: authorizer,
		store:      store,
		loader:     loader,
		auditLog:   auditLog,
		addr:       "127.0.0.1:8080",
		policyPath: policyPath,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Handler builds the full routing and middleware stack. Exposed for
// tests; Start uses it internally.
func (s *Server) Handler(reg *prometheus.Registry) http.Handler {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s.metrics = NewMetrics(reg)
	RegisterStateGauges(reg, s)

	// Middleware order (outermost first): request ID, real IP, access
	// log, API key, rate limit. Authentication runs before the limiter
	// so the limiter keys on the authenticated key name; the access
	// logger sits inside request ID and real IP so its lines carry both.
	wrap := func(h http.Handler) http.Handler {
		if s.rateLimiter != nil {
			h = RateLimitMiddleware(s.rateLimiter, s.rateLimit, s.metrics, s.logger)(h)
		}
		h = APIKeyMiddleware(s.keyring)(h)
		h = AccessLogMiddleware(s.logger)(h)
		h = RealIPMiddleware(h)
		h = RequestIDMiddleware(h)
		return h
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/check", wrap(s.checkHandler()))
	mux.Handle("/v1/audit", wrap(s.auditHandler()))
	mux.Handle("/v1/audit/stats", wrap(s.statsHandler()))
	mux.Handle("/v1/policy/reload", wrap(s.reloadHandler()))

	if s.health != nil {
		mux.Handle("/healthz", s.health.Handler())
	}
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry: reg,
	}))

	return mux
}

// Start begins accepting connections. It blocks until the context is
// cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.addr)
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown performs graceful shutdown with a bounded deadline.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}

	s.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.shutdown()
}
