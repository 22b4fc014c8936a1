// Package api wires the health surface: status, readiness and metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmylchreest/slotwatch/internal/api/handlers"
	"github.com/jmylchreest/slotwatch/internal/auth"
	"github.com/jmylchreest/slotwatch/internal/http/mw"
	"github.com/jmylchreest/slotwatch/internal/version"
)

// Scopes understood by the protected routes.
const (
	ScopeStatus  = "status"
	ScopeMetrics = "metrics"
)

// Config controls the health server.
type Config struct {
	Port        int
	AuthSecret  string
	RateLimit   int // requests per minute per client IP; 0 disables
	CORSOrigins []string
}

// NewRouter builds the handler for the health surface. /ready is always
// public so orchestrator probes work without a token; /, /health and
// /metrics require a bearer token when an auth secret is configured.
func NewRouter(cfg Config, h *handlers.HealthHandler, reg *prometheus.Registry, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization"},
		MaxAge:         300,
	}))

	if cfg.RateLimit > 0 {
		r.Use(httprate.LimitByIP(cfg.RateLimit, time.Minute))
	}

	humaConfig := huma.DefaultConfig("slotwatch", version.Get().Version)
	humaConfig.Info.Description = "Appointment monitor health surface"
	publicAPI := humachi.New(r, humaConfig)

	huma.Register(publicAPI, huma.Operation{
		OperationID: "ready",
		Method:      http.MethodGet,
		Path:        "/ready",
		Summary:     "Readiness check",
		Description: "Returns 503 while the monitor is unhealthy or stopped",
		Tags:        []string{"Health"},
	}, func(ctx context.Context, input *struct{}) (*handlers.ReadyOutput, error) {
		return h.Ready(ctx), nil
	})

	statusAPI := publicAPI
	metrics := http.Handler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if cfg.AuthSecret != "" {
		authConfig := mw.AuthConfig{
			Verifier: auth.NewVerifier(cfg.AuthSecret, auth.DefaultIssuer),
			Logger:   logger,
		}

		// Second API shares the router; docs stay on the public one.
		protectedConfig := huma.DefaultConfig("slotwatch", version.Get().Version)
		protectedConfig.OpenAPIPath = ""
		protectedConfig.DocsPath = ""
		protectedConfig.SchemasPath = ""
		statusAPI = humachi.New(r.With(mw.Auth(authConfig), mw.RequireScope(ScopeStatus)), protectedConfig)

		metrics = chi.Chain(mw.Auth(authConfig), mw.RequireScope(ScopeMetrics)).Handler(metrics)
		logger.Info("health surface authentication enabled")
	} else {
		logger.Warn("no health surface authentication configured")
	}

	for _, op := range []struct{ id, path string }{
		{"health", "/health"},
		{"status", "/"},
	} {
		huma.Register(statusAPI, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodGet,
			Path:        op.path,
			Summary:     "Monitor status",
			Description: "Returns the full health snapshot with uptime",
			Tags:        []string{"Health"},
		}, func(ctx context.Context, input *struct{}) (*handlers.StatusOutput, error) {
			return &handlers.StatusOutput{Body: *h.Status(ctx)}, nil
		})
	}

	r.Method(http.MethodGet, "/metrics", metrics)
	return r
}

// Server runs the health surface over HTTP.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer creates a server listening on cfg.Port.
func NewServer(cfg Config, handler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger,
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.srv.Addr
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("health server listening", "addr", ln.Addr().String())
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured address and serves.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("health server listen: %w", err)
	}
	return s.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
