// Package server assembles the HTTP surface of the migration service
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/linkflow-ai/migrator/internal/platform/config"
	"github.com/linkflow-ai/migrator/internal/platform/health"
	"github.com/linkflow-ai/migrator/internal/platform/logger"
	"github.com/linkflow-ai/migrator/internal/platform/metrics"
	"github.com/linkflow-ai/migrator/internal/platform/middleware"
	"github.com/linkflow-ai/migrator/internal/platform/telemetry"
)

const maxRequestBytes = 1 << 20

// RouteRegistrar mounts API routes on the /api/v1 subrouter
type RouteRegistrar interface {
	RegisterRoutes(r *mux.Router)
}

type Server struct {
	config     *config.Config
	logger     logger.Logger
	api        RouteRegistrar
	health     *health.Handler
	metrics    *metrics.Metrics
	telemetry  *telemetry.Telemetry
	realtime   http.Handler
	router     *mux.Router
	httpServer *http.Server
}

type Option func(*Server)

func WithConfig(cfg *config.Config) Option {
	return func(s *Server) { s.config = cfg }
}

func WithLogger(logger logger.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithAPI mounts the migration handlers
func WithAPI(api RouteRegistrar) Option {
	return func(s *Server) { s.api = api }
}

func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Server) { s.telemetry = t }
}

// WithRealtime serves live migration events at /api/v1/ws
func WithRealtime(h http.Handler) Option {
	return func(s *Server) { s.realtime = h }
}

func New(opts ...Option) (*Server, error) {
	s := &Server{}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize server: %w", err)
	}

	return s, nil
}

func (s *Server) initialize() error {
	if s.config == nil {
		return errors.New("config is required")
	}
	if s.api == nil {
		return errors.New("api handlers are required")
	}
	if s.logger == nil {
		s.logger = logger.NewNop()
	}
	if s.health == nil {
		s.health = health.NewHandler(s.config.Service.Name, s.config.Version)
	}
	if s.config.Auth.Enabled && s.config.Auth.JWTSecret == "" {
		return errors.New("auth is enabled but no jwt secret is configured")
	}

	s.setupRouter()
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.HTTP.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.HTTP.ReadTimeout,
		WriteTimeout: s.config.HTTP.WriteTimeout,
		IdleTimeout:  s.config.HTTP.IdleTimeout,
	}
	return nil
}

func (s *Server) setupRouter() {
	router := mux.NewRouter()
	router.Use(middleware.RequestID)
	if s.telemetry != nil {
		router.Use(s.telemetry.Middleware())
	}
	router.Use(logger.HTTPMiddleware(s.logger))
	if s.metrics != nil {
		router.Use(s.metrics.HTTPMetricsMiddleware())
	}
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestSizeLimit(maxRequestBytes))

	// Health checks
	router.HandleFunc("/health/live", s.health.LivenessHandler()).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", s.health.ReadinessHandler()).Methods(http.MethodGet)
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	if s.config.Auth.Enabled {
		auth := middleware.NewAuthMiddleware([]byte(s.config.Auth.JWTSecret), s.config.Auth.Issuer)
		api.Use(auth.Middleware)
		api.Use(auth.RequireRoleForWrites(s.config.Auth.WriteRoles...))
	}
	if s.realtime != nil {
		api.Handle("/ws", s.realtime).Methods(http.MethodGet)
	}
	s.api.RegisterRoutes(api)

	s.router = router
}

// Handler returns the root handler with every middleware applied
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", "port", s.config.HTTP.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
