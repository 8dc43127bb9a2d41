package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cuemby/colony/pkg/controller"
	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Config configures the master status server
type Config struct {
	Addr string

	// Status is the controller surface served under /api/v1
	Status controller.Status

	// Broker feeds the /api/v1/events stream. Optional.
	Broker *events.Broker

	// ReadOnly rejects every request that could change cluster state
	ReadOnly bool

	// RequestTimeout bounds non-streaming API calls (default: 10s)
	RequestTimeout time.Duration
}

// Server serves the status API, health probes and metrics over HTTP
type Server struct {
	config Config
	http   *http.Server
	logger zerolog.Logger
}

// NewServer builds the router and the underlying http.Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Status == nil {
		return nil, fmt.Errorf("status source is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	s := &Server{
		config: cfg,
		logger: log.WithComponent("api"),
	}
	s.http = newHTTPServer(cfg.Addr, s.routes())
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := newRouter(s.logger)
	if s.config.ReadOnly {
		r.Use(readOnly)
	}

	mountProbes(r)

	r.Route("/api/v1", func(r chi.Router) {
		if s.config.Broker != nil {
			r.Get("/events", s.streamEvents)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.config.RequestTimeout))

			r.Get("/services", s.listServices)
			r.Post("/services/{id}/start", s.startService)
			r.Post("/services/{id}/shutdown", s.shutdownService)

			r.Get("/nodes/configured", s.configuredNodes)
			r.Get("/nodes/available", s.availableNodes)

			r.Get("/config", s.getConfig)
			r.Put("/config", s.applyConfig)
			r.Post("/config/reload", s.reloadConfig)
		})
	})

	return r
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start listens on the configured address and serves until Stop is called
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener until Stop is called
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Status API listening")
	metrics.UpdateComponent(metrics.ComponentAPI, true, "serving")

	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		metrics.UpdateComponent(metrics.ComponentAPI, false, err.Error())
		return fmt.Errorf("status API failed: %w", err)
	}
	return nil
}

// Stop drains in-flight requests until ctx expires
func (s *Server) Stop(ctx context.Context) error {
	metrics.UpdateComponent(metrics.ComponentAPI, false, "stopped")
	return s.http.Shutdown(ctx)
}

func newRouter(logger zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))
	return r
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// mountProbes registers /health, /ready, /live and /metrics
func mountProbes(r chi.Router) {
	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())
}
