// Package server is the lakeconnector HTTP surface: health probes, version,
// Prometheus metrics and the read-only trigger and job status API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/lakeconnector/internal/errors"
	"github.com/3leaps/lakeconnector/internal/server/handlers"
	"github.com/3leaps/lakeconnector/internal/server/middleware"
	"github.com/3leaps/lakeconnector/pkg/metrics"
)

// VersionInfo is served on /version.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

type Server struct {
	host string
	port int

	log      *zap.Logger
	version  VersionInfo
	gatherer prometheus.Gatherer
	status   handlers.StatusReader
	timeouts Timeouts

	router chi.Router
	http   *http.Server
}

type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

type Option func(*Server)

func WithLogger(log *zap.Logger) Option { return func(s *Server) { s.log = log } }

func WithVersion(v VersionInfo) Option { return func(s *Server) { s.version = v } }

// WithMetrics exposes g on /metrics.
func WithMetrics(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

// WithStatusReader enables the /v1 status routes.
func WithStatusReader(r handlers.StatusReader) Option { return func(s *Server) { s.status = r } }

func WithTimeouts(t Timeouts) Option { return func(s *Server) { s.timeouts = t } }

func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:     host,
		port:     port,
		log:      zap.NewNop(),
		version:  VersionInfo{Version: "dev"},
		timeouts: Timeouts{Read: 30 * time.Second, Write: 30 * time.Second, Idle: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.log))
	r.Use(middleware.Recovery)
	r.NotFound(apperrors.NotFound)
	r.MethodNotAllowed(apperrors.MethodNotAllowed)

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", s.handleVersion)

	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.gatherer))
	}
	if s.status != nil {
		h := handlers.NewStatusHandlers(s.status)
		r.Route("/v1/queues/{queueType}", func(r chi.Router) {
			r.Get("/trigger", h.Trigger)
			r.Get("/jobs/{id}", h.Job)
		})
	}
	return r
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.version)
}

func (s *Server) Port() int { return s.port }

func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down within
// shutdownTimeout.
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.timeouts.Read,
		WriteTimeout: s.timeouts.Write,
		IdleTimeout:  s.timeouts.Idle,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen on %s: %w", addr, err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	if hm := handlers.GetHealthManager(); hm != nil {
		hm.SetReady(false)
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return <-errCh
}
