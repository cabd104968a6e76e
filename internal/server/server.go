// Package server exposes investigations over HTTP: alarm intake, read and
// administrative endpoints, a websocket timeline stream, health checks and
// Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-rca/internal/config"
	"github.com/kubilitics/kubilitics-rca/internal/models"
	"github.com/kubilitics/kubilitics-rca/internal/reasoning/engine"
)

// Investigations is the engine surface used by the HTTP API.
type Investigations interface {
	Submit(ctx context.Context, id string, rawAlarm []byte) (string, error)
	Get(ctx context.Context, id string) (*engine.Investigation, error)
	List(ctx context.Context, limit, offset int) ([]*models.Context, error)
	Delete(ctx context.Context, id string) error
	Override(ctx context.Context, id string, status models.Status, reason string) error
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP front end.
type Server struct {
	cfg    config.ServerConfig
	svc    Investigations
	ready  Pinger
	logger *zap.Logger

	router         *mux.Router
	limiter        *alarmLimiter
	streamInterval time.Duration
	started        time.Time
}

// Option customises a Server.
type Option func(*Server)

// WithStreamInterval sets how often the websocket stream polls the store.
func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) { s.streamInterval = d }
}

// New builds the server and its routes.
func New(cfg config.ServerConfig, svc Investigations, ready Pinger, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:            cfg,
		svc:            svc,
		ready:          ready,
		logger:         logger,
		limiter:        newAlarmLimiter(cfg.AlarmRatePerMinute),
		streamInterval: time.Second,
		started:        time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/alarms", s.limiter.middleware(s.handleAlarm)).Methods(http.MethodPost)
	api.HandleFunc("/investigations", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/investigations/{id}", s.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/investigations/{id}", s.handleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/investigations/{id}/override", s.handleOverride).Methods(http.MethodPost)
	api.HandleFunc("/investigations/{id}/stream", s.handleStream).Methods(http.MethodGet)

	r.Use(s.recoveryMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(metricsMiddleware)
	return r
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = defaultOrigins
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Investigation-ID"},
	})
	return c.Handler(s.router)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info("shutting down http server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
