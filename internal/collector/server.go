package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/SebastienMelki/itly/internal/observability"
)

// HealthChecker reports whether the downstream broker is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server is the collector HTTP server.
type Server struct {
	httpServer *http.Server
	config     Config
	logger     *slog.Logger
}

// NewServer wires the routes:
//   - POST /track: authenticated, rate limited, size limited ingestion
//   - GET /health: 200 when health reports no error, 503 otherwise
//   - GET /metrics: Prometheus exposition from metricsHandler
func NewServer(
	cfg Config,
	keys *KeySet,
	track http.Handler,
	health HealthChecker,
	metricsHandler http.Handler,
	metrics *observability.CollectorMetrics,
	logger *slog.Logger,
) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if keys == nil || keys.Len() == 0 {
		return nil, fmt.Errorf("collector: %w", ErrNoAPIKeys)
	}
	logger = logger.With("component", "collector-server")

	mux := http.NewServeMux()
	mux.Handle("POST /track", chain(track,
		BearerAuth(keys),
		PerKeyRateLimit(cfg.RateLimit, metrics),
		BodySizeLimit(cfg.MaxBodyBytes),
	))
	mux.HandleFunc("GET /health", healthHandler(health, logger))
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:           cfg.Addr,
			Handler:        observability.HTTPMetrics(metrics)(mux),
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			IdleTimeout:    cfg.IdleTimeout,
			MaxHeaderBytes: cfg.MaxHeaderBytes,
		},
		config: cfg,
		logger: logger,
	}, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens and serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("collector listening", "addr", s.config.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("collector server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits up to the configured
// shutdown timeout for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}

func healthHandler(health HealthChecker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health.HealthCheck(r.Context()); err != nil {
				logger.Warn("health check failed", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
