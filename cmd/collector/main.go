// Command collector receives delivery batches over HTTP and publishes the
// records to NATS JetStream.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/SebastienMelki/itly/internal/collector"
	"github.com/SebastienMelki/itly/internal/dedup"
	"github.com/SebastienMelki/itly/internal/nats"
	"github.com/SebastienMelki/itly/internal/observability"
)

// Config holds all collector configuration.
type Config struct {
	// LogLevel is the log level (debug, info, warn, error)
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// LogFormat is the log format (json, text)
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// ServiceName labels exported metrics
	ServiceName string `env:"SERVICE_NAME" envDefault:"itly-collector"`

	// HTTP collector configuration
	Collector collector.Config `envPrefix:""`

	// NATS configuration
	NATS nats.Config `envPrefix:""`

	// Batch de-duplication configuration
	Dedup dedup.Config `envPrefix:""`
}

func main() {
	// A missing .env is normal in deployed environments.
	envFileErr := godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		slog.Error("failed to parse config", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if envFileErr != nil && !errors.Is(envFileErr, os.ErrNotExist) {
		logger.Warn("could not load .env file", "error", envFileErr)
	}

	logger.Info("starting itly collector",
		"log_level", cfg.LogLevel,
		"http_addr", cfg.Collector.Addr,
		"nats_url", cfg.NATS.URL,
		"dedup_window", cfg.Dedup.Window,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	obs, err := observability.New(cfg.ServiceName)
	if err != nil {
		logger.Error("failed to set up metrics", "error", err)
		os.Exit(1)
	}
	metrics, err := observability.NewCollectorMetrics(obs.Meter())
	if err != nil {
		logger.Error("failed to create metrics", "error", err)
		os.Exit(1)
	}

	keys, err := collector.NewKeySet(cfg.Collector.APIKeys)
	if err != nil {
		logger.Error("invalid API key configuration", "error", err)
		os.Exit(1)
	}

	natsClient, err := nats.NewClient(ctx, cfg.NATS, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()

	streamMgr := nats.NewStreamManager(natsClient.JetStream(), cfg.NATS.Stream, logger)
	if _, err := streamMgr.EnsureStream(ctx); err != nil {
		logger.Error("failed to ensure stream", "error", err)
		os.Exit(1)
	}

	publisher := nats.NewPublisher(natsClient.JetStream(), logger)

	clock := clockwork.NewRealClock()
	dd := dedup.New(cfg.Dedup, clock, metrics, logger)
	dd.Start(ctx)

	track := collector.NewTrackHandler(publisher, dd, clock, metrics, logger)
	server, err := collector.NewServer(cfg.Collector, keys, track, natsClient, obs.MetricsHandler(), metrics, logger)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "error", err)
		}
	}

	logger.Info("initiating graceful shutdown")

	if err := server.Shutdown(context.Background()); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	cancel()
	dd.Stop()

	if err := natsClient.Drain(); err != nil {
		logger.Error("NATS drain error", "error", err)
	}

	if err := obs.Shutdown(context.Background()); err != nil {
		logger.Error("metrics shutdown error", "error", err)
	}

	logger.Info("collector stopped")
}

// setupLogger creates a logger based on configuration.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
