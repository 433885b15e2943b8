package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/btimofeyev/dewey/internal/config"
	"github.com/btimofeyev/dewey/internal/metrics"
	"github.com/btimofeyev/dewey/internal/relay"
	"github.com/btimofeyev/dewey/internal/server"
	"github.com/btimofeyev/dewey/internal/store"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "dewey"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load local development secrets if a .env file is present
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("address", cfg.Server.Address),
		slog.Int("input_sample_rate", cfg.Audio.InputSampleRate),
		slog.Int("output_sample_rate", cfg.Audio.OutputSampleRate),
		slog.String("live_endpoint", cfg.Live.Endpoint),
		slog.String("live_model", cfg.Live.Model),
		slog.Int("max_concurrent_sessions", cfg.Session.MaxConcurrent),
		slog.Bool("media_archival", cfg.Media.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	poolCtx, poolCancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := store.NewPool(poolCtx, cfg.Database.URL, cfg.Database.MaxConns)
	poolCancel()
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("Database pool initialized",
		slog.Int("max_conns", cfg.Database.MaxConns),
	)

	if cfg.Media.Enabled {
		if err := os.MkdirAll(cfg.Media.Dir, 0o755); err != nil {
			logger.Error("Failed to create media directory",
				slog.String("dir", cfg.Media.Dir),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		logger.Info("Media archival enabled", slog.String("dir", cfg.Media.Dir))
	}

	relayMgr := relay.NewManager(logger, cfg, appMetrics, relay.NewStore(pool))
	logger.Info("Relay manager initialized",
		slog.Duration("idle_timeout", cfg.Session.GetIdleTimeoutDuration()),
		slog.Int("max_concurrent", cfg.Session.MaxConcurrent),
	)

	httpServer := server.NewHTTPServer(logger, cfg, relayMgr, appMetrics, pool)
	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop accepting new requests before tearing sessions down
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	relayMgr.Stop()

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
