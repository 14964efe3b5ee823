// Package main is the entry point for the telstore storage service. It
// wires configuration to a storage engine, brings the schema up, and runs
// a periodic health check until shutdown.
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

	"github.com/telstore/telstore/internal/config"
	"github.com/telstore/telstore/internal/storage"
	"github.com/telstore/telstore/internal/storage/dual"
	"github.com/telstore/telstore/internal/storage/engine"
)

const (
	connectTimeout      = 30 * time.Second
	shutdownTimeout     = 10 * time.Second
	healthCheckInterval = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telstore: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// buildEngine constructs the configured engine, wrapping it in a
// dual-write bridge when migration mirroring is enabled.
func buildEngine(cfg config.Config, logger *slog.Logger) (engine.Engine, error) {
	primary, err := storage.New(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	if !cfg.Dual.Enabled {
		return primary, nil
	}

	secondaryCfg := cfg.Storage
	secondaryCfg.Backend = cfg.Dual.Secondary
	secondary, err := storage.New(secondaryCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("building dual secondary: %w", err)
	}
	logger.Info("dual-write enabled",
		"primary", cfg.Storage.Backend,
		"secondary", cfg.Dual.Secondary,
	)
	return dual.New(dual.Config{Primary: primary, Secondary: secondary, Logger: logger}), nil
}

func run(cfg config.Config, logger *slog.Logger) error {
	eng, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := eng.Connect(connectCtx); err != nil {
		return fmt.Errorf("connecting storage: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := eng.Disconnect(ctx); err != nil {
			logger.Error("disconnecting storage", "error", err)
		}
	}()

	if cfg.SkipSchemaInit {
		logger.Info("schema initialization skipped by configuration")
	} else if err := eng.Initialize(connectCtx); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}

	caps := eng.Capabilities()
	logger.Info("storage ready",
		"backend", caps.Name,
		"transactions", caps.Transactions,
		"synchronous_delete", caps.SynchronousDelete,
		"max_batch_size", caps.MaxBatchSize,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h := eng.HealthCheck(context.Background())
			if !h.Healthy {
				logger.Warn("health check failed",
					"backend", caps.Name,
					"error", h.Error,
				)
				continue
			}
			logger.Debug("health check ok",
				"backend", caps.Name,
				"response_time", h.ResponseTime,
			)
		case sig := <-sigChan:
			logger.Info("shutting down", "signal", sig.String())
			return nil
		}
	}
}
