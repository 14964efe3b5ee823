// Package storage selects and constructs a concrete telemetry storage
// engine from configuration.
package storage

import (
	"fmt"
	"log/slog"

	"github.com/telstore/telstore/internal/storage/clickhouse"
	"github.com/telstore/telstore/internal/storage/engine"
	"github.com/telstore/telstore/internal/storage/memory"
	"github.com/telstore/telstore/internal/storage/timescale"
)

// Supported backend names.
const (
	BackendMemory     = "memory"
	BackendTimescale  = "timescale"
	BackendClickHouse = "clickhouse"
)

// Config holds storage backend selection plus per-backend connection
// settings. Only the section matching Backend is consulted.
type Config struct {
	// Backend selects the storage backend: "memory", "timescale" or
	// "clickhouse".
	Backend string `yaml:"backend"`

	Timescale  timescale.Config  `yaml:"timescale"`
	ClickHouse clickhouse.Config `yaml:"clickhouse"`
}

// DefaultConfig returns a storage configuration with development defaults.
func DefaultConfig() Config {
	return Config{
		Backend:    BackendTimescale,
		Timescale:  timescale.DefaultConfig(),
		ClickHouse: clickhouse.DefaultConfig(),
	}
}

// New creates an engine for the configured backend. The engine is
// constructed but not connected; callers drive Connect and Initialize.
func New(cfg Config, logger *slog.Logger) (engine.Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case BackendMemory:
		logger.Info("using in-memory storage")
		return memory.New(logger), nil

	case BackendTimescale:
		logger.Info("using timescale storage",
			"host", cfg.Timescale.Host,
			"database", cfg.Timescale.Database,
		)
		return timescale.New(cfg.Timescale, logger)

	case BackendClickHouse:
		logger.Info("using clickhouse storage",
			"addr", cfg.ClickHouse.Addr,
			"database", cfg.ClickHouse.Database,
		)
		return clickhouse.New(cfg.ClickHouse, logger)

	default:
		return nil, fmt.Errorf("unknown storage backend: %q (supported: %s, %s, %s)",
			cfg.Backend, BackendMemory, BackendTimescale, BackendClickHouse)
	}
}
