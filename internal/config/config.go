// Package config loads service configuration from a YAML file with
// environment variable overrides. Missing file and missing variables fall
// back to development defaults; an invalid value anywhere fails startup.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/telstore/telstore/internal/storage"
)

// DualConfig enables mirroring writes onto a second backend during a
// migration. Secondary names the backend that receives the mirror; the
// configured storage backend stays authoritative for reads.
type DualConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Secondary string `yaml:"secondary"`
}

// Config is the root service configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format"`

	// SkipSchemaInit disables Initialize at startup for deployments that
	// manage schema with external migrations.
	SkipSchemaInit bool `yaml:"skip_schema_init"`

	Storage storage.Config `yaml:"storage"`
	Dual    DualConfig     `yaml:"dual"`
}

// Default returns the development configuration.
func Default() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "text",
		Storage:   storage.DefaultConfig(),
	}
}

// Load reads the configuration file at path (skipped when empty), applies
// environment overrides on top, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setString("TELSTORE_LOG_LEVEL", &c.LogLevel)
	setString("TELSTORE_LOG_FORMAT", &c.LogFormat)
	setString("TELSTORE_BACKEND", &c.Storage.Backend)

	setString("TELSTORE_TIMESCALE_HOST", &c.Storage.Timescale.Host)
	if v, ok := os.LookupEnv("TELSTORE_TIMESCALE_PORT"); ok {
		if port, err := strconv.Atoi(v); err == nil {
			c.Storage.Timescale.Port = port
		}
	}
	setString("TELSTORE_TIMESCALE_DATABASE", &c.Storage.Timescale.Database)
	setString("TELSTORE_TIMESCALE_USER", &c.Storage.Timescale.User)
	setString("TELSTORE_TIMESCALE_PASSWORD", &c.Storage.Timescale.Password)

	setString("TELSTORE_CLICKHOUSE_ADDR", &c.Storage.ClickHouse.Addr)
	setString("TELSTORE_CLICKHOUSE_DATABASE", &c.Storage.ClickHouse.Database)
	setString("TELSTORE_CLICKHOUSE_USERNAME", &c.Storage.ClickHouse.Username)
	setString("TELSTORE_CLICKHOUSE_PASSWORD", &c.Storage.ClickHouse.Password)

	if v, ok := os.LookupEnv("TELSTORE_SKIP_SCHEMA_INIT"); ok {
		c.SkipSchemaInit = v == "1" || v == "true"
	}
}

var logLevels = map[string]struct{}{
	"debug": {}, "info": {}, "warn": {}, "error": {},
}

// Validate fails fast on any unusable value.
func (c *Config) Validate() error {
	if _, ok := logLevels[c.LogLevel]; !ok {
		return fmt.Errorf("invalid log_level %q (debug, info, warn, error)", c.LogLevel)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("invalid log_format %q (text, json)", c.LogFormat)
	}

	switch c.Storage.Backend {
	case storage.BackendMemory:
	case storage.BackendTimescale:
		if err := c.Storage.Timescale.Validate(); err != nil {
			return err
		}
	case storage.BackendClickHouse:
		if err := c.Storage.ClickHouse.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid storage backend %q (%s, %s, %s)",
			c.Storage.Backend, storage.BackendMemory, storage.BackendTimescale, storage.BackendClickHouse)
	}

	if c.Dual.Enabled {
		switch c.Dual.Secondary {
		case storage.BackendMemory, storage.BackendTimescale, storage.BackendClickHouse:
		default:
			return fmt.Errorf("invalid dual secondary backend %q", c.Dual.Secondary)
		}
		if c.Dual.Secondary == c.Storage.Backend {
			return fmt.Errorf("dual secondary backend must differ from primary %q", c.Storage.Backend)
		}
	}
	return nil
}
