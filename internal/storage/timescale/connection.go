// Package timescale implements the storage engine contract on TimescaleDB
// (PostgreSQL), the row-oriented transactional backend.
package timescale

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telstore/telstore/pkg/models"
)

const (
	defaultMaxConns    = 10
	defaultConnTimeout = 10 * time.Second
	defaultMaxRetries  = 3
)

// schemaPattern restricts the configurable schema name, which is
// interpolated into DDL and query text.
var schemaPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds TimescaleDB connection parameters.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	// Schema namespaces the backend tables: <schema>.logs, <schema>.spans,
	// <schema>.traces.
	Schema      string        `yaml:"schema"`
	MaxConns    int           `yaml:"max_conns"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

// DefaultConfig returns a connection config with development defaults.
func DefaultConfig() Config {
	return Config{
		Host:        "localhost",
		Port:        5432,
		Database:    "telstore",
		User:        "postgres",
		Password:    "",
		SSLMode:     "disable",
		Schema:      "telemetry",
		MaxConns:    defaultMaxConns,
		ConnTimeout: defaultConnTimeout,
		MaxRetries:  defaultMaxRetries,
	}
}

// Validate rejects unusable connection parameters.
func (c Config) Validate() error {
	if c.Host == "" {
		return &models.ValidationError{Field: "timescale.host", Reason: "required"}
	}
	if c.Database == "" {
		return &models.ValidationError{Field: "timescale.database", Reason: "required"}
	}
	if !schemaPattern.MatchString(c.Schema) {
		return &models.ValidationError{Field: "timescale.schema", Reason: fmt.Sprintf("%q is not a valid schema name", c.Schema)}
	}
	return nil
}

// DSN renders the pgx connection string.
func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.User), url.QueryEscape(c.Password),
		c.Host, c.Port, c.Database, c.SSLMode)
}

// connect opens a pgx pool with retry. Transient startup failures are
// common when the database container comes up alongside the service.
func connect(ctx context.Context, cfg Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	poolCfg.MaxConns = int32(maxConns)
	if cfg.ConnTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnTimeout
	}

	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}

	var pool *pgxpool.Pool
	op := func() error {
		p, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(retries)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("connecting to timescale at %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	logger.Info("connected to timescale",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.Database,
		"schema", cfg.Schema,
	)
	return pool, nil
}
