// Package clickhouse implements the storage engine contract on ClickHouse,
// the column-oriented analytical backend.
package clickhouse

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/cenkalti/backoff/v4"

	"github.com/telstore/telstore/pkg/models"
)

const (
	defaultMaxOpenConns = 10
	defaultMaxIdleConns = 5
	defaultDialTimeout  = 10 * time.Second
	defaultMaxRetries   = 3
)

// databasePattern restricts the configurable database name, which is
// interpolated into DDL and query text.
var databasePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds ClickHouse connection parameters.
type Config struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	MaxRetries   int           `yaml:"max_retries"`

	TLS *tls.Config `yaml:"-"`
}

// DefaultConfig returns a connection config with development defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:9000",
		Database:     "telemetry",
		Username:     "default",
		Password:     "",
		MaxOpenConns: defaultMaxOpenConns,
		MaxIdleConns: defaultMaxIdleConns,
		DialTimeout:  defaultDialTimeout,
		MaxRetries:   defaultMaxRetries,
	}
}

// Validate rejects unusable connection parameters.
func (c Config) Validate() error {
	if c.Addr == "" {
		return &models.ValidationError{Field: "clickhouse.addr", Reason: "required"}
	}
	if !databasePattern.MatchString(c.Database) {
		return &models.ValidationError{Field: "clickhouse.database", Reason: fmt.Sprintf("%q is not a valid database name", c.Database)}
	}
	return nil
}

// connect opens a native connection with retry and verifies it with a ping.
// Transient failures while the server comes up are retried with
// exponential backoff.
func connect(ctx context.Context, cfg Config, logger *slog.Logger) (driver.Conn, error) {
	opts := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:      cfg.DialTimeout,
		MaxOpenConns:     cfg.MaxOpenConns,
		MaxIdleConns:     cfg.MaxIdleConns,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		TLS:              cfg.TLS,
	}

	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}

	var conn driver.Conn
	op := func() error {
		c, err := clickhouse.Open(opts)
		if err != nil {
			return err
		}
		if err := c.Ping(ctx); err != nil {
			c.Close()
			return err
		}
		conn = c
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(retries)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("connecting to clickhouse at %s: %w", cfg.Addr, err)
	}

	logger.Info("connected to clickhouse",
		"addr", cfg.Addr,
		"database", cfg.Database,
	)
	return conn, nil
}
