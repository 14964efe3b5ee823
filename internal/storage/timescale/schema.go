package timescale

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// initializeSchema creates the schema, tables, and indexes if missing.
// Safe to run repeatedly. Hypertable conversion is attempted but not
// required; on plain PostgreSQL the tables stay regular and everything
// still works, so those failures only log a warning.
func initializeSchema(ctx context.Context, pool *pgxpool.Pool, schema string, logger *slog.Logger) error {
	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("creating schema %s: %w", schema, err)
	}

	tables := []struct {
		name string
		ddl  string
	}{
		{"logs", logsTableDDL},
		{"spans", spansTableDDL},
		{"traces", tracesTableDDL},
	}
	for _, table := range tables {
		if _, err := pool.Exec(ctx, fmt.Sprintf(table.ddl, schema)); err != nil {
			return fmt.Errorf("creating table %s.%s: %w", schema, table.name, err)
		}
	}

	// Hypertable conversion needs the timescaledb extension.
	hypertables := []struct {
		table  string
		column string
	}{
		{"logs", "timestamp"},
		{"spans", "start_time"},
	}
	for _, ht := range hypertables {
		stmt := fmt.Sprintf(
			"SELECT create_hypertable('%s.%s', '%s', if_not_exists => TRUE, migrate_data => TRUE)",
			schema, ht.table, ht.column,
		)
		if _, err := pool.Exec(ctx, stmt); err != nil {
			logger.Warn("hypertable conversion skipped",
				"table", ht.table,
				"error", err,
			)
		}
	}

	for _, idx := range indexDDL {
		if _, err := pool.Exec(ctx, fmt.Sprintf(idx, schema)); err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
	}

	return nil
}

const logsTableDDL = `
CREATE TABLE IF NOT EXISTS %s.logs (
    id         UUID NOT NULL DEFAULT gen_random_uuid(),
    timestamp  TIMESTAMPTZ NOT NULL,
    org_id     TEXT,
    project_id TEXT NOT NULL,
    service    TEXT NOT NULL DEFAULT '',
    level      TEXT NOT NULL DEFAULT 'info',
    message    TEXT NOT NULL DEFAULT '',
    metadata   JSONB NOT NULL DEFAULT '{}',
    trace_id   TEXT,
    span_id    TEXT,
    PRIMARY KEY (timestamp, id)
)`

const spansTableDDL = `
CREATE TABLE IF NOT EXISTS %s.spans (
    id             UUID NOT NULL DEFAULT gen_random_uuid(),
    span_id        TEXT NOT NULL,
    trace_id       TEXT NOT NULL,
    parent_span_id TEXT,
    org_id         TEXT,
    project_id     TEXT NOT NULL,
    service        TEXT NOT NULL DEFAULT '',
    operation      TEXT NOT NULL DEFAULT '',
    start_time     TIMESTAMPTZ NOT NULL,
    end_time       TIMESTAMPTZ NOT NULL,
    duration_ms    DOUBLE PRECISION NOT NULL DEFAULT 0,
    kind           TEXT NOT NULL DEFAULT '',
    status_code    TEXT NOT NULL DEFAULT '',
    status_message TEXT NOT NULL DEFAULT '',
    attributes     JSONB NOT NULL DEFAULT '{}',
    events         JSONB NOT NULL DEFAULT '[]',
    links          JSONB NOT NULL DEFAULT '[]',
    resource_attrs JSONB NOT NULL DEFAULT '{}',
    PRIMARY KEY (start_time, id)
)`

const tracesTableDDL = `
CREATE TABLE IF NOT EXISTS %s.traces (
    trace_id       TEXT NOT NULL,
    org_id         TEXT,
    project_id     TEXT NOT NULL,
    root_service   TEXT NOT NULL DEFAULT '',
    root_operation TEXT NOT NULL DEFAULT '',
    start_time     TIMESTAMPTZ NOT NULL,
    end_time       TIMESTAMPTZ NOT NULL,
    duration_ms    DOUBLE PRECISION NOT NULL DEFAULT 0,
    span_count     BIGINT NOT NULL DEFAULT 0,
    has_error      BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (project_id, trace_id)
)`

var indexDDL = []string{
	`CREATE INDEX IF NOT EXISTS logs_project_ts_idx ON %s.logs (project_id, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS logs_trace_idx ON %s.logs (trace_id) WHERE trace_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS logs_message_fts_idx ON %s.logs USING GIN (to_tsvector('english', message))`,
	`CREATE INDEX IF NOT EXISTS logs_metadata_idx ON %s.logs USING GIN (metadata)`,
	`CREATE INDEX IF NOT EXISTS spans_project_ts_idx ON %s.spans (project_id, start_time DESC)`,
	`CREATE INDEX IF NOT EXISTS spans_trace_idx ON %s.spans (project_id, trace_id)`,
	`CREATE INDEX IF NOT EXISTS spans_parent_idx ON %s.spans (project_id, parent_span_id) WHERE parent_span_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS traces_project_start_idx ON %s.traces (project_id, start_time DESC)`,
}
