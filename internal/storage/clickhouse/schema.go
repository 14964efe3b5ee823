package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// initializeSchema creates the database and tables if missing. Safe to run
// repeatedly. The traces table is a ReplacingMergeTree keyed on
// (project_id, trace_id): merged trace rows are re-inserted with a newer
// updated_at and the old versions collapse in the background.
func initializeSchema(ctx context.Context, conn driver.Conn, database string) error {
	if err := conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database)); err != nil {
		return fmt.Errorf("creating database %s: %w", database, err)
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
		if err := conn.Exec(ctx, fmt.Sprintf(table.ddl, database)); err != nil {
			return fmt.Errorf("creating table %s.%s: %w", database, table.name, err)
		}
	}
	return nil
}

const logsTableDDL = `
CREATE TABLE IF NOT EXISTS %s.logs (
    id         UUID,
    timestamp  DateTime64(3, 'UTC'),
    org_id     String,
    project_id String,
    service    LowCardinality(String),
    level      LowCardinality(String),
    message    String,
    metadata   String DEFAULT '{}',
    trace_id   String,
    span_id    String
) ENGINE = MergeTree()
PARTITION BY toDate(timestamp)
ORDER BY (project_id, timestamp, id)
SETTINGS index_granularity = 8192
`

const spansTableDDL = `
CREATE TABLE IF NOT EXISTS %s.spans (
    id             UUID,
    span_id        String,
    trace_id       String,
    parent_span_id String,
    org_id         String,
    project_id     String,
    service        LowCardinality(String),
    operation      LowCardinality(String),
    start_time     DateTime64(3, 'UTC'),
    end_time       DateTime64(3, 'UTC'),
    duration_ms    Float64,
    kind           LowCardinality(String),
    status_code    LowCardinality(String),
    status_message String,
    attributes     String DEFAULT '{}',
    events         String DEFAULT '[]',
    links          String DEFAULT '[]',
    resource_attrs String DEFAULT '{}'
) ENGINE = MergeTree()
PARTITION BY toDate(start_time)
ORDER BY (project_id, start_time, id)
SETTINGS index_granularity = 8192
`

const tracesTableDDL = `
CREATE TABLE IF NOT EXISTS %s.traces (
    trace_id       String,
    org_id         String,
    project_id     String,
    root_service   LowCardinality(String),
    root_operation LowCardinality(String),
    start_time     DateTime64(3, 'UTC'),
    end_time       DateTime64(3, 'UTC'),
    duration_ms    Float64,
    span_count     UInt64,
    has_error      Bool,
    updated_at     DateTime64(3, 'UTC')
) ENGINE = ReplacingMergeTree(updated_at)
ORDER BY (project_id, trace_id)
SETTINGS index_granularity = 8192
`
