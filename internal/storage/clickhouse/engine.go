package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"github.com/telstore/telstore/internal/storage/engine"
	"github.com/telstore/telstore/pkg/models"
)

const maxBatchSize = 10000

// Engine implements the storage contract on ClickHouse. Ingestion is
// append-only; identifiers are generated client-side so IngestReturning
// needs no follow-up read. State besides the connection handle is
// immutable after construction.
type Engine struct {
	cfg    Config
	conn   driver.Conn
	owns   bool
	tr     translator
	logger *slog.Logger
}

// New creates an engine that owns its connection: Connect opens it and
// Disconnect closes it.
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		owns:   true,
		tr:     translator{database: cfg.Database},
		logger: logger,
	}, nil
}

// NewWithConn creates an engine over an externally managed connection.
// Disconnect leaves the injected connection open.
func NewWithConn(conn driver.Conn, cfg Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		conn:   conn,
		owns:   false,
		tr:     translator{database: cfg.Database},
		logger: logger,
	}, nil
}

// Connect opens the connection if the engine owns it; connecting twice or
// connecting an injected connection is a no-op.
func (e *Engine) Connect(ctx context.Context) error {
	if e.conn != nil {
		return nil
	}
	conn, err := connect(ctx, e.cfg, e.logger)
	if err != nil {
		return err
	}
	e.conn = conn
	return nil
}

// Disconnect tears down only what Connect created.
func (e *Engine) Disconnect(ctx context.Context) error {
	if e.conn == nil || !e.owns {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	return err
}

// HealthCheck reports status instead of returning an error.
func (e *Engine) HealthCheck(ctx context.Context) models.Health {
	if e.conn == nil {
		return models.Health{Healthy: false, Error: models.ErrNotConnected.Error()}
	}
	start := time.Now()
	var one uint8
	err := e.conn.QueryRow(ctx, "SELECT 1").Scan(&one)
	h := models.Health{Healthy: err == nil, ResponseTime: time.Since(start)}
	if err != nil {
		h.Error = err.Error()
	}
	return h
}

// Initialize sets up the database and tables. Idempotent.
func (e *Engine) Initialize(ctx context.Context) error {
	if e.conn == nil {
		return models.ErrNotConnected
	}
	return initializeSchema(ctx, e.conn, e.cfg.Database)
}

// Capabilities returns the static descriptor for this backend. Deletes
// are asynchronous mutations, so SynchronousDelete is false and reported
// counts are approximate at call time.
func (e *Engine) Capabilities() models.Capabilities {
	return models.Capabilities{
		Name:              "clickhouse",
		FullTextSearch:    true,
		SubstringSearch:   true,
		Transactions:      false,
		ReturningInsert:   false,
		Streaming:         true,
		SynchronousDelete: false,
		MaxBatchSize:      maxBatchSize,
		Operators:         []string{"=", "!=", "<", "<=", ">", ">=", "in"},
		Intervals:         models.Intervals,
	}
}

func (e *Engine) wrap(op string, err error) error {
	return &models.BackendError{Engine: "clickhouse", Op: op, Err: err}
}

func (e *Engine) ready() error {
	if e.conn == nil {
		return models.ErrNotConnected
	}
	return nil
}

const insertLogsSQL = `INSERT INTO %s (id, timestamp, org_id, project_id, service, level, message, metadata, trace_id, span_id)`

// ingestLogs appends sanitized rows to one batch and sends it. Records
// with ids already assigned keep them; the rest get client-generated ones.
// Returns the per-row ids in input order alongside the batch accounting.
func (e *Engine) ingestLogs(ctx context.Context, records []models.LogRecord) (models.IngestResult, []models.LogRecord, error) {
	start := time.Now()
	res := models.IngestResult{}
	if len(records) == 0 {
		return res, nil, nil
	}
	if err := e.ready(); err != nil {
		res.Failed = len(records)
		return res, nil, err
	}
	if len(records) > maxBatchSize {
		res.Failed = len(records)
		return res, nil, &models.ValidationError{Field: "records", Reason: fmt.Sprintf("batch size %d exceeds maximum %d", len(records), maxBatchSize)}
	}

	batch, err := e.conn.PrepareBatch(ctx, fmt.Sprintf(insertLogsSQL, e.tr.logsTable()))
	if err != nil {
		res.Failed = len(records)
		return res, nil, e.wrap("ingest", err)
	}

	stored := make([]models.LogRecord, 0, len(records))
	for i := range records {
		r := records[i]
		if err := r.Validate(); err != nil {
			res.RowErrors = append(res.RowErrors, models.RowError{Index: i, Reason: err.Error()})
			res.Failed++
			continue
		}
		if r.Level == "" {
			r.Level = models.LevelInfo
		}
		id := uuid.New()
		if r.ID != "" {
			parsed, err := uuid.Parse(r.ID)
			if err != nil {
				res.RowErrors = append(res.RowErrors, models.RowError{Index: i, Reason: fmt.Sprintf("invalid id: %v", err)})
				res.Failed++
				continue
			}
			id = parsed
		}
		md, err := engine.MarshalJSONField(r.Metadata)
		if err != nil {
			res.RowErrors = append(res.RowErrors, models.RowError{Index: i, Reason: err.Error()})
			res.Failed++
			continue
		}
		r.ID = id.String()
		if err := batch.Append(
			id,
			r.Timestamp.UTC(),
			engine.SanitizeString(r.OrgID),
			engine.SanitizeString(r.ProjectID),
			engine.SanitizeString(r.Service),
			string(r.Level),
			engine.SanitizeString(r.Message),
			md,
			engine.SanitizeString(r.TraceID),
			engine.SanitizeString(r.SpanID),
		); err != nil {
			res.RowErrors = append(res.RowErrors, models.RowError{Index: i, Reason: err.Error()})
			res.Failed++
			continue
		}
		stored = append(stored, r)
	}

	if len(stored) == 0 {
		res.Elapsed = time.Since(start)
		return res, nil, nil
	}
	if err := batch.Send(); err != nil {
		res.Ingested = 0
		res.Failed = len(records)
		res.Elapsed = time.Since(start)
		return res, nil, e.wrap("ingest", err)
	}
	res.Ingested = len(stored)
	res.Elapsed = time.Since(start)
	return res, stored, nil
}

// Ingest batch-inserts log records. An empty batch costs nothing.
func (e *Engine) Ingest(ctx context.Context, records []models.LogRecord) (models.IngestResult, error) {
	res, _, err := e.ingestLogs(ctx, records)
	return res, err
}

// IngestReturning inserts like Ingest and returns the stored records with
// their client-generated identifiers attached.
func (e *Engine) IngestReturning(ctx context.Context, records []models.LogRecord) (models.IngestResult, []models.LogRecord, error) {
	return e.ingestLogs(ctx, records)
}

func scanLog(rows driver.Rows) (models.LogRecord, error) {
	var r models.LogRecord
	var id uuid.UUID
	var level, md string
	if err := rows.Scan(&id, &r.Timestamp, &r.OrgID, &r.ProjectID, &r.Service, &level, &r.Message, &md, &r.TraceID, &r.SpanID); err != nil {
		return r, err
	}
	r.ID = id.String()
	r.Level = models.Level(level)
	if md != "" && md != "{}" {
		if err := json.Unmarshal([]byte(md), &r.Metadata); err != nil {
			return r, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return r, nil
}

// Query returns one page of matching records plus a cursor derived from
// the last row's (timestamp, id).
func (e *Engine) Query(ctx context.Context, params models.QueryParams) (models.QueryResult, error) {
	start := time.Now()
	var out models.QueryResult
	if err := e.ready(); err != nil {
		return out, err
	}
	stmt, err := e.tr.Query(params)
	if err != nil {
		return out, err
	}

	rows, err := e.conn.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return out, e.wrap("query", err)
	}
	defer rows.Close()

	limit := engine.ClampLimit(params.Limit)
	for rows.Next() {
		r, err := scanLog(rows)
		if err != nil {
			return out, e.wrap("query", err)
		}
		out.Records = append(out.Records, r)
	}
	if err := rows.Err(); err != nil {
		return out, e.wrap("query", err)
	}

	if len(out.Records) > limit {
		out.HasMore = true
		out.Records = out.Records[:limit]
	}
	if n := len(out.Records); n > 0 {
		last := out.Records[n-1]
		out.NextCursor = engine.EncodeCursor(last.Timestamp, last.ID)
	}
	out.Elapsed = time.Since(start)
	return out, nil
}

// Count returns the number of matching records.
func (e *Engine) Count(ctx context.Context, params models.QueryParams) (int64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	stmt, err := e.tr.Count(params)
	if err != nil {
		return 0, err
	}
	var n uint64
	if err := e.conn.QueryRow(ctx, stmt.SQL, stmt.Args...).Scan(&n); err != nil {
		return 0, e.wrap("count", err)
	}
	return int64(n), nil
}

// Distinct returns the distinct values of an allowlisted field.
func (e *Engine) Distinct(ctx context.Context, params models.DistinctParams) ([]string, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	stmt, err := e.tr.Distinct(params)
	if err != nil {
		return nil, err
	}
	rows, err := e.conn.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, e.wrap("distinct", err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, e.wrap("distinct", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// TopValues returns the most frequent values of an allowlisted field.
func (e *Engine) TopValues(ctx context.Context, params models.TopValuesParams) ([]models.TopValue, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	stmt, err := e.tr.TopValues(params)
	if err != nil {
		return nil, err
	}
	rows, err := e.conn.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, e.wrap("top_values", err)
	}
	defer rows.Close()

	var values []models.TopValue
	for rows.Next() {
		var v string
		var n uint64
		if err := rows.Scan(&v, &n); err != nil {
			return nil, e.wrap("top_values", err)
		}
		values = append(values, models.TopValue{Value: v, Count: int64(n)})
	}
	return values, rows.Err()
}

// Aggregate buckets matching records by interval and level server-side.
func (e *Engine) Aggregate(ctx context.Context, params models.AggregateParams) (models.AggregateResult, error) {
	start := time.Now()
	var out models.AggregateResult
	if err := e.ready(); err != nil {
		return out, err
	}
	stmt, err := e.tr.Aggregate(params)
	if err != nil {
		return out, err
	}
	rows, err := e.conn.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return out, e.wrap("aggregate", err)
	}
	defer rows.Close()

	for rows.Next() {
		var bucket time.Time
		var level string
		var n uint64
		if err := rows.Scan(&bucket, &level, &n); err != nil {
			return out, e.wrap("aggregate", err)
		}
		appendBucketCount(&out, bucket, models.Level(level), int64(n))
	}
	if err := rows.Err(); err != nil {
		return out, e.wrap("aggregate", err)
	}
	out.Elapsed = time.Since(start)
	return out, nil
}

func appendBucketCount(out *models.AggregateResult, bucket time.Time, level models.Level, n int64) {
	if len(out.Buckets) == 0 || !out.Buckets[len(out.Buckets)-1].Start.Equal(bucket) {
		out.Buckets = append(out.Buckets, models.TimeBucket{
			Start:   bucket,
			ByLevel: make(map[models.Level]int64),
		})
	}
	b := &out.Buckets[len(out.Buckets)-1]
	b.ByLevel[level] += n
	b.Total += n
	out.Total += n
}

// GetByID fetches one record in scope. Absence is (nil, nil), not an error.
func (e *Engine) GetByID(ctx context.Context, scope models.Scope, id string) (*models.LogRecord, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	b := engine.NewBuilder(engine.QuestionPlaceholder)
	scopeFilter(b, scope)
	b.Where("id = toUUID(" + b.Bind(id) + ")")
	sql := fmt.Sprintf("SELECT %s FROM %s%s LIMIT 1", logColumns, e.tr.logsTable(), b.Clause())

	rows, err := e.conn.Query(ctx, sql, b.Args()...)
	if err != nil {
		return nil, e.wrap("get_by_id", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	r, err := scanLog(rows)
	if err != nil {
		return nil, e.wrap("get_by_id", err)
	}
	return &r, nil
}

// GetByIDs fetches several records in scope. An empty id list returns an
// empty result without touching the database.
func (e *Engine) GetByIDs(ctx context.Context, scope models.Scope, ids []string) ([]models.LogRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return nil, nil
	}

	b := engine.NewBuilder(engine.QuestionPlaceholder)
	scopeFilter(b, scope)
	b.Where("has(" + b.Bind(valid) + ", toString(id))")
	sql := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY timestamp ASC, id ASC", logColumns, e.tr.logsTable(), b.Clause())

	rows, err := e.conn.Query(ctx, sql, b.Args()...)
	if err != nil {
		return nil, e.wrap("get_by_ids", err)
	}
	defer rows.Close()

	var records []models.LogRecord
	for rows.Next() {
		r, err := scanLog(rows)
		if err != nil {
			return nil, e.wrap("get_by_ids", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// DeleteByTimeRange issues an asynchronous delete mutation. The returned
// count is the number of rows matching at call time; actual removal
// completes in the background, so callers needing synchronous deletion
// must poll. Declared via SynchronousDelete=false in the capabilities.
func (e *Engine) DeleteByTimeRange(ctx context.Context, params models.DeleteParams) (int64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	if err := params.Validate(); err != nil {
		return 0, err
	}

	b := engine.NewBuilder(engine.QuestionPlaceholder)
	scopeFilter(b, params.Scope)
	b.Where("timestamp >= " + b.Bind(params.From))
	b.Where("timestamp <= " + b.Bind(params.To))

	var matched uint64
	countSQL := fmt.Sprintf("SELECT count() FROM %s%s", e.tr.logsTable(), b.Clause())
	if err := e.conn.QueryRow(ctx, countSQL, b.Args()...).Scan(&matched); err != nil {
		return 0, e.wrap("delete_by_time_range", err)
	}

	mutation := fmt.Sprintf("ALTER TABLE %s DELETE%s", e.tr.logsTable(), b.Clause())
	if err := e.conn.Exec(ctx, mutation, b.Args()...); err != nil {
		return 0, e.wrap("delete_by_time_range", err)
	}
	return int64(matched), nil
}
