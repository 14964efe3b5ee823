package timescale

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telstore/telstore/internal/storage/engine"
	"github.com/telstore/telstore/pkg/models"
)

const maxBatchSize = 1000

// Engine implements the storage contract on TimescaleDB. All state besides
// the pool handle is immutable after construction, so concurrent use needs
// no locking here.
type Engine struct {
	cfg    Config
	pool   *pgxpool.Pool
	owns   bool
	tr     translator
	logger *slog.Logger
}

// New creates an engine that owns its connection pool: Connect opens it
// and Disconnect closes it.
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
		tr:     translator{schema: cfg.Schema},
		logger: logger,
	}, nil
}

// NewWithPool creates an engine over an externally managed pool (shared
// pools, test doubles). Disconnect leaves the injected pool open.
func NewWithPool(pool *pgxpool.Pool, cfg Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		pool:   pool,
		owns:   false,
		tr:     translator{schema: cfg.Schema},
		logger: logger,
	}, nil
}

// Connect opens the pool if the engine owns it; connecting twice or
// connecting an injected pool is a no-op.
func (e *Engine) Connect(ctx context.Context) error {
	if e.pool != nil {
		return nil
	}
	pool, err := connect(ctx, e.cfg, e.logger)
	if err != nil {
		return err
	}
	e.pool = pool
	return nil
}

// Disconnect tears down only what Connect created.
func (e *Engine) Disconnect(ctx context.Context) error {
	if e.pool == nil || !e.owns {
		return nil
	}
	e.pool.Close()
	e.pool = nil
	return nil
}

// HealthCheck reports status instead of returning an error so monitors can
// poll without error handling.
func (e *Engine) HealthCheck(ctx context.Context) models.Health {
	if e.pool == nil {
		return models.Health{Healthy: false, Error: models.ErrNotConnected.Error()}
	}
	start := time.Now()
	var one int
	err := e.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
	h := models.Health{Healthy: err == nil, ResponseTime: time.Since(start)}
	if err != nil {
		h.Error = err.Error()
	}
	return h
}

// Initialize sets up schema, tables, and indexes. Idempotent.
func (e *Engine) Initialize(ctx context.Context) error {
	if e.pool == nil {
		return models.ErrNotConnected
	}
	return initializeSchema(ctx, e.pool, e.cfg.Schema, e.logger)
}

// Capabilities returns the static descriptor for this backend.
func (e *Engine) Capabilities() models.Capabilities {
	return models.Capabilities{
		Name:              "timescale",
		FullTextSearch:    true,
		SubstringSearch:   true,
		Transactions:      true,
		ReturningInsert:   true,
		Streaming:         false,
		SynchronousDelete: true,
		MaxBatchSize:      maxBatchSize,
		Operators:         []string{"=", "!=", "<", "<=", ">", ">=", "in"},
		Intervals:         models.Intervals,
	}
}

func (e *Engine) wrap(op string, err error) error {
	return &models.BackendError{Engine: "timescale", Op: op, Err: err}
}

func (e *Engine) ready() error {
	if e.pool == nil {
		return models.ErrNotConnected
	}
	return nil
}

// logArrays holds the column-oriented parameter arrays for a multi-row
// insert: one array per column, zipped row-wise by unnest.
type logArrays struct {
	ts                                   []time.Time
	org, proj, svc, lvl, msg, md, tr, sp []string
}

func buildLogArrays(records []models.LogRecord) (logArrays, []models.RowError) {
	var a logArrays
	var rowErrs []models.RowError
	for i := range records {
		r := records[i]
		if err := r.Validate(); err != nil {
			rowErrs = append(rowErrs, models.RowError{Index: i, Reason: err.Error()})
			continue
		}
		if r.Level == "" {
			r.Level = models.LevelInfo
		}
		md, err := engine.MarshalJSONField(r.Metadata)
		if err != nil {
			rowErrs = append(rowErrs, models.RowError{Index: i, Reason: err.Error()})
			continue
		}
		a.ts = append(a.ts, r.Timestamp.UTC())
		a.org = append(a.org, engine.SanitizeString(r.OrgID))
		a.proj = append(a.proj, engine.SanitizeString(r.ProjectID))
		a.svc = append(a.svc, engine.SanitizeString(r.Service))
		a.lvl = append(a.lvl, string(r.Level))
		a.msg = append(a.msg, engine.SanitizeString(r.Message))
		a.md = append(a.md, md)
		a.tr = append(a.tr, engine.SanitizeString(r.TraceID))
		a.sp = append(a.sp, engine.SanitizeString(r.SpanID))
	}
	return a, rowErrs
}

const insertLogsSQL = `
INSERT INTO %s (timestamp, org_id, project_id, service, level, message, metadata, trace_id, span_id)
SELECT t, NULLIF(o, ''), p, s, l, m, md::jsonb, NULLIF(tr, ''), NULLIF(sp, '')
FROM unnest(
    $1::timestamptz[], $2::text[], $3::text[], $4::text[], $5::text[],
    $6::text[], $7::text[], $8::text[], $9::text[]
) AS r(t, o, p, s, l, m, md, tr, sp)`

// Ingest batch-inserts log records in one round trip. An empty batch costs
// nothing and touches no connection.
func (e *Engine) Ingest(ctx context.Context, records []models.LogRecord) (models.IngestResult, error) {
	start := time.Now()
	res := models.IngestResult{}
	if len(records) == 0 {
		return res, nil
	}
	if err := e.ready(); err != nil {
		res.Failed = len(records)
		return res, err
	}
	if len(records) > maxBatchSize {
		res.Failed = len(records)
		return res, &models.ValidationError{Field: "records", Reason: fmt.Sprintf("batch size %d exceeds maximum %d", len(records), maxBatchSize)}
	}

	a, rowErrs := buildLogArrays(records)
	res.RowErrors = rowErrs
	res.Failed = len(rowErrs)
	if len(a.ts) == 0 {
		res.Elapsed = time.Since(start)
		return res, nil
	}

	sql := fmt.Sprintf(insertLogsSQL, e.tr.logsTable())
	_, err := e.pool.Exec(ctx, sql, a.ts, a.org, a.proj, a.svc, a.lvl, a.msg, a.md, a.tr, a.sp)
	if err != nil {
		res.Failed = len(records)
		res.Elapsed = time.Since(start)
		return res, e.wrap("ingest", err)
	}
	res.Ingested = len(a.ts)
	res.Elapsed = time.Since(start)
	return res, nil
}

// IngestReturning inserts like Ingest but returns the stored records with
// their server-generated identifiers, obtained atomically via RETURNING.
// unnest preserves input order, so returned ids line up with the rows that
// survived validation.
func (e *Engine) IngestReturning(ctx context.Context, records []models.LogRecord) (models.IngestResult, []models.LogRecord, error) {
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

	a, rowErrs := buildLogArrays(records)
	res.RowErrors = rowErrs
	res.Failed = len(rowErrs)
	if len(a.ts) == 0 {
		res.Elapsed = time.Since(start)
		return res, nil, nil
	}

	sql := fmt.Sprintf(insertLogsSQL, e.tr.logsTable()) + " RETURNING id::text"
	rows, err := e.pool.Query(ctx, sql, a.ts, a.org, a.proj, a.svc, a.lvl, a.msg, a.md, a.tr, a.sp)
	if err != nil {
		res.Failed = len(records)
		res.Elapsed = time.Since(start)
		return res, nil, e.wrap("ingest_returning", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			res.Failed = len(records)
			return res, nil, e.wrap("ingest_returning", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		res.Failed = len(records)
		return res, nil, e.wrap("ingest_returning", err)
	}

	failed := make(map[int]struct{}, len(rowErrs))
	for _, re := range rowErrs {
		failed[re.Index] = struct{}{}
	}
	stored := make([]models.LogRecord, 0, len(ids))
	next := 0
	for i := range records {
		if _, skip := failed[i]; skip {
			continue
		}
		if next >= len(ids) {
			break
		}
		r := records[i]
		r.ID = ids[next]
		if r.Level == "" {
			r.Level = models.LevelInfo
		}
		next++
		stored = append(stored, r)
	}

	res.Ingested = len(ids)
	res.Elapsed = time.Since(start)
	return res, stored, nil
}

func scanLog(rows pgx.Rows) (models.LogRecord, error) {
	var r models.LogRecord
	var level, md string
	if err := rows.Scan(&r.ID, &r.Timestamp, &r.OrgID, &r.ProjectID, &r.Service, &level, &r.Message, &md, &r.TraceID, &r.SpanID); err != nil {
		return r, err
	}
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

	rows, err := e.pool.Query(ctx, stmt.SQL, stmt.Args...)
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
	var n int64
	if err := e.pool.QueryRow(ctx, stmt.SQL, stmt.Args...).Scan(&n); err != nil {
		return 0, e.wrap("count", err)
	}
	return n, nil
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
	rows, err := e.pool.Query(ctx, stmt.SQL, stmt.Args...)
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
	rows, err := e.pool.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, e.wrap("top_values", err)
	}
	defer rows.Close()

	var values []models.TopValue
	for rows.Next() {
		var tv models.TopValue
		if err := rows.Scan(&tv.Value, &tv.Count); err != nil {
			return nil, e.wrap("top_values", err)
		}
		values = append(values, tv)
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
	rows, err := e.pool.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return out, e.wrap("aggregate", err)
	}
	defer rows.Close()

	for rows.Next() {
		var bucket time.Time
		var level string
		var n int64
		if err := rows.Scan(&bucket, &level, &n); err != nil {
			return out, e.wrap("aggregate", err)
		}
		appendBucketCount(&out, bucket, models.Level(level), n)
	}
	if err := rows.Err(); err != nil {
		return out, e.wrap("aggregate", err)
	}
	out.Elapsed = time.Since(start)
	return out, nil
}

// appendBucketCount folds one (bucket, level, count) row into the ordered
// series. Rows arrive ordered by bucket, so the current bucket is always
// the last one.
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
		// Not a valid identifier, so it cannot match any row.
		return nil, nil
	}

	b := engine.NewBuilder(engine.DollarPlaceholder)
	scopeFilter(b, scope)
	b.Where("id = " + b.Bind(id) + "::uuid")
	sql := fmt.Sprintf("SELECT %s FROM %s%s", logColumns, e.tr.logsTable(), b.Clause())

	rows, err := e.pool.Query(ctx, sql, b.Args()...)
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

	b := engine.NewBuilder(engine.DollarPlaceholder)
	scopeFilter(b, scope)
	b.Where("id = ANY(" + b.Bind(valid) + "::uuid[])")
	sql := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY timestamp ASC, id ASC", logColumns, e.tr.logsTable(), b.Clause())

	rows, err := e.pool.Query(ctx, sql, b.Args()...)
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

// DeleteByTimeRange removes log records inside the range and reports the
// exact count.
func (e *Engine) DeleteByTimeRange(ctx context.Context, params models.DeleteParams) (int64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	if err := params.Validate(); err != nil {
		return 0, err
	}

	b := engine.NewBuilder(engine.DollarPlaceholder)
	scopeFilter(b, params.Scope)
	b.Where("timestamp >= " + b.Bind(params.From))
	b.Where("timestamp <= " + b.Bind(params.To))

	tag, err := e.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s%s", e.tr.logsTable(), b.Clause()), b.Args()...)
	if err != nil {
		return 0, e.wrap("delete_by_time_range", err)
	}
	return tag.RowsAffected(), nil
}
