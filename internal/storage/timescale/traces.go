package timescale

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/telstore/telstore/internal/storage/engine"
	"github.com/telstore/telstore/pkg/models"
)

// spanArrays holds the column-oriented parameter arrays for the span
// multi-row insert.
type spanArrays struct {
	spanID, traceID, parent, org, proj []string
	svc, op, kind, status, statusMsg   []string
	attrs, events, links, resource     []string
	start, end                         []time.Time
	duration                           []float64
}

func buildSpanArrays(spans []models.SpanRecord) (spanArrays, []models.RowError) {
	var a spanArrays
	var rowErrs []models.RowError
	for i := range spans {
		s := spans[i]
		if err := s.Validate(); err != nil {
			rowErrs = append(rowErrs, models.RowError{Index: i, Reason: err.Error()})
			continue
		}
		if s.EndTime.IsZero() {
			s.EndTime = s.StartTime
		}
		if s.DurationMS == 0 {
			s.DurationMS = float64(s.EndTime.Sub(s.StartTime)) / float64(time.Millisecond)
		}
		if s.Kind == "" {
			s.Kind = models.SpanKindUnspecified
		}
		attrs, err := engine.MarshalJSONField(s.Attributes)
		if err != nil {
			rowErrs = append(rowErrs, models.RowError{Index: i, Reason: err.Error()})
			continue
		}
		events, err := marshalSlice(s.Events)
		if err != nil {
			rowErrs = append(rowErrs, models.RowError{Index: i, Reason: err.Error()})
			continue
		}
		links, err := marshalSlice(s.Links)
		if err != nil {
			rowErrs = append(rowErrs, models.RowError{Index: i, Reason: err.Error()})
			continue
		}
		resource, err := engine.MarshalJSONField(s.ResourceAttrs)
		if err != nil {
			rowErrs = append(rowErrs, models.RowError{Index: i, Reason: err.Error()})
			continue
		}

		a.spanID = append(a.spanID, engine.SanitizeString(s.SpanID))
		a.traceID = append(a.traceID, engine.SanitizeString(s.TraceID))
		a.parent = append(a.parent, engine.SanitizeString(s.ParentSpanID))
		a.org = append(a.org, engine.SanitizeString(s.OrgID))
		a.proj = append(a.proj, engine.SanitizeString(s.ProjectID))
		a.svc = append(a.svc, engine.SanitizeString(s.Service))
		a.op = append(a.op, engine.SanitizeString(s.Operation))
		a.start = append(a.start, s.StartTime.UTC())
		a.end = append(a.end, s.EndTime.UTC())
		a.duration = append(a.duration, s.DurationMS)
		a.kind = append(a.kind, string(s.Kind))
		a.status = append(a.status, engine.SanitizeString(s.StatusCode))
		a.statusMsg = append(a.statusMsg, engine.SanitizeString(s.StatusMessage))
		a.attrs = append(a.attrs, attrs)
		a.events = append(a.events, events)
		a.links = append(a.links, links)
		a.resource = append(a.resource, resource)
	}
	return a, rowErrs
}

func marshalSlice(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling span field: %w", err)
	}
	s := string(b)
	if s == "null" {
		s = "[]"
	}
	// jsonb rejects escaped NULs the same way text columns reject raw ones.
	return strings.ReplaceAll(s, `\u0000`, ""), nil
}

const insertSpansSQL = `
INSERT INTO %s (span_id, trace_id, parent_span_id, org_id, project_id, service, operation,
                start_time, end_time, duration_ms, kind, status_code, status_message,
                attributes, events, links, resource_attrs)
SELECT sid, tid, NULLIF(pid, ''), NULLIF(o, ''), p, s, op,
       st, et, d, k, sc, sm,
       at::jsonb, ev::jsonb, li::jsonb, ra::jsonb
FROM unnest(
    $1::text[], $2::text[], $3::text[], $4::text[], $5::text[], $6::text[], $7::text[],
    $8::timestamptz[], $9::timestamptz[], $10::float8[], $11::text[], $12::text[], $13::text[],
    $14::text[], $15::text[], $16::text[], $17::text[]
) AS r(sid, tid, pid, o, p, s, op, st, et, d, k, sc, sm, at, ev, li, ra)`

// IngestSpans batch-inserts spans in one round trip.
func (e *Engine) IngestSpans(ctx context.Context, spans []models.SpanRecord) (models.IngestResult, error) {
	start := time.Now()
	res := models.IngestResult{}
	if len(spans) == 0 {
		return res, nil
	}
	if err := e.ready(); err != nil {
		res.Failed = len(spans)
		return res, err
	}
	if len(spans) > maxBatchSize {
		res.Failed = len(spans)
		return res, &models.ValidationError{Field: "spans", Reason: fmt.Sprintf("batch size %d exceeds maximum %d", len(spans), maxBatchSize)}
	}

	a, rowErrs := buildSpanArrays(spans)
	res.RowErrors = rowErrs
	res.Failed = len(rowErrs)
	if len(a.spanID) == 0 {
		res.Elapsed = time.Since(start)
		return res, nil
	}

	sql := fmt.Sprintf(insertSpansSQL, e.tr.spansTable())
	_, err := e.pool.Exec(ctx, sql,
		a.spanID, a.traceID, a.parent, a.org, a.proj, a.svc, a.op,
		a.start, a.end, a.duration, a.kind, a.status, a.statusMsg,
		a.attrs, a.events, a.links, a.resource)
	if err != nil {
		res.Failed = len(spans)
		res.Elapsed = time.Since(start)
		return res, e.wrap("ingest_spans", err)
	}
	res.Ingested = len(a.spanID)
	res.Elapsed = time.Since(start)
	return res, nil
}

const upsertTraceSQL = `
INSERT INTO %s AS t (trace_id, org_id, project_id, root_service, root_operation,
                     start_time, end_time, duration_ms, span_count, has_error)
VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (project_id, trace_id) DO UPDATE SET
    start_time  = LEAST(t.start_time, EXCLUDED.start_time),
    end_time    = GREATEST(t.end_time, EXCLUDED.end_time),
    duration_ms = EXTRACT(EPOCH FROM GREATEST(t.end_time, EXCLUDED.end_time)
                  - LEAST(t.start_time, EXCLUDED.start_time)) * 1000,
    span_count  = t.span_count + EXCLUDED.span_count,
    has_error   = t.has_error OR EXCLUDED.has_error`

// UpsertTrace merges a partial trace aggregate into the summary row as a
// single atomic statement: bounds widen with LEAST/GREATEST, counts add,
// the error flag latches. Concurrent upserts for the same trace id are
// serialized by the backend's row lock, so the merge converges regardless
// of arrival order.
func (e *Engine) UpsertTrace(ctx context.Context, trace models.TraceRecord) error {
	if err := e.ready(); err != nil {
		return err
	}
	if trace.ProjectID == "" {
		return &models.ValidationError{Field: "project_id", Reason: "required"}
	}
	if trace.TraceID == "" {
		return &models.ValidationError{Field: "trace_id", Reason: "required"}
	}
	if trace.EndTime.IsZero() {
		trace.EndTime = trace.StartTime
	}
	if trace.DurationMS == 0 {
		trace.DurationMS = float64(trace.EndTime.Sub(trace.StartTime)) / float64(time.Millisecond)
	}

	sql := fmt.Sprintf(upsertTraceSQL, e.tr.tracesTable())
	_, err := e.pool.Exec(ctx, sql,
		engine.SanitizeString(trace.TraceID), engine.SanitizeString(trace.OrgID), engine.SanitizeString(trace.ProjectID),
		engine.SanitizeString(trace.RootService), engine.SanitizeString(trace.RootOperation),
		trace.StartTime.UTC(), trace.EndTime.UTC(), trace.DurationMS, trace.SpanCount, trace.HasError)
	if err != nil {
		return e.wrap("upsert_trace", err)
	}
	return nil
}

func scanSpan(rows pgx.Rows) (models.SpanRecord, error) {
	var s models.SpanRecord
	var kind, attrs, events, links, resource string
	err := rows.Scan(&s.ID, &s.SpanID, &s.TraceID, &s.ParentSpanID, &s.OrgID, &s.ProjectID,
		&s.Service, &s.Operation, &s.StartTime, &s.EndTime, &s.DurationMS,
		&kind, &s.StatusCode, &s.StatusMessage, &attrs, &events, &links, &resource)
	if err != nil {
		return s, err
	}
	s.Kind = models.SpanKind(kind)
	if attrs != "" && attrs != "{}" {
		if err := json.Unmarshal([]byte(attrs), &s.Attributes); err != nil {
			return s, fmt.Errorf("decoding attributes: %w", err)
		}
	}
	if events != "" && events != "[]" {
		if err := json.Unmarshal([]byte(events), &s.Events); err != nil {
			return s, fmt.Errorf("decoding events: %w", err)
		}
	}
	if links != "" && links != "[]" {
		if err := json.Unmarshal([]byte(links), &s.Links); err != nil {
			return s, fmt.Errorf("decoding links: %w", err)
		}
	}
	if resource != "" && resource != "{}" {
		if err := json.Unmarshal([]byte(resource), &s.ResourceAttrs); err != nil {
			return s, fmt.Errorf("decoding resource attributes: %w", err)
		}
	}
	return s, nil
}

// QuerySpans returns one page of matching spans.
func (e *Engine) QuerySpans(ctx context.Context, params models.SpanQueryParams) (models.SpanQueryResult, error) {
	start := time.Now()
	var out models.SpanQueryResult
	if err := e.ready(); err != nil {
		return out, err
	}
	stmt, err := e.tr.QuerySpans(params)
	if err != nil {
		return out, err
	}

	rows, err := e.pool.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return out, e.wrap("query_spans", err)
	}
	defer rows.Close()

	limit := engine.ClampLimit(params.Limit)
	for rows.Next() {
		s, err := scanSpan(rows)
		if err != nil {
			return out, e.wrap("query_spans", err)
		}
		out.Spans = append(out.Spans, s)
	}
	if err := rows.Err(); err != nil {
		return out, e.wrap("query_spans", err)
	}

	if len(out.Spans) > limit {
		out.HasMore = true
		out.Spans = out.Spans[:limit]
	}
	if n := len(out.Spans); n > 0 {
		last := out.Spans[n-1]
		out.NextCursor = engine.EncodeCursor(last.StartTime, last.ID)
	}
	out.Elapsed = time.Since(start)
	return out, nil
}

func scanTrace(rows pgx.Rows) (models.TraceRecord, error) {
	var t models.TraceRecord
	err := rows.Scan(&t.TraceID, &t.OrgID, &t.ProjectID, &t.RootService, &t.RootOperation,
		&t.StartTime, &t.EndTime, &t.DurationMS, &t.SpanCount, &t.HasError)
	return t, err
}

// QueryTraces returns one page of matching trace summaries.
func (e *Engine) QueryTraces(ctx context.Context, params models.TraceQueryParams) (models.TraceQueryResult, error) {
	start := time.Now()
	var out models.TraceQueryResult
	if err := e.ready(); err != nil {
		return out, err
	}
	stmt, err := e.tr.QueryTraces(params)
	if err != nil {
		return out, err
	}

	rows, err := e.pool.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return out, e.wrap("query_traces", err)
	}
	defer rows.Close()

	limit := engine.ClampLimit(params.Limit)
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return out, e.wrap("query_traces", err)
		}
		out.Traces = append(out.Traces, t)
	}
	if err := rows.Err(); err != nil {
		return out, e.wrap("query_traces", err)
	}

	if len(out.Traces) > limit {
		out.HasMore = true
		out.Traces = out.Traces[:limit]
	}
	if n := len(out.Traces); n > 0 {
		last := out.Traces[n-1]
		out.NextCursor = engine.EncodeCursor(last.StartTime, last.TraceID)
	}
	out.Elapsed = time.Since(start)
	return out, nil
}

// GetSpansByTraceID returns all spans of one trace ordered by start time
// ascending, the order trace viewers reconstruct call trees in.
func (e *Engine) GetSpansByTraceID(ctx context.Context, scope models.Scope, traceID string) ([]models.SpanRecord, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if traceID == "" {
		return nil, &models.ValidationError{Field: "trace_id", Reason: "required"}
	}

	b := engine.NewBuilder(engine.DollarPlaceholder)
	scopeFilter(b, scope)
	b.Where("trace_id = " + b.Bind(traceID))
	sql := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY start_time ASC, id ASC", spanColumns, e.tr.spansTable(), b.Clause())

	rows, err := e.pool.Query(ctx, sql, b.Args()...)
	if err != nil {
		return nil, e.wrap("get_spans_by_trace_id", err)
	}
	defer rows.Close()

	var spans []models.SpanRecord
	for rows.Next() {
		s, err := scanSpan(rows)
		if err != nil {
			return nil, e.wrap("get_spans_by_trace_id", err)
		}
		spans = append(spans, s)
	}
	return spans, rows.Err()
}

// GetTraceByID fetches one trace summary. Absence is (nil, nil).
func (e *Engine) GetTraceByID(ctx context.Context, scope models.Scope, traceID string) (*models.TraceRecord, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if traceID == "" {
		return nil, &models.ValidationError{Field: "trace_id", Reason: "required"}
	}

	b := engine.NewBuilder(engine.DollarPlaceholder)
	scopeFilter(b, scope)
	b.Where("trace_id = " + b.Bind(traceID))
	sql := fmt.Sprintf("SELECT %s FROM %s%s", traceColumns, e.tr.tracesTable(), b.Clause())

	rows, err := e.pool.Query(ctx, sql, b.Args()...)
	if err != nil {
		return nil, e.wrap("get_trace_by_id", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	t, err := scanTrace(rows)
	if err != nil {
		return nil, e.wrap("get_trace_by_id", err)
	}
	return &t, nil
}

// GetServiceDependencies derives the directed service call graph by
// self-joining spans to their parents across service boundaries.
func (e *Engine) GetServiceDependencies(ctx context.Context, params models.DependencyParams) (models.ServiceDependencies, error) {
	var out models.ServiceDependencies
	if err := e.ready(); err != nil {
		return out, err
	}
	stmt, err := e.tr.Dependencies(params)
	if err != nil {
		return out, err
	}

	rows, err := e.pool.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return out, e.wrap("get_service_dependencies", err)
	}
	defer rows.Close()

	for rows.Next() {
		var edge models.DependencyEdge
		if err := rows.Scan(&edge.Source, &edge.Target, &edge.CallCount); err != nil {
			return out, e.wrap("get_service_dependencies", err)
		}
		out.Edges = append(out.Edges, edge)
	}
	if err := rows.Err(); err != nil {
		return out, e.wrap("get_service_dependencies", err)
	}
	out.Nodes = engine.NodesFromEdges(out.Edges)
	return out, nil
}

// DeleteSpansByTimeRange removes spans inside the range, then removes any
// trace left without spans. Both steps run in one transaction so a trace
// never outlives its last span.
func (e *Engine) DeleteSpansByTimeRange(ctx context.Context, params models.DeleteParams) (int64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	if err := params.Validate(); err != nil {
		return 0, err
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return 0, e.wrap("delete_spans", err)
	}
	defer tx.Rollback(ctx)

	b := engine.NewBuilder(engine.DollarPlaceholder)
	scopeFilter(b, params.Scope)
	b.Where("start_time >= " + b.Bind(params.From))
	b.Where("start_time <= " + b.Bind(params.To))

	tag, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s%s", e.tr.spansTable(), b.Clause()), b.Args()...)
	if err != nil {
		return 0, e.wrap("delete_spans", err)
	}
	deleted := tag.RowsAffected()

	// Orphan cleanup: drop traces whose last referencing span just went.
	orphanSQL := fmt.Sprintf(`
DELETE FROM %s AS t
WHERE t.project_id = $1
  AND NOT EXISTS (
    SELECT 1 FROM %s AS s
    WHERE s.project_id = t.project_id AND s.trace_id = t.trace_id
  )`, e.tr.tracesTable(), e.tr.spansTable())
	if _, err := tx.Exec(ctx, orphanSQL, params.Scope.ProjectID); err != nil {
		return 0, e.wrap("delete_spans orphan cleanup", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, e.wrap("delete_spans", err)
	}
	return deleted, nil
}
