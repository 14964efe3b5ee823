package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"github.com/telstore/telstore/internal/storage/engine"
	"github.com/telstore/telstore/pkg/models"
)

const insertSpansSQL = `INSERT INTO %s (id, span_id, trace_id, parent_span_id, org_id, project_id, service, operation, start_time, end_time, duration_ms, kind, status_code, status_message, attributes, events, links, resource_attrs)`

func marshalSlice(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling span field: %w", err)
	}
	s := string(b)
	if s == "null" {
		s = "[]"
	}
	return strings.ReplaceAll(s, `\u0000`, ""), nil
}

// IngestSpans batch-inserts spans with client-generated row identifiers.
// Per-row validation failures are reported in RowErrors and excluded from
// the batch; a send failure fails the whole batch.
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

	batch, err := e.conn.PrepareBatch(ctx, fmt.Sprintf(insertSpansSQL, e.tr.spansTable()))
	if err != nil {
		res.Failed = len(spans)
		return res, e.wrap("ingest_spans", err)
	}

	appended := 0
	for i := range spans {
		s := spans[i]
		if err := s.Validate(); err != nil {
			res.RowErrors = append(res.RowErrors, models.RowError{Index: i, Reason: err.Error()})
			res.Failed++
			continue
		}
		if s.EndTime.IsZero() {
			s.EndTime = s.StartTime
		}
		if s.DurationMS == 0 && s.EndTime.After(s.StartTime) {
			s.DurationMS = float64(s.EndTime.Sub(s.StartTime)) / float64(time.Millisecond)
		}
		if s.Kind == "" {
			s.Kind = models.SpanKindUnspecified
		}

		attrs, err := engine.MarshalJSONField(s.Attributes)
		if err != nil {
			res.RowErrors = append(res.RowErrors, models.RowError{Index: i, Reason: err.Error()})
			res.Failed++
			continue
		}
		events, err := marshalSlice(s.Events)
		if err != nil {
			res.RowErrors = append(res.RowErrors, models.RowError{Index: i, Reason: err.Error()})
			res.Failed++
			continue
		}
		links, err := marshalSlice(s.Links)
		if err != nil {
			res.RowErrors = append(res.RowErrors, models.RowError{Index: i, Reason: err.Error()})
			res.Failed++
			continue
		}
		resource, err := engine.MarshalJSONField(s.ResourceAttrs)
		if err != nil {
			res.RowErrors = append(res.RowErrors, models.RowError{Index: i, Reason: err.Error()})
			res.Failed++
			continue
		}

		if err := batch.Append(
			uuid.New(),
			engine.SanitizeString(s.SpanID),
			engine.SanitizeString(s.TraceID),
			engine.SanitizeString(s.ParentSpanID),
			engine.SanitizeString(s.OrgID),
			engine.SanitizeString(s.ProjectID),
			engine.SanitizeString(s.Service),
			engine.SanitizeString(s.Operation),
			s.StartTime.UTC(),
			s.EndTime.UTC(),
			s.DurationMS,
			string(s.Kind),
			engine.SanitizeString(s.StatusCode),
			engine.SanitizeString(s.StatusMessage),
			attrs,
			events,
			links,
			resource,
		); err != nil {
			res.RowErrors = append(res.RowErrors, models.RowError{Index: i, Reason: err.Error()})
			res.Failed++
			continue
		}
		appended++
	}

	if appended == 0 {
		res.Elapsed = time.Since(start)
		return res, nil
	}
	if err := batch.Send(); err != nil {
		res.Ingested = 0
		res.Failed = len(spans)
		res.Elapsed = time.Since(start)
		return res, e.wrap("ingest_spans", err)
	}
	res.Ingested = appended
	res.Elapsed = time.Since(start)
	return res, nil
}

const insertTraceSQL = `INSERT INTO %s (trace_id, org_id, project_id, root_service, root_operation, start_time, end_time, duration_ms, span_count, has_error, updated_at)`

// UpsertTrace merges the incoming summary with the current row and inserts
// the merged version. ReplacingMergeTree keeps the row with the newest
// updated_at; FINAL reads see the merged state immediately, while
// background merges discard superseded versions. Concurrent upserts of the
// same trace may interleave (no transactions here), so the summary is
// eventually consistent rather than exact under contention.
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

	current, err := e.GetTraceByID(ctx, models.Scope{OrgID: trace.OrgID, ProjectID: trace.ProjectID}, trace.TraceID)
	if err != nil {
		return err
	}
	merged := trace
	if current != nil {
		merged = *current
		merged.Merge(trace)
	}

	batch, err := e.conn.PrepareBatch(ctx, fmt.Sprintf(insertTraceSQL, e.tr.tracesTable()))
	if err != nil {
		return e.wrap("upsert_trace", err)
	}
	if err := batch.Append(
		engine.SanitizeString(merged.TraceID),
		engine.SanitizeString(merged.OrgID),
		engine.SanitizeString(merged.ProjectID),
		engine.SanitizeString(merged.RootService),
		engine.SanitizeString(merged.RootOperation),
		merged.StartTime.UTC(),
		merged.EndTime.UTC(),
		merged.DurationMS,
		uint64(merged.SpanCount),
		merged.HasError,
		time.Now().UTC(),
	); err != nil {
		return e.wrap("upsert_trace", err)
	}
	if err := batch.Send(); err != nil {
		return e.wrap("upsert_trace", err)
	}
	return nil
}

func scanSpan(rows driver.Rows) (models.SpanRecord, error) {
	var s models.SpanRecord
	var id uuid.UUID
	var kind, attrs, events, links, resource string
	if err := rows.Scan(
		&id, &s.SpanID, &s.TraceID, &s.ParentSpanID,
		&s.OrgID, &s.ProjectID, &s.Service, &s.Operation,
		&s.StartTime, &s.EndTime, &s.DurationMS,
		&kind, &s.StatusCode, &s.StatusMessage,
		&attrs, &events, &links, &resource,
	); err != nil {
		return s, err
	}
	s.ID = id.String()
	s.Kind = models.SpanKind(kind)
	if err := unmarshalField(attrs, "{}", &s.Attributes); err != nil {
		return s, err
	}
	if err := unmarshalField(events, "[]", &s.Events); err != nil {
		return s, err
	}
	if err := unmarshalField(links, "[]", &s.Links); err != nil {
		return s, err
	}
	if err := unmarshalField(resource, "{}", &s.ResourceAttrs); err != nil {
		return s, err
	}
	return s, nil
}

func unmarshalField(raw, empty string, dst any) error {
	if raw == "" || raw == empty {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decoding span field: %w", err)
	}
	return nil
}

func scanTrace(rows driver.Rows) (models.TraceRecord, error) {
	var t models.TraceRecord
	var spanCount uint64
	if err := rows.Scan(
		&t.TraceID, &t.OrgID, &t.ProjectID,
		&t.RootService, &t.RootOperation,
		&t.StartTime, &t.EndTime, &t.DurationMS,
		&spanCount, &t.HasError,
	); err != nil {
		return t, err
	}
	t.SpanCount = int64(spanCount)
	return t, nil
}

// QuerySpans returns one page of matching spans with a (start_time, id)
// cursor.
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

	rows, err := e.conn.Query(ctx, stmt.SQL, stmt.Args...)
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

// QueryTraces returns one page of trace summaries with a
// (start_time, trace_id) cursor. Reads go through FINAL so freshly merged
// summaries are visible before background merges run.
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

	rows, err := e.conn.Query(ctx, stmt.SQL, stmt.Args...)
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

// GetSpansByTraceID returns every span of one trace in start order.
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

	b := engine.NewBuilder(engine.QuestionPlaceholder)
	scopeFilter(b, scope)
	b.Where("trace_id = " + b.Bind(traceID))
	sql := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY start_time ASC, id ASC",
		spanColumns, e.tr.spansTable(), b.Clause())

	rows, err := e.conn.Query(ctx, sql, b.Args()...)
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

	b := engine.NewBuilder(engine.QuestionPlaceholder)
	scopeFilter(b, scope)
	b.Where("trace_id = " + b.Bind(traceID))
	sql := fmt.Sprintf("SELECT %s FROM %s FINAL%s LIMIT 1",
		traceColumns, e.tr.tracesTable(), b.Clause())

	rows, err := e.conn.Query(ctx, sql, b.Args()...)
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

// GetServiceDependencies derives the service call graph from parent/child
// span pairs in the window.
func (e *Engine) GetServiceDependencies(ctx context.Context, params models.DependencyParams) (models.ServiceDependencies, error) {
	var out models.ServiceDependencies
	if err := e.ready(); err != nil {
		return out, err
	}
	stmt, err := e.tr.Dependencies(params)
	if err != nil {
		return out, err
	}

	rows, err := e.conn.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return out, e.wrap("service_dependencies", err)
	}
	defer rows.Close()

	for rows.Next() {
		var edge models.DependencyEdge
		var calls uint64
		if err := rows.Scan(&edge.Source, &edge.Target, &calls); err != nil {
			return out, e.wrap("service_dependencies", err)
		}
		edge.CallCount = int64(calls)
		out.Edges = append(out.Edges, edge)
	}
	if err := rows.Err(); err != nil {
		return out, e.wrap("service_dependencies", err)
	}
	out.Nodes = engine.NodesFromEdges(out.Edges)
	return out, nil
}

// DeleteSpansByTimeRange issues asynchronous delete mutations for spans in
// the window and for the summaries of traces left with no spans outside it.
// The returned count is the number of spans matching at call time. Orphan
// trace ids are resolved before the span mutation is queued, since an
// in-flight mutation makes a NOT IN subquery against spans unreliable.
func (e *Engine) DeleteSpansByTimeRange(ctx context.Context, params models.DeleteParams) (int64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	if err := params.Validate(); err != nil {
		return 0, err
	}

	b := engine.NewBuilder(engine.QuestionPlaceholder)
	scopeFilter(b, params.Scope)
	b.Where("start_time >= " + b.Bind(params.From))
	b.Where("start_time <= " + b.Bind(params.To))

	var matched uint64
	countSQL := fmt.Sprintf("SELECT count() FROM %s%s", e.tr.spansTable(), b.Clause())
	if err := e.conn.QueryRow(ctx, countSQL, b.Args()...).Scan(&matched); err != nil {
		return 0, e.wrap("delete_spans_by_time_range", err)
	}

	orphans, err := e.containedTraceIDs(ctx, params)
	if err != nil {
		return 0, err
	}

	spanMutation := fmt.Sprintf("ALTER TABLE %s DELETE%s", e.tr.spansTable(), b.Clause())
	if err := e.conn.Exec(ctx, spanMutation, b.Args()...); err != nil {
		return 0, e.wrap("delete_spans_by_time_range", err)
	}

	if len(orphans) > 0 {
		tb := engine.NewBuilder(engine.QuestionPlaceholder)
		scopeFilter(tb, params.Scope)
		tb.Where("has(" + tb.Bind(orphans) + ", trace_id)")
		traceMutation := fmt.Sprintf("ALTER TABLE %s DELETE%s", e.tr.tracesTable(), tb.Clause())
		if err := e.conn.Exec(ctx, traceMutation, tb.Args()...); err != nil {
			return 0, e.wrap("delete_spans_by_time_range", err)
		}
	}
	return int64(matched), nil
}

// containedTraceIDs returns the traces whose spans all start inside the
// delete window. A trace keeping any span outside the window is left out, so
// its summary survives the cleanup mutation.
func (e *Engine) containedTraceIDs(ctx context.Context, params models.DeleteParams) ([]string, error) {
	stmt := e.tr.ContainedTraces(params)
	rows, err := e.conn.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, e.wrap("delete_spans_by_time_range", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, e.wrap("delete_spans_by_time_range", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, e.wrap("delete_spans_by_time_range", err)
	}
	return ids, nil
}
