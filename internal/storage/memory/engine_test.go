package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/telstore/telstore/pkg/models"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(nil)
	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return e
}

func mustIngest(t *testing.T, e *Engine, records []models.LogRecord) {
	t.Helper()
	res, err := e.Ingest(context.Background(), records)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Failed != 0 {
		t.Fatalf("Ingest failed rows: %+v", res.RowErrors)
	}
}

func scope() models.Scope { return models.Scope{ProjectID: "p1"} }

func TestNotConnected(t *testing.T) {
	e := New(nil)
	ctx := context.Background()

	if h := e.HealthCheck(ctx); h.Healthy {
		t.Error("disconnected engine reported healthy")
	}
	_, err := e.Query(ctx, models.QueryParams{Scope: scope()})
	if !errors.Is(err, models.ErrNotConnected) {
		t.Errorf("Query error = %v, want ErrNotConnected", err)
	}
	_, err = e.Ingest(ctx, []models.LogRecord{{ProjectID: "p1", Timestamp: time.Now()}})
	if !errors.Is(err, models.ErrNotConnected) {
		t.Errorf("Ingest error = %v, want ErrNotConnected", err)
	}
}

func TestIngestEmptyBatch(t *testing.T) {
	e := newTestEngine(t)
	res, err := e.Ingest(context.Background(), nil)
	if err != nil {
		t.Fatalf("Ingest(nil): %v", err)
	}
	if res.Ingested != 0 || res.Failed != 0 {
		t.Errorf("empty batch result = %+v", res)
	}
}

func TestIngestRowErrors(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now().UTC()
	records := []models.LogRecord{
		{ProjectID: "p1", Timestamp: now, Message: "ok"},
		{Timestamp: now, Message: "no project"},
		{ProjectID: "p1", Message: "no timestamp"},
		{ProjectID: "p1", Timestamp: now, Level: "fatal", Message: "bad level"},
	}

	res, err := e.Ingest(context.Background(), records)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Ingested != 1 || res.Failed != 3 {
		t.Errorf("result = %+v, want 1 ingested 3 failed", res)
	}
	if len(res.RowErrors) != 3 {
		t.Fatalf("RowErrors = %+v", res.RowErrors)
	}
	for _, re := range res.RowErrors {
		if re.Index < 1 || re.Index > 3 {
			t.Errorf("RowError index %d points at a valid row", re.Index)
		}
	}
}

func TestIngestBatchTooLarge(t *testing.T) {
	e := newTestEngine(t)
	records := make([]models.LogRecord, maxBatchSize+1)
	now := time.Now().UTC()
	for i := range records {
		records[i] = models.LogRecord{ProjectID: "p1", Timestamp: now}
	}
	_, err := e.Ingest(context.Background(), records)
	if !models.IsValidation(err) {
		t.Fatalf("oversized batch error = %v, want ValidationError", err)
	}
}

func TestIngestReturningAssignsIDs(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now().UTC()
	res, stored, err := e.IngestReturning(context.Background(), []models.LogRecord{
		{ProjectID: "p1", Timestamp: now, Message: "a"},
		{ProjectID: "p1", Timestamp: now, Message: "b"},
	})
	if err != nil {
		t.Fatalf("IngestReturning: %v", err)
	}
	if res.Ingested != 2 || len(stored) != 2 {
		t.Fatalf("result = %+v stored = %d", res, len(stored))
	}
	if stored[0].ID == "" || stored[1].ID == "" || stored[0].ID == stored[1].ID {
		t.Errorf("ids = %q %q, want distinct non-empty", stored[0].ID, stored[1].ID)
	}

	got, err := e.GetByID(context.Background(), scope(), stored[0].ID)
	if err != nil || got == nil {
		t.Fatalf("GetByID(%q) = %v, %v", stored[0].ID, got, err)
	}
	if got.Message != "a" {
		t.Errorf("GetByID message = %q", got.Message)
	}
}

func TestQueryLevelFilter(t *testing.T) {
	e := newTestEngine(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mustIngest(t, e, []models.LogRecord{
		{ProjectID: "p1", Timestamp: base, Level: models.LevelInfo, Message: "started"},
		{ProjectID: "p1", Timestamp: base.Add(time.Second), Level: models.LevelError, Message: "boom"},
		{ProjectID: "p1", Timestamp: base.Add(2 * time.Second), Level: models.LevelWarn, Message: "slow"},
	})

	out, err := e.Query(context.Background(), models.QueryParams{
		Scope: scope(),
		Level: []models.Level{models.LevelError, models.LevelWarn},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(out.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(out.Records))
	}
	for _, r := range out.Records {
		if r.Level == models.LevelInfo {
			t.Errorf("info record leaked through level filter")
		}
	}
}

func TestQueryScopeIsolation(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now().UTC()
	mustIngest(t, e, []models.LogRecord{
		{OrgID: "o1", ProjectID: "p1", Timestamp: now, Message: "mine"},
		{OrgID: "o2", ProjectID: "p1", Timestamp: now, Message: "other org"},
		{OrgID: "o1", ProjectID: "p2", Timestamp: now, Message: "other project"},
	})

	out, err := e.Query(context.Background(), models.QueryParams{
		Scope: models.Scope{OrgID: "o1", ProjectID: "p1"},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(out.Records) != 1 || out.Records[0].Message != "mine" {
		t.Errorf("scope leaked: %+v", out.Records)
	}
}

func TestQueryPaginationExhaustive(t *testing.T) {
	e := newTestEngine(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var records []models.LogRecord
	for i := 0; i < 11; i++ {
		records = append(records, models.LogRecord{
			ProjectID: "p1",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Message:   fmt.Sprintf("row %d", i),
		})
	}
	mustIngest(t, e, records)

	seen := make(map[string]struct{})
	params := models.QueryParams{Scope: scope(), Limit: 10}
	pages := 0
	for {
		out, err := e.Query(context.Background(), params)
		if err != nil {
			t.Fatalf("Query page %d: %v", pages, err)
		}
		pages++
		for _, r := range out.Records {
			if _, dup := seen[r.ID]; dup {
				t.Fatalf("record %s returned twice", r.ID)
			}
			seen[r.ID] = struct{}{}
		}
		if !out.HasMore {
			break
		}
		params.Cursor = out.NextCursor
	}

	if len(seen) != 11 {
		t.Errorf("pagination yielded %d records, want 11", len(seen))
	}
	if pages != 2 {
		t.Errorf("pagination took %d pages, want 2", pages)
	}
}

func TestQueryDescendingOrder(t *testing.T) {
	e := newTestEngine(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mustIngest(t, e, []models.LogRecord{
		{ProjectID: "p1", Timestamp: base, Message: "first"},
		{ProjectID: "p1", Timestamp: base.Add(time.Minute), Message: "second"},
	})

	out, err := e.Query(context.Background(), models.QueryParams{Scope: scope(), Order: models.OrderDesc})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(out.Records) != 2 || out.Records[0].Message != "second" {
		t.Errorf("descending order wrong: %+v", out.Records)
	}
}

func TestQueryMalformedCursorIgnored(t *testing.T) {
	e := newTestEngine(t)
	mustIngest(t, e, []models.LogRecord{{ProjectID: "p1", Timestamp: time.Now().UTC()}})

	out, err := e.Query(context.Background(), models.QueryParams{Scope: scope(), Cursor: "))) definitely not a cursor ((("})
	if err != nil {
		t.Fatalf("malformed cursor failed the query: %v", err)
	}
	if len(out.Records) != 1 {
		t.Errorf("got %d records, want full result from start", len(out.Records))
	}
}

func TestQueryMetadataAndSearch(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now().UTC()
	mustIngest(t, e, []models.LogRecord{
		{ProjectID: "p1", Timestamp: now, Message: "connection refused by upstream", Metadata: map[string]any{"hostname": "web-1", "attempt": 3}},
		{ProjectID: "p1", Timestamp: now, Message: "connection established", Metadata: map[string]any{"hostname": "web-2"}},
	})
	ctx := context.Background()

	out, err := e.Query(ctx, models.QueryParams{Scope: scope(), Metadata: map[string]string{"hostname": "web-1"}})
	if err != nil || len(out.Records) != 1 {
		t.Fatalf("metadata filter: %d records, %v", len(out.Records), err)
	}
	out, err = e.Query(ctx, models.QueryParams{Scope: scope(), Metadata: map[string]string{"attempt": "3"}})
	if err != nil || len(out.Records) != 1 {
		t.Errorf("numeric metadata filter: %d records, %v", len(out.Records), err)
	}

	out, err = e.Query(ctx, models.QueryParams{Scope: scope(), Search: "refused upstream", SearchMode: models.SearchFullText})
	if err != nil || len(out.Records) != 1 {
		t.Errorf("fulltext search: %d records, %v", len(out.Records), err)
	}
	out, err = e.Query(ctx, models.QueryParams{Scope: scope(), Search: "ESTABLISHED", SearchMode: models.SearchSubstring})
	if err != nil || len(out.Records) != 1 {
		t.Errorf("substring search: %d records, %v", len(out.Records), err)
	}
}

func TestAggregateMatchesCount(t *testing.T) {
	e := newTestEngine(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var records []models.LogRecord
	for i := 0; i < 20; i++ {
		level := models.LevelInfo
		if i%4 == 0 {
			level = models.LevelError
		}
		records = append(records, models.LogRecord{
			ProjectID: "p1",
			Timestamp: base.Add(time.Duration(i) * 10 * time.Minute),
			Level:     level,
		})
	}
	mustIngest(t, e, records)
	ctx := context.Background()

	agg, err := e.Aggregate(ctx, models.AggregateParams{Scope: scope(), Interval: models.IntervalHour})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	count, err := e.Count(ctx, models.QueryParams{Scope: scope()})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if agg.Total != count {
		t.Errorf("Aggregate.Total = %d, Count = %d; must agree", agg.Total, count)
	}

	var bucketSum int64
	for i, b := range agg.Buckets {
		var levelSum int64
		for _, n := range b.ByLevel {
			levelSum += n
		}
		if levelSum != b.Total {
			t.Errorf("bucket %d: ByLevel sums to %d, Total %d", i, levelSum, b.Total)
		}
		bucketSum += b.Total
		if i > 0 && !agg.Buckets[i-1].Start.Before(b.Start) {
			t.Errorf("buckets out of order at %d", i)
		}
	}
	if bucketSum != agg.Total {
		t.Errorf("bucket totals sum to %d, want %d", bucketSum, agg.Total)
	}
}

func TestDistinctAndTopValues(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now().UTC()
	mustIngest(t, e, []models.LogRecord{
		{ProjectID: "p1", Timestamp: now, Service: "api"},
		{ProjectID: "p1", Timestamp: now, Service: "api"},
		{ProjectID: "p1", Timestamp: now, Service: "worker"},
		{ProjectID: "p1", Timestamp: now, Service: "api", Metadata: map[string]any{"region": "eu"}},
	})
	ctx := context.Background()

	values, err := e.Distinct(ctx, models.DistinctParams{Scope: scope(), Field: "service"})
	if err != nil {
		t.Fatalf("Distinct: %v", err)
	}
	if len(values) != 2 || values[0] != "api" || values[1] != "worker" {
		t.Errorf("Distinct = %v", values)
	}

	top, err := e.TopValues(ctx, models.TopValuesParams{Scope: scope(), Field: "service"})
	if err != nil {
		t.Fatalf("TopValues: %v", err)
	}
	if len(top) != 2 || top[0].Value != "api" || top[0].Count != 3 {
		t.Errorf("TopValues = %+v", top)
	}

	values, err = e.Distinct(ctx, models.DistinctParams{Scope: scope(), Field: "metadata.region"})
	if err != nil || len(values) != 1 || values[0] != "eu" {
		t.Errorf("Distinct(metadata.region) = %v, %v", values, err)
	}

	if _, err := e.Distinct(ctx, models.DistinctParams{Scope: scope(), Field: "message"}); err == nil {
		t.Error("non-allowlisted field accepted")
	}
}

func TestGetByIDAbsence(t *testing.T) {
	e := newTestEngine(t)
	got, err := e.GetByID(context.Background(), scope(), "no-such-id")
	if err != nil || got != nil {
		t.Errorf("GetByID absent = %v, %v; want nil, nil", got, err)
	}

	records, err := e.GetByIDs(context.Background(), scope(), nil)
	if err != nil || records != nil {
		t.Errorf("GetByIDs(empty) = %v, %v; want nil, nil", records, err)
	}
}

func TestDeleteByTimeRange(t *testing.T) {
	e := newTestEngine(t)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	mustIngest(t, e, []models.LogRecord{
		{ProjectID: "p1", Timestamp: base.Add(-time.Hour), Message: "before"},
		{ProjectID: "p1", Timestamp: base, Message: "at from"},
		{ProjectID: "p1", Timestamp: base.Add(30 * time.Minute), Message: "inside"},
		{ProjectID: "p1", Timestamp: base.Add(time.Hour), Message: "at to"},
		{ProjectID: "p1", Timestamp: base.Add(2 * time.Hour), Message: "after"},
		{ProjectID: "p2", Timestamp: base, Message: "other project"},
	})
	ctx := context.Background()

	n, err := e.DeleteByTimeRange(ctx, models.DeleteParams{Scope: scope(), From: base, To: base.Add(time.Hour)})
	if err != nil {
		t.Fatalf("DeleteByTimeRange: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted %d, want 3 (inclusive bounds)", n)
	}

	count, err := e.Count(ctx, models.QueryParams{Scope: scope()})
	if err != nil || count != 2 {
		t.Errorf("remaining = %d, %v; want 2", count, err)
	}
	other, err := e.Count(ctx, models.QueryParams{Scope: models.Scope{ProjectID: "p2"}})
	if err != nil || other != 1 {
		t.Errorf("other project count = %d, %v; want untouched", other, err)
	}

	if _, err := e.DeleteByTimeRange(ctx, models.DeleteParams{Scope: scope(), To: base}); err == nil {
		t.Error("unbounded delete accepted")
	}
}

func spanFixture(trace, span, parent, service, op string, start time.Time, dur time.Duration) models.SpanRecord {
	return models.SpanRecord{
		TraceID:      trace,
		SpanID:       span,
		ParentSpanID: parent,
		ProjectID:    "p1",
		Service:      service,
		Operation:    op,
		StartTime:    start,
		EndTime:      start.Add(dur),
	}
}

func TestIngestSpansDefaults(t *testing.T) {
	e := newTestEngine(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	res, err := e.IngestSpans(context.Background(), []models.SpanRecord{
		spanFixture("t1", "s1", "", "api", "GET /users", base, 120*time.Millisecond),
	})
	if err != nil || res.Ingested != 1 {
		t.Fatalf("IngestSpans: %+v, %v", res, err)
	}

	spans, err := e.GetSpansByTraceID(context.Background(), scope(), "t1")
	if err != nil || len(spans) != 1 {
		t.Fatalf("GetSpansByTraceID: %d, %v", len(spans), err)
	}
	s := spans[0]
	if s.ID == "" {
		t.Error("span id not assigned")
	}
	if s.DurationMS != 120 {
		t.Errorf("DurationMS = %v, want derived 120", s.DurationMS)
	}
	if s.Kind != models.SpanKindUnspecified {
		t.Errorf("Kind = %q, want defaulted", s.Kind)
	}
}

func TestQuerySpansFilters(t *testing.T) {
	e := newTestEngine(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fast := spanFixture("t1", "s1", "", "api", "GET /users", base, 50*time.Millisecond)
	slow := spanFixture("t1", "s2", "s1", "db", "SELECT", base.Add(time.Millisecond), 900*time.Millisecond)
	failed := spanFixture("t2", "s3", "", "api", "GET /orders", base.Add(time.Second), 10*time.Millisecond)
	failed.StatusCode = "ERROR"
	if _, err := e.IngestSpans(context.Background(), []models.SpanRecord{fast, slow, failed}); err != nil {
		t.Fatalf("IngestSpans: %v", err)
	}
	ctx := context.Background()

	out, err := e.QuerySpans(ctx, models.SpanQueryParams{Scope: scope(), MinDurationMS: 500})
	if err != nil || len(out.Spans) != 1 || out.Spans[0].SpanID != "s2" {
		t.Errorf("duration filter: %+v, %v", out.Spans, err)
	}

	out, err = e.QuerySpans(ctx, models.SpanQueryParams{Scope: scope(), ErrorsOnly: true})
	if err != nil || len(out.Spans) != 1 || out.Spans[0].SpanID != "s3" {
		t.Errorf("errors-only filter: %+v, %v", out.Spans, err)
	}

	out, err = e.QuerySpans(ctx, models.SpanQueryParams{Scope: scope(), Operation: []string{"SELECT", "GET /orders"}})
	if err != nil || len(out.Spans) != 2 {
		t.Errorf("operation filter: %d, %v", len(out.Spans), err)
	}
}

func TestUpsertTraceMergeConvergence(t *testing.T) {
	e := newTestEngine(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	// Two partial aggregates arrive out of order; the stored summary must
	// converge to the union either way.
	late := models.TraceRecord{TraceID: "t1", ProjectID: "p1", StartTime: base.Add(time.Second), EndTime: base.Add(3 * time.Second), SpanCount: 4, HasError: true}
	early := models.TraceRecord{TraceID: "t1", ProjectID: "p1", RootService: "api", RootOperation: "GET /users", StartTime: base, EndTime: base.Add(2 * time.Second), SpanCount: 3}

	if err := e.UpsertTrace(ctx, late); err != nil {
		t.Fatalf("UpsertTrace: %v", err)
	}
	if err := e.UpsertTrace(ctx, early); err != nil {
		t.Fatalf("UpsertTrace: %v", err)
	}

	got, err := e.GetTraceByID(ctx, scope(), "t1")
	if err != nil || got == nil {
		t.Fatalf("GetTraceByID: %v, %v", got, err)
	}
	if !got.StartTime.Equal(base) || !got.EndTime.Equal(base.Add(3*time.Second)) {
		t.Errorf("bounds = [%v, %v], want union", got.StartTime, got.EndTime)
	}
	if got.SpanCount != 7 {
		t.Errorf("SpanCount = %d, want 7", got.SpanCount)
	}
	if !got.HasError {
		t.Error("HasError not latched")
	}
	if got.RootService != "api" {
		t.Errorf("RootService = %q, want backfilled from later aggregate", got.RootService)
	}
	if got.DurationMS != 3000 {
		t.Errorf("DurationMS = %v, want 3000", got.DurationMS)
	}
}

func TestQueryTracesFilters(t *testing.T) {
	e := newTestEngine(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	traces := []models.TraceRecord{
		{TraceID: "t1", ProjectID: "p1", RootService: "api", StartTime: base, EndTime: base.Add(3 * time.Second), SpanCount: 5},
		{TraceID: "t2", ProjectID: "p1", RootService: "worker", StartTime: base.Add(time.Minute), EndTime: base.Add(time.Minute + 100*time.Millisecond), SpanCount: 2, HasError: true},
	}
	for _, tr := range traces {
		if err := e.UpsertTrace(ctx, tr); err != nil {
			t.Fatalf("UpsertTrace: %v", err)
		}
	}

	out, err := e.QueryTraces(ctx, models.TraceQueryParams{Scope: scope(), ErrorsOnly: true})
	if err != nil || len(out.Traces) != 1 || out.Traces[0].TraceID != "t2" {
		t.Errorf("errors-only: %+v, %v", out.Traces, err)
	}

	out, err = e.QueryTraces(ctx, models.TraceQueryParams{Scope: scope(), MinDurationMS: 1000})
	if err != nil || len(out.Traces) != 1 || out.Traces[0].TraceID != "t1" {
		t.Errorf("min duration: %+v, %v", out.Traces, err)
	}

	out, err = e.QueryTraces(ctx, models.TraceQueryParams{Scope: scope(), RootService: []string{"api", "worker"}})
	if err != nil || len(out.Traces) != 2 {
		t.Errorf("root service list: %d, %v", len(out.Traces), err)
	}
}

func TestServiceDependencies(t *testing.T) {
	e := newTestEngine(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	spans := []models.SpanRecord{
		spanFixture("t1", "a1", "", "api", "GET /users", base, 100*time.Millisecond),
		spanFixture("t1", "a2", "a1", "db", "SELECT", base.Add(time.Millisecond), 20*time.Millisecond),
		spanFixture("t1", "a3", "a1", "cache", "GET", base.Add(time.Millisecond), 2*time.Millisecond),
		spanFixture("t2", "b1", "", "api", "GET /users", base.Add(time.Second), 80*time.Millisecond),
		spanFixture("t2", "b2", "b1", "db", "SELECT", base.Add(time.Second), 30*time.Millisecond),
		// Same-service parent/child must not create an edge.
		spanFixture("t2", "b3", "b2", "db", "commit", base.Add(time.Second), time.Millisecond),
	}
	if _, err := e.IngestSpans(context.Background(), spans); err != nil {
		t.Fatalf("IngestSpans: %v", err)
	}

	deps, err := e.GetServiceDependencies(context.Background(), models.DependencyParams{Scope: scope()})
	if err != nil {
		t.Fatalf("GetServiceDependencies: %v", err)
	}
	if len(deps.Edges) != 2 {
		t.Fatalf("edges = %+v, want api->db and api->cache", deps.Edges)
	}
	if deps.Edges[0].Source != "api" || deps.Edges[0].Target != "db" || deps.Edges[0].CallCount != 2 {
		t.Errorf("top edge = %+v, want api->db x2", deps.Edges[0])
	}
	if deps.Edges[1].Source != "api" || deps.Edges[1].Target != "cache" || deps.Edges[1].CallCount != 1 {
		t.Errorf("second edge = %+v, want api->cache x1", deps.Edges[1])
	}
	if len(deps.Nodes) != 3 {
		t.Errorf("nodes = %+v, want api, cache, db", deps.Nodes)
	}
}

func TestDeleteSpansCleansOrphanTraces(t *testing.T) {
	e := newTestEngine(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	oldSpan := spanFixture("t-old", "s1", "", "api", "GET", base.Add(-48*time.Hour), 10*time.Millisecond)
	newSpan := spanFixture("t-new", "s2", "", "api", "GET", base, 10*time.Millisecond)
	if _, err := e.IngestSpans(ctx, []models.SpanRecord{oldSpan, newSpan}); err != nil {
		t.Fatalf("IngestSpans: %v", err)
	}
	for _, tr := range []models.TraceRecord{
		{TraceID: "t-old", ProjectID: "p1", StartTime: oldSpan.StartTime, EndTime: oldSpan.EndTime, SpanCount: 1},
		{TraceID: "t-new", ProjectID: "p1", StartTime: newSpan.StartTime, EndTime: newSpan.EndTime, SpanCount: 1},
	} {
		if err := e.UpsertTrace(ctx, tr); err != nil {
			t.Fatalf("UpsertTrace: %v", err)
		}
	}

	n, err := e.DeleteSpansByTimeRange(ctx, models.DeleteParams{
		Scope: scope(),
		From:  base.Add(-72 * time.Hour),
		To:    base.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("DeleteSpansByTimeRange: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d spans, want 1", n)
	}

	if got, err := e.GetTraceByID(ctx, scope(), "t-old"); err != nil || got != nil {
		t.Errorf("orphaned trace survived: %v, %v", got, err)
	}
	if got, err := e.GetTraceByID(ctx, scope(), "t-new"); err != nil || got == nil {
		t.Errorf("live trace removed: %v, %v", got, err)
	}
}

func TestDeleteSpansKeepsStraddlingTrace(t *testing.T) {
	e := newTestEngine(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	// Earliest span inside the delete window, later span past it. The trace
	// summary starts at the earliest span, so filtering summaries by their
	// own start_time would wrongly remove it.
	early := spanFixture("t-mix", "s1", "", "api", "GET", base, 10*time.Millisecond)
	late := spanFixture("t-mix", "s2", "", "api", "GET", base.Add(2*time.Hour), 10*time.Millisecond)
	if _, err := e.IngestSpans(ctx, []models.SpanRecord{early, late}); err != nil {
		t.Fatalf("IngestSpans: %v", err)
	}
	if err := e.UpsertTrace(ctx, models.TraceRecord{
		TraceID: "t-mix", ProjectID: "p1",
		StartTime: early.StartTime, EndTime: late.EndTime, SpanCount: 2,
	}); err != nil {
		t.Fatalf("UpsertTrace: %v", err)
	}

	n, err := e.DeleteSpansByTimeRange(ctx, models.DeleteParams{
		Scope: scope(),
		From:  base.Add(-time.Hour),
		To:    base.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("DeleteSpansByTimeRange: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d spans, want 1", n)
	}

	if got, err := e.GetTraceByID(ctx, scope(), "t-mix"); err != nil || got == nil {
		t.Errorf("trace with a remaining span removed: %v, %v", got, err)
	}
	remaining, err := e.GetSpansByTraceID(ctx, scope(), "t-mix")
	if err != nil {
		t.Fatalf("GetSpansByTraceID: %v", err)
	}
	if len(remaining) != 1 || remaining[0].SpanID != "s2" {
		t.Errorf("remaining spans = %+v, want only s2", remaining)
	}
}
