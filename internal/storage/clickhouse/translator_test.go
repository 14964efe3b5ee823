package clickhouse

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/telstore/telstore/internal/storage/engine"
	"github.com/telstore/telstore/pkg/models"
)

func newTestTranslator() translator {
	return translator{database: "telemetry"}
}

func scoped() models.QueryParams {
	return models.QueryParams{Scope: models.Scope{ProjectID: "p1"}}
}

func TestQueryScalarVsArrayFilters(t *testing.T) {
	tr := newTestTranslator()

	p := scoped()
	p.Service = []string{"api"}
	stmt, err := tr.Query(p)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !strings.Contains(stmt.SQL, "service = ?") {
		t.Errorf("one service should use equality, got %q", stmt.SQL)
	}

	p.Service = []string{"api", "worker"}
	stmt, err = tr.Query(p)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !strings.Contains(stmt.SQL, "has(?, service)") {
		t.Errorf("several services should use has(), got %q", stmt.SQL)
	}
	if !reflect.DeepEqual(stmt.Args[1], []string{"api", "worker"}) {
		t.Errorf("service list not bound: %v", stmt.Args)
	}
}

func TestQueryInlineLimit(t *testing.T) {
	tr := newTestTranslator()

	p := scoped()
	p.Limit = 25
	stmt, err := tr.Query(p)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	// Limit+1 is rendered inline, never bound.
	if !strings.Contains(stmt.SQL, "LIMIT 26") {
		t.Errorf("inline limit missing: %q", stmt.SQL)
	}
	if len(stmt.Args) != 1 {
		t.Errorf("limit must not be a bound arg: %v", stmt.Args)
	}

	p.Offset = 50
	stmt, err = tr.Query(p)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !strings.Contains(stmt.SQL, "OFFSET 50") {
		t.Errorf("inline offset missing: %q", stmt.SQL)
	}
}

func TestQueryMetadataFilter(t *testing.T) {
	tr := newTestTranslator()

	p := scoped()
	p.Metadata = map[string]string{"hostname": "web-1"}
	stmt, err := tr.Query(p)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !strings.Contains(stmt.SQL, "JSONExtractString(metadata, 'hostname') = ?") {
		t.Errorf("metadata accessor missing: %q", stmt.SQL)
	}

	p.Metadata = map[string]string{"bad key": "x"}
	if _, err := tr.Query(p); err == nil {
		t.Error("invalid metadata key accepted")
	}
}

func TestQuerySearchModes(t *testing.T) {
	tr := newTestTranslator()

	p := scoped()
	p.Search = "50%_off"
	p.SearchMode = models.SearchSubstring
	stmt, err := tr.Query(p)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !strings.Contains(stmt.SQL, "message ILIKE ?") {
		t.Errorf("substring search not rendered: %q", stmt.SQL)
	}
	if stmt.Args[1] != `%50\%\_off%` {
		t.Errorf("LIKE metacharacters not escaped: %v", stmt.Args[1])
	}

	p.Search = "connection refused"
	p.SearchMode = models.SearchFullText
	stmt, err = tr.Query(p)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if strings.Count(stmt.SQL, "hasTokenCaseInsensitive(message, ?)") != 2 {
		t.Errorf("expected one token predicate per word: %q", stmt.SQL)
	}
}

func TestSearchTokens(t *testing.T) {
	got := searchTokens("connection refused: dial tcp 10.0.0.1")
	want := []string{"connection", "refused", "dial", "tcp", "10", "0", "0", "1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("searchTokens = %v, want %v", got, want)
	}
	if got := searchTokens("!!!"); len(got) != 0 {
		t.Errorf("searchTokens(!!!) = %v, want none", got)
	}
}

func TestQueryCursor(t *testing.T) {
	tr := newTestTranslator()

	p := scoped()
	p.Cursor = engine.EncodeCursor(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), "3f1c8a9e-0d2b-4c5e-9f17-6a8b2c4d5e6f")
	stmt, err := tr.Query(p)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !strings.Contains(stmt.SQL, "(timestamp, id) > (?, toUUID(?))") {
		t.Errorf("cursor comparison wrong: %q", stmt.SQL)
	}

	p.Cursor = "garbage"
	stmt, err = tr.Query(p)
	if err != nil {
		t.Fatalf("malformed cursor must not fail the query: %v", err)
	}
	if strings.Contains(stmt.SQL, "toUUID") {
		t.Errorf("malformed cursor rendered a comparison: %q", stmt.SQL)
	}
}

func TestDistinctFieldSafety(t *testing.T) {
	tr := newTestTranslator()
	scope := models.Scope{ProjectID: "p1"}

	stmt, err := tr.Distinct(models.DistinctParams{Scope: scope, Field: "service"})
	if err != nil {
		t.Fatalf("Distinct: %v", err)
	}
	if !strings.Contains(stmt.SQL, "SELECT DISTINCT service FROM telemetry.logs") {
		t.Errorf("Distinct SQL = %q", stmt.SQL)
	}

	for _, field := range []string{"message", "level) FROM logs; --", "metadata.bad key"} {
		_, err := tr.Distinct(models.DistinctParams{Scope: scope, Field: field})
		if err == nil {
			t.Errorf("Distinct(%q) accepted", field)
			continue
		}
		if !models.IsValidation(err) {
			t.Errorf("Distinct(%q) error type %T", field, err)
		}
	}
}

func TestAggregateIntervals(t *testing.T) {
	tr := newTestTranslator()
	for interval, expr := range intervalExprs {
		stmt, err := tr.Aggregate(models.AggregateParams{Scope: models.Scope{ProjectID: "p1"}, Interval: interval})
		if err != nil {
			t.Fatalf("Aggregate(%q): %v", interval, err)
		}
		if !strings.Contains(stmt.SQL, "toStartOfInterval(timestamp, "+expr+")") {
			t.Errorf("Aggregate(%q) bucket expr missing in %q", interval, stmt.SQL)
		}
	}

	if _, err := tr.Aggregate(models.AggregateParams{Scope: models.Scope{ProjectID: "p1"}, Interval: "90s"}); err == nil {
		t.Error("unsupported interval accepted")
	}
}

func TestQueryTracesFinal(t *testing.T) {
	tr := newTestTranslator()
	stmt, err := tr.QueryTraces(models.TraceQueryParams{Scope: models.Scope{ProjectID: "p1"}, ErrorsOnly: true})
	if err != nil {
		t.Fatalf("QueryTraces: %v", err)
	}
	if !strings.Contains(stmt.SQL, "FROM telemetry.traces FINAL") {
		t.Errorf("trace reads must collapse versions with FINAL: %q", stmt.SQL)
	}
	if !strings.Contains(stmt.SQL, "has_error") {
		t.Errorf("errors-only filter missing: %q", stmt.SQL)
	}
}

func TestContainedTracesGroupsOverSpans(t *testing.T) {
	tr := newTestTranslator()
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)
	stmt := tr.ContainedTraces(models.DeleteParams{
		Scope: models.Scope{ProjectID: "p1"},
		From:  from,
		To:    to,
	})

	for _, want := range []string{
		"FROM telemetry.spans",
		"GROUP BY trace_id",
		"HAVING min(start_time) >= ? AND max(start_time) <= ?",
	} {
		if !strings.Contains(stmt.SQL, want) {
			t.Errorf("ContainedTraces missing %q in:\n%s", want, stmt.SQL)
		}
	}
	// A trace keeping a span past the window must not match, so the summary
	// filter has to group over spans rather than test the summary start_time.
	if strings.Contains(stmt.SQL, "traces") {
		t.Errorf("ContainedTraces should select from spans only, got:\n%s", stmt.SQL)
	}
	if !reflect.DeepEqual(stmt.Args, []any{"p1", from, to}) {
		t.Errorf("Args = %v, want scope then window bounds", stmt.Args)
	}
}

func TestDependenciesJoin(t *testing.T) {
	tr := newTestTranslator()
	stmt, err := tr.Dependencies(models.DependencyParams{Scope: models.Scope{ProjectID: "p1"}})
	if err != nil {
		t.Fatalf("Dependencies: %v", err)
	}
	for _, want := range []string{"parent.span_id = child.parent_span_id", "child.service != parent.service", "GROUP BY source, target"} {
		if !strings.Contains(stmt.SQL, want) {
			t.Errorf("Dependencies missing %q in:\n%s", want, stmt.SQL)
		}
	}
}
