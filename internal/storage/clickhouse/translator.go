package clickhouse

import (
	"fmt"
	"strings"

	"github.com/telstore/telstore/internal/storage/engine"
	"github.com/telstore/telstore/pkg/models"
)

// translator turns typed parameters into ClickHouse SQL with ? placeholders.
// Dynamic field names pass the shared allowlist before they reach query
// text; the dialect differences from the transactional backend are the
// array membership function, the JSON accessor, the bucket function, and
// inline LIMIT rendering.
type translator struct {
	database string
}

func (t *translator) logsTable() string   { return t.database + ".logs" }
func (t *translator) spansTable() string  { return t.database + ".spans" }
func (t *translator) tracesTable() string { return t.database + ".traces" }

// intervalExprs maps an aggregation interval to its native bucket width.
var intervalExprs = map[models.Interval]string{
	models.IntervalMinute:    "INTERVAL 1 MINUTE",
	models.Interval5Minutes:  "INTERVAL 5 MINUTE",
	models.Interval15Minutes: "INTERVAL 15 MINUTE",
	models.IntervalHour:      "INTERVAL 1 HOUR",
	models.Interval6Hours:    "INTERVAL 6 HOUR",
	models.IntervalDay:       "INTERVAL 1 DAY",
	models.IntervalWeek:      "INTERVAL 1 WEEK",
}

const logColumns = `id, timestamp, org_id, project_id, service, level, message, metadata, trace_id, span_id`

func scopeFilter(b *engine.Builder, scope models.Scope) {
	b.Where("project_id = " + b.Bind(scope.ProjectID))
	if scope.OrgID != "" {
		b.Where("org_id = " + b.Bind(scope.OrgID))
	}
}

// stringFilter renders scalar-or-array semantics: equality for one value,
// array membership via has() for several.
func stringFilter(b *engine.Builder, column string, values []string) {
	switch len(values) {
	case 0:
	case 1:
		b.Where(column + " = " + b.Bind(values[0]))
	default:
		b.Where("has(" + b.Bind(values) + ", " + column + ")")
	}
}

func levelFilter(b *engine.Builder, levels []models.Level) {
	if len(levels) == 0 {
		return
	}
	vals := make([]string, len(levels))
	for i, l := range levels {
		vals[i] = string(l)
	}
	stringFilter(b, "level", vals)
}

func timeFilter(b *engine.Builder, column string, rng models.TimeRange) {
	if rng.From != nil {
		op := ">="
		if rng.FromExclusive {
			op = ">"
		}
		b.Where(column + " " + op + " " + b.Bind(*rng.From))
	}
	if rng.To != nil {
		op := "<="
		if rng.ToExclusive {
			op = "<"
		}
		b.Where(column + " " + op + " " + b.Bind(*rng.To))
	}
}

// metadataFilter renders equality over nested metadata sub-fields with the
// JSON accessor. Keys are checked before being quoted into the expression.
func metadataFilter(b *engine.Builder, metadata map[string]string) error {
	for key, value := range metadata {
		if !engine.ValidMetadataKey(key) {
			return &models.ValidationError{Field: "metadata", Reason: fmt.Sprintf("invalid metadata key %q", key)}
		}
		b.Where("JSONExtractString(metadata, '" + key + "') = " + b.Bind(value))
	}
	return nil
}

// searchFilter renders the message search predicate. Substring search uses
// ILIKE with pattern metacharacters escaped; full-text search matches each
// whitespace-separated token with hasTokenCaseInsensitive.
func searchFilter(b *engine.Builder, term string, mode models.SearchMode) {
	if term == "" {
		return
	}
	if mode == models.SearchSubstring {
		b.Where("message ILIKE " + b.Bind("%"+engine.EscapeLike(term)+"%"))
		return
	}
	for _, token := range searchTokens(term) {
		b.Where("hasTokenCaseInsensitive(message, " + b.Bind(token) + ")")
	}
}

// searchTokens splits a full-text term into the alphanumeric tokens
// hasToken accepts. Anything else in the term is a separator.
func searchTokens(term string) []string {
	return strings.FieldsFunc(term, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return false
		}
		return true
	})
}

func (t *translator) logFilters(b *engine.Builder, p models.QueryParams) error {
	scopeFilter(b, p.Scope)
	stringFilter(b, "service", p.Service)
	levelFilter(b, p.Level)
	stringFilter(b, "trace_id", p.TraceID)
	if err := metadataFilter(b, p.Metadata); err != nil {
		return err
	}
	timeFilter(b, "timestamp", p.Range)
	searchFilter(b, p.Search, p.SearchMode)
	return nil
}

// Query translates QueryParams with the shared limit+1 pagination idiom.
func (t *translator) Query(p models.QueryParams) (engine.Statement, error) {
	if err := p.Validate(); err != nil {
		return engine.Statement{}, err
	}
	b := engine.NewBuilder(engine.QuestionPlaceholder)
	if err := t.logFilters(b, p); err != nil {
		return engine.Statement{}, err
	}

	dir, cmp := "ASC", ">"
	if p.Order == models.OrderDesc {
		dir, cmp = "DESC", "<"
	}
	cursored := false
	if ts, id, ok := engine.DecodeCursor(p.Cursor); ok {
		b.Where("(timestamp, id) " + cmp + " (" + b.Bind(ts) + ", toUUID(" + b.Bind(id) + "))")
		cursored = true
	}

	limit := engine.ClampLimit(p.Limit)
	sql := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY timestamp %s, id %s LIMIT %d",
		logColumns, t.logsTable(), b.Clause(), dir, dir, limit+1)
	if !cursored && p.Offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", p.Offset)
	}
	return engine.Statement{SQL: sql, Args: b.Args()}, nil
}

// Count translates QueryParams into the matching-row count.
func (t *translator) Count(p models.QueryParams) (engine.Statement, error) {
	if err := p.Validate(); err != nil {
		return engine.Statement{}, err
	}
	b := engine.NewBuilder(engine.QuestionPlaceholder)
	if err := t.logFilters(b, p); err != nil {
		return engine.Statement{}, err
	}
	sql := fmt.Sprintf("SELECT count() FROM %s%s", t.logsTable(), b.Clause())
	return engine.Statement{SQL: sql, Args: b.Args()}, nil
}

func fieldExpr(f engine.Field) string {
	if f.MetadataKey != "" {
		return "JSONExtractString(metadata, '" + f.MetadataKey + "')"
	}
	return f.Column
}

// Distinct translates DistinctParams; the field passes the allowlist first.
func (t *translator) Distinct(p models.DistinctParams) (engine.Statement, error) {
	if err := p.Scope.Validate(); err != nil {
		return engine.Statement{}, err
	}
	field, err := engine.ResolveField(p.Field)
	if err != nil {
		return engine.Statement{}, err
	}
	expr := fieldExpr(field)

	b := engine.NewBuilder(engine.QuestionPlaceholder)
	scopeFilter(b, p.Scope)
	stringFilter(b, "service", p.Service)
	levelFilter(b, p.Level)
	timeFilter(b, "timestamp", p.Range)
	b.Where(expr + " != ''")

	sql := fmt.Sprintf("SELECT DISTINCT %s FROM %s%s ORDER BY 1 LIMIT %d",
		expr, t.logsTable(), b.Clause(), engine.ClampLimit(p.Limit))
	return engine.Statement{SQL: sql, Args: b.Args()}, nil
}

// TopValues translates TopValuesParams into a grouped frequency ranking.
func (t *translator) TopValues(p models.TopValuesParams) (engine.Statement, error) {
	if err := p.Scope.Validate(); err != nil {
		return engine.Statement{}, err
	}
	field, err := engine.ResolveField(p.Field)
	if err != nil {
		return engine.Statement{}, err
	}
	expr := fieldExpr(field)

	b := engine.NewBuilder(engine.QuestionPlaceholder)
	scopeFilter(b, p.Scope)
	stringFilter(b, "service", p.Service)
	levelFilter(b, p.Level)
	timeFilter(b, "timestamp", p.Range)
	b.Where(expr + " != ''")

	sql := fmt.Sprintf("SELECT %s, count() FROM %s%s GROUP BY 1 ORDER BY 2 DESC, 1 ASC LIMIT %d",
		expr, t.logsTable(), b.Clause(), engine.ClampLimit(p.Limit))
	return engine.Statement{SQL: sql, Args: b.Args()}, nil
}

// Aggregate translates AggregateParams using toStartOfInterval buckets.
func (t *translator) Aggregate(p models.AggregateParams) (engine.Statement, error) {
	if err := p.Validate(); err != nil {
		return engine.Statement{}, err
	}
	interval, ok := intervalExprs[p.Interval]
	if !ok {
		return engine.Statement{}, &models.ValidationError{Field: "interval", Reason: fmt.Sprintf("unsupported interval %q", p.Interval)}
	}

	b := engine.NewBuilder(engine.QuestionPlaceholder)
	scopeFilter(b, p.Scope)
	stringFilter(b, "service", p.Service)
	levelFilter(b, p.Level)
	if err := metadataFilter(b, p.Metadata); err != nil {
		return engine.Statement{}, err
	}
	timeFilter(b, "timestamp", p.Range)

	sql := fmt.Sprintf(
		"SELECT toStartOfInterval(timestamp, %s) AS bucket, level, count() FROM %s%s GROUP BY bucket, level ORDER BY bucket ASC",
		interval, t.logsTable(), b.Clause())
	return engine.Statement{SQL: sql, Args: b.Args()}, nil
}

const spanColumns = `id, span_id, trace_id, parent_span_id, org_id, project_id, service, operation, start_time, end_time, duration_ms, kind, status_code, status_message, attributes, events, links, resource_attrs`

func spanFilters(b *engine.Builder, p models.SpanQueryParams) {
	scopeFilter(b, p.Scope)
	stringFilter(b, "service", p.Service)
	stringFilter(b, "operation", p.Operation)
	stringFilter(b, "trace_id", p.TraceID)
	if p.MinDurationMS > 0 {
		b.Where("duration_ms >= " + b.Bind(p.MinDurationMS))
	}
	if p.MaxDurationMS > 0 {
		b.Where("duration_ms <= " + b.Bind(p.MaxDurationMS))
	}
	if p.ErrorsOnly {
		b.Where("upper(status_code) = 'ERROR'")
	}
	timeFilter(b, "start_time", p.Range)
}

// QuerySpans translates SpanQueryParams ordered on (start_time, id).
func (t *translator) QuerySpans(p models.SpanQueryParams) (engine.Statement, error) {
	if err := p.Validate(); err != nil {
		return engine.Statement{}, err
	}
	b := engine.NewBuilder(engine.QuestionPlaceholder)
	spanFilters(b, p)

	dir, cmp := "ASC", ">"
	if p.Order == models.OrderDesc {
		dir, cmp = "DESC", "<"
	}
	if ts, id, ok := engine.DecodeCursor(p.Cursor); ok {
		b.Where("(start_time, id) " + cmp + " (" + b.Bind(ts) + ", toUUID(" + b.Bind(id) + "))")
	}

	sql := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY start_time %s, id %s LIMIT %d",
		spanColumns, t.spansTable(), b.Clause(), dir, dir, engine.ClampLimit(p.Limit)+1)
	return engine.Statement{SQL: sql, Args: b.Args()}, nil
}

const traceColumns = `trace_id, org_id, project_id, root_service, root_operation, start_time, end_time, duration_ms, span_count, has_error`

// QueryTraces translates TraceQueryParams. FINAL collapses superseded
// versions of merged trace rows at read time.
func (t *translator) QueryTraces(p models.TraceQueryParams) (engine.Statement, error) {
	if err := p.Validate(); err != nil {
		return engine.Statement{}, err
	}
	b := engine.NewBuilder(engine.QuestionPlaceholder)
	scopeFilter(b, p.Scope)
	stringFilter(b, "root_service", p.RootService)
	if p.MinDurationMS > 0 {
		b.Where("duration_ms >= " + b.Bind(p.MinDurationMS))
	}
	if p.ErrorsOnly {
		b.Where("has_error")
	}
	timeFilter(b, "start_time", p.Range)

	dir, cmp := "ASC", ">"
	if p.Order == models.OrderDesc {
		dir, cmp = "DESC", "<"
	}
	if ts, id, ok := engine.DecodeCursor(p.Cursor); ok {
		b.Where("(start_time, trace_id) " + cmp + " (" + b.Bind(ts) + ", " + b.Bind(id) + ")")
	}

	sql := fmt.Sprintf("SELECT %s FROM %s FINAL%s ORDER BY start_time %s, trace_id %s LIMIT %d",
		traceColumns, t.tracesTable(), b.Clause(), dir, dir, engine.ClampLimit(p.Limit)+1)
	return engine.Statement{SQL: sql, Args: b.Args()}, nil
}

// ContainedTraces selects the ids of traces whose every span starts inside
// the delete window. Grouping over the spans table rather than filtering the
// summaries' start_time keeps a trace alive when only its earliest spans fall
// in the window.
func (t *translator) ContainedTraces(p models.DeleteParams) engine.Statement {
	b := engine.NewBuilder(engine.QuestionPlaceholder)
	scopeFilter(b, p.Scope)
	sql := fmt.Sprintf(
		"SELECT trace_id FROM %s%s GROUP BY trace_id HAVING min(start_time) >= %s AND max(start_time) <= %s",
		t.spansTable(), b.Clause(), b.Bind(p.From), b.Bind(p.To))
	return engine.Statement{SQL: sql, Args: b.Args()}
}

// Dependencies translates DependencyParams into the parent/child self-join.
func (t *translator) Dependencies(p models.DependencyParams) (engine.Statement, error) {
	if err := p.Validate(); err != nil {
		return engine.Statement{}, err
	}
	b := engine.NewBuilder(engine.QuestionPlaceholder)
	b.Where("child.project_id = " + b.Bind(p.Scope.ProjectID))
	if p.Scope.OrgID != "" {
		b.Where("child.org_id = " + b.Bind(p.Scope.OrgID))
	}
	timeFilter(b, "child.start_time", p.Range)
	b.Where("child.service != parent.service")

	spans := t.spansTable()
	sql := fmt.Sprintf(strings.TrimSpace(`
SELECT parent.service AS source, child.service AS target, count() AS calls
FROM %s AS child
INNER JOIN %s AS parent
  ON parent.project_id = child.project_id
 AND parent.trace_id = child.trace_id
 AND parent.span_id = child.parent_span_id
%s
GROUP BY source, target
ORDER BY calls DESC, source ASC, target ASC`),
		spans, spans, strings.TrimPrefix(b.Clause(), " "))
	return engine.Statement{SQL: sql, Args: b.Args()}, nil
}
