package timescale

import (
	"fmt"
	"strings"

	"github.com/telstore/telstore/internal/storage/engine"
	"github.com/telstore/telstore/pkg/models"
)

// translator turns typed parameters into PostgreSQL statements with $n
// placeholders. Caller-supplied field names never reach query text: column
// references go through the allowlist and metadata keys through the
// identifier check before any concatenation.
type translator struct {
	schema string
}

func (t *translator) logsTable() string   { return t.schema + ".logs" }
func (t *translator) spansTable() string  { return t.schema + ".spans" }
func (t *translator) tracesTable() string { return t.schema + ".traces" }

// intervalNames maps an aggregation interval to the time_bucket width.
var intervalNames = map[models.Interval]string{
	models.IntervalMinute:    "1 minute",
	models.Interval5Minutes:  "5 minutes",
	models.Interval15Minutes: "15 minutes",
	models.IntervalHour:      "1 hour",
	models.Interval6Hours:    "6 hours",
	models.IntervalDay:       "1 day",
	models.IntervalWeek:      "1 week",
}

const logColumns = `id::text, timestamp, COALESCE(org_id, ''), project_id, service, level, message, metadata::text, COALESCE(trace_id, ''), COALESCE(span_id, '')`

// scope adds the tenant predicates every statement starts with.
func scopeFilter(b *engine.Builder, scope models.Scope) {
	b.Where("project_id = " + b.Bind(scope.ProjectID))
	if scope.OrgID != "" {
		b.Where("org_id = " + b.Bind(scope.OrgID))
	}
}

// stringFilter renders scalar-or-array semantics: one value compares with
// equality, several with ANY.
func stringFilter(b *engine.Builder, column string, values []string) {
	switch len(values) {
	case 0:
	case 1:
		b.Where(column + " = " + b.Bind(values[0]))
	default:
		b.Where(column + " = ANY(" + b.Bind(values) + ")")
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

// timeFilter renders the inclusive/exclusive range bounds over column.
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

// metadataFilter renders equality over nested metadata sub-fields using the
// JSONB ->> accessor. Keys are checked before being quoted into the
// expression.
func metadataFilter(b *engine.Builder, metadata map[string]string) error {
	for key, value := range metadata {
		if !engine.ValidMetadataKey(key) {
			return &models.ValidationError{Field: "metadata", Reason: fmt.Sprintf("invalid metadata key %q", key)}
		}
		b.Where("metadata->>'" + key + "' = " + b.Bind(value))
	}
	return nil
}

// searchFilter renders the message search predicate. Substring search
// escapes ILIKE metacharacters so the term matches literally.
func searchFilter(b *engine.Builder, term string, mode models.SearchMode) {
	if term == "" {
		return
	}
	if mode == models.SearchSubstring {
		b.Where("message ILIKE " + b.Bind("%"+engine.EscapeLike(term)+"%"))
		return
	}
	b.Where("to_tsvector('english', message) @@ websearch_to_tsquery('english', " + b.Bind(term) + ")")
}

// logFilters builds the full predicate set for log queries.
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

// Query translates QueryParams into the page-fetching statement. The limit
// is raised by one so the engine can detect a further page without a
// second count query.
func (t *translator) Query(p models.QueryParams) (engine.Statement, error) {
	if err := p.Validate(); err != nil {
		return engine.Statement{}, err
	}
	b := engine.NewBuilder(engine.DollarPlaceholder)
	if err := t.logFilters(b, p); err != nil {
		return engine.Statement{}, err
	}

	dir, cmp := "ASC", ">"
	if p.Order == models.OrderDesc {
		dir, cmp = "DESC", "<"
	}
	cursored := false
	if ts, id, ok := engine.DecodeCursor(p.Cursor); ok {
		b.Where("(timestamp, id) " + cmp + " (" + b.Bind(ts) + ", " + b.Bind(id) + "::uuid)")
		cursored = true
	}

	limit := engine.ClampLimit(p.Limit)
	sql := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY timestamp %s, id %s LIMIT %s",
		logColumns, t.logsTable(), b.Clause(), dir, dir, b.Bind(limit+1))
	if !cursored && p.Offset > 0 {
		sql += " OFFSET " + b.Bind(p.Offset)
	}
	return engine.Statement{SQL: sql, Args: b.Args()}, nil
}

// Count translates QueryParams into the matching-row count.
func (t *translator) Count(p models.QueryParams) (engine.Statement, error) {
	if err := p.Validate(); err != nil {
		return engine.Statement{}, err
	}
	b := engine.NewBuilder(engine.DollarPlaceholder)
	if err := t.logFilters(b, p); err != nil {
		return engine.Statement{}, err
	}
	sql := fmt.Sprintf("SELECT count(*) FROM %s%s", t.logsTable(), b.Clause())
	return engine.Statement{SQL: sql, Args: b.Args()}, nil
}

// fieldExpr renders a verified field as a selectable expression.
func fieldExpr(f engine.Field) string {
	if f.MetadataKey != "" {
		return "metadata->>'" + f.MetadataKey + "'"
	}
	return f.Column
}

// Distinct translates DistinctParams. The field goes through the allowlist
// before it is placed into the statement.
func (t *translator) Distinct(p models.DistinctParams) (engine.Statement, error) {
	if err := p.Scope.Validate(); err != nil {
		return engine.Statement{}, err
	}
	field, err := engine.ResolveField(p.Field)
	if err != nil {
		return engine.Statement{}, err
	}
	expr := fieldExpr(field)

	b := engine.NewBuilder(engine.DollarPlaceholder)
	scopeFilter(b, p.Scope)
	stringFilter(b, "service", p.Service)
	levelFilter(b, p.Level)
	timeFilter(b, "timestamp", p.Range)
	b.Where(expr + " IS NOT NULL")

	sql := fmt.Sprintf("SELECT DISTINCT %s FROM %s%s ORDER BY 1 LIMIT %s",
		expr, t.logsTable(), b.Clause(), b.Bind(engine.ClampLimit(p.Limit)))
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

	b := engine.NewBuilder(engine.DollarPlaceholder)
	scopeFilter(b, p.Scope)
	stringFilter(b, "service", p.Service)
	levelFilter(b, p.Level)
	timeFilter(b, "timestamp", p.Range)
	b.Where(expr + " IS NOT NULL")

	sql := fmt.Sprintf("SELECT %s, count(*) FROM %s%s GROUP BY 1 ORDER BY 2 DESC, 1 ASC LIMIT %s",
		expr, t.logsTable(), b.Clause(), b.Bind(engine.ClampLimit(p.Limit)))
	return engine.Statement{SQL: sql, Args: b.Args()}, nil
}

// Aggregate translates AggregateParams into a time_bucket grouping by
// bucket and level; the engine folds rows into the result series.
func (t *translator) Aggregate(p models.AggregateParams) (engine.Statement, error) {
	if err := p.Validate(); err != nil {
		return engine.Statement{}, err
	}
	width, ok := intervalNames[p.Interval]
	if !ok {
		return engine.Statement{}, &models.ValidationError{Field: "interval", Reason: fmt.Sprintf("unsupported interval %q", p.Interval)}
	}

	b := engine.NewBuilder(engine.DollarPlaceholder)
	scopeFilter(b, p.Scope)
	stringFilter(b, "service", p.Service)
	levelFilter(b, p.Level)
	if err := metadataFilter(b, p.Metadata); err != nil {
		return engine.Statement{}, err
	}
	timeFilter(b, "timestamp", p.Range)

	sql := fmt.Sprintf(
		"SELECT time_bucket(%s::interval, timestamp) AS bucket, level, count(*) FROM %s%s GROUP BY bucket, level ORDER BY bucket ASC",
		b.Bind(width), t.logsTable(), b.Clause())
	return engine.Statement{SQL: sql, Args: b.Args()}, nil
}

const spanColumns = `id::text, span_id, trace_id, COALESCE(parent_span_id, ''), COALESCE(org_id, ''), project_id, service, operation, start_time, end_time, duration_ms, kind, status_code, status_message, attributes::text, events::text, links::text, resource_attrs::text`

// spanFilters builds the predicate set for span queries.
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

// QuerySpans translates SpanQueryParams with the same limit+1 pagination
// as Query, ordered on (start_time, id).
func (t *translator) QuerySpans(p models.SpanQueryParams) (engine.Statement, error) {
	if err := p.Validate(); err != nil {
		return engine.Statement{}, err
	}
	b := engine.NewBuilder(engine.DollarPlaceholder)
	spanFilters(b, p)

	dir, cmp := "ASC", ">"
	if p.Order == models.OrderDesc {
		dir, cmp = "DESC", "<"
	}
	if ts, id, ok := engine.DecodeCursor(p.Cursor); ok {
		b.Where("(start_time, id) " + cmp + " (" + b.Bind(ts) + ", " + b.Bind(id) + "::uuid)")
	}

	sql := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY start_time %s, id %s LIMIT %s",
		spanColumns, t.spansTable(), b.Clause(), dir, dir, b.Bind(engine.ClampLimit(p.Limit)+1))
	return engine.Statement{SQL: sql, Args: b.Args()}, nil
}

const traceColumns = `trace_id, COALESCE(org_id, ''), project_id, root_service, root_operation, start_time, end_time, duration_ms, span_count, has_error`

// QueryTraces translates TraceQueryParams, ordered on (start_time, trace_id).
func (t *translator) QueryTraces(p models.TraceQueryParams) (engine.Statement, error) {
	if err := p.Validate(); err != nil {
		return engine.Statement{}, err
	}
	b := engine.NewBuilder(engine.DollarPlaceholder)
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

	sql := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY start_time %s, trace_id %s LIMIT %s",
		traceColumns, t.tracesTable(), b.Clause(), dir, dir, b.Bind(engine.ClampLimit(p.Limit)+1))
	return engine.Statement{SQL: sql, Args: b.Args()}, nil
}

// Dependencies translates DependencyParams into the parent/child self-join
// producing one row per cross-service (source, target) pair.
func (t *translator) Dependencies(p models.DependencyParams) (engine.Statement, error) {
	if err := p.Validate(); err != nil {
		return engine.Statement{}, err
	}
	b := engine.NewBuilder(engine.DollarPlaceholder)
	b.Where("child.project_id = " + b.Bind(p.Scope.ProjectID))
	if p.Scope.OrgID != "" {
		b.Where("child.org_id = " + b.Bind(p.Scope.OrgID))
	}
	timeFilter(b, "child.start_time", p.Range)
	b.Where("child.service <> parent.service")

	spans := t.spansTable()
	sql := fmt.Sprintf(strings.TrimSpace(`
SELECT parent.service AS source, child.service AS target, count(*) AS calls
FROM %s AS child
JOIN %s AS parent
  ON parent.project_id = child.project_id
 AND parent.trace_id = child.trace_id
 AND parent.span_id = child.parent_span_id
%s
GROUP BY source, target
ORDER BY calls DESC, source ASC, target ASC`),
		spans, spans, strings.TrimPrefix(b.Clause(), " "))
	return engine.Statement{SQL: sql, Args: b.Args()}, nil
}
