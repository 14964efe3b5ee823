// Package memory implements the storage engine contract in process. It
// backs tests and local development where no database is available, and it
// is the reference for cross-backend behavior: pagination, scoping, merge
// and delete semantics here define what the real backends must match.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telstore/telstore/internal/storage/engine"
	"github.com/telstore/telstore/pkg/models"
)

const maxBatchSize = 1000

// Engine keeps all records in slices guarded by one RWMutex. Every query
// is a linear scan; fine at test scale, never meant for production volume.
type Engine struct {
	mu        sync.RWMutex
	connected bool
	logs      []models.LogRecord
	spans     []models.SpanRecord
	traces    map[string]models.TraceRecord
	logger    *slog.Logger
}

// New returns an empty, disconnected in-memory engine.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		traces: make(map[string]models.TraceRecord),
		logger: logger,
	}
}

func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = true
	return nil
}

func (e *Engine) Disconnect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = false
	return nil
}

func (e *Engine) HealthCheck(ctx context.Context) models.Health {
	start := time.Now()
	e.mu.RLock()
	connected := e.connected
	e.mu.RUnlock()
	h := models.Health{Healthy: connected, ResponseTime: time.Since(start)}
	if !connected {
		h.Error = models.ErrNotConnected.Error()
	}
	return h
}

func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.connected {
		return models.ErrNotConnected
	}
	return nil
}

func (e *Engine) Capabilities() models.Capabilities {
	return models.Capabilities{
		Name:              "memory",
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

func (e *Engine) ready() error {
	if !e.connected {
		return models.ErrNotConnected
	}
	return nil
}

func traceKey(projectID, traceID string) string {
	return projectID + "\x1f" + traceID
}

func inScope(orgID, projectID string, scope models.Scope) bool {
	if projectID != scope.ProjectID {
		return false
	}
	return scope.OrgID == "" || orgID == scope.OrgID
}

func inList(value string, values []string) bool {
	if len(values) == 0 {
		return true
	}
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

func inRange(ts time.Time, rng models.TimeRange) bool {
	if rng.From != nil {
		if rng.FromExclusive {
			if !ts.After(*rng.From) {
				return false
			}
		} else if ts.Before(*rng.From) {
			return false
		}
	}
	if rng.To != nil {
		if rng.ToExclusive {
			if !ts.Before(*rng.To) {
				return false
			}
		} else if ts.After(*rng.To) {
			return false
		}
	}
	return true
}

func matchSearch(message, term string, mode models.SearchMode) bool {
	if term == "" {
		return true
	}
	if mode == models.SearchSubstring {
		return strings.Contains(strings.ToLower(message), strings.ToLower(term))
	}
	words := make(map[string]struct{})
	for _, w := range tokens(message) {
		words[strings.ToLower(w)] = struct{}{}
	}
	for _, t := range tokens(term) {
		if _, ok := words[strings.ToLower(t)]; !ok {
			return false
		}
	}
	return true
}

func tokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return false
		}
		return true
	})
}

func matchLog(r *models.LogRecord, p models.QueryParams) bool {
	if !inScope(r.OrgID, r.ProjectID, p.Scope) {
		return false
	}
	if !inList(r.Service, p.Service) {
		return false
	}
	if len(p.Level) > 0 {
		found := false
		for _, l := range p.Level {
			if r.Level == l {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !inList(r.TraceID, p.TraceID) {
		return false
	}
	for key, want := range p.Metadata {
		got, ok := r.Metadata[key]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	if !inRange(r.Timestamp, p.Range) {
		return false
	}
	return matchSearch(r.Message, p.Search, p.SearchMode)
}

// cursorKeep reports whether a row sits after the cursor position in the
// requested direction.
func cursorKeep(ts time.Time, id string, cts time.Time, cid string, desc bool) bool {
	if desc {
		if ts.Before(cts) {
			return true
		}
		return ts.Equal(cts) && id < cid
	}
	if ts.After(cts) {
		return true
	}
	return ts.Equal(cts) && id > cid
}

func (e *Engine) validateBatch(n int) error {
	if n > maxBatchSize {
		return &models.ValidationError{Field: "records", Reason: fmt.Sprintf("batch size %d exceeds maximum %d", n, maxBatchSize)}
	}
	return nil
}

func (e *Engine) ingestLogs(records []models.LogRecord) (models.IngestResult, []models.LogRecord, error) {
	start := time.Now()
	res := models.IngestResult{}
	if len(records) == 0 {
		return res, nil, nil
	}
	if err := e.validateBatch(len(records)); err != nil {
		res.Failed = len(records)
		return res, nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		res.Failed = len(records)
		return res, nil, models.ErrNotConnected
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
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		e.logs = append(e.logs, r)
		stored = append(stored, r)
	}
	res.Ingested = len(stored)
	res.Elapsed = time.Since(start)
	return res, stored, nil
}

func (e *Engine) Ingest(ctx context.Context, records []models.LogRecord) (models.IngestResult, error) {
	res, _, err := e.ingestLogs(records)
	return res, err
}

func (e *Engine) IngestReturning(ctx context.Context, records []models.LogRecord) (models.IngestResult, []models.LogRecord, error) {
	return e.ingestLogs(records)
}

func (e *Engine) Query(ctx context.Context, params models.QueryParams) (models.QueryResult, error) {
	start := time.Now()
	var out models.QueryResult
	if err := params.Validate(); err != nil {
		return out, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(); err != nil {
		return out, err
	}

	var matched []models.LogRecord
	for i := range e.logs {
		if matchLog(&e.logs[i], params) {
			matched = append(matched, e.logs[i])
		}
	}

	desc := params.Order == models.OrderDesc
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			if desc {
				return a.Timestamp.After(b.Timestamp)
			}
			return a.Timestamp.Before(b.Timestamp)
		}
		if desc {
			return a.ID > b.ID
		}
		return a.ID < b.ID
	})

	cursored := false
	if cts, cid, ok := engine.DecodeCursor(params.Cursor); ok {
		cursored = true
		kept := matched[:0]
		for _, r := range matched {
			if cursorKeep(r.Timestamp, r.ID, cts, cid, desc) {
				kept = append(kept, r)
			}
		}
		matched = kept
	}
	if !cursored && params.Offset > 0 {
		if params.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[params.Offset:]
		}
	}

	limit := engine.ClampLimit(params.Limit)
	if len(matched) > limit {
		out.HasMore = true
		matched = matched[:limit]
	}
	out.Records = matched
	if n := len(matched); n > 0 {
		last := matched[n-1]
		out.NextCursor = engine.EncodeCursor(last.Timestamp, last.ID)
	}
	out.Elapsed = time.Since(start)
	return out, nil
}

func (e *Engine) Count(ctx context.Context, params models.QueryParams) (int64, error) {
	if err := params.Validate(); err != nil {
		return 0, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(); err != nil {
		return 0, err
	}
	var n int64
	for i := range e.logs {
		if matchLog(&e.logs[i], params) {
			n++
		}
	}
	return n, nil
}

func fieldValue(r *models.LogRecord, f engine.Field) string {
	if f.MetadataKey != "" {
		if v, ok := r.Metadata[f.MetadataKey]; ok {
			return fmt.Sprint(v)
		}
		return ""
	}
	switch f.Column {
	case "service":
		return r.Service
	case "level":
		return string(r.Level)
	case "org_id":
		return r.OrgID
	case "project_id":
		return r.ProjectID
	case "trace_id":
		return r.TraceID
	case "span_id":
		return r.SpanID
	}
	return ""
}

func (e *Engine) Distinct(ctx context.Context, params models.DistinctParams) ([]string, error) {
	if err := params.Scope.Validate(); err != nil {
		return nil, err
	}
	field, err := engine.ResolveField(params.Field)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for i := range e.logs {
		r := &e.logs[i]
		if !inScope(r.OrgID, r.ProjectID, params.Scope) {
			continue
		}
		if !inList(r.Service, params.Service) || !matchLevels(r.Level, params.Level) || !inRange(r.Timestamp, params.Range) {
			continue
		}
		if v := fieldValue(r, field); v != "" {
			seen[v] = struct{}{}
		}
	}

	values := make([]string, 0, len(seen))
	for v := range seen {
		values = append(values, v)
	}
	sort.Strings(values)
	if limit := engine.ClampLimit(params.Limit); len(values) > limit {
		values = values[:limit]
	}
	return values, nil
}

func matchLevels(level models.Level, levels []models.Level) bool {
	if len(levels) == 0 {
		return true
	}
	for _, l := range levels {
		if level == l {
			return true
		}
	}
	return false
}

func (e *Engine) TopValues(ctx context.Context, params models.TopValuesParams) ([]models.TopValue, error) {
	if err := params.Scope.Validate(); err != nil {
		return nil, err
	}
	field, err := engine.ResolveField(params.Field)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(); err != nil {
		return nil, err
	}

	counts := make(map[string]int64)
	for i := range e.logs {
		r := &e.logs[i]
		if !inScope(r.OrgID, r.ProjectID, params.Scope) {
			continue
		}
		if !inList(r.Service, params.Service) || !matchLevels(r.Level, params.Level) || !inRange(r.Timestamp, params.Range) {
			continue
		}
		if v := fieldValue(r, field); v != "" {
			counts[v]++
		}
	}

	values := make([]models.TopValue, 0, len(counts))
	for v, n := range counts {
		values = append(values, models.TopValue{Value: v, Count: n})
	}
	sort.Slice(values, func(i, j int) bool {
		if values[i].Count != values[j].Count {
			return values[i].Count > values[j].Count
		}
		return values[i].Value < values[j].Value
	})
	if limit := engine.ClampLimit(params.Limit); len(values) > limit {
		values = values[:limit]
	}
	return values, nil
}

func (e *Engine) Aggregate(ctx context.Context, params models.AggregateParams) (models.AggregateResult, error) {
	start := time.Now()
	var out models.AggregateResult
	if err := params.Validate(); err != nil {
		return out, err
	}
	width, err := params.Interval.Duration()
	if err != nil {
		return out, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(); err != nil {
		return out, err
	}

	q := models.QueryParams{
		Scope:    params.Scope,
		Range:    params.Range,
		Service:  params.Service,
		Level:    params.Level,
		Metadata: params.Metadata,
	}
	buckets := make(map[time.Time]map[models.Level]int64)
	for i := range e.logs {
		r := &e.logs[i]
		if !matchLog(r, q) {
			continue
		}
		b := r.Timestamp.UTC().Truncate(width)
		if buckets[b] == nil {
			buckets[b] = make(map[models.Level]int64)
		}
		buckets[b][r.Level]++
	}

	starts := make([]time.Time, 0, len(buckets))
	for b := range buckets {
		starts = append(starts, b)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	for _, b := range starts {
		tb := models.TimeBucket{Start: b, ByLevel: buckets[b]}
		for _, n := range buckets[b] {
			tb.Total += n
		}
		out.Buckets = append(out.Buckets, tb)
		out.Total += tb.Total
	}
	out.Elapsed = time.Since(start)
	return out, nil
}

func (e *Engine) GetByID(ctx context.Context, scope models.Scope, id string) (*models.LogRecord, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	for i := range e.logs {
		r := e.logs[i]
		if r.ID == id && inScope(r.OrgID, r.ProjectID, scope) {
			return &r, nil
		}
	}
	return nil, nil
}

func (e *Engine) GetByIDs(ctx context.Context, scope models.Scope, ids []string) ([]models.LogRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(); err != nil {
		return nil, err
	}

	var records []models.LogRecord
	for i := range e.logs {
		r := e.logs[i]
		if _, ok := want[r.ID]; ok && inScope(r.OrgID, r.ProjectID, scope) {
			records = append(records, r)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].Timestamp.Before(records[j].Timestamp)
		}
		return records[i].ID < records[j].ID
	})
	return records, nil
}

func (e *Engine) DeleteByTimeRange(ctx context.Context, params models.DeleteParams) (int64, error) {
	if err := params.Validate(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return 0, models.ErrNotConnected
	}

	var removed int64
	kept := e.logs[:0]
	for _, r := range e.logs {
		doomed := inScope(r.OrgID, r.ProjectID, params.Scope) &&
			!r.Timestamp.Before(params.From) && !r.Timestamp.After(params.To)
		if doomed {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	e.logs = kept
	return removed, nil
}

func (e *Engine) IngestSpans(ctx context.Context, spans []models.SpanRecord) (models.IngestResult, error) {
	start := time.Now()
	res := models.IngestResult{}
	if len(spans) == 0 {
		return res, nil
	}
	if err := e.validateBatch(len(spans)); err != nil {
		res.Failed = len(spans)
		return res, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		res.Failed = len(spans)
		return res, models.ErrNotConnected
	}

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
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		e.spans = append(e.spans, s)
		res.Ingested++
	}
	res.Elapsed = time.Since(start)
	return res, nil
}

func (e *Engine) UpsertTrace(ctx context.Context, trace models.TraceRecord) error {
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

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return models.ErrNotConnected
	}

	key := traceKey(trace.ProjectID, trace.TraceID)
	if current, ok := e.traces[key]; ok {
		current.Merge(trace)
		e.traces[key] = current
		return nil
	}
	e.traces[key] = trace
	return nil
}

func matchSpan(s *models.SpanRecord, p models.SpanQueryParams) bool {
	if !inScope(s.OrgID, s.ProjectID, p.Scope) {
		return false
	}
	if !inList(s.Service, p.Service) || !inList(s.Operation, p.Operation) || !inList(s.TraceID, p.TraceID) {
		return false
	}
	if p.MinDurationMS > 0 && s.DurationMS < p.MinDurationMS {
		return false
	}
	if p.MaxDurationMS > 0 && s.DurationMS > p.MaxDurationMS {
		return false
	}
	if p.ErrorsOnly && !s.HasError() {
		return false
	}
	return inRange(s.StartTime, p.Range)
}

func (e *Engine) QuerySpans(ctx context.Context, params models.SpanQueryParams) (models.SpanQueryResult, error) {
	start := time.Now()
	var out models.SpanQueryResult
	if err := params.Validate(); err != nil {
		return out, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(); err != nil {
		return out, err
	}

	var matched []models.SpanRecord
	for i := range e.spans {
		if matchSpan(&e.spans[i], params) {
			matched = append(matched, e.spans[i])
		}
	}

	desc := params.Order == models.OrderDesc
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.StartTime.Equal(b.StartTime) {
			if desc {
				return a.StartTime.After(b.StartTime)
			}
			return a.StartTime.Before(b.StartTime)
		}
		if desc {
			return a.ID > b.ID
		}
		return a.ID < b.ID
	})

	if cts, cid, ok := engine.DecodeCursor(params.Cursor); ok {
		kept := matched[:0]
		for _, s := range matched {
			if cursorKeep(s.StartTime, s.ID, cts, cid, desc) {
				kept = append(kept, s)
			}
		}
		matched = kept
	}

	limit := engine.ClampLimit(params.Limit)
	if len(matched) > limit {
		out.HasMore = true
		matched = matched[:limit]
	}
	out.Spans = matched
	if n := len(matched); n > 0 {
		last := matched[n-1]
		out.NextCursor = engine.EncodeCursor(last.StartTime, last.ID)
	}
	out.Elapsed = time.Since(start)
	return out, nil
}

func (e *Engine) QueryTraces(ctx context.Context, params models.TraceQueryParams) (models.TraceQueryResult, error) {
	start := time.Now()
	var out models.TraceQueryResult
	if err := params.Validate(); err != nil {
		return out, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(); err != nil {
		return out, err
	}

	var matched []models.TraceRecord
	for _, t := range e.traces {
		if !inScope(t.OrgID, t.ProjectID, params.Scope) {
			continue
		}
		if !inList(t.RootService, params.RootService) {
			continue
		}
		if params.MinDurationMS > 0 && t.DurationMS < params.MinDurationMS {
			continue
		}
		if params.ErrorsOnly && !t.HasError {
			continue
		}
		if !inRange(t.StartTime, params.Range) {
			continue
		}
		matched = append(matched, t)
	}

	desc := params.Order == models.OrderDesc
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.StartTime.Equal(b.StartTime) {
			if desc {
				return a.StartTime.After(b.StartTime)
			}
			return a.StartTime.Before(b.StartTime)
		}
		if desc {
			return a.TraceID > b.TraceID
		}
		return a.TraceID < b.TraceID
	})

	if cts, cid, ok := engine.DecodeCursor(params.Cursor); ok {
		kept := matched[:0]
		for _, t := range matched {
			if cursorKeep(t.StartTime, t.TraceID, cts, cid, desc) {
				kept = append(kept, t)
			}
		}
		matched = kept
	}

	limit := engine.ClampLimit(params.Limit)
	if len(matched) > limit {
		out.HasMore = true
		matched = matched[:limit]
	}
	out.Traces = matched
	if n := len(matched); n > 0 {
		last := matched[n-1]
		out.NextCursor = engine.EncodeCursor(last.StartTime, last.TraceID)
	}
	out.Elapsed = time.Since(start)
	return out, nil
}

func (e *Engine) GetSpansByTraceID(ctx context.Context, scope models.Scope, traceID string) ([]models.SpanRecord, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if traceID == "" {
		return nil, &models.ValidationError{Field: "trace_id", Reason: "required"}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(); err != nil {
		return nil, err
	}

	var spans []models.SpanRecord
	for i := range e.spans {
		s := e.spans[i]
		if s.TraceID == traceID && inScope(s.OrgID, s.ProjectID, scope) {
			spans = append(spans, s)
		}
	}
	sort.Slice(spans, func(i, j int) bool {
		if !spans[i].StartTime.Equal(spans[j].StartTime) {
			return spans[i].StartTime.Before(spans[j].StartTime)
		}
		return spans[i].ID < spans[j].ID
	})
	return spans, nil
}

func (e *Engine) GetTraceByID(ctx context.Context, scope models.Scope, traceID string) (*models.TraceRecord, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if traceID == "" {
		return nil, &models.ValidationError{Field: "trace_id", Reason: "required"}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(); err != nil {
		return nil, err
	}

	t, ok := e.traces[traceKey(scope.ProjectID, traceID)]
	if !ok || !inScope(t.OrgID, t.ProjectID, scope) {
		return nil, nil
	}
	return &t, nil
}

func (e *Engine) GetServiceDependencies(ctx context.Context, params models.DependencyParams) (models.ServiceDependencies, error) {
	var out models.ServiceDependencies
	if err := params.Validate(); err != nil {
		return out, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(); err != nil {
		return out, err
	}

	// Parent lookup is per trace: wire span ids are only unique within one.
	services := make(map[string]string)
	for i := range e.spans {
		s := &e.spans[i]
		if inScope(s.OrgID, s.ProjectID, params.Scope) {
			services[traceKey(s.TraceID, s.SpanID)] = s.Service
		}
	}

	counts := make(map[[2]string]int64)
	for i := range e.spans {
		s := &e.spans[i]
		if !inScope(s.OrgID, s.ProjectID, params.Scope) || s.ParentSpanID == "" {
			continue
		}
		if !inRange(s.StartTime, params.Range) {
			continue
		}
		parent, ok := services[traceKey(s.TraceID, s.ParentSpanID)]
		if !ok || parent == s.Service {
			continue
		}
		counts[[2]string{parent, s.Service}]++
	}

	for pair, n := range counts {
		out.Edges = append(out.Edges, models.DependencyEdge{Source: pair[0], Target: pair[1], CallCount: n})
	}
	sort.Slice(out.Edges, func(i, j int) bool {
		a, b := out.Edges[i], out.Edges[j]
		if a.CallCount != b.CallCount {
			return a.CallCount > b.CallCount
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Target < b.Target
	})
	out.Nodes = engine.NodesFromEdges(out.Edges)
	return out, nil
}

func (e *Engine) DeleteSpansByTimeRange(ctx context.Context, params models.DeleteParams) (int64, error) {
	if err := params.Validate(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return 0, models.ErrNotConnected
	}

	var removed int64
	kept := e.spans[:0]
	for _, s := range e.spans {
		doomed := inScope(s.OrgID, s.ProjectID, params.Scope) &&
			!s.StartTime.Before(params.From) && !s.StartTime.After(params.To)
		if doomed {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	e.spans = kept

	// Drop trace summaries left without any spans.
	remaining := make(map[string]struct{})
	for i := range e.spans {
		remaining[traceKey(e.spans[i].ProjectID, e.spans[i].TraceID)] = struct{}{}
	}
	for key, t := range e.traces {
		if !inScope(t.OrgID, t.ProjectID, params.Scope) {
			continue
		}
		if _, ok := remaining[key]; !ok {
			delete(e.traces, key)
		}
	}
	return removed, nil
}
