// Package dual wraps two storage engines for dual-write migration.
// Writes go to both primary and secondary; reads come from primary only.
// The secondary is best-effort: its failures are logged, never surfaced.
package dual

import (
	"context"
	"log/slog"
	"time"

	"github.com/telstore/telstore/internal/storage/engine"
	"github.com/telstore/telstore/pkg/models"
)

// Engine mirrors writes onto a secondary backend while serving all reads
// from the primary. Used to backfill a new backend while the old one
// stays authoritative.
type Engine struct {
	primary   engine.Engine
	secondary engine.Engine
	logger    *slog.Logger
}

// Config holds the two engines being bridged.
type Config struct {
	Primary   engine.Engine
	Secondary engine.Engine
	Logger    *slog.Logger
}

// New creates a dual-write engine.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		primary:   cfg.Primary,
		secondary: cfg.Secondary,
		logger:    cfg.Logger,
	}
}

// dualWrite runs the primary write synchronously and the secondary one in
// the background. The primary determines success; the secondary write gets
// a detached context so request cancellation cannot strand the mirror
// mid-batch.
func (e *Engine) dualWrite(ctx context.Context, op string, primaryWrite func(context.Context) error, secondaryWrite func(context.Context) error) error {
	if err := primaryWrite(ctx); err != nil {
		return err
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		if err := secondaryWrite(bg); err != nil {
			e.logger.Error("dual-write to secondary failed",
				"operation", op,
				"error", err,
			)
		}
	}()
	return nil
}

// Connect connects both backends. Both must succeed.
func (e *Engine) Connect(ctx context.Context) error {
	if err := e.primary.Connect(ctx); err != nil {
		return err
	}
	return e.secondary.Connect(ctx)
}

// Disconnect disconnects both backends, reporting the first failure.
func (e *Engine) Disconnect(ctx context.Context) error {
	err := e.primary.Disconnect(ctx)
	if serr := e.secondary.Disconnect(ctx); err == nil {
		err = serr
	}
	return err
}

// HealthCheck is healthy only when both backends are. The slower backend
// dominates the reported response time.
func (e *Engine) HealthCheck(ctx context.Context) models.Health {
	start := time.Now()
	p := e.primary.HealthCheck(ctx)
	s := e.secondary.HealthCheck(ctx)
	h := models.Health{
		Healthy:      p.Healthy && s.Healthy,
		ResponseTime: time.Since(start),
	}
	switch {
	case !p.Healthy:
		h.Error = "primary: " + p.Error
	case !s.Healthy:
		h.Error = "secondary: " + s.Error
	}
	return h
}

// Initialize initializes both backends.
func (e *Engine) Initialize(ctx context.Context) error {
	if err := e.primary.Initialize(ctx); err != nil {
		return err
	}
	return e.secondary.Initialize(ctx)
}

// Capabilities intersects the two descriptors: a capability is advertised
// only when both backends provide it, and the stricter batch cap wins.
func (e *Engine) Capabilities() models.Capabilities {
	p := e.primary.Capabilities()
	s := e.secondary.Capabilities()
	caps := models.Capabilities{
		Name:              "dual",
		FullTextSearch:    p.FullTextSearch && s.FullTextSearch,
		SubstringSearch:   p.SubstringSearch && s.SubstringSearch,
		Transactions:      p.Transactions && s.Transactions,
		ReturningInsert:   p.ReturningInsert,
		Streaming:         p.Streaming && s.Streaming,
		SynchronousDelete: p.SynchronousDelete && s.SynchronousDelete,
		MaxBatchSize:      p.MaxBatchSize,
		Operators:         p.Operators,
		Intervals:         p.Intervals,
	}
	if s.MaxBatchSize < caps.MaxBatchSize {
		caps.MaxBatchSize = s.MaxBatchSize
	}
	return caps
}

// Ingest writes to both backends; the primary result is returned.
func (e *Engine) Ingest(ctx context.Context, records []models.LogRecord) (models.IngestResult, error) {
	var res models.IngestResult
	err := e.dualWrite(ctx, "Ingest",
		func(ctx context.Context) error {
			var err error
			res, err = e.primary.Ingest(ctx, records)
			return err
		},
		func(ctx context.Context) error {
			_, err := e.secondary.Ingest(ctx, records)
			return err
		},
	)
	return res, err
}

// IngestReturning returns the primary's stored records; the secondary
// mirror reuses them so both backends hold the same identifiers.
func (e *Engine) IngestReturning(ctx context.Context, records []models.LogRecord) (models.IngestResult, []models.LogRecord, error) {
	res, stored, err := e.primary.IngestReturning(ctx, records)
	if err != nil {
		return res, stored, err
	}
	bg := context.WithoutCancel(ctx)
	mirror := make([]models.LogRecord, len(stored))
	copy(mirror, stored)
	go func() {
		if _, err := e.secondary.Ingest(bg, mirror); err != nil {
			e.logger.Error("dual-write to secondary failed",
				"operation", "IngestReturning",
				"error", err,
			)
		}
	}()
	return res, stored, nil
}

func (e *Engine) Query(ctx context.Context, params models.QueryParams) (models.QueryResult, error) {
	return e.primary.Query(ctx, params)
}

func (e *Engine) Count(ctx context.Context, params models.QueryParams) (int64, error) {
	return e.primary.Count(ctx, params)
}

func (e *Engine) Distinct(ctx context.Context, params models.DistinctParams) ([]string, error) {
	return e.primary.Distinct(ctx, params)
}

func (e *Engine) TopValues(ctx context.Context, params models.TopValuesParams) ([]models.TopValue, error) {
	return e.primary.TopValues(ctx, params)
}

func (e *Engine) Aggregate(ctx context.Context, params models.AggregateParams) (models.AggregateResult, error) {
	return e.primary.Aggregate(ctx, params)
}

func (e *Engine) GetByID(ctx context.Context, scope models.Scope, id string) (*models.LogRecord, error) {
	return e.primary.GetByID(ctx, scope, id)
}

func (e *Engine) GetByIDs(ctx context.Context, scope models.Scope, ids []string) ([]models.LogRecord, error) {
	return e.primary.GetByIDs(ctx, scope, ids)
}

// DeleteByTimeRange deletes from both backends; the primary's count is
// returned.
func (e *Engine) DeleteByTimeRange(ctx context.Context, params models.DeleteParams) (int64, error) {
	var n int64
	err := e.dualWrite(ctx, "DeleteByTimeRange",
		func(ctx context.Context) error {
			var err error
			n, err = e.primary.DeleteByTimeRange(ctx, params)
			return err
		},
		func(ctx context.Context) error {
			_, err := e.secondary.DeleteByTimeRange(ctx, params)
			return err
		},
	)
	return n, err
}

func (e *Engine) IngestSpans(ctx context.Context, spans []models.SpanRecord) (models.IngestResult, error) {
	var res models.IngestResult
	err := e.dualWrite(ctx, "IngestSpans",
		func(ctx context.Context) error {
			var err error
			res, err = e.primary.IngestSpans(ctx, spans)
			return err
		},
		func(ctx context.Context) error {
			_, err := e.secondary.IngestSpans(ctx, spans)
			return err
		},
	)
	return res, err
}

func (e *Engine) UpsertTrace(ctx context.Context, trace models.TraceRecord) error {
	return e.dualWrite(ctx, "UpsertTrace",
		func(ctx context.Context) error { return e.primary.UpsertTrace(ctx, trace) },
		func(ctx context.Context) error { return e.secondary.UpsertTrace(ctx, trace) },
	)
}

func (e *Engine) QuerySpans(ctx context.Context, params models.SpanQueryParams) (models.SpanQueryResult, error) {
	return e.primary.QuerySpans(ctx, params)
}

func (e *Engine) QueryTraces(ctx context.Context, params models.TraceQueryParams) (models.TraceQueryResult, error) {
	return e.primary.QueryTraces(ctx, params)
}

func (e *Engine) GetSpansByTraceID(ctx context.Context, scope models.Scope, traceID string) ([]models.SpanRecord, error) {
	return e.primary.GetSpansByTraceID(ctx, scope, traceID)
}

func (e *Engine) GetTraceByID(ctx context.Context, scope models.Scope, traceID string) (*models.TraceRecord, error) {
	return e.primary.GetTraceByID(ctx, scope, traceID)
}

func (e *Engine) GetServiceDependencies(ctx context.Context, params models.DependencyParams) (models.ServiceDependencies, error) {
	return e.primary.GetServiceDependencies(ctx, params)
}

func (e *Engine) DeleteSpansByTimeRange(ctx context.Context, params models.DeleteParams) (int64, error) {
	var n int64
	err := e.dualWrite(ctx, "DeleteSpansByTimeRange",
		func(ctx context.Context) error {
			var err error
			n, err = e.primary.DeleteSpansByTimeRange(ctx, params)
			return err
		},
		func(ctx context.Context) error {
			_, err := e.secondary.DeleteSpansByTimeRange(ctx, params)
			return err
		},
	)
	return n, err
}
