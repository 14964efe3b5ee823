// Package engine defines the backend-agnostic storage engine contract and
// the helpers every concrete backend shares: the cursor codec, the field
// allowlist, and the statement builder used by the query translators.
package engine

import (
	"context"

	"github.com/telstore/telstore/pkg/models"
)

const (
	// DefaultLimit applies when a query sets no limit.
	DefaultLimit = 100
	// MaxLimit caps any caller-supplied limit.
	MaxLimit = 1000
)

// Engine is the operation contract implemented once per backend.
// Implementations must be safe for concurrent use; the only shared state
// they may hold is the connection pool handle and static capabilities.
type Engine interface {
	// Connect acquires the underlying connection resource. Idempotent.
	Connect(ctx context.Context) error

	// Disconnect releases the connection resource. Disconnecting an
	// engine that received an injected (non-owned) pool is a no-op.
	Disconnect(ctx context.Context) error

	// HealthCheck issues a trivial round-trip query. It reports failure
	// in the result rather than returning an error, including an explicit
	// "not connected" reason before Connect.
	HealthCheck(ctx context.Context) models.Health

	// Initialize performs idempotent schema setup. Deployments managing
	// schema externally skip it via configuration.
	Initialize(ctx context.Context) error

	// Log operations.

	Ingest(ctx context.Context, records []models.LogRecord) (models.IngestResult, error)
	IngestReturning(ctx context.Context, records []models.LogRecord) (models.IngestResult, []models.LogRecord, error)
	Query(ctx context.Context, params models.QueryParams) (models.QueryResult, error)
	Count(ctx context.Context, params models.QueryParams) (int64, error)
	Distinct(ctx context.Context, params models.DistinctParams) ([]string, error)
	TopValues(ctx context.Context, params models.TopValuesParams) ([]models.TopValue, error)
	Aggregate(ctx context.Context, params models.AggregateParams) (models.AggregateResult, error)
	GetByID(ctx context.Context, scope models.Scope, id string) (*models.LogRecord, error)
	GetByIDs(ctx context.Context, scope models.Scope, ids []string) ([]models.LogRecord, error)
	DeleteByTimeRange(ctx context.Context, params models.DeleteParams) (int64, error)

	// Span and trace operations.

	IngestSpans(ctx context.Context, spans []models.SpanRecord) (models.IngestResult, error)
	UpsertTrace(ctx context.Context, trace models.TraceRecord) error
	QuerySpans(ctx context.Context, params models.SpanQueryParams) (models.SpanQueryResult, error)
	QueryTraces(ctx context.Context, params models.TraceQueryParams) (models.TraceQueryResult, error)
	GetSpansByTraceID(ctx context.Context, scope models.Scope, traceID string) ([]models.SpanRecord, error)
	GetTraceByID(ctx context.Context, scope models.Scope, traceID string) (*models.TraceRecord, error)
	GetServiceDependencies(ctx context.Context, params models.DependencyParams) (models.ServiceDependencies, error)
	DeleteSpansByTimeRange(ctx context.Context, params models.DeleteParams) (int64, error)

	// Capabilities returns the engine's static capability descriptor.
	// Pure and synchronous.
	Capabilities() models.Capabilities
}

// ClampLimit normalizes a caller-supplied limit into [1, MaxLimit].
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
