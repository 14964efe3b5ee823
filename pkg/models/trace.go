package models

import (
	"time"
)

// TraceRecord is a derived per-trace summary row, maintained incrementally
// as spans for the trace arrive. Clients never supply a complete trace; the
// engine merges partial aggregates via UpsertTrace.
type TraceRecord struct {
	// TraceID is unique per tenant.
	TraceID string `json:"trace_id"`

	// Tenant scope.
	OrgID     string `json:"org_id,omitempty"`
	ProjectID string `json:"project_id"`

	// RootService and RootOperation describe the trace's entry span.
	RootService   string `json:"root_service"`
	RootOperation string `json:"root_operation"`

	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	DurationMS float64   `json:"duration_ms"`

	// SpanCount is the number of spans observed for this trace so far.
	SpanCount int64 `json:"span_count"`

	// HasError is true once any contributing span reported an error.
	HasError bool `json:"has_error"`
}

// Merge folds another partial aggregate for the same trace into t.
// Bounds widen monotonically, counts add, the error flag latches, and the
// root fields are kept from whichever side already has them. The result is
// independent of merge order.
func (t *TraceRecord) Merge(in TraceRecord) {
	if !in.StartTime.IsZero() && (t.StartTime.IsZero() || in.StartTime.Before(t.StartTime)) {
		t.StartTime = in.StartTime
	}
	if in.EndTime.After(t.EndTime) {
		t.EndTime = in.EndTime
	}
	t.DurationMS = float64(t.EndTime.Sub(t.StartTime)) / float64(time.Millisecond)
	t.SpanCount += in.SpanCount
	t.HasError = t.HasError || in.HasError
	if t.RootService == "" {
		t.RootService = in.RootService
		t.RootOperation = in.RootOperation
	}
}

// TraceFromSpans derives a partial trace aggregate from a batch of spans
// that share a trace id. Spans from other traces are the caller's bug.
func TraceFromSpans(spans []SpanRecord) TraceRecord {
	var t TraceRecord
	for i := range spans {
		s := &spans[i]
		if t.TraceID == "" {
			t.TraceID = s.TraceID
			t.OrgID = s.OrgID
			t.ProjectID = s.ProjectID
		}
		if t.StartTime.IsZero() || s.StartTime.Before(t.StartTime) {
			t.StartTime = s.StartTime
		}
		if s.EndTime.After(t.EndTime) {
			t.EndTime = s.EndTime
		}
		t.SpanCount++
		t.HasError = t.HasError || s.HasError()
		// The root span has no parent; fall back to the earliest span if
		// the batch never contains the root.
		if s.ParentSpanID == "" || t.RootService == "" {
			t.RootService = s.Service
			t.RootOperation = s.Operation
		}
	}
	t.DurationMS = float64(t.EndTime.Sub(t.StartTime)) / float64(time.Millisecond)
	return t
}

// DependencyEdge is one directed edge of the service dependency graph:
// spans in Source invoked spans in Target CallCount times.
type DependencyEdge struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	CallCount int64  `json:"call_count"`
}

// DependencyNode is one service appearing in the dependency graph.
type DependencyNode struct {
	Service   string `json:"service"`
	CallCount int64  `json:"call_count"`
}

// ServiceDependencies is the directed call graph between services,
// derived by joining spans to their parent spans across service boundaries.
type ServiceDependencies struct {
	Nodes []DependencyNode `json:"nodes"`
	Edges []DependencyEdge `json:"edges"`
}
