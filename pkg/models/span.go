package models

import (
	"time"
)

// SpanKind mirrors the OpenTelemetry span kind enumeration.
type SpanKind string

const (
	SpanKindUnspecified SpanKind = "unspecified"
	SpanKindInternal    SpanKind = "internal"
	SpanKindServer      SpanKind = "server"
	SpanKindClient      SpanKind = "client"
	SpanKindProducer    SpanKind = "producer"
	SpanKindConsumer    SpanKind = "consumer"
)

// SpanEvent is a timestamped annotation on a span.
type SpanEvent struct {
	Name       string         `json:"name"`
	Timestamp  time.Time      `json:"timestamp"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// SpanLink references another span, possibly in a different trace.
type SpanLink struct {
	TraceID    string         `json:"trace_id"`
	SpanID     string         `json:"span_id"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// SpanRecord is a single stored trace span.
// Many spans reference one trace by TraceID. ParentSpanID is a soft
// back-reference used to reconstruct call trees; it is never enforced
// against the spans table.
type SpanRecord struct {
	// ID uniquely identifies the stored row (distinct from SpanID, which
	// is the wire-level span identifier and may collide across tenants).
	ID string `json:"id,omitempty"`

	SpanID       string `json:"span_id"`
	TraceID      string `json:"trace_id"`
	ParentSpanID string `json:"parent_span_id,omitempty"`

	// Tenant scope.
	OrgID     string `json:"org_id,omitempty"`
	ProjectID string `json:"project_id"`

	Service   string `json:"service"`
	Operation string `json:"operation"`

	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	DurationMS float64   `json:"duration_ms"`

	Kind          SpanKind `json:"kind,omitempty"`
	StatusCode    string   `json:"status_code,omitempty"`
	StatusMessage string   `json:"status_message,omitempty"`

	Attributes    map[string]any `json:"attributes,omitempty"`
	Events        []SpanEvent    `json:"events,omitempty"`
	Links         []SpanLink     `json:"links,omitempty"`
	ResourceAttrs map[string]any `json:"resource_attributes,omitempty"`
}

// HasError reports whether the span carries an error status.
func (s *SpanRecord) HasError() bool {
	return s.StatusCode == "ERROR" || s.StatusCode == "error"
}

// Validate checks the fields a span must carry before ingestion.
func (s *SpanRecord) Validate() error {
	if s.ProjectID == "" {
		return &ValidationError{Field: "project_id", Reason: "required"}
	}
	if s.TraceID == "" {
		return &ValidationError{Field: "trace_id", Reason: "required"}
	}
	if s.SpanID == "" {
		return &ValidationError{Field: "span_id", Reason: "required"}
	}
	if s.StartTime.IsZero() {
		return &ValidationError{Field: "start_time", Reason: "required"}
	}
	return nil
}
