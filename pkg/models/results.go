package models

import (
	"time"
)

// RowError describes the failure of one row inside a batch.
type RowError struct {
	// Index is the position of the failed row in the submitted batch.
	Index int `json:"index"`
	// Reason is the backend's error message for this row.
	Reason string `json:"reason"`
}

// IngestResult accounts for one batch ingestion. Failures are reported,
// never silently swallowed; the caller owns retry and backoff.
type IngestResult struct {
	Ingested  int           `json:"ingested"`
	Failed    int           `json:"failed"`
	Elapsed   time.Duration `json:"elapsed"`
	RowErrors []RowError    `json:"row_errors,omitempty"`
}

// QueryResult is a page of log records.
type QueryResult struct {
	Records []LogRecord `json:"records"`
	// HasMore is true when rows beyond this page matched the filters.
	HasMore bool `json:"has_more"`
	// NextCursor resumes after the last record of this page. Empty when
	// the page is empty.
	NextCursor string        `json:"next_cursor,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// SpanQueryResult is a page of spans.
type SpanQueryResult struct {
	Spans      []SpanRecord  `json:"spans"`
	HasMore    bool          `json:"has_more"`
	NextCursor string        `json:"next_cursor,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// TraceQueryResult is a page of trace summaries.
type TraceQueryResult struct {
	Traces     []TraceRecord `json:"traces"`
	HasMore    bool          `json:"has_more"`
	NextCursor string        `json:"next_cursor,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// TimeBucket is one interval of an aggregation time series.
type TimeBucket struct {
	Start time.Time `json:"start"`
	Total int64     `json:"total"`
	// ByLevel breaks the bucket total down per severity.
	ByLevel map[Level]int64 `json:"by_level"`
}

// AggregateResult is an ordered time series of buckets plus the grand total.
// sum(Buckets[].Total) always equals Total for the same filters.
type AggregateResult struct {
	Buckets []TimeBucket  `json:"buckets"`
	Total   int64         `json:"total"`
	Elapsed time.Duration `json:"elapsed"`
}

// TopValue is one entry of a TopValues ranking.
type TopValue struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// Health is the result of an engine health check. Health checks report
// failure instead of returning an error so monitors can poll cheaply.
type Health struct {
	Healthy      bool          `json:"healthy"`
	ResponseTime time.Duration `json:"response_time"`
	// Error carries the failure reason when Healthy is false.
	Error string `json:"error,omitempty"`
}
