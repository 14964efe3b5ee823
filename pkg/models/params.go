package models

import (
	"fmt"
	"time"
)

// Scope is the tenant scope every stored row carries and every operation
// is filtered by. ProjectID is required; OrgID narrows further when set.
type Scope struct {
	OrgID     string `json:"org_id,omitempty"`
	ProjectID string `json:"project_id"`
}

// Validate rejects a scope without a project id.
func (s Scope) Validate() error {
	if s.ProjectID == "" {
		return &ValidationError{Field: "project_id", Reason: "required"}
	}
	return nil
}

// SearchMode selects how the Search term is matched against messages.
type SearchMode string

const (
	// SearchFullText uses the backend's token-based full-text matching.
	SearchFullText SearchMode = "fulltext"
	// SearchSubstring performs a case-insensitive substring match.
	SearchSubstring SearchMode = "substring"
)

// SortOrder is the direction of the (timestamp, id) total order.
type SortOrder string

const (
	OrderAsc  SortOrder = "asc"
	OrderDesc SortOrder = "desc"
)

// Interval is a fixed-width time bucket for aggregation.
type Interval string

const (
	IntervalMinute    Interval = "1m"
	Interval5Minutes  Interval = "5m"
	Interval15Minutes Interval = "15m"
	IntervalHour      Interval = "1h"
	Interval6Hours    Interval = "6h"
	IntervalDay       Interval = "1d"
	IntervalWeek      Interval = "1w"
)

// Intervals lists all supported aggregation intervals.
var Intervals = []Interval{
	IntervalMinute, Interval5Minutes, Interval15Minutes,
	IntervalHour, Interval6Hours, IntervalDay, IntervalWeek,
}

// Duration returns the bucket width.
func (i Interval) Duration() (time.Duration, error) {
	switch i {
	case IntervalMinute:
		return time.Minute, nil
	case Interval5Minutes:
		return 5 * time.Minute, nil
	case Interval15Minutes:
		return 15 * time.Minute, nil
	case IntervalHour:
		return time.Hour, nil
	case Interval6Hours:
		return 6 * time.Hour, nil
	case IntervalDay:
		return 24 * time.Hour, nil
	case IntervalWeek:
		return 7 * 24 * time.Hour, nil
	}
	return 0, &ValidationError{Field: "interval", Reason: fmt.Sprintf("unsupported interval %q", i)}
}

// TimeRange bounds a query in time. Bounds are inclusive unless the
// corresponding Exclusive flag is set. A nil bound is unbounded.
type TimeRange struct {
	From          *time.Time `json:"from,omitempty"`
	To            *time.Time `json:"to,omitempty"`
	FromExclusive bool       `json:"from_exclusive,omitempty"`
	ToExclusive   bool       `json:"to_exclusive,omitempty"`
}

// QueryParams selects log records. Filter fields carry scalar-or-array
// semantics: one element translates to equality, several to set membership.
type QueryParams struct {
	Scope Scope     `json:"scope"`
	Range TimeRange `json:"range"`

	Service []string `json:"service,omitempty"`
	Level   []Level  `json:"level,omitempty"`
	TraceID []string `json:"trace_id,omitempty"`

	// Metadata filters match nested metadata sub-fields by equality,
	// e.g. {"hostname": "web-1"}.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Search matches against the message body using SearchMode.
	Search     string     `json:"search,omitempty"`
	SearchMode SearchMode `json:"search_mode,omitempty"`

	// Pagination. Cursor takes precedence over Offset when both are set.
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
	Cursor string `json:"cursor,omitempty"`

	Order SortOrder `json:"order,omitempty"`
}

// Validate checks scope and enumerated fields before translation.
func (p *QueryParams) Validate() error {
	if err := p.Scope.Validate(); err != nil {
		return err
	}
	for _, l := range p.Level {
		if !l.Valid() {
			return &ValidationError{Field: "level", Reason: fmt.Sprintf("unknown level %q", l)}
		}
	}
	switch p.SearchMode {
	case "", SearchFullText, SearchSubstring:
	default:
		return &ValidationError{Field: "search_mode", Reason: fmt.Sprintf("unknown search mode %q", p.SearchMode)}
	}
	switch p.Order {
	case "", OrderAsc, OrderDesc:
	default:
		return &ValidationError{Field: "order", Reason: fmt.Sprintf("unknown sort order %q", p.Order)}
	}
	if p.Limit < 0 {
		return &ValidationError{Field: "limit", Reason: "must be non-negative"}
	}
	return nil
}

// AggregateParams buckets matching log records by interval and level.
type AggregateParams struct {
	Scope Scope     `json:"scope"`
	Range TimeRange `json:"range"`

	Service  []string          `json:"service,omitempty"`
	Level    []Level           `json:"level,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	Interval Interval `json:"interval"`
}

// Validate checks scope and the interval.
func (p *AggregateParams) Validate() error {
	if err := p.Scope.Validate(); err != nil {
		return err
	}
	if _, err := p.Interval.Duration(); err != nil {
		return err
	}
	return nil
}

// DistinctParams lists the distinct values of one allowlisted field.
type DistinctParams struct {
	Scope Scope     `json:"scope"`
	Range TimeRange `json:"range"`

	Service []string `json:"service,omitempty"`
	Level   []Level  `json:"level,omitempty"`

	// Field is the column (or metadata.<key> sub-field) to enumerate.
	// It must pass the identifier allowlist before translation.
	Field string `json:"field"`

	Limit int `json:"limit,omitempty"`
}

// TopValuesParams ranks the most frequent values of one allowlisted field.
type TopValuesParams struct {
	Scope Scope     `json:"scope"`
	Range TimeRange `json:"range"`

	Service []string `json:"service,omitempty"`
	Level   []Level  `json:"level,omitempty"`

	Field string `json:"field"`
	Limit int    `json:"limit,omitempty"`
}

// DeleteParams removes rows whose timestamp falls inside the range.
// Both bounds are required: an unbounded delete is rejected.
type DeleteParams struct {
	Scope Scope     `json:"scope"`
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
}

// Validate rejects unbounded or inverted ranges.
func (p *DeleteParams) Validate() error {
	if err := p.Scope.Validate(); err != nil {
		return err
	}
	if p.From.IsZero() || p.To.IsZero() {
		return &ValidationError{Field: "range", Reason: "both bounds required for delete"}
	}
	if p.To.Before(p.From) {
		return &ValidationError{Field: "range", Reason: "to precedes from"}
	}
	return nil
}

// SpanQueryParams selects spans.
type SpanQueryParams struct {
	Scope Scope     `json:"scope"`
	Range TimeRange `json:"range"`

	Service   []string `json:"service,omitempty"`
	Operation []string `json:"operation,omitempty"`
	TraceID   []string `json:"trace_id,omitempty"`

	// MinDurationMS / MaxDurationMS bound span duration; zero means unbounded.
	MinDurationMS float64 `json:"min_duration_ms,omitempty"`
	MaxDurationMS float64 `json:"max_duration_ms,omitempty"`

	// ErrorsOnly keeps only spans with an error status.
	ErrorsOnly bool `json:"errors_only,omitempty"`

	Limit  int       `json:"limit,omitempty"`
	Cursor string    `json:"cursor,omitempty"`
	Order  SortOrder `json:"order,omitempty"`
}

// Validate checks scope before translation.
func (p *SpanQueryParams) Validate() error {
	if err := p.Scope.Validate(); err != nil {
		return err
	}
	if p.Limit < 0 {
		return &ValidationError{Field: "limit", Reason: "must be non-negative"}
	}
	return nil
}

// TraceQueryParams selects trace summaries.
type TraceQueryParams struct {
	Scope Scope     `json:"scope"`
	Range TimeRange `json:"range"`

	RootService []string `json:"root_service,omitempty"`

	MinDurationMS float64 `json:"min_duration_ms,omitempty"`
	ErrorsOnly    bool    `json:"errors_only,omitempty"`

	Limit  int       `json:"limit,omitempty"`
	Cursor string    `json:"cursor,omitempty"`
	Order  SortOrder `json:"order,omitempty"`
}

// Validate checks scope before translation.
func (p *TraceQueryParams) Validate() error {
	if err := p.Scope.Validate(); err != nil {
		return err
	}
	if p.Limit < 0 {
		return &ValidationError{Field: "limit", Reason: "must be non-negative"}
	}
	return nil
}

// DependencyParams bounds the service dependency graph derivation.
type DependencyParams struct {
	Scope Scope     `json:"scope"`
	Range TimeRange `json:"range"`
}

// Validate checks scope.
func (p *DependencyParams) Validate() error {
	return p.Scope.Validate()
}
