package models

// Capabilities is the static per-engine declaration of optional behaviors.
// Callers consult it instead of probing the backend at runtime.
type Capabilities struct {
	// Name is the backend identifier, e.g. "timescale" or "clickhouse".
	Name string `json:"name"`

	// Search modes supported by Query's Search term.
	FullTextSearch  bool `json:"full_text_search"`
	SubstringSearch bool `json:"substring_search"`

	// Transactions is true when multi-statement operations run atomically.
	Transactions bool `json:"transactions"`

	// ReturningInsert is true when IngestReturning obtains identifiers from
	// the backend atomically with the write; false means identifiers are
	// generated client-side before the insert.
	ReturningInsert bool `json:"returning_insert"`

	// Streaming is true when the backend supports streaming reads.
	Streaming bool `json:"streaming"`

	// SynchronousDelete is true when DeleteByTimeRange counts are exact at
	// call time; false means deletion completes asynchronously and counts
	// are approximate.
	SynchronousDelete bool `json:"synchronous_delete"`

	// MaxBatchSize is the largest ingest batch accepted in one call.
	MaxBatchSize int `json:"max_batch_size"`

	// Operators are the comparison operators usable in filters.
	Operators []string `json:"operators"`

	// Intervals are the supported aggregation bucket widths.
	Intervals []Interval `json:"intervals"`
}
