// Package models defines the core data structures for the telemetry store.
//
// This package contains the record types persisted by the storage engines,
// the typed parameter and result shapes for every engine operation, and the
// error taxonomy shared across backends.
package models

import (
	"fmt"
	"time"
)

// Level is the severity of a log record.
type Level string

const (
	LevelDebug    Level = "debug"
	LevelInfo     Level = "info"
	LevelWarn     Level = "warn"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Levels lists all valid levels in ascending severity order.
var Levels = []Level{LevelDebug, LevelInfo, LevelWarn, LevelError, LevelCritical}

// Valid reports whether l is one of the known levels.
func (l Level) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError, LevelCritical:
		return true
	}
	return false
}

// ParseLevel converts a string to a Level, rejecting unknown values.
func ParseLevel(s string) (Level, error) {
	l := Level(s)
	if !l.Valid() {
		return "", &ValidationError{Field: "level", Reason: fmt.Sprintf("unknown level %q", s)}
	}
	return l, nil
}

// LogRecord is a single stored log line.
// Records are immutable once stored; the only mutation path is an explicit
// delete through the engine.
type LogRecord struct {
	// ID uniquely identifies the record. It may be empty on ingest; the
	// engine assigns one (server-side or client-side depending on backend).
	ID string `json:"id,omitempty"`

	// Timestamp is when the event occurred (required).
	Timestamp time.Time `json:"timestamp"`

	// OrgID is the owning organization (optional).
	OrgID string `json:"org_id,omitempty"`

	// ProjectID is the owning project (required). Every query is scoped
	// by it.
	ProjectID string `json:"project_id"`

	// Service is the emitting service name.
	Service string `json:"service"`

	// Level is the severity.
	Level Level `json:"level"`

	// Message is the log body.
	Message string `json:"message"`

	// Metadata holds free-form nested key-value data.
	Metadata map[string]any `json:"metadata,omitempty"`

	// TraceID and SpanID correlate the log with a distributed trace.
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// Validate checks the fields a record must carry before ingestion.
func (r *LogRecord) Validate() error {
	if r.ProjectID == "" {
		return &ValidationError{Field: "project_id", Reason: "required"}
	}
	if r.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "required"}
	}
	if r.Level != "" && !r.Level.Valid() {
		return &ValidationError{Field: "level", Reason: fmt.Sprintf("unknown level %q", r.Level)}
	}
	return nil
}
