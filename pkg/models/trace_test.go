package models

import (
	"testing"
	"time"
)

func TestTraceMergeOrderIndependent(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	parts := []TraceRecord{
		{TraceID: "t1", ProjectID: "p1", RootService: "api", RootOperation: "GET /users", StartTime: base, EndTime: base.Add(200 * time.Millisecond), SpanCount: 2},
		{TraceID: "t1", ProjectID: "p1", StartTime: base.Add(50 * time.Millisecond), EndTime: base.Add(500 * time.Millisecond), SpanCount: 3, HasError: true},
		{TraceID: "t1", ProjectID: "p1", StartTime: base.Add(-100 * time.Millisecond), EndTime: base.Add(100 * time.Millisecond), SpanCount: 1},
	}

	merge := func(order []int) TraceRecord {
		out := parts[order[0]]
		for _, i := range order[1:] {
			out.Merge(parts[i])
		}
		return out
	}

	a := merge([]int{0, 1, 2})
	b := merge([]int{2, 1, 0})
	c := merge([]int{1, 2, 0})

	for _, got := range []TraceRecord{a, b, c} {
		if !got.StartTime.Equal(base.Add(-100 * time.Millisecond)) {
			t.Errorf("StartTime = %v, want earliest", got.StartTime)
		}
		if !got.EndTime.Equal(base.Add(500 * time.Millisecond)) {
			t.Errorf("EndTime = %v, want latest", got.EndTime)
		}
		if got.SpanCount != 6 {
			t.Errorf("SpanCount = %d, want 6", got.SpanCount)
		}
		if !got.HasError {
			t.Error("HasError = false, want latched true")
		}
		if got.DurationMS != 600 {
			t.Errorf("DurationMS = %v, want 600", got.DurationMS)
		}
	}
	if a.RootService != "api" || b.RootService != "api" || c.RootService != "api" {
		t.Errorf("root service lost in merge: %q %q %q", a.RootService, b.RootService, c.RootService)
	}
}

func TestTraceMergeZeroStartIgnored(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	trace := TraceRecord{TraceID: "t1", ProjectID: "p1", StartTime: base, EndTime: base.Add(time.Second), SpanCount: 1}
	trace.Merge(TraceRecord{TraceID: "t1", ProjectID: "p1", SpanCount: 1})

	if !trace.StartTime.Equal(base) {
		t.Errorf("StartTime = %v, zero start must not widen bounds", trace.StartTime)
	}
	if trace.SpanCount != 2 {
		t.Errorf("SpanCount = %d, want 2", trace.SpanCount)
	}
}

func TestTraceFromSpans(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	spans := []SpanRecord{
		{SpanID: "s2", TraceID: "t1", ProjectID: "p1", Service: "db", Operation: "SELECT", ParentSpanID: "s1", StartTime: base.Add(20 * time.Millisecond), EndTime: base.Add(80 * time.Millisecond), StatusCode: "ERROR"},
		{SpanID: "s1", TraceID: "t1", ProjectID: "p1", Service: "api", Operation: "GET /users", StartTime: base, EndTime: base.Add(100 * time.Millisecond)},
	}

	trace := TraceFromSpans(spans)
	if trace.TraceID != "t1" || trace.ProjectID != "p1" {
		t.Fatalf("identity = %q/%q", trace.TraceID, trace.ProjectID)
	}
	if trace.RootService != "api" || trace.RootOperation != "GET /users" {
		t.Errorf("root = %q %q, want parentless span", trace.RootService, trace.RootOperation)
	}
	if trace.SpanCount != 2 || !trace.HasError {
		t.Errorf("SpanCount = %d HasError = %v", trace.SpanCount, trace.HasError)
	}
	if trace.DurationMS != 100 {
		t.Errorf("DurationMS = %v, want 100", trace.DurationMS)
	}
}
