package dual

import (
	"context"
	"testing"
	"time"

	"github.com/telstore/telstore/internal/storage/memory"
	"github.com/telstore/telstore/pkg/models"
)

func newTestPair(t *testing.T) (*Engine, *memory.Engine, *memory.Engine) {
	t.Helper()
	primary := memory.New(nil)
	secondary := memory.New(nil)
	eng := New(Config{Primary: primary, Secondary: secondary})
	if err := eng.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return eng, primary, secondary
}

// waitForCount polls until the backend holds want records; secondary
// writes are asynchronous.
func waitForCount(t *testing.T, e *memory.Engine, scope models.Scope, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := e.Count(context.Background(), models.QueryParams{Scope: scope})
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if n == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("secondary never reached %d records", want)
}

func TestDualWriteMirrors(t *testing.T) {
	eng, primary, secondary := newTestPair(t)
	scope := models.Scope{ProjectID: "p1"}
	now := time.Now().UTC()

	res, err := eng.Ingest(context.Background(), []models.LogRecord{
		{ProjectID: "p1", Timestamp: now, Message: "a"},
		{ProjectID: "p1", Timestamp: now, Message: "b"},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Ingested != 2 {
		t.Fatalf("primary result = %+v", res)
	}

	n, err := primary.Count(context.Background(), models.QueryParams{Scope: scope})
	if err != nil || n != 2 {
		t.Errorf("primary count = %d, %v", n, err)
	}
	waitForCount(t, secondary, scope, 2)
}

func TestDualReadsFromPrimaryOnly(t *testing.T) {
	eng, primary, secondary := newTestPair(t)
	now := time.Now().UTC()

	// Seed the backends differently; reads must reflect the primary.
	if _, err := primary.Ingest(context.Background(), []models.LogRecord{{ProjectID: "p1", Timestamp: now, Message: "primary only"}}); err != nil {
		t.Fatalf("seed primary: %v", err)
	}
	if _, err := secondary.Ingest(context.Background(), []models.LogRecord{
		{ProjectID: "p1", Timestamp: now, Message: "secondary 1"},
		{ProjectID: "p1", Timestamp: now, Message: "secondary 2"},
	}); err != nil {
		t.Fatalf("seed secondary: %v", err)
	}

	out, err := eng.Query(context.Background(), models.QueryParams{Scope: models.Scope{ProjectID: "p1"}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(out.Records) != 1 || out.Records[0].Message != "primary only" {
		t.Errorf("read did not come from primary: %+v", out.Records)
	}
}

func TestDualIngestReturningSharesIDs(t *testing.T) {
	eng, _, secondary := newTestPair(t)
	now := time.Now().UTC()

	_, stored, err := eng.IngestReturning(context.Background(), []models.LogRecord{
		{ProjectID: "p1", Timestamp: now, Message: "x"},
	})
	if err != nil {
		t.Fatalf("IngestReturning: %v", err)
	}
	if len(stored) != 1 || stored[0].ID == "" {
		t.Fatalf("stored = %+v", stored)
	}

	scope := models.Scope{ProjectID: "p1"}
	waitForCount(t, secondary, scope, 1)
	got, err := secondary.GetByID(context.Background(), scope, stored[0].ID)
	if err != nil || got == nil {
		t.Fatalf("secondary does not hold primary's id %q: %v, %v", stored[0].ID, got, err)
	}
}

func TestDualHealthAndCapabilities(t *testing.T) {
	eng, _, secondary := newTestPair(t)

	if h := eng.HealthCheck(context.Background()); !h.Healthy {
		t.Errorf("both connected but unhealthy: %+v", h)
	}
	if err := secondary.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if h := eng.HealthCheck(context.Background()); h.Healthy {
		t.Error("secondary down but dual reported healthy")
	}

	caps := eng.Capabilities()
	if caps.Name != "dual" {
		t.Errorf("Name = %q", caps.Name)
	}
	mem := memory.New(nil).Capabilities()
	if caps.MaxBatchSize != mem.MaxBatchSize {
		t.Errorf("MaxBatchSize = %d, want intersection %d", caps.MaxBatchSize, mem.MaxBatchSize)
	}
}

func TestDualUpsertTraceMirrors(t *testing.T) {
	eng, primary, secondary := newTestPair(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	trace := models.TraceRecord{TraceID: "t1", ProjectID: "p1", StartTime: base, EndTime: base.Add(time.Second), SpanCount: 2}

	if err := eng.UpsertTrace(context.Background(), trace); err != nil {
		t.Fatalf("UpsertTrace: %v", err)
	}

	scope := models.Scope{ProjectID: "p1"}
	if got, err := primary.GetTraceByID(context.Background(), scope, "t1"); err != nil || got == nil {
		t.Errorf("primary missing trace: %v, %v", got, err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := secondary.GetTraceByID(context.Background(), scope, "t1")
		if err != nil {
			t.Fatalf("GetTraceByID: %v", err)
		}
		if got != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("secondary never received the trace")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
