package exchangelog

import (
	"path/filepath"
	"testing"
	"time"
)

func TestRecordAndQuery(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(filepath.Join(dir, "exchanges.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	log.Record(Entry{
		CorrelationID: "c1",
		Model:         "m1",
		ConnectorID:   "conn-aaaa",
		Status:        200,
		DurationMs:    42,
		Timestamp:     time.Now(),
	})
	log.Record(Entry{
		CorrelationID: "c2",
		Model:         "m1",
		ConnectorID:   "conn-bbbb",
		Status:        502,
		Streamed:      true,
		DurationMs:    7,
		Timestamp:     time.Now(),
		Err:           "connector unavailable",
	})

	entries, err := log.Query(QueryParams{Model: "m1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("want 2 entries, got %d", len(entries))
	}
	// Most recent first.
	if entries[0].CorrelationID != "c2" {
		t.Errorf("want c2 first, got %s", entries[0].CorrelationID)
	}
	if !entries[0].Streamed {
		t.Errorf("want c2 marked streamed")
	}

	byConnector, err := log.Query(QueryParams{ConnectorID: "conn-aaaa"})
	if err != nil {
		t.Fatalf("Query by connector: %v", err)
	}
	if len(byConnector) != 1 || byConnector[0].CorrelationID != "c1" {
		t.Fatalf("want only c1 for conn-aaaa, got %+v", byConnector)
	}
}

func TestOpenEmptyPathIsNoOp(t *testing.T) {
	log, err := Open("")
	if err != nil {
		t.Fatalf("Open(\"\"): %v", err)
	}
	// Record must not panic on a no-op log.
	log.Record(Entry{CorrelationID: "x"})
	entries, err := log.Query(QueryParams{})
	if err != nil {
		t.Fatalf("Query on no-op log: %v", err)
	}
	if entries != nil {
		t.Errorf("want nil entries from a no-op log, got %+v", entries)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close on no-op log: %v", err)
	}
}
