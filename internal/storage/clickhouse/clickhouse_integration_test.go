package clickhouse

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/agrisense/sensorstore/internal/storage"
)

// Integration CRUD test for the analytical backend.
// Requires env CLICKHOUSE_TEST_DSN pointing to a writable test database.
func TestCRUD_ClickHouse(t *testing.T) {
	dsn := os.Getenv("CLICKHOUSE_TEST_DSN")
	if dsn == "" {
		t.Skip("CLICKHOUSE_TEST_DSN is not set; skipping integration test")
	}
	ctx := context.Background()

	store, err := New(ctx, Config{DSN: dsn, Table: "sensor_readings_it"})
	if err != nil {
		t.Fatalf("clickhouse.New: %v", err)
	}
	defer store.Close()
	if err := store.conn.Exec(ctx, "TRUNCATE TABLE "+store.table); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if err := store.seedIDCounter(ctx); err != nil {
		t.Fatalf("reseed: %v", err)
	}

	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	value := 25.5
	n, err := store.Insert(ctx, []storage.Reading{
		{SensorID: "S1", Timestamp: ts, ReadingType: "temperature", Value: &value, QualityScore: 100},
		{SensorID: "S2", Timestamp: ts.Add(time.Minute), ReadingType: "humidity", QualityScore: 100},
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if n != 2 {
		t.Fatalf("Insert count = %d", n)
	}

	got, err := store.Query(ctx, storage.Filter{SensorID: "S1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].Value == nil || *got[0].Value != 25.5 {
		t.Fatalf("round-trip mismatch: %#v", got)
	}
	if got[0].ID == 0 {
		t.Fatalf("id was not assigned")
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 2 || len(stats.ByType) != 2 {
		t.Fatalf("stats mismatch: %#v", stats)
	}
	if !stats.Latest.Equal(ts.Add(time.Minute)) {
		t.Fatalf("latest mismatch: %v", stats.Latest)
	}

	newVal := 27.0
	updated, err := store.Update(ctx, got[0].ID, storage.Patch{Value: &newVal})
	if err != nil || updated != 1 {
		t.Fatalf("Update: %v (rows %d)", err, updated)
	}
	updated, err = store.Update(ctx, got[0].ID+1000, storage.Patch{Value: &newVal})
	if err != nil || updated != 0 {
		t.Fatalf("Update missing id: %v (rows %d)", err, updated)
	}

	deleted, err := store.Delete(ctx, got[0].ID)
	if err != nil || deleted != 1 {
		t.Fatalf("Delete: %v (rows %d)", err, deleted)
	}
}
