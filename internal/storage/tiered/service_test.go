package tiered

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/agrisense/sensorstore/internal/storage"
	"github.com/agrisense/sensorstore/pkg/config"
)

// Порт 1 на loopback закрыт: проба получает connection refused сразу,
// не дожидаясь таймаута.
const unreachableClickHouse = "clickhouse://127.0.0.1:1/agrisense"

func fv(v float64) *float64 { return &v }

func relationalConfig(t *testing.T) config.StorageConfig {
	t.Helper()
	return config.StorageConfig{
		RelationalSource: filepath.Join(t.TempDir(), "readings.db"),
		ProcessedDir:     filepath.Join(t.TempDir(), "processed"),
		ProbeTimeout:     2 * time.Second,
	}
}

func flatfileConfig(t *testing.T) config.StorageConfig {
	t.Helper()
	return config.StorageConfig{
		ProcessedDir: filepath.Join(t.TempDir(), "processed"),
		ProbeTimeout: 2 * time.Second,
	}
}

func initService(t *testing.T, cfg config.StorageConfig) *Service {
	t.Helper()
	svc := New(cfg)
	if err := svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize error: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestFallbackOrderAnalyticalDownRelationalUp(t *testing.T) {
	cfg := relationalConfig(t)
	cfg.AnalyticalDSN = unreachableClickHouse

	svc := initService(t, cfg)
	if kind := svc.Kind(); kind != storage.KindRelational {
		t.Fatalf("selected kind = %q, want relational", kind)
	}
	if !svc.Available() {
		t.Fatalf("Available() = false for a live relational engine")
	}
}

func TestFallbackToFlatFileWhenAllProbesFail(t *testing.T) {
	cfg := config.StorageConfig{
		AnalyticalDSN:    unreachableClickHouse,
		RelationalSource: filepath.Join(t.TempDir(), "no", "such", "dir", "readings.db"),
		ProcessedDir:     filepath.Join(t.TempDir(), "processed"),
		ProbeTimeout:     2 * time.Second,
	}
	svc := New(cfg)
	if err := svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize must not fail when probes fail: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	if kind := svc.Kind(); kind != storage.KindFlatFile {
		t.Fatalf("selected kind = %q, want flatfile", kind)
	}
	if svc.Available() {
		t.Fatalf("Available() = true for flat-file fallback")
	}
}

func TestInitializeWithoutEnginesConfigured(t *testing.T) {
	svc := initService(t, flatfileConfig(t))
	if kind := svc.Kind(); kind != storage.KindFlatFile {
		t.Fatalf("selected kind = %q, want flatfile", kind)
	}
}

func TestScenarioInsertThenQuery(t *testing.T) {
	ctx := context.Background()
	svc := initService(t, relationalConfig(t))

	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	n, err := svc.Insert(ctx, storage.Reading{
		SensorID:    "S1",
		ReadingType: "temperature",
		Value:       fv(25.5),
		Timestamp:   ts,
	})
	if err != nil {
		t.Fatalf("Insert error: %v", err)
	}
	if n != 1 {
		t.Fatalf("Insert count = %d, want 1", n)
	}

	res, err := svc.Query(ctx, storage.Filter{SensorID: "S1"})
	if err != nil {
		t.Fatalf("Query error: %v", err)
	}
	if res.Source != storage.KindRelational {
		t.Fatalf("source = %q, want relational", res.Source)
	}
	if len(res.Readings) != 1 {
		t.Fatalf("Query returned %d readings, want 1", len(res.Readings))
	}
	r := res.Readings[0]
	if r.Value == nil || *r.Value != 25.5 || !r.Timestamp.Equal(ts) {
		t.Fatalf("round-trip mismatch: %#v", r)
	}
	if r.QualityScore != storage.DefaultQualityScore {
		t.Fatalf("quality score default not applied: %d", r.QualityScore)
	}
}

func TestStatsThroughService(t *testing.T) {
	ctx := context.Background()
	svc := initService(t, relationalConfig(t))

	empty, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats error: %v", err)
	}
	if empty.Total != 0 || len(empty.ByType) != 0 || !empty.Latest.IsZero() {
		t.Fatalf("empty stats mismatch: %#v", empty)
	}

	base := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	var batch []storage.Reading
	for i := 0; i < 3; i++ {
		batch = append(batch, storage.Reading{
			SensorID: "H1", ReadingType: "humidity", Value: fv(50),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}
	for i := 0; i < 2; i++ {
		batch = append(batch, storage.Reading{
			SensorID: "T1", ReadingType: "temperature", Value: fv(20),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	if _, err := svc.Insert(ctx, batch...); err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats error: %v", err)
	}
	if stats.Source != storage.KindRelational {
		t.Fatalf("source = %q, want relational", stats.Source)
	}
	if stats.Total != 5 {
		t.Fatalf("total = %d, want 5", stats.Total)
	}
	var sum int64
	counts := map[string]int64{}
	for _, tc := range stats.ByType {
		counts[tc.ReadingType] = tc.Count
		sum += tc.Count
	}
	if counts["humidity"] != 3 || counts["temperature"] != 2 || sum != stats.Total {
		t.Fatalf("byType mismatch: %#v", stats.ByType)
	}
}

func TestUpdateDeleteNotFoundThroughService(t *testing.T) {
	ctx := context.Background()
	svc := initService(t, relationalConfig(t))

	updated, err := svc.Update(ctx, 777, storage.Patch{Value: fv(1)})
	if err != nil {
		t.Fatalf("Update of missing id error: %v", err)
	}
	if updated != 0 {
		t.Fatalf("Update of missing id = %d rows, want 0", updated)
	}
	deleted, err := svc.Delete(ctx, 777)
	if err != nil {
		t.Fatalf("Delete of missing id error: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("Delete of missing id = %d rows, want 0", deleted)
	}
}

func TestFlatFileCapabilityGap(t *testing.T) {
	ctx := context.Background()
	svc := initService(t, flatfileConfig(t))

	if _, err := svc.Insert(ctx, storage.Reading{
		SensorID: "S1", ReadingType: "temperature", Value: fv(1),
		Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	if _, err := svc.Update(ctx, 1, storage.Patch{Value: fv(2)}); !errors.Is(err, storage.ErrUnsupported) {
		t.Fatalf("Update error = %v, want ErrUnsupported", err)
	}
	if _, err := svc.Delete(ctx, 1); !errors.Is(err, storage.ErrUnsupported) {
		t.Fatalf("Delete error = %v, want ErrUnsupported", err)
	}
}

func TestCloseIsIdempotentAndReinitWorks(t *testing.T) {
	ctx := context.Background()
	cfg := relationalConfig(t)
	svc := New(cfg)
	if err := svc.Initialize(ctx); err != nil {
		t.Fatalf("Initialize error: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("first Close error: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
	if kind := svc.Kind(); kind != "" {
		t.Fatalf("kind after close = %q, want empty", kind)
	}
	if _, err := svc.Query(ctx, storage.Filter{}); err == nil {
		t.Fatalf("Query on closed service must fail")
	}

	// Closed → Initialize допустим и запускает пробы заново.
	if err := svc.Initialize(ctx); err != nil {
		t.Fatalf("re-Initialize error: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	if kind := svc.Kind(); kind != storage.KindRelational {
		t.Fatalf("kind after re-init = %q, want relational", kind)
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := initService(t, relationalConfig(t))

	if _, err := svc.Insert(ctx, storage.Reading{
		SensorID: "S1", ReadingType: "temperature", Value: fv(1),
		Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Insert error: %v", err)
	}
	if err := svc.Initialize(ctx); err != nil {
		t.Fatalf("second Initialize error: %v", err)
	}
	res, err := svc.Query(ctx, storage.Filter{SensorID: "S1"})
	if err != nil {
		t.Fatalf("Query error: %v", err)
	}
	if len(res.Readings) != 1 {
		t.Fatalf("data lost after repeated Initialize: %#v", res.Readings)
	}
}

func TestOperationsBeforeInitialize(t *testing.T) {
	svc := New(flatfileConfig(t))
	ctx := context.Background()
	if _, err := svc.Insert(ctx, storage.Reading{SensorID: "S1"}); err == nil {
		t.Fatalf("Insert before Initialize must fail")
	}
	if _, err := svc.Stats(ctx); err == nil {
		t.Fatalf("Stats before Initialize must fail")
	}
}
