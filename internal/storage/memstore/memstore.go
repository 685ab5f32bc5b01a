package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/agrisense/sensorstore/internal/storage"
)

// Store — хранилище в памяти для тестов и прототипирования.
// Повторяет контракт Backend без внешних зависимостей.
type Store struct {
	mu     sync.Mutex
	lastID int64
	rows   []storage.Reading
}

func New() *Store {
	return &Store{}
}

func (s *Store) Insert(ctx context.Context, readings []storage.Reading) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range readings {
		s.lastID++
		r.ID = s.lastID
		s.rows = append(s.rows, r)
	}
	return len(readings), nil
}

func (s *Store) Query(ctx context.Context, f storage.Filter) ([]storage.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Reading
	for _, r := range s.rows {
		if matches(r, f) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, id int64, patch storage.Patch) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].ID != id {
			continue
		}
		apply(&s.rows[i], patch)
		return 1, nil
	}
	return 0, nil
}

func (s *Store) Delete(ctx context.Context, id int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].ID != id {
			continue
		}
		s.rows = append(s.rows[:i], s.rows[i+1:]...)
		return 1, nil
	}
	return 0, nil
}

func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return storage.Stats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats storage.Stats
	counts := make(map[string]int64)
	for _, r := range s.rows {
		stats.Total++
		counts[r.ReadingType]++
		if r.Timestamp.After(stats.Latest) {
			stats.Latest = r.Timestamp
		}
	}
	types := make([]string, 0, len(counts))
	for rt := range counts {
		types = append(types, rt)
	}
	sort.Strings(types)
	for _, rt := range types {
		stats.ByType = append(stats.ByType, storage.TypeCount{ReadingType: rt, Count: counts[rt]})
	}
	return stats, nil
}

func (s *Store) Close() error {
	return nil
}

func matches(r storage.Reading, f storage.Filter) bool {
	if f.SensorID != "" && r.SensorID != f.SensorID {
		return false
	}
	if f.ReadingType != "" && r.ReadingType != f.ReadingType {
		return false
	}
	if f.Field != "" && r.Field != f.Field {
		return false
	}
	if !f.Start.IsZero() && r.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && r.Timestamp.After(f.End) {
		return false
	}
	return true
}

func apply(r *storage.Reading, patch storage.Patch) {
	if patch.Value != nil {
		r.Value = patch.Value
	}
	if patch.Unit != nil {
		r.Unit = *patch.Unit
	}
	if patch.DataQuality != nil {
		r.DataQuality = *patch.DataQuality
	}
	if patch.QualityScore != nil {
		r.QualityScore = *patch.QualityScore
	}
	if patch.BatteryLevel != nil {
		r.BatteryLevel = patch.BatteryLevel
	}
	if patch.SignalStrength != nil {
		r.SignalStrength = patch.SignalStrength
	}
	if patch.ProcessedAt != nil {
		r.ProcessedAt = patch.ProcessedAt
	}
}
