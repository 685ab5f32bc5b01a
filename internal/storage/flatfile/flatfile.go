package flatfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agrisense/sensorstore/internal/storage"
)

// Store — резервное хранилище без БД: каждая пачка показаний пишется
// отдельным JSON-файлом, выборки и статистика читают каталог целиком.
// Индексов нет, id не назначаются, update/delete не поддерживаются.
type Store struct {
	dir string
}

type Config struct {
	Dir string
}

func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("flatfile: directory is empty")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("flatfile: mkdir %s: %w", cfg.Dir, err)
	}
	return &Store{dir: cfg.Dir}, nil
}

func (s *Store) Close() error {
	return nil
}

// Dir возвращает каталог с файлами пачек.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) Insert(ctx context.Context, readings []storage.Reading) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(readings) == 0 {
		return 0, nil
	}
	data, err := json.MarshalIndent(readings, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("flatfile: marshal batch: %w", err)
	}
	// Имя — момент записи; uuid-суффикс спасает от коллизий в одну миллисекунду.
	name := fmt.Sprintf("readings-%s-%s.json",
		time.Now().UTC().Format("20060102T150405.000"),
		uuid.NewString()[:8])
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return 0, fmt.Errorf("flatfile: write %s: %w", path, err)
	}
	return len(readings), nil
}

func (s *Store) Query(ctx context.Context, f storage.Filter) ([]storage.Reading, error) {
	all, err := s.readAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []storage.Reading
	for _, r := range all {
		if matches(r, f) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	// Движка под этим хранилищем нет, поэтому limit режет уже после сортировки.
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, id int64, patch storage.Patch) (int64, error) {
	return 0, fmt.Errorf("flatfile: update: %w", storage.ErrUnsupported)
}

func (s *Store) Delete(ctx context.Context, id int64) (int64, error) {
	return 0, fmt.Errorf("flatfile: delete: %w", storage.ErrUnsupported)
}

func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	all, err := s.readAll(ctx)
	if err != nil {
		return storage.Stats{}, err
	}
	var stats storage.Stats
	counts := make(map[string]int64)
	for _, r := range all {
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

func (s *Store) readAll(ctx context.Context) ([]storage.Reading, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("flatfile: read dir %s: %w", s.dir, err)
	}
	var all []storage.Reading
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("flatfile: read %s: %w", path, err)
		}
		var batch []storage.Reading
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("flatfile: parse %s: %w", path, err)
		}
		all = append(all, batch...)
	}
	return all, nil
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
