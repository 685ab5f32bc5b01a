package tiered

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/agrisense/sensorstore/internal/storage"
	"github.com/agrisense/sensorstore/internal/storage/clickhouse"
	"github.com/agrisense/sensorstore/internal/storage/flatfile"
	"github.com/agrisense/sensorstore/internal/storage/postgres"
	"github.com/agrisense/sensorstore/internal/storage/sqlite"
	"github.com/agrisense/sensorstore/pkg/config"
)

// Service — единая точка входа ко всем операциям хранения. Выбор бэкенда
// происходит один раз в Initialize: analytical → relational → flatfile.
// После выбора бэкенд не меняется до Close; операционные ошибки уходят
// вызывающему как есть, без повторов и прозрачной деградации.
type Service struct {
	mu sync.Mutex

	cfg config.StorageConfig

	backend       storage.Backend
	kind          storage.Kind
	available     bool
	fallbackCause error
}

// QueryResult — выборка плюс метаданные об источнике. Source — информация
// для наблюдаемости, ветвить бизнес-логику по нему не нужно.
type QueryResult struct {
	Readings []storage.Reading
	Source   storage.Kind
}

func New(cfg config.StorageConfig) *Service {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = config.DefaultProbeTimeout
	}
	return &Service{cfg: cfg}
}

// Initialize пробует ярусы по порядку и фиксирует первый живой.
// Повторный вызов при живом бэкенде — no-op. Ошибкой завершается только
// отказ файловой системы под flat-file fallback'ом; недоступность движков
// и неожиданные сбои конструкторов приводят к следующему ярусу.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend != nil {
		return nil
	}
	s.fallbackCause = nil

	if backend, ok := s.tryAnalytical(ctx); ok {
		s.setBackend(backend, storage.KindAnalytical, true)
		return nil
	}
	if backend, ok := s.tryRelational(ctx); ok {
		s.setBackend(backend, storage.KindRelational, true)
		return nil
	}

	backend, err := flatfile.New(flatfile.Config{Dir: s.cfg.ProcessedDir})
	if err != nil {
		return fmt.Errorf("tiered: flat-file fallback: %w", err)
	}
	s.setBackend(backend, storage.KindFlatFile, false)
	return nil
}

func (s *Service) setBackend(backend storage.Backend, kind storage.Kind, available bool) {
	s.backend = backend
	s.kind = kind
	s.available = available
	if s.fallbackCause != nil {
		log.Printf("tiered: selected %s backend (fallback cause: %v)", kind, s.fallbackCause)
		return
	}
	log.Printf("tiered: selected %s backend", kind)
}

func (s *Service) tryAnalytical(ctx context.Context) (storage.Backend, bool) {
	dsn := s.cfg.AnalyticalDSN
	if dsn == "" {
		logDebugf("tiered: analytical DSN is empty, skipping tier")
		return nil, false
	}
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	ok := clickhouse.Probe(probeCtx, dsn)
	cancel()
	if !ok {
		log.Printf("tiered: WARNING: analytical engine is not reachable, falling back")
		return nil, false
	}
	backend, err := clickhouse.New(ctx, clickhouse.Config{DSN: dsn})
	if err != nil {
		// Проба прошла, а конструктор упал: причину сохраняем и идём дальше.
		s.fallbackCause = err
		log.Printf("tiered: analytical backend init failed: %v", err)
		return nil, false
	}
	return backend, true
}

func (s *Service) tryRelational(ctx context.Context) (storage.Backend, bool) {
	src := s.cfg.RelationalSource
	if src == "" {
		logDebugf("tiered: relational source is empty, skipping tier")
		return nil, false
	}
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	switch {
	case postgres.IsPostgresURL(src):
		if !postgres.Probe(probeCtx, src) {
			log.Printf("tiered: WARNING: postgres engine is not reachable, falling back")
			return nil, false
		}
		backend, err := postgres.New(ctx, postgres.Config{ConnString: src})
		if err != nil {
			s.fallbackCause = err
			log.Printf("tiered: postgres backend init failed: %v", err)
			return nil, false
		}
		return backend, true
	case sqlite.IsSource(src):
		path := sqlite.NormalizeSource(src)
		if !sqlite.Probe(probeCtx, path) {
			log.Printf("tiered: WARNING: sqlite engine is not usable at %s, falling back", path)
			return nil, false
		}
		backend, err := sqlite.New(ctx, sqlite.Config{Source: path})
		if err != nil {
			s.fallbackCause = err
			log.Printf("tiered: sqlite backend init failed: %v", err)
			return nil, false
		}
		return backend, true
	default:
		s.fallbackCause = fmt.Errorf("tiered: unsupported relational source %q", src)
		log.Printf("tiered: WARNING: unsupported relational source %q, falling back", src)
		return nil, false
	}
}

// Kind возвращает активный ярус; пустая строка — сервис не инициализирован.
func (s *Service) Kind() storage.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

// Available — true, когда живёт настоящий движок БД (не flat-file).
func (s *Service) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// FallbackCause — диагностическая причина последнего отката на нижний ярус.
func (s *Service) FallbackCause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallbackCause
}

func (s *Service) activeBackend() (storage.Backend, storage.Kind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil {
		return nil, "", fmt.Errorf("tiered: service is not initialized")
	}
	return s.backend, s.kind, nil
}

// Insert записывает показания. Одно показание — пачка из одного элемента.
// Пачка либо фиксируется целиком, либо не фиксируется вовсе.
func (s *Service) Insert(ctx context.Context, readings ...storage.Reading) (int, error) {
	backend, _, err := s.activeBackend()
	if err != nil {
		return 0, err
	}
	for i := range readings {
		if readings[i].QualityScore == 0 {
			readings[i].QualityScore = storage.DefaultQualityScore
		}
	}
	return backend.Insert(ctx, readings)
}

// Query возвращает показания по фильтру (timestamp DESC) и активный ярус.
func (s *Service) Query(ctx context.Context, f storage.Filter) (QueryResult, error) {
	backend, kind, err := s.activeBackend()
	if err != nil {
		return QueryResult{}, err
	}
	readings, err := backend.Query(ctx, f)
	if err != nil {
		return QueryResult{}, err
	}
	return QueryResult{Readings: readings, Source: kind}, nil
}

// Update частично обновляет запись. Отсутствие записи — не ошибка (0 строк).
// Flat-file ярус отвечает storage.ErrUnsupported.
func (s *Service) Update(ctx context.Context, id int64, patch storage.Patch) (int64, error) {
	backend, _, err := s.activeBackend()
	if err != nil {
		return 0, err
	}
	return backend.Update(ctx, id, patch)
}

// Delete удаляет запись. Отсутствие записи — не ошибка (0 строк).
func (s *Service) Delete(ctx context.Context, id int64) (int64, error) {
	backend, _, err := s.activeBackend()
	if err != nil {
		return 0, err
	}
	return backend.Delete(ctx, id)
}

// StatsResult — статистика плюс источник.
type StatsResult struct {
	storage.Stats
	Source storage.Kind
}

// Stats — total/byType/latest по активному ярусу.
func (s *Service) Stats(ctx context.Context) (StatsResult, error) {
	backend, kind, err := s.activeBackend()
	if err != nil {
		return StatsResult{}, err
	}
	stats, err := backend.Stats(ctx)
	if err != nil {
		return StatsResult{}, err
	}
	return StatsResult{Stats: stats, Source: kind}, nil
}

// Close освобождает handle бэкенда и переводит сервис в закрытое состояние.
// Повторный вызов — no-op. Следующий Initialize начнёт пробы заново.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil {
		return nil
	}
	err := s.backend.Close()
	s.backend = nil
	s.kind = ""
	s.available = false
	if err != nil {
		return fmt.Errorf("tiered: close backend: %w", err)
	}
	return nil
}
