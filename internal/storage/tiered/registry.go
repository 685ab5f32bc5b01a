package tiered

import (
	"context"
	"sync"

	"github.com/agrisense/sensorstore/pkg/config"
)

// Registry выдаёт всем вызывающим один и тот же инициализированный Service.
// Наивная версия без учёта инициализации "в полёте" позволила бы N первым
// конкурентным вызовам открыть N соединений к одному файлу БД; здесь
// гарантируется ровно один Initialize на реестр.
//
// Реестр — явная зависимость: его передают в сервисы-потребители через
// конструкторы, глобального состояния на уровне пакета нет.
type Registry struct {
	mu sync.Mutex

	svc *Service
	// pending ненулевой, пока чья-то инициализация в полёте;
	// закрывается по её завершении, будя всех ожидающих.
	pending chan struct{}

	newService func(ctx context.Context) (*Service, error)
}

func NewRegistry(cfg config.StorageConfig) *Registry {
	return &Registry{
		newService: func(ctx context.Context) (*Service, error) {
			svc := New(cfg)
			if err := svc.Initialize(ctx); err != nil {
				return nil, err
			}
			return svc, nil
		},
	}
}

// Get возвращает готовый Service: из кэша, дождавшись чужой инициализации,
// либо инициализировав самостоятельно.
func (r *Registry) Get(ctx context.Context) (*Service, error) {
	for {
		r.mu.Lock()
		if r.svc != nil {
			svc := r.svc
			r.mu.Unlock()
			return svc, nil
		}
		if r.pending != nil {
			wait := r.pending
			r.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-wait:
			}
			// Инициализация завершилась; перечитываем состояние.
			continue
		}
		pending := make(chan struct{})
		r.pending = pending
		r.mu.Unlock()

		svc, err := r.newService(ctx)

		r.mu.Lock()
		if err == nil {
			r.svc = svc
		}
		r.pending = nil
		r.mu.Unlock()
		close(pending)

		if err != nil {
			return nil, err
		}
		return svc, nil
	}
}

// Close закрывает кэшированный Service и очищает кэш: следующий Get
// соберёт свежий экземпляр (используется для изоляции тестовых запусков).
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.svc == nil {
		return nil
	}
	err := r.svc.Close()
	r.svc = nil
	return err
}
