package storage

import (
	"context"
	"errors"
	"time"
)

// Kind идентифицирует активную технологию хранения.
type Kind string

const (
	KindAnalytical Kind = "analytical"
	KindRelational Kind = "relational"
	KindFlatFile   Kind = "flatfile"
)

// Reading описывает одно показание агродатчика.
type Reading struct {
	ID             int64      `json:"id,omitempty"`
	SensorID       string     `json:"sensor_id"`
	Timestamp      time.Time  `json:"timestamp"`
	ReadingType    string     `json:"reading_type"`
	Value          *float64   `json:"value"`
	Unit           string     `json:"unit,omitempty"`
	Field          string     `json:"field,omitempty"`
	Latitude       *float64   `json:"latitude,omitempty"`
	Longitude      *float64   `json:"longitude,omitempty"`
	BatteryLevel   *int       `json:"battery_level,omitempty"`
	SignalStrength *int       `json:"signal_strength,omitempty"`
	DataQuality    string     `json:"data_quality,omitempty"`
	ProcessedAt    *time.Time `json:"processed_timestamp,omitempty"`
	QualityScore   int        `json:"quality_score"`
}

// DefaultQualityScore применяется, если показание пришло без оценки качества.
const DefaultQualityScore = 100

// Filter задаёт условия выборки. Пустые строки и нулевые значения означают
// отсутствие условия; все заданные условия объединяются через AND.
type Filter struct {
	SensorID    string
	ReadingType string
	Field       string
	Start       time.Time
	End         time.Time
	Limit       int
}

// Patch описывает частичное обновление записи: применяются только ненулевые поля.
type Patch struct {
	Value          *float64
	Unit           *string
	DataQuality    *string
	QualityScore   *int
	BatteryLevel   *int
	SignalStrength *int
	ProcessedAt    *time.Time
}

// IsEmpty сообщает, что патч не содержит ни одного поля.
func (p Patch) IsEmpty() bool {
	return p.Value == nil && p.Unit == nil && p.DataQuality == nil &&
		p.QualityScore == nil && p.BatteryLevel == nil &&
		p.SignalStrength == nil && p.ProcessedAt == nil
}

// TypeCount — количество записей одного reading_type.
type TypeCount struct {
	ReadingType string `json:"reading_type"`
	Count       int64  `json:"count"`
}

// Stats — сводная статистика хранилища. Latest нулевой, если записей нет.
type Stats struct {
	Total  int64       `json:"total"`
	ByType []TypeCount `json:"byType"`
	Latest time.Time   `json:"latestTimestamp"`
}

// ErrUnsupported возвращается бэкендом для операций, которые он принципиально
// не поддерживает (например update/delete у flat-file). Это постоянное
// ограничение, а не сбой: проверяйте через errors.Is.
var ErrUnsupported = errors.New("operation is not supported by this backend")

// Backend — единый CRUD/query контракт поверх конкретной технологии хранения
// (ClickHouse, PostgreSQL, SQLite, flat-file).
type Backend interface {
	// Insert записывает пачку показаний и возвращает число записанных.
	Insert(ctx context.Context, readings []Reading) (int, error)
	// Query возвращает показания по фильтру, отсортированные по timestamp DESC.
	Query(ctx context.Context, f Filter) ([]Reading, error)
	// Update частично обновляет запись; отсутствие записи — не ошибка (0 строк).
	Update(ctx context.Context, id int64, patch Patch) (int64, error)
	// Delete удаляет запись; отсутствие записи — не ошибка (0 строк).
	Delete(ctx context.Context, id int64) (int64, error)
	// Stats считает total/byType/latest по всему хранилищу.
	Stats(ctx context.Context) (Stats, error)
	// Close освобождает нативный handle. Повторный вызов — no-op.
	Close() error
}
