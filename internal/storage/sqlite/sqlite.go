package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agrisense/sensorstore/internal/storage"
)

const readingsTable = "sensor_readings"

// Метки времени храним фиксированной ширины в UTC, чтобы ORDER BY по строке
// совпадал с хронологическим порядком.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Config struct {
	Source      string
	BusyTimeout time.Duration
}

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Source == "" {
		return nil, fmt.Errorf("sqlite: database path is empty")
	}
	db, err := sql.Open("sqlite", cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds())); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	store := &Store{db: db}
	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Probe проверяет, что движок открывает и отвечает на ping по заданному пути.
// Любая ошибка или таймаут означают false; наружу ошибки не выходят.
func Probe(ctx context.Context, source string) bool {
	if source == "" {
		return false
	}
	db, err := sql.Open("sqlite", NormalizeSource(source))
	if err != nil {
		return false
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return false
	}
	return true
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("sqlite: init schema: %w", err)
	}
	for _, idx := range indexSQL {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("sqlite: init index: %w", err)
		}
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, readings []storage.Reading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}
	// Пачка пишется целиком или не пишется вовсе.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	for _, r := range readings {
		if _, err := stmt.ExecContext(ctx,
			r.SensorID,
			r.Timestamp.UTC().Format(tsLayout),
			r.ReadingType,
			nullFloat(r.Value),
			nullString(r.Unit),
			nullString(r.Field),
			nullFloat(r.Latitude),
			nullFloat(r.Longitude),
			nullInt(r.BatteryLevel),
			nullInt(r.SignalStrength),
			nullString(r.DataQuality),
			nullTime(r.ProcessedAt),
			r.QualityScore,
		); err != nil {
			stmt.Close()
			tx.Rollback()
			return 0, fmt.Errorf("sqlite: insert reading: %w", err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit insert: %w", err)
	}
	return len(readings), nil
}

func (s *Store) Query(ctx context.Context, f storage.Filter) ([]storage.Reading, error) {
	where, args := buildWhere(f)
	query := selectSQL + where + " ORDER BY timestamp DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query: %w", err)
	}
	defer rows.Close()

	var readings []storage.Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

func (s *Store) Update(ctx context.Context, id int64, patch storage.Patch) (int64, error) {
	if patch.IsEmpty() {
		return 0, fmt.Errorf("sqlite: update: empty patch")
	}
	var exists int
	err := s.db.QueryRowContext(ctx, existsSQL, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: update existence check: %w", err)
	}

	set, args := buildSet(patch)
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", readingsTable, set), args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: update rows affected: %w", err)
	}
	return affected, nil
}

func (s *Store) Delete(ctx context.Context, id int64) (int64, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, existsSQL, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete existence check: %w", err)
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", readingsTable), id)
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete rows affected: %w", err)
	}
	return affected, nil
}

func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	var stats storage.Stats
	var latest sql.NullString
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*), MAX(timestamp) FROM %s", readingsTable)).
		Scan(&stats.Total, &latest)
	if err != nil {
		return storage.Stats{}, fmt.Errorf("sqlite: stats totals: %w", err)
	}
	if latest.Valid {
		ts, err := parseTimestamp(latest.String)
		if err != nil {
			return storage.Stats{}, err
		}
		stats.Latest = ts
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT reading_type, COUNT(*) FROM %s GROUP BY reading_type ORDER BY reading_type", readingsTable))
	if err != nil {
		return storage.Stats{}, fmt.Errorf("sqlite: stats by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tc storage.TypeCount
		var rt sql.NullString
		if err := rows.Scan(&rt, &tc.Count); err != nil {
			return storage.Stats{}, fmt.Errorf("sqlite: stats scan: %w", err)
		}
		tc.ReadingType = rt.String
		stats.ByType = append(stats.ByType, tc)
	}
	return stats, rows.Err()
}

func buildWhere(f storage.Filter) (string, []any) {
	var conds []string
	var args []any
	if f.SensorID != "" {
		conds = append(conds, "sensor_id = ?")
		args = append(args, f.SensorID)
	}
	if f.ReadingType != "" {
		conds = append(conds, "reading_type = ?")
		args = append(args, f.ReadingType)
	}
	if f.Field != "" {
		conds = append(conds, "field = ?")
		args = append(args, f.Field)
	}
	if !f.Start.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.Start.UTC().Format(tsLayout))
	}
	if !f.End.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, f.End.UTC().Format(tsLayout))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func buildSet(patch storage.Patch) (string, []any) {
	var set []string
	var args []any
	if patch.Value != nil {
		set = append(set, "value = ?")
		args = append(args, *patch.Value)
	}
	if patch.Unit != nil {
		set = append(set, "unit = ?")
		args = append(args, *patch.Unit)
	}
	if patch.DataQuality != nil {
		set = append(set, "data_quality = ?")
		args = append(args, *patch.DataQuality)
	}
	if patch.QualityScore != nil {
		set = append(set, "quality_score = ?")
		args = append(args, *patch.QualityScore)
	}
	if patch.BatteryLevel != nil {
		set = append(set, "battery_level = ?")
		args = append(args, *patch.BatteryLevel)
	}
	if patch.SignalStrength != nil {
		set = append(set, "signal_strength = ?")
		args = append(args, *patch.SignalStrength)
	}
	if patch.ProcessedAt != nil {
		set = append(set, "processed_timestamp = ?")
		args = append(args, patch.ProcessedAt.UTC().Format(tsLayout))
	}
	return strings.Join(set, ", "), args
}

func scanReading(rows *sql.Rows) (storage.Reading, error) {
	var r storage.Reading
	var ts string
	var value, lat, lon sql.NullFloat64
	var unit, field, quality, processed sql.NullString
	var battery, signal sql.NullInt64
	if err := rows.Scan(&r.ID, &r.SensorID, &ts, &r.ReadingType,
		&value, &unit, &field, &lat, &lon,
		&battery, &signal, &quality, &processed, &r.QualityScore); err != nil {
		return storage.Reading{}, fmt.Errorf("sqlite: scan reading: %w", err)
	}
	parsed, err := parseTimestamp(ts)
	if err != nil {
		return storage.Reading{}, err
	}
	r.Timestamp = parsed
	if value.Valid {
		v := value.Float64
		r.Value = &v
	}
	if unit.Valid {
		r.Unit = unit.String
	}
	if field.Valid {
		r.Field = field.String
	}
	if lat.Valid {
		v := lat.Float64
		r.Latitude = &v
	}
	if lon.Valid {
		v := lon.Float64
		r.Longitude = &v
	}
	if battery.Valid {
		v := int(battery.Int64)
		r.BatteryLevel = &v
	}
	if signal.Valid {
		v := int(signal.Int64)
		r.SignalStrength = &v
	}
	if quality.Valid {
		r.DataQuality = quality.String
	}
	if processed.Valid {
		t, err := parseTimestamp(processed.String)
		if err != nil {
			return storage.Reading{}, err
		}
		r.ProcessedAt = &t
	}
	return r, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
	}
	var err error
	for _, layout := range layouts {
		var parsed time.Time
		parsed, err = time.Parse(layout, strings.TrimSpace(raw))
		if err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("sqlite: unknown timestamp format %q: %v", raw, err)
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UTC().Format(tsLayout)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS ` + readingsTable + `(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sensor_id TEXT,
	timestamp TEXT NOT NULL,
	reading_type TEXT,
	value REAL,
	unit TEXT,
	field TEXT,
	latitude REAL,
	longitude REAL,
	battery_level INTEGER,
	signal_strength INTEGER,
	data_quality TEXT,
	processed_timestamp TEXT,
	quality_score INTEGER NOT NULL DEFAULT 100
);
`

var indexSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_readings_sensor ON ` + readingsTable + `(sensor_id)`,
	`CREATE INDEX IF NOT EXISTS idx_readings_timestamp ON ` + readingsTable + `(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_readings_type ON ` + readingsTable + `(reading_type)`,
}

const selectSQL = `
SELECT id, sensor_id, timestamp, reading_type,
       value, unit, field, latitude, longitude,
       battery_level, signal_strength, data_quality, processed_timestamp, quality_score
FROM ` + readingsTable

const insertSQL = `
INSERT INTO ` + readingsTable + `(
	sensor_id, timestamp, reading_type, value, unit, field,
	latitude, longitude, battery_level, signal_strength,
	data_quality, processed_timestamp, quality_score
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const existsSQL = `SELECT 1 FROM ` + readingsTable + ` WHERE id = ?`

func IsSource(src string) bool {
	if src == "" {
		return false
	}
	lower := strings.ToLower(src)
	switch {
	case strings.HasPrefix(lower, "sqlite://"),
		strings.HasPrefix(lower, "file:"),
		strings.HasSuffix(lower, ".db"),
		src == ":memory:":
		return true
	default:
		return false
	}
}

func NormalizeSource(src string) string {
	if strings.HasPrefix(src, "sqlite://") {
		return strings.TrimPrefix(src, "sqlite://")
	}
	return src
}
