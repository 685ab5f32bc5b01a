package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agrisense/sensorstore/internal/storage"
)

const readingsTable = "sensor_readings"

type Config struct {
	ConnString string
	MaxConns   int32
}

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.ConnString == "" {
		return nil, fmt.Errorf("postgres: connection string is empty")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	store := &Store{pool: pool}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Probe проверяет доступность сервера: пул собирается, ping отвечает.
// Любая ошибка — false, наружу ничего не бросаем.
func Probe(ctx context.Context, connString string) bool {
	if connString == "" {
		return false
	}
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return false
	}
	defer pool.Close()
	return pool.Ping(ctx) == nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("postgres: init schema: %w", err)
	}
	for _, idx := range indexSQL {
		if _, err := s.pool.Exec(ctx, idx); err != nil {
			return fmt.Errorf("postgres: init index: %w", err)
		}
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, readings []storage.Reading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}
	// Пачка пишется в одной транзакции: целиком или никак.
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, r := range readings {
		if _, err := tx.Exec(ctx, insertSQL,
			r.SensorID,
			r.Timestamp.UTC(),
			r.ReadingType,
			r.Value,
			nullString(r.Unit),
			nullString(r.Field),
			r.Latitude,
			r.Longitude,
			r.BatteryLevel,
			r.SignalStrength,
			nullString(r.DataQuality),
			r.ProcessedAt,
			r.QualityScore,
		); err != nil {
			return 0, fmt.Errorf("postgres: insert reading: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit insert: %w", err)
	}
	return len(readings), nil
}

func (s *Store) Query(ctx context.Context, f storage.Filter) ([]storage.Reading, error) {
	where, args := buildWhere(f)
	query := selectSQL + where + " ORDER BY timestamp DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query: %w", err)
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
		return 0, fmt.Errorf("postgres: update: empty patch")
	}
	var exists int
	err := s.pool.QueryRow(ctx, existsSQL, id).Scan(&exists)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: update existence check: %w", err)
	}

	set, args := buildSet(patch)
	args = append(args, id)
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", readingsTable, set, len(args)), args...)
	if err != nil {
		return 0, fmt.Errorf("postgres: update: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Delete(ctx context.Context, id int64) (int64, error) {
	var exists int
	err := s.pool.QueryRow(ctx, existsSQL, id).Scan(&exists)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: delete existence check: %w", err)
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", readingsTable), id)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	var stats storage.Stats
	var latest *time.Time
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT COUNT(*), MAX(timestamp) FROM %s", readingsTable)).
		Scan(&stats.Total, &latest)
	if err != nil {
		return storage.Stats{}, fmt.Errorf("postgres: stats totals: %w", err)
	}
	if latest != nil {
		stats.Latest = latest.UTC()
	}

	rows, err := s.pool.Query(ctx,
		fmt.Sprintf("SELECT COALESCE(reading_type, ''), COUNT(*) FROM %s GROUP BY reading_type ORDER BY reading_type", readingsTable))
	if err != nil {
		return storage.Stats{}, fmt.Errorf("postgres: stats by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tc storage.TypeCount
		if err := rows.Scan(&tc.ReadingType, &tc.Count); err != nil {
			return storage.Stats{}, fmt.Errorf("postgres: stats scan: %w", err)
		}
		stats.ByType = append(stats.ByType, tc)
	}
	return stats, rows.Err()
}

func buildWhere(f storage.Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.SensorID != "" {
		add("sensor_id = $%d", f.SensorID)
	}
	if f.ReadingType != "" {
		add("reading_type = $%d", f.ReadingType)
	}
	if f.Field != "" {
		add("field = $%d", f.Field)
	}
	if !f.Start.IsZero() {
		add("timestamp >= $%d", f.Start.UTC())
	}
	if !f.End.IsZero() {
		add("timestamp <= $%d", f.End.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func buildSet(patch storage.Patch) (string, []any) {
	var set []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Value != nil {
		add("value", *patch.Value)
	}
	if patch.Unit != nil {
		add("unit", *patch.Unit)
	}
	if patch.DataQuality != nil {
		add("data_quality", *patch.DataQuality)
	}
	if patch.QualityScore != nil {
		add("quality_score", *patch.QualityScore)
	}
	if patch.BatteryLevel != nil {
		add("battery_level", *patch.BatteryLevel)
	}
	if patch.SignalStrength != nil {
		add("signal_strength", *patch.SignalStrength)
	}
	if patch.ProcessedAt != nil {
		add("processed_timestamp", patch.ProcessedAt.UTC())
	}
	return strings.Join(set, ", "), args
}

func scanReading(rows pgx.Rows) (storage.Reading, error) {
	var r storage.Reading
	var ts time.Time
	var unit, field, quality *string
	var processed *time.Time
	if err := rows.Scan(&r.ID, &r.SensorID, &ts, &r.ReadingType,
		&r.Value, &unit, &field, &r.Latitude, &r.Longitude,
		&r.BatteryLevel, &r.SignalStrength, &quality, &processed, &r.QualityScore); err != nil {
		return storage.Reading{}, fmt.Errorf("postgres: scan reading: %w", err)
	}
	r.Timestamp = ts.UTC()
	if unit != nil {
		r.Unit = *unit
	}
	if field != nil {
		r.Field = *field
	}
	if quality != nil {
		r.DataQuality = *quality
	}
	if processed != nil {
		t := processed.UTC()
		r.ProcessedAt = &t
	}
	return r, nil
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS ` + readingsTable + `(
	id BIGSERIAL PRIMARY KEY,
	sensor_id TEXT,
	timestamp TIMESTAMPTZ NOT NULL,
	reading_type TEXT,
	value DOUBLE PRECISION,
	unit TEXT,
	field TEXT,
	latitude DOUBLE PRECISION,
	longitude DOUBLE PRECISION,
	battery_level INTEGER,
	signal_strength INTEGER,
	data_quality TEXT,
	processed_timestamp TIMESTAMPTZ,
	quality_score INTEGER NOT NULL DEFAULT 100
)`

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
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

const existsSQL = `SELECT 1 FROM ` + readingsTable + ` WHERE id = $1`

func IsPostgresURL(db string) bool {
	return strings.HasPrefix(db, "postgres://") || strings.HasPrefix(db, "postgresql://")
}
