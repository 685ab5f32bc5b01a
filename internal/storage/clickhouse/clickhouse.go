package clickhouse

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/agrisense/sensorstore/internal/storage"
)

const readingsTable = "sensor_readings"

type Config struct {
	DSN   string
	Table string
}

type Store struct {
	conn  ch.Conn
	table string
	// Движок не умеет автоинкремент, поэтому id выдаём сами:
	// счётчик засеивается из max(id) при открытии.
	lastID atomic.Int64
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	opts, database, err := parseDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}
	table := cfg.Table
	if table == "" {
		table = readingsTable
	}
	if !strings.Contains(table, ".") {
		table = fmt.Sprintf("%s.%s", database, table)
	}
	store := &Store{conn: conn, table: table}
	if err := store.ensureSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	if err := store.seedIDCounter(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return store, nil
}

// Probe проверяет доступность сервера ClickHouse: клиент собирается, ping
// отвечает. Любая ошибка (включая таймаут контекста) — false.
func Probe(ctx context.Context, dsn string) bool {
	opts, _, err := parseDSN(dsn)
	if err != nil {
		return false
	}
	conn, err := ch.Open(opts)
	if err != nil {
		return false
	}
	defer conn.Close()
	return conn.Ping(ctx) == nil
}

func parseDSN(dsn string) (*ch.Options, string, error) {
	if dsn == "" {
		return nil, "", fmt.Errorf("clickhouse: DSN is empty")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, "", fmt.Errorf("clickhouse: parse DSN: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = "localhost:9000"
	}
	if !strings.Contains(host, ":") {
		host = net.JoinHostPort(host, "9000")
	}
	database := strings.TrimPrefix(parsed.Path, "/")
	if database == "" {
		database = "default"
	}
	username := parsed.User.Username()
	password, _ := parsed.User.Password()

	opts := &ch.Options{
		Addr: []string{host},
		Auth: ch.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
	}
	return opts, database, nil
}

func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *Store) ensureSchema(ctx context.Context) error {
	query := fmt.Sprintf(schemaSQL, s.table)
	if err := s.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("clickhouse: init schema: %w", err)
	}
	return nil
}

func (s *Store) seedIDCounter(ctx context.Context) error {
	var maxID uint64
	row := s.conn.QueryRow(ctx, fmt.Sprintf("SELECT max(id) FROM %s", s.table))
	if err := row.Scan(&maxID); err != nil {
		return fmt.Errorf("clickhouse: seed id counter: %w", err)
	}
	s.lastID.Store(storage.NarrowUint64(maxID))
	return nil
}

func (s *Store) Insert(ctx context.Context, readings []storage.Reading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf(insertSQL, s.table))
	if err != nil {
		return 0, fmt.Errorf("clickhouse: prepare batch: %w", err)
	}
	for _, r := range readings {
		id := uint64(s.lastID.Add(1))
		if err := batch.Append(
			id,
			r.SensorID,
			r.Timestamp.UTC(),
			r.ReadingType,
			r.Value,
			nullString(r.Unit),
			nullString(r.Field),
			r.Latitude,
			r.Longitude,
			i32(r.BatteryLevel),
			i32(r.SignalStrength),
			nullString(r.DataQuality),
			utcOrNil(r.ProcessedAt),
			int32(r.QualityScore),
		); err != nil {
			return 0, fmt.Errorf("clickhouse: append reading: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("clickhouse: send batch: %w", err)
	}
	return len(readings), nil
}

func (s *Store) Query(ctx context.Context, f storage.Filter) ([]storage.Reading, error) {
	where, params := buildWhere(f)
	query := fmt.Sprintf(selectSQL, s.table) + where + " ORDER BY timestamp DESC"
	if f.Limit > 0 {
		query += " LIMIT @limit"
		params = append(params, ch.Named("limit", f.Limit))
	}
	rows, err := s.conn.Query(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: query: %w", err)
	}
	defer rows.Close()

	var readings []storage.Reading
	for rows.Next() {
		var r storage.Reading
		var id uint64
		var ts time.Time
		var unit, field, quality *string
		var battery, signal *int32
		var processed *time.Time
		var score int32
		if err := rows.Scan(&id, &r.SensorID, &ts, &r.ReadingType,
			&r.Value, &unit, &field, &r.Latitude, &r.Longitude,
			&battery, &signal, &quality, &processed, &score); err != nil {
			return nil, fmt.Errorf("clickhouse: scan reading: %w", err)
		}
		r.ID = storage.NarrowUint64(id)
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
		if battery != nil {
			v := int(*battery)
			r.BatteryLevel = &v
		}
		if signal != nil {
			v := int(*signal)
			r.SignalStrength = &v
		}
		if processed != nil {
			t := processed.UTC()
			r.ProcessedAt = &t
		}
		r.QualityScore = int(storage.NarrowInt(score))
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

func (s *Store) Update(ctx context.Context, id int64, patch storage.Patch) (int64, error) {
	if patch.IsEmpty() {
		return 0, fmt.Errorf("clickhouse: update: empty patch")
	}
	exists, err := s.exists(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("clickhouse: update existence check: %w", err)
	}
	if !exists {
		return 0, nil
	}
	set, params := buildSet(patch)
	params = append(params, ch.Named("id", id))
	// mutations_sync, чтобы запись была видна сразу после возврата.
	query := fmt.Sprintf("ALTER TABLE %s UPDATE %s WHERE id = @id SETTINGS mutations_sync = 1", s.table, set)
	if err := s.conn.Exec(ctx, query, params...); err != nil {
		return 0, fmt.Errorf("clickhouse: update: %w", err)
	}
	return 1, nil
}

func (s *Store) Delete(ctx context.Context, id int64) (int64, error) {
	exists, err := s.exists(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("clickhouse: delete existence check: %w", err)
	}
	if !exists {
		return 0, nil
	}
	query := fmt.Sprintf("ALTER TABLE %s DELETE WHERE id = @id SETTINGS mutations_sync = 1", s.table)
	if err := s.conn.Exec(ctx, query, ch.Named("id", id)); err != nil {
		return 0, fmt.Errorf("clickhouse: delete: %w", err)
	}
	return 1, nil
}

func (s *Store) exists(ctx context.Context, id int64) (bool, error) {
	var count uint64
	row := s.conn.QueryRow(ctx,
		fmt.Sprintf("SELECT count() FROM %s WHERE id = @id", s.table),
		ch.Named("id", id))
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return storage.NarrowUint64(count) > 0, nil
}

func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	var stats storage.Stats
	var total uint64
	row := s.conn.QueryRow(ctx, fmt.Sprintf("SELECT count() FROM %s", s.table))
	if err := row.Scan(&total); err != nil {
		return storage.Stats{}, fmt.Errorf("clickhouse: stats totals: %w", err)
	}
	stats.Total = storage.NarrowUint64(total)
	if stats.Total == 0 {
		return stats, nil
	}

	var latest time.Time
	row = s.conn.QueryRow(ctx, fmt.Sprintf("SELECT max(timestamp) FROM %s", s.table))
	if err := row.Scan(&latest); err != nil {
		return storage.Stats{}, fmt.Errorf("clickhouse: stats latest: %w", err)
	}
	stats.Latest = latest.UTC()

	rows, err := s.conn.Query(ctx,
		fmt.Sprintf("SELECT reading_type, count() FROM %s GROUP BY reading_type ORDER BY reading_type", s.table))
	if err != nil {
		return storage.Stats{}, fmt.Errorf("clickhouse: stats by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rt string
		var count uint64
		if err := rows.Scan(&rt, &count); err != nil {
			return storage.Stats{}, fmt.Errorf("clickhouse: stats scan: %w", err)
		}
		stats.ByType = append(stats.ByType, storage.TypeCount{
			ReadingType: rt,
			Count:       storage.NarrowUint64(count),
		})
	}
	return stats, rows.Err()
}

func buildWhere(f storage.Filter) (string, []any) {
	var conds []string
	var params []any
	if f.SensorID != "" {
		conds = append(conds, "sensor_id = @sensor_id")
		params = append(params, ch.Named("sensor_id", f.SensorID))
	}
	if f.ReadingType != "" {
		conds = append(conds, "reading_type = @reading_type")
		params = append(params, ch.Named("reading_type", f.ReadingType))
	}
	if f.Field != "" {
		conds = append(conds, "field = @field")
		params = append(params, ch.Named("field", f.Field))
	}
	if !f.Start.IsZero() {
		conds = append(conds, "timestamp >= @start")
		params = append(params, ch.Named("start", f.Start.UTC().Format(chTimeLayout)))
	}
	if !f.End.IsZero() {
		conds = append(conds, "timestamp <= @end")
		params = append(params, ch.Named("end", f.End.UTC().Format(chTimeLayout)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), params
}

func buildSet(patch storage.Patch) (string, []any) {
	var set []string
	var params []any
	add := func(column, name string, value any) {
		set = append(set, fmt.Sprintf("%s = @%s", column, name))
		params = append(params, ch.Named(name, value))
	}
	if patch.Value != nil {
		add("value", "p_value", *patch.Value)
	}
	if patch.Unit != nil {
		add("unit", "p_unit", *patch.Unit)
	}
	if patch.DataQuality != nil {
		add("data_quality", "p_quality", *patch.DataQuality)
	}
	if patch.QualityScore != nil {
		add("quality_score", "p_score", int32(*patch.QualityScore))
	}
	if patch.BatteryLevel != nil {
		add("battery_level", "p_battery", int32(*patch.BatteryLevel))
	}
	if patch.SignalStrength != nil {
		add("signal_strength", "p_signal", int32(*patch.SignalStrength))
	}
	if patch.ProcessedAt != nil {
		add("processed_timestamp", "p_processed", patch.ProcessedAt.UTC().Format(chTimeLayout))
	}
	return strings.Join(set, ", "), params
}

const chTimeLayout = "2006-01-02 15:04:05.000"

func i32(v *int) *int32 {
	if v == nil {
		return nil
	}
	n := int32(*v)
	return &n
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func utcOrNil(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	t := v.UTC()
	return &t
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS %s (
	id UInt64,
	sensor_id String,
	timestamp DateTime64(3, 'UTC'),
	reading_type String,
	value Nullable(Float64),
	unit Nullable(String),
	field Nullable(String),
	latitude Nullable(Float64),
	longitude Nullable(Float64),
	battery_level Nullable(Int32),
	signal_strength Nullable(Int32),
	data_quality Nullable(String),
	processed_timestamp Nullable(DateTime64(3, 'UTC')),
	quality_score Int32
) ENGINE = MergeTree ORDER BY (timestamp, id)
`

const selectSQL = `
SELECT id, sensor_id, timestamp, reading_type,
       value, unit, field, latitude, longitude,
       battery_level, signal_strength, data_quality, processed_timestamp, quality_score
FROM %s`

const insertSQL = `
INSERT INTO %s (
	id, sensor_id, timestamp, reading_type, value, unit, field,
	latitude, longitude, battery_level, signal_strength,
	data_quality, processed_timestamp, quality_score
)`

func IsSource(dsn string) bool {
	if dsn == "" {
		return false
	}
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "clickhouse://") || strings.HasPrefix(lower, "ch://")
}
