package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

const sampleColumnsPerRow = 8

// PostgresStore persists samples through a pgx pool exposed as database/sql.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   *sql.DB
}

func NewPostgresStore(ctx context.Context, databaseURL string, maxConns int32) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	store := newPostgresStoreFromDB(stdlib.OpenDBFromPool(pool))
	store.pool = pool

	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := store.migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return store, nil
}

func newPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (store *PostgresStore) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS sensor_samples (
  id BIGSERIAL PRIMARY KEY,
  device_id TEXT NOT NULL,
  recorded_at TIMESTAMPTZ NOT NULL,
  temperature DOUBLE PRECISION NOT NULL,
  vibration DOUBLE PRECISION NOT NULL,
  amperage DOUBLE PRECISION NOT NULL,
  voltage DOUBLE PRECISION NOT NULL,
  metrics JSONB NOT NULL,
  status TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_sensor_samples_device_recorded ON sensor_samples(device_id, recorded_at DESC);
CREATE INDEX IF NOT EXISTS idx_sensor_samples_recorded ON sensor_samples(recorded_at DESC);
`

	_, err := store.db.ExecContext(ctx, schema)
	return err
}

// Postgres binds at most 65535 parameters per statement.
const maxRowsPerInsert = 65535 / sampleColumnsPerRow

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// WriteSamples inserts the batch with multi-row statements of at most
// maxRowsPerInsert rows. A batch that needs several statements is written
// in one transaction, so it is stored whole or not at all.
func (store *PostgresStore) WriteSamples(ctx context.Context, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	if len(samples) <= maxRowsPerInsert {
		return insertSamples(ctx, store.db, samples)
	}

	tx, err := store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	for start := 0; start < len(samples); start += maxRowsPerInsert {
		end := min(start+maxRowsPerInsert, len(samples))
		if err := insertSamples(ctx, tx, samples[start:end]); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

func insertSamples(ctx context.Context, execer sqlExecer, samples []Sample) error {
	var builder strings.Builder
	builder.WriteString("INSERT INTO sensor_samples (device_id, recorded_at, temperature, vibration, amperage, voltage, metrics, status) VALUES ")

	args := make([]any, 0, len(samples)*sampleColumnsPerRow)
	for index, sample := range samples {
		if index > 0 {
			builder.WriteString(",")
		}

		builder.WriteString("(")
		for column := 1; column <= sampleColumnsPerRow; column++ {
			if column > 1 {
				builder.WriteString(",")
			}
			fmt.Fprintf(&builder, "$%d", len(args)+column)
		}
		builder.WriteString(")")

		encodedMetrics, err := json.Marshal(sample.Metrics)
		if err != nil {
			return fmt.Errorf("marshal metrics: %w", err)
		}

		args = append(args,
			sample.DeviceID,
			sample.Timestamp.UTC(),
			sample.Value(MetricTemperature),
			sample.Value(MetricVibration),
			sample.Value(MetricCurrent),
			sample.Value(MetricVoltage),
			encodedMetrics,
			sample.Status,
		)
	}

	if _, err := execer.ExecContext(ctx, builder.String(), args...); err != nil {
		return fmt.Errorf("insert samples: %w", err)
	}
	return nil
}

func (store *PostgresStore) Latest(ctx context.Context, limit int) ([]Sample, error) {
	if limit <= 0 {
		limit = 100
	}

	const query = `
SELECT device_id, recorded_at, metrics, status
FROM sensor_samples
ORDER BY recorded_at DESC, id DESC
LIMIT $1
`

	return store.querySamples(ctx, query, limit)
}

func (store *PostgresStore) Find(ctx context.Context, query SampleQuery) ([]Sample, Pagination, error) {
	query = query.normalized()

	const countAll = `SELECT COUNT(*) FROM sensor_samples`
	const countDevice = `SELECT COUNT(*) FROM sensor_samples WHERE device_id = $1`
	const pageAll = `
SELECT device_id, recorded_at, metrics, status
FROM sensor_samples
ORDER BY recorded_at DESC, id DESC
LIMIT $1 OFFSET $2
`
	const pageDevice = `
SELECT device_id, recorded_at, metrics, status
FROM sensor_samples
WHERE device_id = $1
ORDER BY recorded_at DESC, id DESC
LIMIT $2 OFFSET $3
`

	var total int
	var samples []Sample
	var err error

	if query.DeviceID == "" {
		if err = store.db.QueryRowContext(ctx, countAll).Scan(&total); err != nil {
			return nil, Pagination{}, fmt.Errorf("count samples: %w", err)
		}
		samples, err = store.querySamples(ctx, pageAll, query.Limit, query.offset())
	} else {
		if err = store.db.QueryRowContext(ctx, countDevice, query.DeviceID).Scan(&total); err != nil {
			return nil, Pagination{}, fmt.Errorf("count samples: %w", err)
		}
		samples, err = store.querySamples(ctx, pageDevice, query.DeviceID, query.Limit, query.offset())
	}
	if err != nil {
		return nil, Pagination{}, err
	}

	return samples, newPagination(query, total), nil
}

func (store *PostgresStore) querySamples(ctx context.Context, query string, args ...any) ([]Sample, error) {
	rows, err := store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	samples := make([]Sample, 0)
	for rows.Next() {
		var sample Sample
		var encodedMetrics []byte
		if err := rows.Scan(&sample.DeviceID, &sample.Timestamp, &encodedMetrics, &sample.Status); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		if err := json.Unmarshal(encodedMetrics, &sample.Metrics); err != nil {
			return nil, fmt.Errorf("decode metrics for %s: %w", sample.DeviceID, err)
		}
		sample.Timestamp = sample.Timestamp.UTC()
		samples = append(samples, sample)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}

func (store *PostgresStore) Aggregate(ctx context.Context, since time.Time) (SampleStats, error) {
	const query = `
SELECT
  COUNT(*),
  COALESCE(AVG(temperature), 0), COALESCE(MAX(temperature), 0), COALESCE(MIN(temperature), 0),
  COALESCE(AVG(vibration), 0), COALESCE(MAX(vibration), 0), COALESCE(MIN(vibration), 0),
  COALESCE(AVG(amperage), 0), COALESCE(MAX(amperage), 0), COALESCE(MIN(amperage), 0),
  COALESCE(AVG(voltage), 0), COALESCE(MAX(voltage), 0), COALESCE(MIN(voltage), 0)
FROM sensor_samples
WHERE recorded_at >= $1
`

	var count int
	var temperature, vibration, current, voltage MetricStats
	err := store.db.QueryRowContext(ctx, query, since.UTC()).Scan(
		&count,
		&temperature.Avg, &temperature.Max, &temperature.Min,
		&vibration.Avg, &vibration.Max, &vibration.Min,
		&current.Avg, &current.Max, &current.Min,
		&voltage.Avg, &voltage.Max, &voltage.Min,
	)
	if err != nil {
		return SampleStats{}, fmt.Errorf("aggregate samples: %w", err)
	}

	stats := SampleStats{
		Since:   since.UTC(),
		Count:   count,
		Metrics: make(map[string]MetricStats, len(CoreMetrics)),
	}
	if count == 0 {
		return stats, nil
	}

	stats.Metrics[MetricTemperature] = temperature
	stats.Metrics[MetricVibration] = vibration
	stats.Metrics[MetricCurrent] = current
	stats.Metrics[MetricVoltage] = voltage
	return stats, nil
}

func (store *PostgresStore) Count(ctx context.Context) (int, error) {
	var total int
	if err := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sensor_samples`).Scan(&total); err != nil {
		return 0, fmt.Errorf("count samples: %w", err)
	}
	return total, nil
}

func (store *PostgresStore) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return store.db.PingContext(pingCtx)
}

func (store *PostgresStore) Close() {
	_ = store.db.Close()
	if store.pool != nil {
		store.pool.Close()
	}
}

var _ Store = (*PostgresStore)(nil)
