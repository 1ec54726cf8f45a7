package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	devices "thermolink/internal/devices/domain"
)

const defaultHistoryTable = "temperature_readings"

// HistoryRepository appends accepted readings to Postgres. Inserts are
// idempotent on the composite key, as the publish contract requires of
// every subscriber.
type HistoryRepository struct {
	db    *sql.DB
	table string
}

// HistoryOption configures the repository.
type HistoryOption func(*HistoryRepository)

// WithHistoryTable overrides the table name.
func WithHistoryTable(table string) HistoryOption {
	return func(repo *HistoryRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewHistoryRepository constructs a repository with the default table name.
func NewHistoryRepository(db *sql.DB, opts ...HistoryOption) *HistoryRepository {
	repo := &HistoryRepository{db: db, table: defaultHistoryTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Append inserts one reading; a redelivered composite key is a no-op.
func (r *HistoryRepository) Append(ctx context.Context, reading devices.TemperatureReading) error {
	if r == nil || r.db == nil {
		return errors.New("history repo: nil db")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	device_id,
	probe_id,
	ts,
	temperature,
	unit,
	source,
	battery_level,
	signal_strength
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8
)
ON CONFLICT (device_id, probe_id, ts) DO NOTHING`, r.table)

	_, err := r.db.ExecContext(ctx, query,
		reading.DeviceID,
		reading.ProbeID,
		reading.Timestamp,
		reading.Temperature,
		string(reading.Unit),
		string(reading.Source),
		reading.BatteryLevel,
		reading.SignalStrength,
	)
	return err
}

// Range loads readings for one probe between start and end, oldest first.
func (r *HistoryRepository) Range(ctx context.Context, deviceID, probeID string, start, end sql.NullTime) ([]devices.TemperatureReading, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("history repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT device_id, probe_id, ts, temperature, unit, source, battery_level, signal_strength
FROM %s
WHERE device_id = $1 AND probe_id = $2
	AND ($3::timestamptz IS NULL OR ts >= $3)
	AND ($4::timestamptz IS NULL OR ts < $4)
ORDER BY ts`, r.table)

	rows, err := r.db.QueryContext(ctx, query, deviceID, probeID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []devices.TemperatureReading
	for rows.Next() {
		var reading devices.TemperatureReading
		var unit, source string
		if err := rows.Scan(
			&reading.DeviceID,
			&reading.ProbeID,
			&reading.Timestamp,
			&reading.Temperature,
			&unit,
			&source,
			&reading.BatteryLevel,
			&reading.SignalStrength,
		); err != nil {
			return nil, err
		}
		reading.Unit = devices.Unit(unit)
		reading.Source = devices.Source(source)
		readings = append(readings, reading)
	}
	return readings, rows.Err()
}
