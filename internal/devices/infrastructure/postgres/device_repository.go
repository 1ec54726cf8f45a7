package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	devices "thermolink/internal/devices/domain"
)

const (
	defaultDeviceTable = "devices"
	defaultProbeTable  = "probes"
)

// DeviceRepository upserts the reconciled device/probe view into Postgres.
// Devices are never hard-deleted here; deactivation belongs to the
// dashboard side.
type DeviceRepository struct {
	db          *sql.DB
	deviceTable string
	probeTable  string
}

// RepositoryOption configures the repository.
type RepositoryOption func(*DeviceRepository)

// WithDeviceTable overrides the device table name.
func WithDeviceTable(table string) RepositoryOption {
	return func(repo *DeviceRepository) {
		if table != "" {
			repo.deviceTable = table
		}
	}
}

// WithProbeTable overrides the probe table name.
func WithProbeTable(table string) RepositoryOption {
	return func(repo *DeviceRepository) {
		if table != "" {
			repo.probeTable = table
		}
	}
}

// NewDeviceRepository constructs a repository with default table names.
func NewDeviceRepository(db *sql.DB, opts ...RepositoryOption) *DeviceRepository {
	repo := &DeviceRepository{db: db, deviceTable: defaultDeviceTable, probeTable: defaultProbeTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Upsert writes one authoritative device view and its probes.
func (r *DeviceRepository) Upsert(ctx context.Context, device devices.Device, state devices.Lifecycle, probes []devices.Probe) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if device.ID == "" {
		return errors.New("device repo: empty device id")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	deviceQuery := fmt.Sprintf(`
INSERT INTO %s (
	device_id, name, model, firmware_version, battery_level, signal_strength,
	online, lifecycle, last_seen, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
)
ON CONFLICT (device_id)
DO UPDATE SET
	name = EXCLUDED.name,
	model = EXCLUDED.model,
	firmware_version = EXCLUDED.firmware_version,
	battery_level = EXCLUDED.battery_level,
	signal_strength = EXCLUDED.signal_strength,
	online = EXCLUDED.online,
	lifecycle = EXCLUDED.lifecycle,
	last_seen = EXCLUDED.last_seen,
	updated_at = EXCLUDED.updated_at`, r.deviceTable)

	if _, err := tx.ExecContext(ctx, deviceQuery,
		device.ID,
		device.Name,
		device.Model,
		device.FirmwareVersion,
		device.BatteryLevel,
		device.SignalStrength,
		device.Online,
		string(state),
		nullableTime(device.LastSeen),
		nullableTime(device.UpdatedAt),
	); err != nil {
		return err
	}

	probeQuery := fmt.Sprintf(`
INSERT INTO %s (
	probe_id, device_id, name, type, color, target_temp, alarm_low, alarm_high,
	current_temp, current_unit, current_ts
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
)
ON CONFLICT (probe_id, device_id)
DO UPDATE SET
	name = EXCLUDED.name,
	type = EXCLUDED.type,
	color = EXCLUDED.color,
	target_temp = EXCLUDED.target_temp,
	alarm_low = EXCLUDED.alarm_low,
	alarm_high = EXCLUDED.alarm_high,
	current_temp = EXCLUDED.current_temp,
	current_unit = EXCLUDED.current_unit,
	current_ts = EXCLUDED.current_ts`, r.probeTable)

	for _, probe := range probes {
		var currentTemp sql.NullFloat64
		var currentUnit sql.NullString
		var currentTS sql.NullTime
		if probe.Current != nil {
			currentTemp = sql.NullFloat64{Float64: probe.Current.Temperature, Valid: true}
			currentUnit = sql.NullString{String: string(probe.Current.Unit), Valid: true}
			currentTS = sql.NullTime{Time: probe.Current.Timestamp, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, probeQuery,
			probe.ID,
			probe.DeviceID,
			probe.Name,
			string(probe.Type),
			probe.Color,
			probe.TargetTemp,
			probe.AlarmLow,
			probe.AlarmHigh,
			currentTemp,
			currentUnit,
			currentTS,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
