package vendorapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	devices "thermolink/internal/devices/domain"
)

type devicesResponse struct {
	Devices []deviceDTO `json:"devices"`
}

type readingsResponse struct {
	Readings []readingDTO `json:"readings"`
}

type deviceDTO struct {
	DeviceID        string     `json:"device_id"`
	Name            string     `json:"name"`
	Model           string     `json:"model"`
	FirmwareVersion string     `json:"firmware_version"`
	BatteryLevel    *int       `json:"battery_level"`
	SignalStrength  *float64   `json:"signal_strength"`
	Online          *bool      `json:"online"`
	Probes          []probeDTO `json:"probes"`
	UpdatedAt       *wireTime  `json:"updated_at"`
}

type probeDTO struct {
	ProbeID    string   `json:"probe_id"`
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Color      string   `json:"color"`
	TargetTemp *float64 `json:"target_temp"`
	AlarmLow   *float64 `json:"alarm_low"`
	AlarmHigh  *float64 `json:"alarm_high"`
}

type readingDTO struct {
	ProbeID        string    `json:"probe_id"`
	Temperature    *float64  `json:"temperature"`
	Unit           string    `json:"unit"`
	Timestamp      *wireTime `json:"timestamp"`
	BatteryLevel   *int      `json:"battery_level"`
	SignalStrength *float64  `json:"signal_strength"`
}

// wireTime tolerates the vendor's mixed timestamp encodings: RFC3339
// strings, epoch seconds and epoch milliseconds.
type wireTime struct {
	time.Time
}

func (t *wireTime) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		parsed, err := devices.ParseTimestamp(asString)
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}
	var asEpoch int64
	if err := json.Unmarshal(data, &asEpoch); err == nil {
		if asEpoch <= 0 {
			return fmt.Errorf("%w: epoch %d", devices.ErrInvalidReading, asEpoch)
		}
		t.Time = devices.EpochTime(asEpoch)
		return nil
	}
	return errors.New("vendorapi: unsupported timestamp encoding")
}

func (d deviceDTO) toSnapshot(now time.Time) (devices.DeviceSnapshot, error) {
	if d.DeviceID == "" {
		return devices.DeviceSnapshot{}, errors.New("vendorapi: device without id")
	}
	snap := devices.DeviceSnapshot{
		DeviceID:        d.DeviceID,
		Name:            d.Name,
		Model:           d.Model,
		FirmwareVersion: d.FirmwareVersion,
		BatteryLevel:    d.BatteryLevel,
		SignalStrength:  d.SignalStrength,
		Online:          d.Online,
		UpdatedAt:       now.UTC(),
		Source:          devices.SourcePoll,
	}
	if d.UpdatedAt != nil {
		snap.UpdatedAt = d.UpdatedAt.Time
	}
	for _, p := range d.Probes {
		if p.ProbeID == "" {
			continue
		}
		snap.Probes = append(snap.Probes, devices.ProbeInfo{
			ID:         p.ProbeID,
			Name:       p.Name,
			Type:       devices.ProbeType(p.Type),
			Color:      p.Color,
			TargetTemp: p.TargetTemp,
			AlarmLow:   p.AlarmLow,
			AlarmHigh:  p.AlarmHigh,
		})
	}
	return snap, nil
}

func (r readingDTO) toReading(deviceID string) (devices.TemperatureReading, error) {
	if r.Temperature == nil {
		return devices.TemperatureReading{}, fmt.Errorf("%w: missing temperature", devices.ErrInvalidReading)
	}
	if r.Timestamp == nil {
		return devices.TemperatureReading{}, fmt.Errorf("%w: missing timestamp", devices.ErrInvalidReading)
	}
	unit, err := devices.ParseUnit(r.Unit)
	if err != nil {
		return devices.TemperatureReading{}, err
	}
	return devices.TemperatureReading{
		DeviceID:       deviceID,
		ProbeID:        r.ProbeID,
		Temperature:    *r.Temperature,
		Unit:           unit,
		Timestamp:      r.Timestamp.Time,
		Source:         devices.SourcePoll,
		BatteryLevel:   r.BatteryLevel,
		SignalStrength: r.SignalStrength,
	}, nil
}
