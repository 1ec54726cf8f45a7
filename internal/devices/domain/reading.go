package devices

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Source tags which data path produced an observation.
type Source string

const (
	SourcePoll    Source = "poll"
	SourceWebhook Source = "webhook"
)

// Unit is the temperature unit reported by the vendor.
type Unit string

const (
	UnitFahrenheit Unit = "F"
	UnitCelsius    Unit = "C"
)

// Physically plausible bounds, checked in Fahrenheit.
const (
	MinPlausibleF = -20.0
	MaxPlausibleF = 1000.0
)

// ErrInvalidReading marks a reading that failed sanity validation. Such
// readings are dropped and logged, never propagated downstream.
var ErrInvalidReading = errors.New("devices: invalid reading")

// TemperatureReading is immutable once accepted into history.
type TemperatureReading struct {
	DeviceID       string
	ProbeID        string
	Temperature    float64
	Unit           Unit
	Timestamp      time.Time
	Source         Source
	BatteryLevel   *int
	SignalStrength *float64
}

// ReadingKey is the composite identity a reading is deduplicated on.
type ReadingKey struct {
	DeviceID string
	ProbeID  string
	UnixNano int64
}

// Key returns the composite dedup key for the reading.
func (r TemperatureReading) Key() ReadingKey {
	return ReadingKey{DeviceID: r.DeviceID, ProbeID: r.ProbeID, UnixNano: r.Timestamp.UnixNano()}
}

// Fahrenheit returns the temperature converted to Fahrenheit.
func (r TemperatureReading) Fahrenheit() float64 {
	if r.Unit == UnitCelsius {
		return r.Temperature*9/5 + 32
	}
	return r.Temperature
}

// Validate checks identity, timestamp and plausibility bounds.
func (r TemperatureReading) Validate() error {
	if r.DeviceID == "" || r.ProbeID == "" {
		return fmt.Errorf("%w: missing device or probe id", ErrInvalidReading)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidReading)
	}
	if r.Unit != UnitFahrenheit && r.Unit != UnitCelsius {
		return fmt.Errorf("%w: unit %q", ErrInvalidReading, r.Unit)
	}
	if f := r.Fahrenheit(); f < MinPlausibleF || f > MaxPlausibleF {
		return fmt.Errorf("%w: %.1f°F outside plausible range", ErrInvalidReading, f)
	}
	return nil
}

// ParseUnit normalizes the vendor's unit spellings.
func ParseUnit(value string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "f", "fahrenheit", "°f":
		return UnitFahrenheit, nil
	case "c", "celsius", "°c":
		return UnitCelsius, nil
	default:
		return "", fmt.Errorf("%w: unit %q", ErrInvalidReading, value)
	}
}

// ParseTimestamp accepts RFC3339 strings and epoch seconds or milliseconds,
// the mix the vendor actually sends across its poll and push payloads.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: empty timestamp", ErrInvalidReading)
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts.UTC(), nil
	}
	epoch, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || epoch <= 0 {
		return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrInvalidReading, raw)
	}
	return EpochTime(epoch), nil
}

// EpochTime interprets an epoch value as milliseconds or seconds.
func EpochTime(epoch int64) time.Time {
	if epoch > 1_000_000_000_000 {
		return time.UnixMilli(epoch).UTC()
	}
	return time.Unix(epoch, 0).UTC()
}
