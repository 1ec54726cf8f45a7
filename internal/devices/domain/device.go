package devices

import (
	"time"
)

// Lifecycle tracks the reconciled state of a device.
type Lifecycle string

const (
	LifecycleUnknown    Lifecycle = "unknown"
	LifecycleDiscovered Lifecycle = "discovered"
	LifecycleOnline     Lifecycle = "online"
	LifecycleOffline    Lifecycle = "offline"
)

// Device is the canonical per-device view assembled from polling and webhooks.
type Device struct {
	ID              string
	Name            string
	Model           string
	FirmwareVersion string
	BatteryLevel    *int
	SignalStrength  *float64
	Online          bool
	Probes          []string
	LastSeen        time.Time
	UpdatedAt       time.Time
}

// ProbeType classifies what a probe measures.
type ProbeType string

const (
	ProbeTypeFood     ProbeType = "food"
	ProbeTypeAmbient  ProbeType = "ambient"
	ProbeTypeSurface  ProbeType = "surface"
	ProbeTypeExternal ProbeType = "external"
)

// Probe is owned by exactly one device. Current is the projection of the
// latest-timestamped reading seen so far, not the latest received.
type Probe struct {
	ID         string
	DeviceID   string
	Name       string
	Type       ProbeType
	Color      string
	TargetTemp *float64
	AlarmLow   *float64
	AlarmHigh  *float64
	Current    *TemperatureReading
}

// ProbeInfo is probe metadata carried on a device snapshot.
type ProbeInfo struct {
	ID         string
	Name       string
	Type       ProbeType
	Color      string
	TargetTemp *float64
	AlarmLow   *float64
	AlarmHigh  *float64
}

// DeviceSnapshot is a partial device observation from either data path.
// Nil fields were absent from the source payload and must not clobber
// previously known values.
type DeviceSnapshot struct {
	DeviceID        string
	Name            string
	Model           string
	FirmwareVersion string
	BatteryLevel    *int
	SignalStrength  *float64
	Online          *bool
	Probes          []ProbeInfo
	UpdatedAt       time.Time
	Source          Source
}
