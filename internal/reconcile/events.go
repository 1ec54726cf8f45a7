package reconcile

import (
	"time"

	devices "thermolink/internal/devices/domain"
)

// ReadingAccepted is published for every reading that passed the composite
// key dedup check. Subscribers append it to history and must themselves be
// idempotent on Reading.Key(), since events may be redelivered after a
// restart before the recency set is repopulated.
type ReadingAccepted struct {
	DeviceID   string
	Reading    devices.TemperatureReading
	OccurredAt time.Time
}

// DeviceChanged is published whenever the authoritative device or probe
// view changed: metadata merges, projection updates and lifecycle
// transitions alike.
type DeviceChanged struct {
	DeviceID   string
	Device     devices.Device
	Probes     []devices.Probe
	State      devices.Lifecycle
	OccurredAt time.Time
}
