package reconcile

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	devices "thermolink/internal/devices/domain"
	"thermolink/internal/eventing"
	"thermolink/internal/observability/metrics"
)

// Reconciler merges poll- and webhook-sourced events into one authoritative
// per-device/per-probe view. Per-device state is serialized under a
// per-device mutex; different devices reconcile fully in parallel.
type Reconciler struct {
	bus           eventing.EventBus
	logger        *log.Logger
	now           func() time.Time
	recencyWindow time.Duration
	graceMisses   int
	pollInterval  time.Duration

	mu      sync.RWMutex
	devices map[string]*deviceState
}

type deviceState struct {
	mu     sync.Mutex
	device devices.Device
	probes map[string]*devices.Probe
	state  devices.Lifecycle
	misses int

	// lastSnapshotAt orders metadata snapshots independently of reading
	// timestamps, which trail wall clock.
	lastSnapshotAt time.Time

	// seen is the bounded recency set of accepted reading timestamps per
	// probe, pruned against the newest timestamp for that probe.
	seen map[string]map[int64]struct{}
}

// Option configures the reconciler.
type Option func(*Reconciler)

// WithRecencyWindow bounds how far back the dedup set remembers accepted
// timestamps per probe.
func WithRecencyWindow(window time.Duration) Option {
	return func(r *Reconciler) {
		if window > 0 {
			r.recencyWindow = window
		}
	}
}

// WithGraceMisses sets how many consecutive missed expected updates flip a
// device offline.
func WithGraceMisses(misses int) Option {
	return func(r *Reconciler) {
		if misses > 0 {
			r.graceMisses = misses
		}
	}
}

// WithPollInterval tells the offline sweep what cadence of updates to
// expect per device.
func WithPollInterval(interval time.Duration) Option {
	return func(r *Reconciler) {
		if interval > 0 {
			r.pollInterval = interval
		}
	}
}

// WithClock injects a clock, used in tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReconciler constructs a reconciler publishing accepted changes on bus.
func NewReconciler(bus eventing.EventBus, logger *log.Logger, opts ...Option) (*Reconciler, error) {
	if bus == nil {
		return nil, errors.New("reconcile: nil bus")
	}
	if logger == nil {
		logger = log.Default()
	}
	r := &Reconciler{
		bus:           bus,
		logger:        logger,
		now:           time.Now,
		recencyWindow: 30 * time.Minute,
		graceMisses:   3,
		pollInterval:  time.Minute,
		devices:       make(map[string]*deviceState),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// IngestReading folds one temperature reading into device state. Duplicates
// on (device, probe, timestamp) are silently absorbed; the probe's current
// projection only moves to a strictly newer timestamp, so a late webhook
// for an old timestamp never overwrites newer polled data.
func (r *Reconciler) IngestReading(ctx context.Context, reading devices.TemperatureReading) error {
	if err := reading.Validate(); err != nil {
		metrics.ReadingInvalid(string(reading.Source))
		r.logger.Printf("reconcile: dropping invalid reading device=%s probe=%s: %v", reading.DeviceID, reading.ProbeID, err)
		return nil
	}

	state := r.deviceFor(reading.DeviceID)
	state.mu.Lock()

	if state.hasSeen(reading) {
		state.mu.Unlock()
		metrics.ReadingDuplicate(string(reading.Source))
		return nil
	}
	state.markSeen(reading, r.recencyWindow)

	probe := state.probeFor(reading)
	projectionMoved := probe.Current == nil || reading.Timestamp.After(probe.Current.Timestamp)
	if projectionMoved {
		copied := reading
		probe.Current = &copied
	}

	state.noteActivity(reading)
	changed := r.snapshotLocked(state)

	// Publishing happens under the device lock so subscribers observe
	// views in reconcile order; the bus is synchronous. Handlers must not
	// call back into the reconciler for the same device.
	metrics.ReadingAccepted(string(reading.Source))
	if err := r.bus.Publish(ctx, ReadingAccepted{
		DeviceID:   reading.DeviceID,
		Reading:    reading,
		OccurredAt: r.now().UTC(),
	}); err != nil {
		r.logger.Printf("reconcile: publish reading device=%s: %v", reading.DeviceID, err)
	}
	r.publishDeviceChanged(ctx, changed)
	state.mu.Unlock()
	return nil
}

// IngestSnapshot merges device/probe metadata field-by-field. Online=false
// from a single observation is debounced through the miss counter rather
// than applied immediately.
func (r *Reconciler) IngestSnapshot(ctx context.Context, snap devices.DeviceSnapshot) error {
	if snap.DeviceID == "" {
		return errors.New("reconcile: snapshot without device id")
	}

	state := r.deviceFor(snap.DeviceID)
	state.mu.Lock()

	if !snap.UpdatedAt.IsZero() && snap.UpdatedAt.Before(state.lastSnapshotAt) {
		// Stale snapshot; the authoritative view already reflects a newer one.
		state.mu.Unlock()
		metrics.SnapshotStale(string(snap.Source))
		return nil
	}

	observedAt := snap.UpdatedAt
	if observedAt.IsZero() {
		observedAt = r.now().UTC()
	}

	state.mergeMetadata(snap)
	if snap.Online != nil {
		if *snap.Online {
			state.misses = 0
			state.device.Online = true
			if state.state == devices.LifecycleDiscovered || state.state == devices.LifecycleOffline {
				state.state = devices.LifecycleOnline
			}
			// A fresh online observation is activity for the sweep, so a
			// device with no probes reporting does not flap offline
			// between discovery cycles.
			if observedAt.After(state.device.LastSeen) {
				state.device.LastSeen = observedAt
			}
		} else {
			state.misses++
			if state.misses >= r.graceMisses && state.state == devices.LifecycleOnline {
				state.state = devices.LifecycleOffline
				state.device.Online = false
			}
		}
	}
	state.lastSnapshotAt = observedAt
	state.device.UpdatedAt = observedAt

	changed := r.snapshotLocked(state)
	r.publishDeviceChanged(ctx, changed)
	state.mu.Unlock()
	return nil
}

// Sweep applies the offline grace rule: each tick a device whose last
// activity predates the expected update interval accrues a miss, and flips
// offline only once the configured count is reached. Call on the poll
// cadence.
func (r *Reconciler) Sweep(ctx context.Context) {
	r.mu.RLock()
	states := make([]*deviceState, 0, len(r.devices))
	for _, state := range r.devices {
		states = append(states, state)
	}
	r.mu.RUnlock()

	now := r.now()
	for _, state := range states {
		state.mu.Lock()
		if state.state != devices.LifecycleOnline {
			state.mu.Unlock()
			continue
		}
		if now.Sub(state.device.LastSeen) <= r.pollInterval {
			state.mu.Unlock()
			continue
		}
		state.misses++
		if state.misses < r.graceMisses {
			state.mu.Unlock()
			continue
		}
		state.state = devices.LifecycleOffline
		state.device.Online = false
		state.device.UpdatedAt = now.UTC()
		changed := r.snapshotLocked(state)
		metrics.DeviceOffline()
		r.publishDeviceChanged(ctx, changed)
		state.mu.Unlock()
	}
}

// KnownDeviceIDs lists devices the reconciler currently tracks.
func (r *Reconciler) KnownDeviceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DeviceView returns a copy of the authoritative view for one device.
func (r *Reconciler) DeviceView(deviceID string) (devices.Device, []devices.Probe, bool) {
	r.mu.RLock()
	state, ok := r.devices[deviceID]
	r.mu.RUnlock()
	if !ok {
		return devices.Device{}, nil, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	changed := r.snapshotLocked(state)
	return changed.Device, changed.Probes, true
}

func (r *Reconciler) deviceFor(deviceID string) *deviceState {
	r.mu.RLock()
	state, ok := r.devices[deviceID]
	r.mu.RUnlock()
	if ok {
		return state
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok = r.devices[deviceID]; ok {
		return state
	}
	state = &deviceState{
		device: devices.Device{ID: deviceID},
		probes: make(map[string]*devices.Probe),
		state:  devices.LifecycleDiscovered,
		seen:   make(map[string]map[int64]struct{}),
	}
	r.devices[deviceID] = state
	metrics.DeviceDiscovered()
	return state
}

// snapshotLocked builds the published view. Caller holds state.mu.
func (r *Reconciler) snapshotLocked(state *deviceState) DeviceChanged {
	probes := make([]devices.Probe, 0, len(state.probes))
	ids := make([]string, 0, len(state.probes))
	for id := range state.probes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		probe := *state.probes[id]
		if probe.Current != nil {
			copied := *probe.Current
			probe.Current = &copied
		}
		probes = append(probes, probe)
	}
	device := state.device
	device.Probes = ids
	return DeviceChanged{
		DeviceID:   device.ID,
		Device:     device,
		Probes:     probes,
		State:      state.state,
		OccurredAt: r.now().UTC(),
	}
}

func (r *Reconciler) publishDeviceChanged(ctx context.Context, changed DeviceChanged) {
	if err := r.bus.Publish(ctx, changed); err != nil {
		r.logger.Printf("reconcile: publish device device=%s: %v", changed.DeviceID, err)
	}
}

func (s *deviceState) hasSeen(reading devices.TemperatureReading) bool {
	probeSeen, ok := s.seen[reading.ProbeID]
	if !ok {
		return false
	}
	_, dup := probeSeen[reading.Timestamp.UnixNano()]
	return dup
}

func (s *deviceState) markSeen(reading devices.TemperatureReading, window time.Duration) {
	probeSeen, ok := s.seen[reading.ProbeID]
	if !ok {
		probeSeen = make(map[int64]struct{})
		s.seen[reading.ProbeID] = probeSeen
	}
	ts := reading.Timestamp.UnixNano()
	probeSeen[ts] = struct{}{}

	// Prune against the newest timestamp so the set stays bounded.
	newest := ts
	for seen := range probeSeen {
		if seen > newest {
			newest = seen
		}
	}
	cutoff := newest - window.Nanoseconds()
	for seen := range probeSeen {
		if seen < cutoff {
			delete(probeSeen, seen)
		}
	}
}

func (s *deviceState) probeFor(reading devices.TemperatureReading) *devices.Probe {
	probe, ok := s.probes[reading.ProbeID]
	if !ok {
		probe = &devices.Probe{ID: reading.ProbeID, DeviceID: reading.DeviceID}
		s.probes[reading.ProbeID] = probe
	}
	return probe
}

// noteActivity records fresh data from either path: resets the miss counter
// and advances last-seen and device-level telemetry riding on the reading.
func (s *deviceState) noteActivity(reading devices.TemperatureReading) {
	s.misses = 0
	s.device.Online = true
	if s.state == devices.LifecycleDiscovered || s.state == devices.LifecycleOffline {
		s.state = devices.LifecycleOnline
	}
	if reading.Timestamp.After(s.device.LastSeen) {
		s.device.LastSeen = reading.Timestamp
	}
	if reading.BatteryLevel != nil {
		level := *reading.BatteryLevel
		s.device.BatteryLevel = &level
	}
	if reading.SignalStrength != nil {
		strength := *reading.SignalStrength
		s.device.SignalStrength = &strength
	}
	if reading.Timestamp.After(s.device.UpdatedAt) {
		s.device.UpdatedAt = reading.Timestamp
	}
}

// mergeMetadata applies non-empty snapshot fields over the current view.
func (s *deviceState) mergeMetadata(snap devices.DeviceSnapshot) {
	if snap.Name != "" {
		s.device.Name = snap.Name
	}
	if snap.Model != "" {
		s.device.Model = snap.Model
	}
	if snap.FirmwareVersion != "" {
		s.device.FirmwareVersion = snap.FirmwareVersion
	}
	if snap.BatteryLevel != nil {
		level := *snap.BatteryLevel
		s.device.BatteryLevel = &level
	}
	if snap.SignalStrength != nil {
		strength := *snap.SignalStrength
		s.device.SignalStrength = &strength
	}
	for _, info := range snap.Probes {
		if info.ID == "" {
			continue
		}
		probe, ok := s.probes[info.ID]
		if !ok {
			probe = &devices.Probe{ID: info.ID, DeviceID: snap.DeviceID}
			s.probes[info.ID] = probe
		}
		if info.Name != "" {
			probe.Name = info.Name
		}
		if info.Type != "" {
			probe.Type = info.Type
		}
		if info.Color != "" {
			probe.Color = info.Color
		}
		if info.TargetTemp != nil {
			target := *info.TargetTemp
			probe.TargetTemp = &target
		}
		if info.AlarmLow != nil {
			low := *info.AlarmLow
			probe.AlarmLow = &low
		}
		if info.AlarmHigh != nil {
			high := *info.AlarmHigh
			probe.AlarmHigh = &high
		}
	}
}
