package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	devices "thermolink/internal/devices/domain"
)

// DeviceSource is the reconciler-side view the read API serves from.
type DeviceSource interface {
	KnownDeviceIDs() []string
	DeviceView(deviceID string) (devices.Device, []devices.Probe, bool)
}

// HistorySource loads persisted readings for one probe.
type HistorySource interface {
	Range(ctx context.Context, deviceID, probeID string, start, end sql.NullTime) ([]devices.TemperatureReading, error)
}

// LatestSource serves the cached current reading for one probe. A nil
// result with nil error means a cache miss.
type LatestSource interface {
	Reading(ctx context.Context, deviceID, probeID string) (*devices.TemperatureReading, error)
}

// Handler exposes the read side: device views from the reconciler,
// history ranges from Postgres, and current readings from the cache with
// the in-memory projection as fallback.
type Handler struct {
	source  DeviceSource
	history HistorySource
	latest  LatestSource
	logger  *log.Logger
}

// Option configures the handler.
type Option func(*Handler)

// WithLatestSource plugs in the cache for current-reading lookups.
func WithLatestSource(latest LatestSource) Option {
	return func(h *Handler) {
		h.latest = latest
	}
}

// NewHandler constructs the read API handler.
func NewHandler(source DeviceSource, history HistorySource, logger *log.Logger, opts ...Option) (*Handler, error) {
	if source == nil {
		return nil, errors.New("httpapi: nil device source")
	}
	if history == nil {
		return nil, errors.New("httpapi: nil history source")
	}
	if logger == nil {
		logger = log.Default()
	}
	h := &Handler{source: source, history: history, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Register mounts the read routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/devices", h.listDevices)
	mux.HandleFunc("GET /api/devices/{id}", h.getDevice)
	mux.HandleFunc("GET /api/devices/{id}/history", h.getHistory)
	mux.HandleFunc("GET /api/devices/{id}/latest", h.getLatest)
}

type deviceDTO struct {
	ID              string     `json:"id"`
	Name            string     `json:"name,omitempty"`
	Model           string     `json:"model,omitempty"`
	FirmwareVersion string     `json:"firmware_version,omitempty"`
	BatteryLevel    *int       `json:"battery_level,omitempty"`
	SignalStrength  *float64   `json:"signal_strength,omitempty"`
	Online          bool       `json:"online"`
	LastSeen        *time.Time `json:"last_seen,omitempty"`
	Probes          []probeDTO `json:"probes"`
}

type probeDTO struct {
	ID         string      `json:"id"`
	Name       string      `json:"name,omitempty"`
	Type       string      `json:"type,omitempty"`
	Color      string      `json:"color,omitempty"`
	TargetTemp *float64    `json:"target_temp,omitempty"`
	AlarmLow   *float64    `json:"alarm_low,omitempty"`
	AlarmHigh  *float64    `json:"alarm_high,omitempty"`
	Current    *readingDTO `json:"current,omitempty"`
}

type readingDTO struct {
	DeviceID    string    `json:"device_id"`
	ProbeID     string    `json:"probe_id"`
	Temperature float64   `json:"temperature"`
	Unit        string    `json:"unit"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source,omitempty"`
}

func (h *Handler) listDevices(w http.ResponseWriter, r *http.Request) {
	ids := h.source.KnownDeviceIDs()
	out := make([]deviceDTO, 0, len(ids))
	for _, id := range ids {
		device, probes, ok := h.source.DeviceView(id)
		if !ok {
			continue
		}
		out = append(out, toDeviceDTO(device, probes))
	}
	h.writeJSON(w, map[string]any{"devices": out})
}

func (h *Handler) getDevice(w http.ResponseWriter, r *http.Request) {
	device, probes, ok := h.source.DeviceView(r.PathValue("id"))
	if !ok {
		http.Error(w, "unknown device", http.StatusNotFound)
		return
	}
	h.writeJSON(w, toDeviceDTO(device, probes))
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	probeID := r.URL.Query().Get("probe_id")
	if probeID == "" {
		http.Error(w, "missing probe_id", http.StatusBadRequest)
		return
	}
	start, err := parseBound(r.URL.Query().Get("start"))
	if err != nil {
		http.Error(w, "invalid start", http.StatusBadRequest)
		return
	}
	end, err := parseBound(r.URL.Query().Get("end"))
	if err != nil {
		http.Error(w, "invalid end", http.StatusBadRequest)
		return
	}

	readings, err := h.history.Range(r.Context(), deviceID, probeID, start, end)
	if err != nil {
		h.logger.Printf("httpapi: history device=%s probe=%s: %v", deviceID, probeID, err)
		http.Error(w, "history query error", http.StatusInternalServerError)
		return
	}
	out := make([]readingDTO, 0, len(readings))
	for _, reading := range readings {
		out = append(out, toReadingDTO(reading))
	}
	h.writeJSON(w, map[string]any{"readings": out})
}

// getLatest answers from the cache when one is wired, falling back to the
// probe's in-memory projection on a miss.
func (h *Handler) getLatest(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	probeID := r.URL.Query().Get("probe_id")
	if probeID == "" {
		http.Error(w, "missing probe_id", http.StatusBadRequest)
		return
	}

	if h.latest != nil {
		reading, err := h.latest.Reading(r.Context(), deviceID, probeID)
		if err != nil {
			h.logger.Printf("httpapi: latest cache device=%s probe=%s: %v", deviceID, probeID, err)
		} else if reading != nil {
			h.writeJSON(w, toReadingDTO(*reading))
			return
		}
	}

	_, probes, ok := h.source.DeviceView(deviceID)
	if !ok {
		http.Error(w, "unknown device", http.StatusNotFound)
		return
	}
	for _, probe := range probes {
		if probe.ID == probeID && probe.Current != nil {
			h.writeJSON(w, toReadingDTO(*probe.Current))
			return
		}
	}
	http.Error(w, "no reading for probe", http.StatusNotFound)
}

func (h *Handler) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Printf("httpapi: encode response: %v", err)
	}
}

func parseBound(raw string) (sql.NullTime, error) {
	if raw == "" {
		return sql.NullTime{}, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return sql.NullTime{}, err
	}
	return sql.NullTime{Time: ts, Valid: true}, nil
}

func toDeviceDTO(device devices.Device, probes []devices.Probe) deviceDTO {
	dto := deviceDTO{
		ID:              device.ID,
		Name:            device.Name,
		Model:           device.Model,
		FirmwareVersion: device.FirmwareVersion,
		BatteryLevel:    device.BatteryLevel,
		SignalStrength:  device.SignalStrength,
		Online:          device.Online,
		Probes:          make([]probeDTO, 0, len(probes)),
	}
	if !device.LastSeen.IsZero() {
		seen := device.LastSeen
		dto.LastSeen = &seen
	}
	for _, probe := range probes {
		p := probeDTO{
			ID:         probe.ID,
			Name:       probe.Name,
			Type:       string(probe.Type),
			Color:      probe.Color,
			TargetTemp: probe.TargetTemp,
			AlarmLow:   probe.AlarmLow,
			AlarmHigh:  probe.AlarmHigh,
		}
		if probe.Current != nil {
			current := toReadingDTO(*probe.Current)
			p.Current = &current
		}
		dto.Probes = append(dto.Probes, p)
	}
	return dto
}

func toReadingDTO(reading devices.TemperatureReading) readingDTO {
	return readingDTO{
		DeviceID:    reading.DeviceID,
		ProbeID:     reading.ProbeID,
		Temperature: reading.Temperature,
		Unit:        string(reading.Unit),
		Timestamp:   reading.Timestamp,
		Source:      string(reading.Source),
	}
}
