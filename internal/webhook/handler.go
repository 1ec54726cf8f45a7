package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	devices "thermolink/internal/devices/domain"
	"thermolink/internal/observability/metrics"
)

// Ingestor is the reconciler-side sink for webhook events.
type Ingestor interface {
	IngestReading(ctx context.Context, reading devices.TemperatureReading) error
	IngestSnapshot(ctx context.Context, snap devices.DeviceSnapshot) error
}

// Handler accepts push deliveries on POST /webhooks/temperature. It is
// stateless: senders may redeliver, and duplicates are absorbed downstream
// by the reconciler's composite-key check, so a duplicate still gets a 200.
type Handler struct {
	verifier *Verifier
	ingestor Ingestor
	logger   *log.Logger
	now      func() time.Time
}

// NewHandler constructs a webhook handler.
func NewHandler(secret []byte, ingestor Ingestor, logger *log.Logger) (*Handler, error) {
	if ingestor == nil {
		return nil, errors.New("webhook: nil ingestor")
	}
	if logger == nil {
		logger = log.Default()
	}
	verifier, err := NewVerifier(secret)
	if err != nil {
		return nil, err
	}
	return &Handler{verifier: verifier, ingestor: ingestor, logger: logger, now: time.Now}, nil
}

type webhookPayload struct {
	DeviceID       string         `json:"device_id"`
	Name           string         `json:"name"`
	Model          string         `json:"model"`
	BatteryLevel   *int           `json:"battery_level"`
	SignalStrength *float64       `json:"signal_strength"`
	Online         *bool          `json:"online"`
	Probes         []webhookProbe `json:"probes"`
}

type webhookProbe struct {
	ProbeID     string   `json:"probe_id"`
	Name        string   `json:"name"`
	Temperature *float64 `json:"temperature"`
	Unit        string   `json:"unit"`
	Timestamp   string   `json:"timestamp"`
}

// ServeHTTP verifies, parses and forwards one delivery.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		metrics.ObserveWebhook(metrics.ResultError)
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if err := h.verifier.Verify(body, r.Header.Get("X-Webhook-Signature")); err != nil {
		metrics.ObserveWebhook("invalid_signature")
		h.logger.Printf("webhook: rejected delivery: %v", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.ObserveWebhook(metrics.ResultError)
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if payload.DeviceID == "" {
		metrics.ObserveWebhook(metrics.ResultError)
		http.Error(w, "missing device_id", http.StatusBadRequest)
		return
	}

	accepted := 0
	for _, probe := range payload.Probes {
		reading, err := probe.toReading(payload.DeviceID)
		if err == nil {
			err = reading.Validate()
		}
		if err != nil {
			metrics.ReadingInvalid(string(devices.SourceWebhook))
			h.logger.Printf("webhook: dropping reading device=%s probe=%s: %v", payload.DeviceID, probe.ProbeID, err)
			continue
		}
		if err := h.ingestor.IngestReading(r.Context(), reading); err != nil {
			metrics.ObserveWebhook(metrics.ResultError)
			h.logger.Printf("webhook: ingest reading device=%s: %v", payload.DeviceID, err)
			http.Error(w, "ingest error", http.StatusInternalServerError)
			return
		}
		accepted++
	}

	if payload.hasSnapshotFields() {
		snap := devices.DeviceSnapshot{
			DeviceID:       payload.DeviceID,
			Name:           payload.Name,
			Model:          payload.Model,
			BatteryLevel:   payload.BatteryLevel,
			SignalStrength: payload.SignalStrength,
			Online:         payload.Online,
			UpdatedAt:      h.now().UTC(),
			Source:         devices.SourceWebhook,
		}
		if err := h.ingestor.IngestSnapshot(r.Context(), snap); err != nil {
			metrics.ObserveWebhook(metrics.ResultError)
			h.logger.Printf("webhook: ingest snapshot device=%s: %v", payload.DeviceID, err)
			http.Error(w, "ingest error", http.StatusInternalServerError)
			return
		}
	}

	metrics.ObserveWebhook(metrics.ResultSuccess)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"accepted": accepted})
}

func (p webhookPayload) hasSnapshotFields() bool {
	return p.Name != "" || p.Model != "" || p.BatteryLevel != nil || p.SignalStrength != nil || p.Online != nil
}

func (p webhookProbe) toReading(deviceID string) (devices.TemperatureReading, error) {
	if p.Temperature == nil {
		return devices.TemperatureReading{}, devices.ErrInvalidReading
	}
	unit, err := devices.ParseUnit(p.Unit)
	if err != nil {
		return devices.TemperatureReading{}, err
	}
	ts, err := devices.ParseTimestamp(p.Timestamp)
	if err != nil {
		return devices.TemperatureReading{}, err
	}
	return devices.TemperatureReading{
		DeviceID:    deviceID,
		ProbeID:     p.ProbeID,
		Temperature: *p.Temperature,
		Unit:        unit,
		Timestamp:   ts,
		Source:      devices.SourceWebhook,
	}, nil
}
