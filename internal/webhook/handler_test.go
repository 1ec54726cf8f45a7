package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"thermolink/internal/eventing"
	"thermolink/internal/reconcile"
)

const secret = "shared-webhook-secret"

const deliveryBody = `{"device_id":"d1","probes":[{"probe_id":"p1","temperature":165.0,"unit":"F","timestamp":"2025-01-01T00:00:00Z"}]}`

func newTestLogger(t *testing.T) *log.Logger {
	t.Helper()
	return log.New(testWriter{t}, "", 0)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// historyRecorder stands in for the history-append subscriber.
type historyRecorder struct {
	mu       sync.Mutex
	accepted []reconcile.ReadingAccepted
}

func (r *historyRecorder) handle(ctx context.Context, event any) error {
	accepted, ok := event.(reconcile.ReadingAccepted)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}
	r.mu.Lock()
	r.accepted = append(r.accepted, accepted)
	r.mu.Unlock()
	return nil
}

func (r *historyRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.accepted)
}

func newTestHandler(t *testing.T) (*Handler, *reconcile.Reconciler, *historyRecorder) {
	t.Helper()
	bus := eventing.NewInMemoryBus()
	recorder := &historyRecorder{}
	bus.Subscribe(eventing.EventTypeOf[reconcile.ReadingAccepted](), recorder.handle)

	rec, err := reconcile.NewReconciler(bus, newTestLogger(t))
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	h, err := NewHandler([]byte(secret), rec, newTestLogger(t))
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return h, rec, recorder
}

func deliver(t *testing.T, h *Handler, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/temperature", strings.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Webhook-Signature", signature)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func sign(t *testing.T, body string) string {
	t.Helper()
	v, err := NewVerifier([]byte(secret))
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v.Sign([]byte(body))
}

func TestDeliveryAccepted(t *testing.T) {
	h, rec, recorder := newTestHandler(t)

	rr := deliver(t, h, deliveryBody, sign(t, deliveryBody))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Accepted int `json:"accepted"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Accepted != 1 {
		t.Fatalf("expected 1 accepted, got %d", resp.Accepted)
	}
	if recorder.count() != 1 {
		t.Fatalf("expected 1 history event, got %d", recorder.count())
	}

	device, probes, ok := rec.DeviceView("d1")
	if !ok {
		t.Fatal("device not tracked after delivery")
	}
	if !device.Online {
		t.Fatal("device should be online after a fresh reading")
	}
	if len(probes) != 1 || probes[0].Current == nil || probes[0].Current.Temperature != 165.0 {
		t.Fatalf("unexpected probe view %+v", probes)
	}
}

func TestRedeliveryReturns200WithoutDuplicate(t *testing.T) {
	h, _, recorder := newTestHandler(t)

	signature := sign(t, deliveryBody)
	for i := 0; i < 2; i++ {
		rr := deliver(t, h, deliveryBody, signature)
		if rr.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d", i, rr.Code)
		}
	}
	if recorder.count() != 1 {
		t.Fatalf("redelivery must not duplicate history, got %d events", recorder.count())
	}
}

func TestInvalidSignatureRejected(t *testing.T) {
	h, rec, recorder := newTestHandler(t)

	rr := deliver(t, h, deliveryBody, "sha256=deadbeef")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if recorder.count() != 0 {
		t.Fatal("rejected delivery must not reach history")
	}
	if _, _, ok := rec.DeviceView("d1"); ok {
		t.Fatal("rejected delivery must not create device state")
	}

	rr = deliver(t, h, deliveryBody, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing signature, got %d", rr.Code)
	}
}

func TestSignaturePrefixOptional(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rr := deliver(t, h, deliveryBody, "sha256="+sign(t, deliveryBody))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with sha256= prefix, got %d", rr.Code)
	}
}

func TestImplausibleReadingDropped(t *testing.T) {
	h, _, recorder := newTestHandler(t)

	body := `{"device_id":"d1","probes":[
		{"probe_id":"p1","temperature":5000.0,"unit":"F","timestamp":"2025-01-01T00:00:00Z"},
		{"probe_id":"p2","temperature":225.0,"unit":"F","timestamp":"2025-01-01T00:00:00Z"}
	]}`
	rr := deliver(t, h, body, sign(t, body))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Accepted int `json:"accepted"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Accepted != 1 {
		t.Fatalf("expected only the plausible reading, got %d", resp.Accepted)
	}
	if recorder.count() != 1 {
		t.Fatalf("expected 1 history event, got %d", recorder.count())
	}
}

func TestSnapshotFieldsMerged(t *testing.T) {
	h, rec, _ := newTestHandler(t)

	body := `{"device_id":"d1","name":"Garage Smoker","model":"TG-4","battery_level":55,"online":true,"probes":[]}`
	rr := deliver(t, h, body, sign(t, body))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	device, _, ok := rec.DeviceView("d1")
	if !ok {
		t.Fatal("device not tracked after snapshot delivery")
	}
	if device.Name != "Garage Smoker" || device.Model != "TG-4" {
		t.Fatalf("snapshot metadata not merged: %+v", device)
	}
	if device.BatteryLevel == nil || *device.BatteryLevel != 55 {
		t.Fatalf("battery not merged: %+v", device.BatteryLevel)
	}
}

func TestMissingDeviceIDRejected(t *testing.T) {
	h, _, _ := newTestHandler(t)

	body := `{"probes":[{"probe_id":"p1","temperature":165.0,"unit":"F","timestamp":"2025-01-01T00:00:00Z"}]}`
	rr := deliver(t, h, body, sign(t, body))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/webhooks/temperature", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}
