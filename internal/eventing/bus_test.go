package eventing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type sampleEvent struct {
	DeviceID   string
	Value      float64
	OccurredAt time.Time
}

type otherEvent struct {
	DeviceID string
}

func TestPublishDispatchesByType(t *testing.T) {
	bus := NewInMemoryBus()
	var got []sampleEvent
	bus.Subscribe(EventTypeOf[sampleEvent](), func(ctx context.Context, event any) error {
		got = append(got, event.(sampleEvent))
		return nil
	})
	var others int
	bus.Subscribe(EventTypeOf[otherEvent](), func(ctx context.Context, event any) error {
		others++
		return nil
	})

	if err := bus.Publish(context.Background(), sampleEvent{DeviceID: "d1", Value: 1.5}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(got) != 1 || got[0].DeviceID != "d1" {
		t.Fatalf("unexpected deliveries %+v", got)
	}
	if others != 0 {
		t.Fatal("handler for another type must not fire")
	}
}

func TestPublishAttachesEnvelope(t *testing.T) {
	bus := NewInMemoryBus()
	occurred := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	var env Envelope
	var ok bool
	bus.Subscribe(EventTypeOf[sampleEvent](), func(ctx context.Context, event any) error {
		env, ok = EnvelopeFromContext(ctx)
		return nil
	})

	if err := bus.Publish(context.Background(), sampleEvent{DeviceID: "d1", OccurredAt: occurred}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !ok {
		t.Fatal("handler context missing envelope")
	}
	if env.EventID == "" {
		t.Fatal("envelope without event id")
	}
	if env.DeviceID != "d1" || !env.OccurredAt.Equal(occurred) {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if env.EventType != EventTypeOf[sampleEvent]() {
		t.Fatalf("unexpected event type %q", env.EventType)
	}
}

func TestPublishNilEvent(t *testing.T) {
	bus := NewInMemoryBus()
	if err := bus.Publish(context.Background(), nil); !errors.Is(err, ErrNilEvent) {
		t.Fatalf("expected nil event error, got %v", err)
	}
}

func TestPublishReturnsFirstHandlerError(t *testing.T) {
	bus := NewInMemoryBus()
	wantErr := errors.New("append failed")
	ran := 0
	bus.Subscribe(EventTypeOf[sampleEvent](), func(ctx context.Context, event any) error {
		ran++
		return wantErr
	})
	bus.Subscribe(EventTypeOf[sampleEvent](), func(ctx context.Context, event any) error {
		ran++
		return errors.New("second error")
	})

	err := bus.Publish(context.Background(), sampleEvent{DeviceID: "d1"})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected first handler error, got %v", err)
	}
	if ran != 2 {
		t.Fatalf("all handlers must run despite errors, ran %d", ran)
	}
}

type memoryProcessedStore struct {
	mu        sync.Mutex
	processed map[string]bool
}

func newMemoryProcessedStore() *memoryProcessedStore {
	return &memoryProcessedStore{processed: make(map[string]bool)}
}

func (s *memoryProcessedStore) HasProcessed(ctx context.Context, eventID, consumerName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed[eventID+"/"+consumerName], nil
}

func (s *memoryProcessedStore) MarkProcessed(ctx context.Context, eventID, consumerName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[eventID+"/"+consumerName] = true
	return nil
}

func TestWrapHandlerSkipsProcessedEvent(t *testing.T) {
	store := newMemoryProcessedStore()
	handled := 0
	handler := WrapHandler("history", func(ctx context.Context, event any) error {
		handled++
		return nil
	}, store)

	env := Envelope{EventID: "evt-1", EventType: EventTypeOf[sampleEvent]()}
	ctx := WithEnvelope(context.Background(), env)

	for i := 0; i < 3; i++ {
		if err := handler(ctx, sampleEvent{DeviceID: "d1"}); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}
	if handled != 1 {
		t.Fatalf("expected one effective handling, got %d", handled)
	}
}

func TestWrapHandlerIsolatesConsumers(t *testing.T) {
	store := newMemoryProcessedStore()
	var historyRuns, cacheRuns int
	history := WrapHandler("history", func(ctx context.Context, event any) error {
		historyRuns++
		return nil
	}, store)
	cache := WrapHandler("cache", func(ctx context.Context, event any) error {
		cacheRuns++
		return nil
	}, store)

	ctx := WithEnvelope(context.Background(), Envelope{EventID: "evt-1"})
	if err := history(ctx, sampleEvent{}); err != nil {
		t.Fatalf("history: %v", err)
	}
	if err := cache(ctx, sampleEvent{}); err != nil {
		t.Fatalf("cache: %v", err)
	}
	if historyRuns != 1 || cacheRuns != 1 {
		t.Fatalf("consumer names must not share processed marks: history=%d cache=%d", historyRuns, cacheRuns)
	}
}

func TestWrapHandlerFailedHandlerNotMarked(t *testing.T) {
	store := newMemoryProcessedStore()
	attempts := 0
	handler := WrapHandler("history", func(ctx context.Context, event any) error {
		attempts++
		if attempts == 1 {
			return errors.New("transient")
		}
		return nil
	}, store)

	ctx := WithEnvelope(context.Background(), Envelope{EventID: "evt-1"})
	if err := handler(ctx, sampleEvent{}); err == nil {
		t.Fatal("expected first attempt to fail")
	}
	// The failed attempt was not marked processed, so a redelivery retries.
	if err := handler(ctx, sampleEvent{}); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected retry on redelivery, got %d attempts", attempts)
	}
}

func TestEventTypeNames(t *testing.T) {
	if got := EventType(sampleEvent{}); got != "eventing.sampleEvent" {
		t.Fatalf("unexpected type name %q", got)
	}
	if got := EventType(&sampleEvent{}); got != "eventing.sampleEvent" {
		t.Fatalf("pointer should resolve to element type, got %q", got)
	}
	if EventTypeOf[sampleEvent]() != EventType(sampleEvent{}) {
		t.Fatal("type parameter and instance must agree")
	}
}
