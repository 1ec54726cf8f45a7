package eventing

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Envelope carries delivery metadata alongside an event. Subscribers use
// the EventID for idempotency; the reconciler may redeliver after a process
// restart, so consumers must tolerate a repeated ID or payload.
type Envelope struct {
	EventID    string
	EventType  string
	DeviceID   string
	OccurredAt time.Time
}

// BuildEnvelope constructs an envelope for an event payload.
func BuildEnvelope(event any) (Envelope, error) {
	if event == nil {
		return Envelope{}, errors.New("eventing: nil event")
	}
	occurredAt := extractTimeField(event, "OccurredAt")
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	return Envelope{
		EventID:    uuid.NewString(),
		EventType:  EventType(event),
		DeviceID:   extractStringField(event, "DeviceID"),
		OccurredAt: occurredAt,
	}, nil
}

type envelopeContextKey struct{}

// WithEnvelope attaches the envelope to the context.
func WithEnvelope(ctx context.Context, env Envelope) context.Context {
	return context.WithValue(ctx, envelopeContextKey{}, env)
}

// EnvelopeFromContext returns the envelope attached by the bus, if any.
func EnvelopeFromContext(ctx context.Context) (Envelope, bool) {
	env, ok := ctx.Value(envelopeContextKey{}).(Envelope)
	return env, ok
}

func extractStringField(event any, name string) string {
	value := reflect.ValueOf(event)
	for value.Kind() == reflect.Ptr {
		if value.IsNil() {
			return ""
		}
		value = value.Elem()
	}
	if value.Kind() != reflect.Struct {
		return ""
	}
	field := value.FieldByName(name)
	if field.IsValid() && field.Kind() == reflect.String {
		return field.String()
	}
	return ""
}

func extractTimeField(event any, name string) time.Time {
	value := reflect.ValueOf(event)
	for value.Kind() == reflect.Ptr {
		if value.IsNil() {
			return time.Time{}
		}
		value = value.Elem()
	}
	if value.Kind() != reflect.Struct {
		return time.Time{}
	}
	field := value.FieldByName(name)
	if !field.IsValid() {
		return time.Time{}
	}
	if t, ok := field.Interface().(time.Time); ok {
		return t
	}
	return time.Time{}
}
