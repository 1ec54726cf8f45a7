package devices

import (
	"errors"
	"testing"
	"time"
)

func validReading() TemperatureReading {
	return TemperatureReading{
		DeviceID:    "d1",
		ProbeID:     "p1",
		Temperature: 165.0,
		Unit:        UnitFahrenheit,
		Timestamp:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Source:      SourcePoll,
	}
}

func TestValidate(t *testing.T) {
	if err := validReading().Validate(); err != nil {
		t.Fatalf("valid reading rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*TemperatureReading)
	}{
		{"missing device id", func(r *TemperatureReading) { r.DeviceID = "" }},
		{"missing probe id", func(r *TemperatureReading) { r.ProbeID = "" }},
		{"zero timestamp", func(r *TemperatureReading) { r.Timestamp = time.Time{} }},
		{"unknown unit", func(r *TemperatureReading) { r.Unit = "K" }},
		{"too hot", func(r *TemperatureReading) { r.Temperature = 1500 }},
		{"too cold", func(r *TemperatureReading) { r.Temperature = -80 }},
		{"too hot in celsius", func(r *TemperatureReading) { r.Temperature = 560; r.Unit = UnitCelsius }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := validReading()
			tc.mutate(&r)
			if err := r.Validate(); !errors.Is(err, ErrInvalidReading) {
				t.Fatalf("expected invalid reading, got %v", err)
			}
		})
	}
}

func TestFahrenheitConversion(t *testing.T) {
	r := validReading()
	r.Unit = UnitCelsius
	r.Temperature = 100
	if got := r.Fahrenheit(); got != 212 {
		t.Fatalf("100C should be 212F, got %v", got)
	}
	r.Unit = UnitFahrenheit
	if got := r.Fahrenheit(); got != 100 {
		t.Fatalf("Fahrenheit readings pass through, got %v", got)
	}
}

func TestReadingKey(t *testing.T) {
	a := validReading()
	b := validReading()
	b.Source = SourceWebhook
	b.Temperature = 166.0
	if a.Key() != b.Key() {
		t.Fatal("key must ignore source and value")
	}
	b.Timestamp = b.Timestamp.Add(time.Second)
	if a.Key() == b.Key() {
		t.Fatal("key must include the timestamp")
	}
}

func TestParseUnit(t *testing.T) {
	for raw, want := range map[string]Unit{
		"F": UnitFahrenheit, "f": UnitFahrenheit, "Fahrenheit": UnitFahrenheit, "°F": UnitFahrenheit,
		"C": UnitCelsius, "celsius": UnitCelsius, " c ": UnitCelsius,
	} {
		got, err := ParseUnit(raw)
		if err != nil || got != want {
			t.Fatalf("ParseUnit(%q) = %q, %v; want %q", raw, got, err, want)
		}
	}
	if _, err := ParseUnit("kelvin"); !errors.Is(err, ErrInvalidReading) {
		t.Fatalf("expected invalid unit error, got %v", err)
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	got, err := ParseTimestamp("2025-01-01T00:00:00Z")
	if err != nil || !got.Equal(want) {
		t.Fatalf("rfc3339: got %v, %v", got, err)
	}
	got, err = ParseTimestamp("1735689600")
	if err != nil || !got.Equal(want) {
		t.Fatalf("epoch seconds: got %v, %v", got, err)
	}
	got, err = ParseTimestamp("1735689600000")
	if err != nil || !got.Equal(want) {
		t.Fatalf("epoch millis: got %v, %v", got, err)
	}

	for _, raw := range []string{"", "not-a-time", "-5"} {
		if _, err := ParseTimestamp(raw); !errors.Is(err, ErrInvalidReading) {
			t.Fatalf("ParseTimestamp(%q): expected invalid reading, got %v", raw, err)
		}
	}
}
