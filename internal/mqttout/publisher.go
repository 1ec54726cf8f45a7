package mqttout

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	devices "thermolink/internal/devices/domain"
)

// ClientConfig holds MQTT broker connection settings.
type ClientConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// NewClient connects to the MQTT broker.
func NewClient(cfg ClientConfig) (mqtt.Client, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqttout: empty broker")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqttout: connect: %w", token.Error())
	}
	return client, nil
}

// Publisher republishes accepted readings for downstream consumers that
// prefer a broker over the in-process bus.
type Publisher struct {
	client       mqtt.Client
	topicPattern string
}

// NewPublisher constructs a publisher. The topic pattern may contain a
// {device_id} placeholder.
func NewPublisher(client mqtt.Client, topicPattern string) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("mqttout: nil client")
	}
	if topicPattern == "" {
		topicPattern = "thermolink/readings/{device_id}"
	}
	return &Publisher{client: client, topicPattern: topicPattern}, nil
}

type readingMessage struct {
	DeviceID       string    `json:"device_id"`
	ProbeID        string    `json:"probe_id"`
	Temperature    float64   `json:"temperature"`
	Unit           string    `json:"unit"`
	Timestamp      time.Time `json:"timestamp"`
	Source         string    `json:"source"`
	BatteryLevel   *int      `json:"battery_level,omitempty"`
	SignalStrength *float64  `json:"signal_strength,omitempty"`
}

// PublishReading sends one accepted reading at QoS 1.
func (p *Publisher) PublishReading(reading devices.TemperatureReading) error {
	payload, err := json.Marshal(readingMessage{
		DeviceID:       reading.DeviceID,
		ProbeID:        reading.ProbeID,
		Temperature:    reading.Temperature,
		Unit:           string(reading.Unit),
		Timestamp:      reading.Timestamp,
		Source:         string(reading.Source),
		BatteryLevel:   reading.BatteryLevel,
		SignalStrength: reading.SignalStrength,
	})
	if err != nil {
		return err
	}
	topic := strings.ReplaceAll(p.topicPattern, "{device_id}", reading.DeviceID)
	token := p.client.Publish(topic, 1, false, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqttout: publish: %w", token.Error())
	}
	return nil
}
