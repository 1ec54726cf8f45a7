package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"thermolink/internal/ratelimit"
)

// Duration unmarshals yaml values like "90s" or "5m" into a duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped standard duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// VendorConfig holds vendor cloud connection settings.
type VendorConfig struct {
	BaseURL      string `yaml:"base_url"`
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// Config is the full integration-layer configuration. A yaml file selected
// by THERMOLINK_CONFIG provides the base; environment variables overlay it.
type Config struct {
	HTTPAddr      string       `yaml:"http_addr"`
	DatabaseURL   string       `yaml:"database_url"`
	Vendor        VendorConfig `yaml:"vendor"`
	WebhookSecret string       `yaml:"webhook_secret"`

	RateLimitDefaults ratelimit.BucketConfig            `yaml:"rate_limit_defaults"`
	RateLimits        map[string]ratelimit.BucketConfig `yaml:"rate_limits"`

	PollInterval      Duration `yaml:"poll_interval"`
	DiscoveryInterval Duration `yaml:"discovery_interval"`
	PollWorkers       int      `yaml:"poll_workers"`

	OfflineGraceMisses int      `yaml:"offline_grace_misses"`
	RecencyWindow      Duration `yaml:"recency_window"`
	TokenMargin        Duration `yaml:"token_margin"`
	TokenMaxFailures   int      `yaml:"token_max_failures"`

	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db"`
	CacheTTL      Duration `yaml:"cache_ttl"`

	MQTTBroker   string `yaml:"mqtt_broker"`
	MQTTClientID string `yaml:"mqtt_client_id"`
	MQTTUsername string `yaml:"mqtt_username"`
	MQTTPassword string `yaml:"mqtt_password"`
	MQTTTopic    string `yaml:"mqtt_topic"`
}

// Load assembles configuration from .env, yaml and environment.
func Load() (Config, error) {
	// .env is a local-development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:           ":8080",
		RateLimitDefaults:  ratelimit.BucketConfig{Capacity: 100, RefillPerSec: 1},
		PollInterval:       Duration(time.Minute),
		DiscoveryInterval:  Duration(10 * time.Minute),
		PollWorkers:        4,
		OfflineGraceMisses: 3,
		RecencyWindow:      Duration(30 * time.Minute),
		TokenMargin:        Duration(5 * time.Minute),
		TokenMaxFailures:   5,
		CacheTTL:           Duration(time.Hour),
		MQTTClientID:       "thermolink-integration",
	}

	if path := os.Getenv("THERMOLINK_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.DatabaseURL = getenvDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.Vendor.BaseURL = getenvDefault("VENDOR_BASE_URL", cfg.Vendor.BaseURL)
	cfg.Vendor.TokenURL = getenvDefault("VENDOR_TOKEN_URL", cfg.Vendor.TokenURL)
	cfg.Vendor.ClientID = getenvDefault("VENDOR_CLIENT_ID", cfg.Vendor.ClientID)
	cfg.Vendor.ClientSecret = getenvDefault("VENDOR_CLIENT_SECRET", cfg.Vendor.ClientSecret)
	cfg.WebhookSecret = getenvDefault("WEBHOOK_SECRET", cfg.WebhookSecret)
	cfg.RedisAddr = getenvDefault("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getenvDefault("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.MQTTBroker = getenvDefault("MQTT_BROKER", cfg.MQTTBroker)
	cfg.MQTTUsername = getenvDefault("MQTT_USERNAME", cfg.MQTTUsername)
	cfg.MQTTPassword = getenvDefault("MQTT_PASSWORD", cfg.MQTTPassword)
	cfg.PollInterval = getenvDuration("POLL_INTERVAL", cfg.PollInterval)
	cfg.DiscoveryInterval = getenvDuration("DISCOVERY_INTERVAL", cfg.DiscoveryInterval)
	cfg.PollWorkers = getenvIntDefault("POLL_WORKERS", cfg.PollWorkers)
	cfg.OfflineGraceMisses = getenvIntDefault("OFFLINE_GRACE_MISSES", cfg.OfflineGraceMisses)
	cfg.RecencyWindow = getenvDuration("RECENCY_WINDOW", cfg.RecencyWindow)
	cfg.TokenMargin = getenvDuration("TOKEN_MARGIN", cfg.TokenMargin)
	cfg.CacheTTL = getenvDuration("CACHE_TTL", cfg.CacheTTL)

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("config: DATABASE_URL is required")
	}
	if c.Vendor.BaseURL == "" {
		return errors.New("config: VENDOR_BASE_URL is required")
	}
	if c.Vendor.TokenURL == "" {
		return errors.New("config: VENDOR_TOKEN_URL is required")
	}
	if c.Vendor.ClientID == "" || c.Vendor.ClientSecret == "" {
		return errors.New("config: vendor client credentials are required")
	}
	if c.WebhookSecret == "" {
		return errors.New("config: WEBHOOK_SECRET is required")
	}
	if c.RateLimitDefaults.Capacity < 1 || c.RateLimitDefaults.RefillPerSec <= 0 {
		return errors.New("config: invalid rate limit defaults")
	}
	return nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback Duration) Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return Duration(parsed)
}
