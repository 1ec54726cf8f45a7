package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	devices "thermolink/internal/devices/domain"
)

const keyPrefix = "thermolink:latest:"

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}
	return rdb, nil
}

// LatestCache mirrors each probe's current projection into Redis so the
// dashboard can read current values without touching Postgres.
type LatestCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewLatestCache constructs a cache with the given entry TTL.
func NewLatestCache(rdb *redis.Client, ttl time.Duration) (*LatestCache, error) {
	if rdb == nil {
		return nil, errors.New("cache: nil redis client")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &LatestCache{rdb: rdb, ttl: ttl}, nil
}

type cachedReading struct {
	Temperature float64   `json:"temperature"`
	Unit        string    `json:"unit"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source"`
}

// StoreReading writes the latest reading for a probe. Callers pass only
// accepted readings; projection ordering is the reconciler's concern.
func (c *LatestCache) StoreReading(ctx context.Context, reading devices.TemperatureReading) error {
	payload, err := json.Marshal(cachedReading{
		Temperature: reading.Temperature,
		Unit:        string(reading.Unit),
		Timestamp:   reading.Timestamp,
		Source:      string(reading.Source),
	})
	if err != nil {
		return err
	}
	key := keyPrefix + reading.DeviceID + ":" + reading.ProbeID
	return c.rdb.Set(ctx, key, payload, c.ttl).Err()
}

// Reading loads the cached latest reading for a probe, if present.
func (c *LatestCache) Reading(ctx context.Context, deviceID, probeID string) (*devices.TemperatureReading, error) {
	key := keyPrefix + deviceID + ":" + probeID
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cached cachedReading
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, err
	}
	return &devices.TemperatureReading{
		DeviceID:    deviceID,
		ProbeID:     probeID,
		Temperature: cached.Temperature,
		Unit:        devices.Unit(cached.Unit),
		Timestamp:   cached.Timestamp,
		Source:      devices.Source(cached.Source),
	}, nil
}
