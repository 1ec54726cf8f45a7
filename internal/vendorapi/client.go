package vendorapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	devices "thermolink/internal/devices/domain"
	"thermolink/internal/observability/metrics"
	"thermolink/internal/ratelimit"
)

// Endpoint classes the rate limiter keys buckets on. The vendor quota is
// account-wide per endpoint class, not per device.
const (
	EndpointDevices   = "devices"
	EndpointTelemetry = "telemetry"
	EndpointHistory   = "history"
)

// ErrUnavailable marks a vendor call that exhausted its retry budget on
// transient failures. Retryable by the scheduler.
var ErrUnavailable = errors.New("vendorapi: vendor unavailable")

// TokenSource supplies bearer credentials for vendor calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Limiter admits vendor calls per endpoint class.
type Limiter interface {
	Acquire(ctx context.Context, endpointKey string, maxWait time.Duration) error
}

// Client is the typed vendor cloud client. Every call obtains a bearer
// token, acquires a rate-limit slot and normalizes the payload into
// canonical shapes before handing it on.
type Client struct {
	baseURL    string
	auth       TokenSource
	limiter    Limiter
	client     *http.Client
	logger     *log.Logger
	maxRetries int
	maxWait    time.Duration
	now        func() time.Time
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// WithMaxRetries bounds transient-failure retries per call.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithMaxWait bounds how long a call waits on the rate limiter.
func WithMaxWait(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.maxWait = d
		}
	}
}

// NewClient constructs a vendor client.
func NewClient(baseURL string, auth TokenSource, limiter Limiter, logger *log.Logger, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("vendorapi: empty base url")
	}
	if auth == nil {
		return nil, errors.New("vendorapi: nil token source")
	}
	if limiter == nil {
		return nil, errors.New("vendorapi: nil limiter")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		auth:       auth,
		limiter:    limiter,
		client:     &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
		maxRetries: 3,
		maxWait:    5 * time.Second,
		now:        time.Now,
	}, nil
}

// FetchDevices lists all devices on the account as canonical snapshots.
func (c *Client) FetchDevices(ctx context.Context) ([]devices.DeviceSnapshot, error) {
	var resp devicesResponse
	if err := c.getJSON(ctx, EndpointDevices, "/v1/devices", &resp); err != nil {
		return nil, err
	}
	snaps := make([]devices.DeviceSnapshot, 0, len(resp.Devices))
	for _, dto := range resp.Devices {
		snap, err := dto.toSnapshot(c.now())
		if err != nil {
			c.logger.Printf("vendorapi: skipping device payload: %v", err)
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// FetchTemperature returns the current readings for one device. Readings
// failing sanity validation are dropped and logged, never propagated.
func (c *Client) FetchTemperature(ctx context.Context, deviceID string) ([]devices.TemperatureReading, error) {
	if deviceID == "" {
		return nil, errors.New("vendorapi: empty device id")
	}
	var resp readingsResponse
	path := "/v1/devices/" + url.PathEscape(deviceID) + "/temperature"
	if err := c.getJSON(ctx, EndpointTelemetry, path, &resp); err != nil {
		return nil, err
	}
	return c.normalizeReadings(deviceID, resp.Readings), nil
}

// FetchHistory returns historical readings for one probe between start and
// end.
func (c *Client) FetchHistory(ctx context.Context, deviceID, probeID string, start, end time.Time) ([]devices.TemperatureReading, error) {
	if deviceID == "" || probeID == "" {
		return nil, errors.New("vendorapi: empty device or probe id")
	}
	query := url.Values{}
	query.Set("probe_id", probeID)
	query.Set("start", start.UTC().Format(time.RFC3339))
	query.Set("end", end.UTC().Format(time.RFC3339))
	path := "/v1/devices/" + url.PathEscape(deviceID) + "/history?" + query.Encode()

	var resp readingsResponse
	if err := c.getJSON(ctx, EndpointHistory, path, &resp); err != nil {
		return nil, err
	}
	return c.normalizeReadings(deviceID, resp.Readings), nil
}

// getJSON runs one vendor GET with the full retry policy: 401 invalidates
// the token and retries once, 429 honors Retry-After, 5xx and network
// errors back off within the retry budget.
func (c *Client) getJSON(ctx context.Context, endpointKey, path string, out any) error {
	started := c.now()
	err := c.doGetJSON(ctx, endpointKey, path, out)
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.ObservePoll(endpointKey, result, c.now().Sub(started))
	return err
}

func (c *Client) doGetJSON(ctx context.Context, endpointKey, path string, out any) error {
	var lastErr error
	retried401 := false
	waited := false

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		// An honored Retry-After already paid the wait for this attempt.
		if attempt > 0 && !waited {
			if err := sleepCtx(ctx, backoff(attempt)); err != nil {
				return err
			}
		}
		waited = false

		token, err := c.auth.Token(ctx)
		if err != nil {
			return fmt.Errorf("vendorapi: obtain token: %w", err)
		}
		if err := c.limiter.Acquire(ctx, endpointKey, c.maxWait); err != nil {
			if errors.Is(err, ratelimit.ErrRateLimitExceeded) {
				metrics.RateLimited(endpointKey)
			}
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			err := json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			if err != nil {
				return fmt.Errorf("vendorapi: decode response: %w", err)
			}
			return nil
		case resp.StatusCode == http.StatusUnauthorized:
			resp.Body.Close()
			c.auth.Invalidate()
			if retried401 {
				return fmt.Errorf("vendorapi: vendor rejected refreshed token (http 401)")
			}
			retried401 = true
			// The 401 retry is not part of the transient budget.
			attempt--
			continue
		case resp.StatusCode == http.StatusTooManyRequests:
			delay := retryAfter(resp)
			resp.Body.Close()
			lastErr = fmt.Errorf("vendorapi: http 429")
			if delay > 0 {
				if err := sleepCtx(ctx, delay); err != nil {
					return err
				}
				waited = true
			}
			continue
		case resp.StatusCode >= 500:
			resp.Body.Close()
			lastErr = fmt.Errorf("vendorapi: http %d", resp.StatusCode)
			continue
		default:
			resp.Body.Close()
			return fmt.Errorf("vendorapi: http %d", resp.StatusCode)
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *Client) normalizeReadings(deviceID string, dtos []readingDTO) []devices.TemperatureReading {
	readings := make([]devices.TemperatureReading, 0, len(dtos))
	for _, dto := range dtos {
		reading, err := dto.toReading(deviceID)
		if err == nil {
			err = reading.Validate()
		}
		if err != nil {
			metrics.ReadingInvalid(string(devices.SourcePoll))
			c.logger.Printf("vendorapi: dropping reading device=%s: %v", deviceID, err)
			continue
		}
		readings = append(readings, reading)
	}
	return readings
}

// retryAfter parses a Retry-After seconds value; an HTTP-date or garbage
// falls back to the backoff schedule.
func retryAfter(resp *http.Response) time.Duration {
	raw := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func backoff(attempt int) time.Duration {
	d := 250 * time.Millisecond << uint(attempt-1)
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
