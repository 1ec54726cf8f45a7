package poller

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	devices "thermolink/internal/devices/domain"
	"thermolink/internal/ratelimit"
	"thermolink/internal/vendorapi"
	"thermolink/internal/vendorauth"
)

// VendorClient is the slice of the vendor API the poller drives.
type VendorClient interface {
	FetchDevices(ctx context.Context) ([]devices.DeviceSnapshot, error)
	FetchTemperature(ctx context.Context, deviceID string) ([]devices.TemperatureReading, error)
}

// Reconciler is the sink for polled events.
type Reconciler interface {
	IngestReading(ctx context.Context, reading devices.TemperatureReading) error
	IngestSnapshot(ctx context.Context, snap devices.DeviceSnapshot) error
	Sweep(ctx context.Context)
}

// Poller drives the pull path: a fixed worker pool polls every known
// device each interval, the device list refreshes on a slower cadence, and
// the offline sweep runs alongside. Rate-limit and availability errors are
// backed off, not fatal.
type Poller struct {
	client            VendorClient
	rec               Reconciler
	logger            *log.Logger
	interval          time.Duration
	discoveryInterval time.Duration
	workers           int

	mu      sync.Mutex
	devices []string
}

// Option configures the poller.
type Option func(*Poller)

// WithInterval sets the per-device poll cadence.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithDiscoveryInterval sets the device-list refresh cadence.
func WithDiscoveryInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.discoveryInterval = d
		}
	}
}

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.workers = n
		}
	}
}

// New constructs a poller.
func New(client VendorClient, rec Reconciler, logger *log.Logger, opts ...Option) (*Poller, error) {
	if client == nil {
		return nil, errors.New("poller: nil client")
	}
	if rec == nil {
		return nil, errors.New("poller: nil reconciler")
	}
	if logger == nil {
		logger = log.Default()
	}
	p := &Poller{
		client:            client,
		rec:               rec,
		logger:            logger,
		interval:          time.Minute,
		discoveryInterval: 10 * time.Minute,
		workers:           4,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start runs the polling loops until the context is cancelled.
func (p *Poller) Start(ctx context.Context) {
	p.discover(ctx)

	pollTicker := time.NewTicker(p.interval)
	discoveryTicker := time.NewTicker(p.discoveryInterval)
	defer pollTicker.Stop()
	defer discoveryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-discoveryTicker.C:
			p.discover(ctx)
		case <-pollTicker.C:
			p.pollAll(ctx)
			p.rec.Sweep(ctx)
		}
	}
}

// discover refreshes the device list and forwards the snapshots.
func (p *Poller) discover(ctx context.Context) {
	snaps, err := p.client.FetchDevices(ctx)
	if err != nil {
		p.logger.Printf("poller: discovery failed: %v", err)
		return
	}

	ids := make([]string, 0, len(snaps))
	for _, snap := range snaps {
		ids = append(ids, snap.DeviceID)
		if err := p.rec.IngestSnapshot(ctx, snap); err != nil {
			p.logger.Printf("poller: snapshot device=%s: %v", snap.DeviceID, err)
		}
	}

	p.mu.Lock()
	p.devices = ids
	p.mu.Unlock()
}

// pollAll fans device polls across the worker pool.
func (p *Poller) pollAll(ctx context.Context) {
	p.mu.Lock()
	ids := append([]string(nil), p.devices...)
	p.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for deviceID := range jobs {
				p.pollDevice(ctx, deviceID)
			}
		}()
	}
	for _, id := range ids {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		case jobs <- id:
		}
	}
	close(jobs)
	wg.Wait()
}

func (p *Poller) pollDevice(ctx context.Context, deviceID string) {
	readings, err := p.client.FetchTemperature(ctx, deviceID)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		case errors.Is(err, ratelimit.ErrRateLimitExceeded):
			// Quota pressure; skip this round and let refill catch up.
			p.logger.Printf("poller: rate limited device=%s", deviceID)
		case errors.Is(err, vendorauth.ErrExpired):
			p.logger.Printf("poller: credentials expired, polling paused until refresh succeeds")
		case errors.Is(err, vendorapi.ErrUnavailable):
			p.logger.Printf("poller: vendor unavailable device=%s: %v", deviceID, err)
		default:
			p.logger.Printf("poller: poll device=%s: %v", deviceID, err)
		}
		return
	}
	for _, reading := range readings {
		if err := p.rec.IngestReading(ctx, reading); err != nil {
			p.logger.Printf("poller: ingest device=%s: %v", deviceID, err)
		}
	}
}
