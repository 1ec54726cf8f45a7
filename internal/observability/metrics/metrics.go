package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "thermolink_"

	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	registerOnce sync.Once

	pollRequests *prometheus.CounterVec
	pollLatency  *prometheus.HistogramVec

	webhookRequests *prometheus.CounterVec

	readingsAccepted  *prometheus.CounterVec
	readingsDuplicate *prometheus.CounterVec
	readingsInvalid   *prometheus.CounterVec
	snapshotsStale    *prometheus.CounterVec

	rateLimited  *prometheus.CounterVec
	tokenRefresh *prometheus.CounterVec

	devicesTracked prometheus.Gauge
	devicesOffline prometheus.Counter
)

// Init registers integration-layer metrics. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		pollRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "poll_requests_total",
				Help: "Vendor poll requests by endpoint class and result",
			},
			[]string{"endpoint", "result"},
		)
		pollLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "poll_latency_seconds",
				Help:    "Vendor poll latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		)
		webhookRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "webhook_requests_total",
				Help: "Inbound webhook deliveries by result",
			},
			[]string{"result"},
		)
		readingsAccepted = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "readings_accepted_total",
				Help: "Readings accepted into history by source",
			},
			[]string{"source"},
		)
		readingsDuplicate = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "readings_duplicate_total",
				Help: "Readings absorbed as composite-key duplicates by source",
			},
			[]string{"source"},
		)
		readingsInvalid = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "readings_invalid_total",
				Help: "Readings dropped by sanity validation by source",
			},
			[]string{"source"},
		)
		snapshotsStale = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "snapshots_stale_total",
				Help: "Device snapshots discarded as stale by source",
			},
			[]string{"source"},
		)
		rateLimited = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rate_limited_total",
				Help: "Rate limiter rejections by endpoint class",
			},
			[]string{"endpoint"},
		)
		tokenRefresh = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "token_refresh_total",
				Help: "OAuth token refreshes by result",
			},
			[]string{"result"},
		)
		devicesTracked = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "devices_tracked",
				Help: "Devices currently known to the reconciler",
			},
		)
		devicesOffline = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "devices_offline_total",
				Help: "Offline transitions after the grace period",
			},
		)

		prometheus.MustRegister(
			pollRequests,
			pollLatency,
			webhookRequests,
			readingsAccepted,
			readingsDuplicate,
			readingsInvalid,
			snapshotsStale,
			rateLimited,
			tokenRefresh,
			devicesTracked,
			devicesOffline,
		)
	})
}

// ObservePoll records one vendor poll call.
func ObservePoll(endpoint, result string, elapsed time.Duration) {
	if pollRequests == nil {
		return
	}
	pollRequests.WithLabelValues(endpoint, result).Inc()
	pollLatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// ObserveWebhook records one inbound webhook delivery.
func ObserveWebhook(result string) {
	if webhookRequests == nil {
		return
	}
	webhookRequests.WithLabelValues(result).Inc()
}

// ReadingAccepted counts an accepted reading.
func ReadingAccepted(source string) {
	if readingsAccepted == nil {
		return
	}
	readingsAccepted.WithLabelValues(source).Inc()
}

// ReadingDuplicate counts an absorbed duplicate.
func ReadingDuplicate(source string) {
	if readingsDuplicate == nil {
		return
	}
	readingsDuplicate.WithLabelValues(source).Inc()
}

// ReadingInvalid counts a dropped invalid reading.
func ReadingInvalid(source string) {
	if readingsInvalid == nil {
		return
	}
	readingsInvalid.WithLabelValues(source).Inc()
}

// SnapshotStale counts a discarded stale snapshot.
func SnapshotStale(source string) {
	if snapshotsStale == nil {
		return
	}
	snapshotsStale.WithLabelValues(source).Inc()
}

// RateLimited counts a rate limiter rejection.
func RateLimited(endpoint string) {
	if rateLimited == nil {
		return
	}
	rateLimited.WithLabelValues(endpoint).Inc()
}

// TokenRefresh counts a token refresh outcome.
func TokenRefresh(result string) {
	if tokenRefresh == nil {
		return
	}
	tokenRefresh.WithLabelValues(result).Inc()
}

// DeviceDiscovered tracks a newly discovered device.
func DeviceDiscovered() {
	if devicesTracked == nil {
		return
	}
	devicesTracked.Inc()
}

// DeviceOffline counts an offline transition.
func DeviceOffline() {
	if devicesOffline == nil {
		return
	}
	devicesOffline.Inc()
}
