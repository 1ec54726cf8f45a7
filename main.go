package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"thermolink/internal/cache"
	"thermolink/internal/config"
	devicesrepo "thermolink/internal/devices/infrastructure/postgres"
	"thermolink/internal/eventing"
	eventingrepo "thermolink/internal/eventing/infrastructure/postgres"
	"thermolink/internal/httpapi"
	"thermolink/internal/mqttout"
	"thermolink/internal/observability/metrics"
	"thermolink/internal/poller"
	"thermolink/internal/ratelimit"
	readingsrepo "thermolink/internal/readings/infrastructure/postgres"
	"thermolink/internal/reconcile"
	"thermolink/internal/stream"
	"thermolink/internal/vendorapi"
	"thermolink/internal/vendorauth"
	vendorauthrepo "thermolink/internal/vendorauth/infrastructure/postgres"
	"thermolink/internal/webhook"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := log.New(os.Stdout, "", log.LstdFlags)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init()

	limiterOpts := make([]ratelimit.Option, 0, len(cfg.RateLimits))
	for endpointKey, bucketCfg := range cfg.RateLimits {
		limiterOpts = append(limiterOpts, ratelimit.WithBucket(endpointKey, bucketCfg))
	}
	limiter, err := ratelimit.NewLimiter(cfg.RateLimitDefaults, limiterOpts...)
	if err != nil {
		logger.Fatalf("rate limiter error: %v", err)
	}

	tokenStore := vendorauthrepo.NewTokenStore(db, cfg.Vendor.ClientID)
	tokenManager, err := vendorauth.NewManager(
		cfg.Vendor.TokenURL,
		cfg.Vendor.ClientID,
		cfg.Vendor.ClientSecret,
		tokenStore,
		logger,
		vendorauth.WithMargin(cfg.TokenMargin.Std()),
		vendorauth.WithMaxFailures(cfg.TokenMaxFailures),
	)
	if err != nil {
		logger.Fatalf("token manager error: %v", err)
	}

	vendorClient, err := vendorapi.NewClient(
		cfg.Vendor.BaseURL,
		bearerSource{manager: tokenManager},
		limiter,
		logger,
	)
	if err != nil {
		logger.Fatalf("vendor client error: %v", err)
	}

	bus := eventing.NewInMemoryBus()
	processedStore := eventingrepo.NewProcessedStore(db)

	reconciler, err := reconcile.NewReconciler(bus, logger,
		reconcile.WithGraceMisses(cfg.OfflineGraceMisses),
		reconcile.WithRecencyWindow(cfg.RecencyWindow.Std()),
		reconcile.WithPollInterval(cfg.PollInterval.Std()),
	)
	if err != nil {
		logger.Fatalf("reconciler error: %v", err)
	}

	historyRepo := readingsrepo.NewHistoryRepository(db)
	eventing.Subscribe(bus, eventing.EventTypeOf[reconcile.ReadingAccepted](), "history.append", func(ctx context.Context, event any) error {
		evt, ok := event.(reconcile.ReadingAccepted)
		if !ok {
			return eventing.ErrInvalidEventType
		}
		return historyRepo.Append(ctx, evt.Reading)
	}, processedStore)

	deviceRepo := devicesrepo.NewDeviceRepository(db)
	eventing.Subscribe(bus, eventing.EventTypeOf[reconcile.DeviceChanged](), "devices.upsert", func(ctx context.Context, event any) error {
		evt, ok := event.(reconcile.DeviceChanged)
		if !ok {
			return eventing.ErrInvalidEventType
		}
		return deviceRepo.Upsert(ctx, evt.Device, evt.State, evt.Probes)
	}, nil)

	broker := stream.NewBroker()
	eventing.Subscribe(bus, eventing.EventTypeOf[reconcile.ReadingAccepted](), "stream.readings", func(_ context.Context, event any) error {
		if evt, ok := event.(reconcile.ReadingAccepted); ok {
			broker.Broadcast("reading", evt)
		}
		return nil
	}, nil)
	eventing.Subscribe(bus, eventing.EventTypeOf[reconcile.DeviceChanged](), "stream.devices", func(_ context.Context, event any) error {
		if evt, ok := event.(reconcile.DeviceChanged); ok {
			broker.Broadcast("device", evt)
		}
		return nil
	}, nil)

	var latestCache *cache.LatestCache
	if cfg.RedisAddr != "" {
		rdb, err := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Fatalf("redis error: %v", err)
		}
		latestCache, err = cache.NewLatestCache(rdb, cfg.CacheTTL.Std())
		if err != nil {
			logger.Fatalf("cache error: %v", err)
		}
		eventing.Subscribe(bus, eventing.EventTypeOf[reconcile.ReadingAccepted](), "cache.latest", func(ctx context.Context, event any) error {
			evt, ok := event.(reconcile.ReadingAccepted)
			if !ok {
				return eventing.ErrInvalidEventType
			}
			if err := latestCache.StoreReading(ctx, evt.Reading); err != nil {
				logger.Printf("cache: store reading device=%s: %v", evt.DeviceID, err)
			}
			return nil
		}, nil)
	}

	if cfg.MQTTBroker != "" {
		mqttClient, err := mqttout.NewClient(mqttout.ClientConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
		})
		if err != nil {
			logger.Fatalf("mqtt error: %v", err)
		}
		publisher, err := mqttout.NewPublisher(mqttClient, cfg.MQTTTopic)
		if err != nil {
			logger.Fatalf("mqtt publisher error: %v", err)
		}
		eventing.Subscribe(bus, eventing.EventTypeOf[reconcile.ReadingAccepted](), "mqtt.readings", func(_ context.Context, event any) error {
			evt, ok := event.(reconcile.ReadingAccepted)
			if !ok {
				return eventing.ErrInvalidEventType
			}
			if err := publisher.PublishReading(evt.Reading); err != nil {
				logger.Printf("mqtt: publish device=%s: %v", evt.DeviceID, err)
			}
			return nil
		}, nil)
	}

	webhookHandler, err := webhook.NewHandler([]byte(cfg.WebhookSecret), reconciler, logger)
	if err != nil {
		logger.Fatalf("webhook handler error: %v", err)
	}

	var apiOpts []httpapi.Option
	if latestCache != nil {
		apiOpts = append(apiOpts, httpapi.WithLatestSource(latestCache))
	}
	apiHandler, err := httpapi.NewHandler(reconciler, historyRepo, logger, apiOpts...)
	if err != nil {
		logger.Fatalf("api handler error: %v", err)
	}

	devicePoller, err := poller.New(vendorClient, reconciler, logger,
		poller.WithInterval(cfg.PollInterval.Std()),
		poller.WithDiscoveryInterval(cfg.DiscoveryInterval.Std()),
		poller.WithWorkers(cfg.PollWorkers),
	)
	if err != nil {
		logger.Fatalf("poller error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go devicePoller.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/webhooks/temperature", webhookHandler)
	apiHandler.Register(mux)
	mux.Handle("/stream/events", stream.NewHandler(broker))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(mux, logger)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Printf("http listening on %s", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal(err)
	}
}

// bearerSource adapts the token manager to the vendor client's TokenSource.
type bearerSource struct {
	manager *vendorauth.Manager
}

func (s bearerSource) Token(ctx context.Context) (string, error) {
	tok, err := s.manager.Token(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func (s bearerSource) Invalidate() {
	s.manager.Invalidate()
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
