package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/city-weather-service/internal/cache"
	"github.com/kjstillabower/city-weather-service/internal/client"
	"github.com/kjstillabower/city-weather-service/internal/config"
	"github.com/kjstillabower/city-weather-service/internal/degraded"
	"github.com/kjstillabower/city-weather-service/internal/events"
	httphandler "github.com/kjstillabower/city-weather-service/internal/http"
	"github.com/kjstillabower/city-weather-service/internal/lifecycle"
	"github.com/kjstillabower/city-weather-service/internal/observability"
	"github.com/kjstillabower/city-weather-service/internal/scheduler"
	"github.com/kjstillabower/city-weather-service/internal/service"
	"github.com/kjstillabower/city-weather-service/internal/store"
	"github.com/kjstillabower/city-weather-service/internal/traffic"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	lifecycle.SetPhase(lifecycle.PhaseStarting)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	logger.Info("configuration loaded",
		zap.String("cache_backend", cfg.CacheBackend),
		zap.String("store_driver", cfg.StoreDriver),
		zap.Duration("cache_ttl", cfg.CacheTTL),
		zap.Duration("refresh_interval", cfg.RefreshInterval),
		zap.String("refresh_cron", cfg.RefreshCron),
		zap.Bool("testing_mode", cfg.TestingMode))

	weatherClient, err := client.NewOpenWeatherClient(cfg.WeatherAPIKey, cfg.WeatherAPIURL, cfg.WeatherAPITimeout)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}
	if cfg.WeatherAPIKey == "" {
		logger.Warn("WEATHER_API_KEY not set; city creation and refresh will fail until it is configured")
	}
	if cfg.BreakerEnabled {
		weatherClient.EnableCircuitBreaker(client.BreakerConfig{
			FailureThreshold: cfg.BreakerFailureThreshold,
			Timeout:          cfg.BreakerTimeout,
			Component:        "weather_api",
		})
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.BreakerFailureThreshold), zap.Duration("timeout", cfg.BreakerTimeout))
	}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	cacheSvc, cachePing, cacheCloser := openCache(cfg, logger)

	st, err := store.Open(startupCtx, cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		logger.Fatal("store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	logger.Info("store ready", zap.String("driver", cfg.StoreDriver))

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		logger.Info("event publishing enabled", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	upstream := traffic.NewTracker(cfg.HealthUpstreamWindow)
	cityService := service.NewCityService(st, weatherClient, cacheSvc, service.Config{
		CacheTTL:       cfg.CacheTTL,
		CoalesceMisses: cfg.CoalesceMisses,
		Refresh: service.RefreshConfig{
			Concurrency:    cfg.RefreshConcurrency,
			RetryAttempts:  cfg.RefreshRetryAttempts,
			RetryBaseDelay: cfg.RefreshRetryBaseDelay,
			RetryMaxDelay:  cfg.RefreshRetryMaxDelay,
			Timeout:        cfg.RefreshTimeout,
		},
	},
		service.WithLogger(logger),
		service.WithPublisher(publisher),
		service.WithUpstreamRecorder(upstream),
	)

	if cfg.WarmOnStart {
		warmer := cache.NewCacheWarmer(cityService, logger)
		if err := warmer.Warm(startupCtx); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
	}

	refreshScheduler := scheduler.New(cityService, scheduler.Config{
		Interval:   cfg.RefreshInterval,
		Cron:       cfg.RefreshCron,
		RunOnStart: cfg.RefreshRunOnStart,
	}, logger)
	if err := refreshScheduler.Start(); err != nil {
		logger.Fatal("refresh scheduler", zap.Error(err))
	}

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()
	recovery := degraded.NewRecovery(weatherClient.ValidateAPIKey, upstream, cfg.HealthRecoveryInitial, cfg.HealthRecoveryMax, logger)
	recovery.Start(appCtx)

	healthConfig := &httphandler.HealthConfig{
		UpstreamWindow:     cfg.HealthUpstreamWindow,
		UpstreamErrorPct:   cfg.HealthUpstreamErrorPct,
		Upstream:           upstream,
		StorePing:          st.Ping,
		CachePing:          cachePing,
		OnUpstreamDegraded: recovery.Notify,
	}
	handler := httphandler.NewHandler(cityService, healthConfig, refreshScheduler, logger)

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	inFlight := &httphandler.InFlightTracker{}
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		Limiter:        limiter,
		InFlight:       inFlight,
		TestingMode:    cfg.TestingMode,
	}, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()
	lifecycle.SetPhase(lifecycle.PhaseServing)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight.Count()))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.InFlightTimeout)
	defer waitCancel()
	if err := inFlight.WaitForZero(waitCtx, cfg.InFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", inFlight.Count()))
	}

	appCancel()
	recovery.Wait()

	// The refresh batch writes to the store and cache, so it stops before either
	// closes. It gets its own deadline; the HTTP drain may have used up shutdownCtx.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer stopCancel()
	if err := refreshScheduler.Stop(stopCtx); err != nil {
		logger.Warn("refresh batch cancelled during shutdown", zap.Error(err))
	}
	if err := publisher.Close(); err != nil {
		logger.Error("event publisher close", zap.Error(err))
	}
	if cacheCloser != nil {
		if err := cacheCloser.Close(); err != nil {
			logger.Error("cache close", zap.Error(err))
		}
	}
	if err := st.Close(); err != nil {
		logger.Error("store close", zap.Error(err))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// openCache builds the configured backend. Shared backends also return a ping
// for /health and a closer; both are nil for the in-memory cache.
func openCache(cfg *config.Config, logger *zap.Logger) (cache.Cache, func(context.Context) error, io.Closer) {
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return mc, mc.Ping, mc
	case "redis":
		rc, err := cache.NewRedisCache(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis cache", zap.Error(err))
		}
		logger.Info("cache backend: redis")
		return rc, rc.Ping, rc
	default:
		logger.Info("cache backend: in_memory")
		return cache.NewInMemoryCache(), nil, nil
	}
}
