//go:build integration
// +build integration

package testhelpers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/kjstillabower/city-weather-service/internal/cache"
	"github.com/kjstillabower/city-weather-service/internal/client"
	"github.com/kjstillabower/city-weather-service/internal/service"
	"github.com/kjstillabower/city-weather-service/internal/store"
)

// IntegrationTestConfig holds the externally provided endpoints for integration tests.
type IntegrationTestConfig struct {
	APIKey         string
	APIURL         string
	MemcachedAddrs string
	RedisURL       string
	PostgresDSN    string // empty skips postgres tests
}

// GetIntegrationConfig loads integration test configuration from environment.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	cfg := IntegrationTestConfig{
		APIKey:         os.Getenv("WEATHER_API_KEY"),
		APIURL:         os.Getenv("WEATHER_API_URL"),
		MemcachedAddrs: os.Getenv("MEMCACHED_ADDRS"),
		RedisURL:       os.Getenv("REDIS_URL"),
		PostgresDSN:    os.Getenv("DATABASE_URL"),
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.openweathermap.org/data/2.5/weather"
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	if cfg.RedisURL == "" {
		cfg.RedisURL = "redis://localhost:6379/0"
	}
	return cfg
}

// SharedCaches returns every reachable shared cache backend keyed by name.
// Skips the test when none is reachable.
func SharedCaches(t *testing.T, cfg IntegrationTestConfig) map[string]cache.Cache {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out := make(map[string]cache.Cache)

	if mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, 500*time.Millisecond, 2); err == nil && mc.Ping(ctx) == nil {
		t.Cleanup(func() { _ = mc.Close() })
		out["memcached"] = mc
	}
	if rc, err := cache.NewRedisCache(cfg.RedisURL); err == nil && rc.Ping(ctx) == nil {
		t.Cleanup(func() { _ = rc.Close() })
		out["redis"] = rc
	}
	if len(out) == 0 {
		t.Skip("no shared cache backend reachable, skipping integration test")
	}
	return out
}

// OpenPostgresStore opens and migrates the postgres store named by DATABASE_URL.
func OpenPostgresStore(t *testing.T, cfg IntegrationTestConfig) *store.SQLStore {
	t.Helper()
	if cfg.PostgresDSN == "" {
		t.Skip("DATABASE_URL not set, skipping postgres integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := store.Open(ctx, store.DriverPostgres, cfg.PostgresDSN)
	if err != nil {
		t.Fatalf("store.Open(postgres) error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// SetupIntegrationService wires the live weather API to a temporary sqlite
// store and an in-memory cache. Skips when WEATHER_API_KEY is not set.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) *service.CityService {
	t.Helper()
	if cfg.APIKey == "" {
		t.Skip("WEATHER_API_KEY not set, skipping integration test")
	}
	wc, err := client.NewOpenWeatherClient(cfg.APIKey, cfg.APIURL, 5*time.Second)
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	st, err := store.Open(context.Background(), store.DriverSQLite, filepath.Join(t.TempDir(), "integration.db"))
	if err != nil {
		t.Fatalf("store.Open(sqlite) error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	return service.NewCityService(st, wc, cache.NewInMemoryCache(), service.Config{
		CacheTTL:       time.Hour,
		CoalesceMisses: true,
		Refresh:        service.RefreshConfig{Concurrency: 2, RetryAttempts: 1, RetryBaseDelay: 200 * time.Millisecond, RetryMaxDelay: time.Second},
	}, service.WithLogger(zaptest.NewLogger(t)))
}
