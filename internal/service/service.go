package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-service/internal/cache"
	"github.com/kjstillabower/city-weather-service/internal/client"
	"github.com/kjstillabower/city-weather-service/internal/events"
	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/observability"
	"github.com/kjstillabower/city-weather-service/internal/store"
)

const (
	// recentWeatherWindow bounds the per-city observation query.
	recentWeatherWindow = 7 * 24 * time.Hour

	// postCommitTimeout bounds the invalidation and publishing that follow a
	// committed store write.
	postCommitTimeout = 5 * time.Second
)

// UpstreamRecorder receives the outcome of every upstream call (traffic.Tracker).
type UpstreamRecorder interface {
	RecordSuccess()
	RecordError()
}

type nopRecorder struct{}

func (nopRecorder) RecordSuccess() {}
func (nopRecorder) RecordError()   {}

// Config holds the service's tunables.
type Config struct {
	CacheTTL        time.Duration
	CoalesceMisses  bool
	CoalesceTimeout time.Duration
	Refresh         RefreshConfig
}

// RefreshConfig controls the scheduled refresh batch.
type RefreshConfig struct {
	Concurrency    int
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	Timeout        time.Duration
}

// Option configures optional collaborators.
type Option func(*CityService)

func WithClock(clock clockwork.Clock) Option {
	return func(s *CityService) { s.clock = clock }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *CityService) { s.logger = logger }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *CityService) { s.publisher = p }
}

func WithUpstreamRecorder(r UpstreamRecorder) Option {
	return func(s *CityService) { s.upstream = r }
}

// CityService implements read-through caching for the city queries, store-first
// mutations with cache invalidation, and the scheduled refresh batch.
type CityService struct {
	store     store.Gateway
	client    client.WeatherClient
	cache     cache.Cache
	publisher events.Publisher
	upstream  UpstreamRecorder
	clock     clockwork.Clock
	logger    *zap.Logger
	ttl       time.Duration
	coalescer *requestCoalescer // nil when disabled
	gens      *generations
	refresh   RefreshConfig

	refreshing atomic.Bool
}

// NewCityService creates a CityService. Zero-valued Config fields fall back to
// a 1h TTL, 10s coalesce timeout and sequential refresh.
func NewCityService(st store.Gateway, wc client.WeatherClient, c cache.Cache, cfg Config, opts ...Option) *CityService {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.CoalesceTimeout <= 0 {
		cfg.CoalesceTimeout = 10 * time.Second
	}
	if cfg.Refresh.Concurrency < 1 {
		cfg.Refresh.Concurrency = 1
	}
	s := &CityService{
		store:     st,
		client:    wc,
		cache:     c,
		publisher: events.NopPublisher{},
		upstream:  nopRecorder{},
		clock:     clockwork.NewRealClock(),
		logger:    zap.NewNop(),
		ttl:       cfg.CacheTTL,
		gens:      newGenerations(),
		refresh:   cfg.Refresh,
	}
	if cfg.CoalesceMisses {
		s.coalescer = newRequestCoalescer(cfg.CoalesceTimeout)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListCities returns all cities without weather.
func (s *CityService) ListCities(ctx context.Context) ([]models.City, error) {
	cities, err := readThrough(ctx, s, keyAllCities, classAllCities,
		func(ctx context.Context) ([]models.City, bool, error) {
			cities, err := s.store.ListCities(ctx)
			return cities, len(cities) > 0, err
		})
	if err != nil {
		return nil, s.storeFailure(ctx, "list_cities", err)
	}
	return cities, nil
}

// ListCitiesWithWeather returns all cities, each with its most recent observation.
func (s *CityService) ListCitiesWithWeather(ctx context.Context) ([]models.CityWithObservations, error) {
	cities, err := readThrough(ctx, s, keyAllCitiesWithWeather, classAllCitiesWithWeather,
		func(ctx context.Context) ([]models.CityWithObservations, bool, error) {
			cities, err := s.store.ListCitiesWithLatestWeather(ctx)
			return cities, len(cities) > 0, err
		})
	if err != nil {
		return nil, s.storeFailure(ctx, "list_cities_with_weather", err)
	}
	return cities, nil
}

// GetCityWithRecentWeather returns the named city with its observations from the
// last 7 days. A missing city yields ErrNotFound and is not cached.
func (s *CityService) GetCityWithRecentWeather(ctx context.Context, name string) (models.CityWithObservations, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.CityWithObservations{}, fmt.Errorf("%w: city name is required", ErrInvalidInput)
	}
	city, err := readThrough(ctx, s, cityWeatherKey(name), classCityWeather7d,
		func(ctx context.Context) (models.CityWithObservations, bool, error) {
			since := s.clock.Now().Add(-recentWeatherWindow)
			city, err := s.store.FindCityWithWeatherWindow(ctx, name, since)
			return city, err == nil, err
		})
	if err != nil {
		return models.CityWithObservations{}, s.storeFailure(ctx, "get_city_with_recent_weather", err, zap.String("city", name))
	}
	return city, nil
}

// readThrough serves key from the cache, or loads it on a miss and caches the
// result when load reports it cacheable. Cache failures degrade to a miss. A
// load that overlaps an invalidation of key returns its result but does not
// cache it.
func readThrough[T any](ctx context.Context, s *CityService, key, class string, load func(context.Context) (T, bool, error)) (T, error) {
	var zero T
	logger := s.loggerFor(ctx)

	if data, ok := s.cacheGet(ctx, key); ok {
		var v T
		if err := json.Unmarshal(data, &v); err == nil {
			observability.RecordCacheInteraction(class, true)
			logger.Debug("cache hit", zap.String("key", key))
			return v, nil
		}
		logger.Warn("discarding undecodable cache entry", zap.String("key", key))
		s.cacheDelete(ctx, key)
	}
	observability.RecordCacheInteraction(class, false)
	logger.Debug("cache miss", zap.String("key", key))

	fetch := func(ctx context.Context) ([]byte, error) {
		seen := s.gens.current(key)
		v, cacheable, err := load(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		if cacheable && !s.gens.fillIfCurrent(key, seen, func() { s.cacheSet(ctx, key, data) }) {
			logger.Debug("key invalidated during load, not caching", zap.String("key", key))
		}
		return data, nil
	}

	var data []byte
	var err error
	if s.coalescer != nil {
		var shared bool
		data, shared, err = s.coalescer.GetOrDo(ctx, key, fetch)
		if shared && err == nil {
			observability.RequestCoalescingHitsTotal.WithLabelValues(class).Inc()
		}
	} else {
		data, err = fetch(ctx)
	}
	if err != nil {
		return zero, err
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return zero, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, nil
}

// storeFailure maps a store error to the service taxonomy. NotFound passes
// through quietly; everything else is logged and reported as ErrInternal.
func (s *CityService) storeFailure(ctx context.Context, op string, err error, fields ...zap.Field) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	fields = append(fields, zap.String("operation", op), zap.Error(err))
	s.loggerFor(ctx).Error("store operation failed", fields...)
	return ErrInternal
}

func (s *CityService) cacheGet(ctx context.Context, key string) ([]byte, bool) {
	start := time.Now()
	data, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(time.Since(start).Seconds())
		s.loggerFor(ctx).Warn("cache get failed, treating as miss", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(time.Since(start).Seconds())
	return data, ok
}

func (s *CityService) cacheSet(ctx context.Context, key string, data []byte) {
	start := time.Now()
	if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(start).Seconds())
		s.loggerFor(ctx).Warn("cache set failed", zap.String("key", key), zap.Error(err))
		return
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(start).Seconds())
}

func (s *CityService) cacheDelete(ctx context.Context, key string) {
	start := time.Now()
	if err := s.cache.Delete(ctx, key); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("delete", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("delete", "error").Observe(time.Since(start).Seconds())
		s.loggerFor(ctx).Warn("cache invalidation failed, entry expires with TTL", zap.String("key", key), zap.Error(err))
		return
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("delete", "success").Observe(time.Since(start).Seconds())
}

// invalidate deletes keys; failures are logged and otherwise ignored. Loads
// already running for a key neither fill it nor serve later readers.
func (s *CityService) invalidate(ctx context.Context, keys ...string) {
	for _, key := range keys {
		s.gens.bump(key)
		if s.coalescer != nil {
			s.coalescer.forget(key)
		}
		s.cacheDelete(ctx, key)
	}
}

// afterCommit returns a context for the work that must follow a committed
// write even when the caller has gone away. Request-scoped values are kept.
func afterCommit(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), postCommitTimeout)
}

func (s *CityService) loggerFor(ctx context.Context) *zap.Logger {
	return observability.LoggerFromContext(ctx, s.logger)
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") || strings.Contains(errStr, "refused") {
		return "connection"
	}
	return "unknown"
}
