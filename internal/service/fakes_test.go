package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/city-weather-service/internal/cache"
	"github.com/kjstillabower/city-weather-service/internal/client"
	"github.com/kjstillabower/city-weather-service/internal/events"
	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/store"
)

var baseTime = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

// countingStore wraps a real sqlite-backed store, counting calls and
// optionally failing or blocking selected operations.
type countingStore struct {
	store.Gateway

	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	gate  chan struct{} // when set, ListCities waits on it

	// When hold is set, the next ListCities reads its result, signals taken
	// and waits on hold before returning.
	hold  chan struct{}
	taken chan struct{}
}

func (s *countingStore) enter(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	return s.fail[op]
}

func (s *countingStore) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *countingStore) failWith(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[op] = err
}

func (s *countingStore) ListCities(ctx context.Context) ([]models.City, error) {
	if err := s.enter("ListCities"); err != nil {
		return nil, err
	}
	if s.gate != nil {
		<-s.gate
	}
	cities, err := s.Gateway.ListCities(ctx)
	if hold := s.takeHold(); hold != nil {
		s.taken <- struct{}{}
		<-hold
	}
	return cities, err
}

// holdNextList makes the next ListCities return a snapshot taken before it
// blocks. Closing the returned channel releases it.
func (s *countingStore) holdNextList() (taken <-chan struct{}, release chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = make(chan struct{})
	s.taken = make(chan struct{}, 1)
	return s.taken, s.hold
}

func (s *countingStore) takeHold() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	hold := s.hold
	s.hold = nil
	return hold
}

func (s *countingStore) ListCitiesWithLatestWeather(ctx context.Context) ([]models.CityWithObservations, error) {
	if err := s.enter("ListCitiesWithLatestWeather"); err != nil {
		return nil, err
	}
	return s.Gateway.ListCitiesWithLatestWeather(ctx)
}

func (s *countingStore) FindCityByName(ctx context.Context, name string) (models.City, error) {
	if err := s.enter("FindCityByName"); err != nil {
		return models.City{}, err
	}
	return s.Gateway.FindCityByName(ctx, name)
}

func (s *countingStore) FindCityWithWeatherWindow(ctx context.Context, name string, since time.Time) (models.CityWithObservations, error) {
	if err := s.enter("FindCityWithWeatherWindow"); err != nil {
		return models.CityWithObservations{}, err
	}
	return s.Gateway.FindCityWithWeatherWindow(ctx, name, since)
}

func (s *countingStore) CreateCity(ctx context.Context, city models.City, first models.Observation) (models.CityWithObservations, error) {
	if err := s.enter("CreateCity"); err != nil {
		return models.CityWithObservations{}, err
	}
	return s.Gateway.CreateCity(ctx, city, first)
}

func (s *countingStore) DeleteCity(ctx context.Context, id int64) (models.City, error) {
	if err := s.enter("DeleteCity"); err != nil {
		return models.City{}, err
	}
	return s.Gateway.DeleteCity(ctx, id)
}

func (s *countingStore) CreateObservation(ctx context.Context, cityID int64, obs models.Observation) (models.Observation, error) {
	if err := s.enter("CreateObservation"); err != nil {
		return models.Observation{}, err
	}
	return s.Gateway.CreateObservation(ctx, cityID, obs)
}

// fakeClient returns a canned response per city name. Queued errors for a name
// are returned first, one per call.
type fakeClient struct {
	clock clockwork.Clock

	mu          sync.Mutex
	temps       map[string]float64
	geo         map[string]models.City
	errs        map[string][]error
	calls       map[string]int
	gate        chan struct{}
	inFlight    int
	maxInFlight int
}

func newFakeClient(clock clockwork.Clock) *fakeClient {
	return &fakeClient{
		clock: clock,
		temps: make(map[string]float64),
		geo:   make(map[string]models.City),
		errs:  make(map[string][]error),
		calls: make(map[string]int),
	}
}

func (c *fakeClient) FetchCurrent(ctx context.Context, cityName, countryCode string) (client.CurrentWeather, error) {
	c.mu.Lock()
	c.calls[cityName]++
	c.inFlight++
	if c.inFlight > c.maxInFlight {
		c.maxInFlight = c.inFlight
	}
	gate := c.gate
	var err error
	if queued := c.errs[cityName]; len(queued) > 0 {
		err = queued[0]
		c.errs[cityName] = queued[1:]
	}
	temp, ok := c.temps[cityName]
	geo := c.geo[cityName]
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return client.CurrentWeather{}, err
	}
	if !ok {
		return client.CurrentWeather{}, client.ErrLocationNotFound
	}
	geo.Name = cityName
	return client.CurrentWeather{
		City:        geo,
		Observation: models.Observation{Temperature: temp, Humidity: ptr(50), DataTime: c.clock.Now()},
	}, nil
}

func (c *fakeClient) ValidateAPIKey(context.Context) error { return nil }

func (c *fakeClient) callCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

func (c *fakeClient) set(name string, temp float64, geo models.City) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.temps[name] = temp
	c.geo[name] = geo
}

func (c *fakeClient) failNext(name string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[name] = append(c.errs[name], errs...)
}

// brokenCache fails every operation, like an unreachable backend.
type brokenCache struct{}

var errCacheDown = errors.New("dial tcp 127.0.0.1:11211: connection refused")

func (brokenCache) Get(context.Context, string) ([]byte, bool, error) { return nil, false, errCacheDown }
func (brokenCache) Set(context.Context, string, []byte, time.Duration) error {
	return errCacheDown
}
func (brokenCache) Delete(context.Context, string) error { return errCacheDown }

// ctxCache refuses work on a done context, as the memcached and redis
// backends do.
type ctxCache struct {
	cache.Cache
}

func (c ctxCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return c.Cache.Get(ctx, key)
}

func (c ctxCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.Cache.Set(ctx, key, value, ttl)
}

func (c ctxCache) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.Cache.Delete(ctx, key)
}

// cancelAfterCommit cancels the caller's context as soon as a write commits,
// like a client that disconnects right after the store call.
type cancelAfterCommit struct {
	store.Gateway
	cancel context.CancelFunc
}

func (s cancelAfterCommit) CreateCity(ctx context.Context, city models.City, first models.Observation) (models.CityWithObservations, error) {
	defer s.cancel()
	return s.Gateway.CreateCity(ctx, city, first)
}

func (s cancelAfterCommit) DeleteCity(ctx context.Context, id int64) (models.City, error) {
	defer s.cancel()
	return s.Gateway.DeleteCity(ctx, id)
}

func (s cancelAfterCommit) CreateObservation(ctx context.Context, cityID int64, obs models.Observation) (models.Observation, error) {
	defer s.cancel()
	return s.Gateway.CreateObservation(ctx, cityID, obs)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type upstreamCounter struct {
	mu                sync.Mutex
	success, failures int
}

func (u *upstreamCounter) RecordSuccess() { u.mu.Lock(); u.success++; u.mu.Unlock() }
func (u *upstreamCounter) RecordError()   { u.mu.Lock(); u.failures++; u.mu.Unlock() }

type harness struct {
	svc       *CityService
	store     *countingStore
	client    *fakeClient
	cache     *cache.InMemoryCache
	clock     *clockwork.FakeClock
	publisher *recordingPublisher
	upstream  *upstreamCounter
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(baseTime)
	sqlStore, err := store.Open(context.Background(), store.DriverSQLite,
		filepath.Join(t.TempDir(), "cities.db"), store.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })

	h := &harness{
		store:     &countingStore{Gateway: sqlStore, calls: make(map[string]int), fail: make(map[string]error)},
		client:    newFakeClient(clock),
		cache:     cache.NewInMemoryCacheWithClock(clock),
		clock:     clock,
		publisher: &recordingPublisher{},
		upstream:  &upstreamCounter{},
	}
	cfg := Config{CacheTTL: time.Hour, Refresh: RefreshConfig{Concurrency: 2, RetryAttempts: 2}}
	for _, m := range mutate {
		m(&cfg)
	}
	h.svc = NewCityService(h.store, h.client, h.cache, cfg,
		WithClock(clock), WithPublisher(h.publisher), WithUpstreamRecorder(h.upstream))
	return h
}

// seed creates a city through the service using a stubbed upstream response.
func (h *harness) seed(t *testing.T, name string, temp float64) models.CityWithObservations {
	t.Helper()
	h.client.set(name, temp, models.City{CountryCode: ptr("GB"), Latitude: ptr(51.0), Longitude: ptr(-1.0)})
	created, err := h.svc.CreateCity(context.Background(), name, "")
	require.NoError(t, err)
	return created
}

func (h *harness) cached(key string) bool {
	_, ok, _ := h.cache.Get(context.Background(), key)
	return ok
}
