package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-service/internal/client"
	"github.com/kjstillabower/city-weather-service/internal/events"
	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/observability"
)

// RunScheduledRefresh fetches a new observation for every city. Per-city
// failures are logged and never abort the batch. An invocation that overlaps a
// running batch is skipped.
func (s *CityService) RunScheduledRefresh(ctx context.Context) {
	if !s.refreshing.CompareAndSwap(false, true) {
		observability.RefreshRunsTotal.WithLabelValues("skipped").Inc()
		s.logger.Warn("refresh already in progress, skipping")
		return
	}
	defer s.refreshing.Store(false)

	if s.refresh.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.refresh.Timeout)
		defer cancel()
	}

	start := time.Now()
	logger := s.logger.With(zap.String("job", "refresh"))

	// Same read-through path as any other reader.
	cities, err := s.ListCities(ctx)
	if err != nil {
		observability.RefreshRunsTotal.WithLabelValues("failed").Inc()
		logger.Error("refresh could not load cities", zap.Error(err))
		return
	}

	var succeeded, failed, skipped atomic.Int64
	sem := make(chan struct{}, s.refresh.Concurrency)
	var wg sync.WaitGroup

dispatch:
	for i, city := range cities {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			skipped.Add(int64(len(cities) - i))
			break dispatch
		}
		wg.Add(1)
		go func(city models.City) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.refreshCity(ctx, city); err != nil {
				failed.Add(1)
				logger.Warn("city refresh failed",
					zap.String("city", city.Name),
					zap.String("category", string(client.CategorizeError(err))),
					zap.Error(err))
				return
			}
			succeeded.Add(1)
		}(city)
	}
	wg.Wait()

	// Invalidate the shared key once, after every city has settled, then warm it.
	postCtx, cancel := afterCommit(ctx)
	s.invalidate(postCtx, keyAllCitiesWithWeather)
	cancel()
	if _, err := s.ListCitiesWithWeather(ctx); err != nil {
		logger.Warn("cache warm-up after refresh failed", zap.Error(err))
	}

	observability.RefreshCitiesTotal.WithLabelValues("success").Add(float64(succeeded.Load()))
	observability.RefreshCitiesTotal.WithLabelValues("failed").Add(float64(failed.Load()))
	observability.RefreshCitiesTotal.WithLabelValues("skipped").Add(float64(skipped.Load()))
	observability.RefreshRunsTotal.WithLabelValues("completed").Inc()
	observability.RefreshDurationSeconds.Observe(time.Since(start).Seconds())
	observability.RefreshLastCompletedTimestamp.Set(float64(s.clock.Now().Unix()))

	logger.Info("refresh completed",
		zap.Int("cities", len(cities)),
		zap.Int64("succeeded", succeeded.Load()),
		zap.Int64("failed", failed.Load()),
		zap.Int64("skipped", skipped.Load()),
		zap.Duration("duration", time.Since(start)))
}

// RefreshInProgress reports whether a refresh batch is currently running.
func (s *CityService) RefreshInProgress() bool {
	return s.refreshing.Load()
}

func (s *CityService) refreshCity(ctx context.Context, city models.City) error {
	countryCode := ""
	if city.CountryCode != nil {
		countryCode = *city.CountryCode
	}

	current, err := s.fetchWithRetry(ctx, city.Name, countryCode)
	if err != nil {
		return err
	}

	obs, err := s.store.CreateObservation(ctx, city.ID, current.Observation)
	if err != nil {
		return fmt.Errorf("store observation: %w", err)
	}
	postCtx, cancel := afterCommit(ctx)
	defer cancel()
	s.invalidate(postCtx, cityWeatherKey(city.Name))
	s.publish(postCtx, events.Event{Type: events.TypeObservationRecorded, CityID: city.ID, CityName: city.Name, Observation: &obs})
	return nil
}

// fetchWithRetry retries retryable upstream failures with exponential backoff.
// Permanent failures return after the first attempt.
func (s *CityService) fetchWithRetry(ctx context.Context, name, countryCode string) (client.CurrentWeather, error) {
	var current client.CurrentWeather
	operation := func() error {
		var err error
		current, err = s.client.FetchCurrent(ctx, name, countryCode)
		s.recordUpstream(err)
		if err != nil && !client.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(error, time.Duration) {
		observability.RefreshRetriesTotal.Inc()
	}

	if err := backoff.RetryNotifyWithTimer(operation, s.retryPolicy(ctx), notify, &clockTimer{clock: s.clock}); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && err == ctxErr {
			return client.CurrentWeather{}, fmt.Errorf("retry %s: %w", name, err)
		}
		return client.CurrentWeather{}, err
	}
	return current, nil
}

// retryPolicy doubles the delay from the base up to the max delay with 10%
// jitter, allows RetryAttempts retries and stops when ctx is done. A zero base
// delay retries immediately.
func (s *CityService) retryPolicy(ctx context.Context) backoff.BackOffContext {
	var policy backoff.BackOff = &backoff.ZeroBackOff{}
	if s.refresh.RetryBaseDelay > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = s.refresh.RetryBaseDelay
		exp.RandomizationFactor = 0.1
		exp.Multiplier = 2
		if s.refresh.RetryMaxDelay > 0 {
			exp.MaxInterval = s.refresh.RetryMaxDelay
		}
		exp.MaxElapsedTime = 0
		exp.Clock = s.clock
		exp.Reset()
		policy = exp
	}
	retries := s.refresh.RetryAttempts
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx)
}

// clockTimer drives backoff waits from the service clock.
type clockTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.Chan()
}
