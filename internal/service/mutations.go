package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-service/internal/client"
	"github.com/kjstillabower/city-weather-service/internal/events"
	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/observability"
	"github.com/kjstillabower/city-weather-service/internal/store"
)

// CreateCity looks the city up upstream and persists it with its first
// observation. Nothing is persisted when the upstream lookup fails.
func (s *CityService) CreateCity(ctx context.Context, name, countryCode string) (models.CityWithObservations, error) {
	name = strings.TrimSpace(name)
	countryCode = strings.TrimSpace(countryCode)
	if name == "" {
		return models.CityWithObservations{}, fmt.Errorf("%w: city name is required", ErrInvalidInput)
	}
	logger := s.loggerFor(ctx).With(zap.String("city", name))

	// Bypasses the cache: the duplicate check must see committed state.
	if _, err := s.store.FindCityByName(ctx, name); err == nil {
		return models.CityWithObservations{}, ErrAlreadyExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return models.CityWithObservations{}, s.storeFailure(ctx, "create_city", err, zap.String("city", name))
	}

	current, err := s.client.FetchCurrent(ctx, name, countryCode)
	s.recordUpstream(err)
	if err != nil {
		logger.Warn("upstream lookup failed, city not created",
			zap.String("category", string(client.CategorizeError(err))), zap.Error(err))
		return models.CityWithObservations{}, fmt.Errorf("%w: %s", ErrUpstreamUnavailable, client.CategorizeError(err))
	}
	if current.Observation.DataTime.IsZero() {
		logger.Warn("upstream returned incomplete weather data, city not created")
		return models.CityWithObservations{}, fmt.Errorf("%w: incomplete weather data", ErrUpstreamUnavailable)
	}

	city := models.City{
		Name:        name,
		CountryCode: current.City.CountryCode,
		Latitude:    current.City.Latitude,
		Longitude:   current.City.Longitude,
	}
	created, err := s.store.CreateCity(ctx, city, current.Observation)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			// lost a concurrent create for the same name
			return models.CityWithObservations{}, ErrAlreadyExists
		}
		return models.CityWithObservations{}, s.storeFailure(ctx, "create_city", err, zap.String("city", name))
	}

	postCtx, cancel := afterCommit(ctx)
	defer cancel()
	s.invalidate(postCtx, keyAllCities, keyAllCitiesWithWeather)
	observability.CitiesCreatedTotal.Inc()
	logger.Info("city created", zap.Int64("city_id", created.ID))

	var first *models.Observation
	if len(created.Weather) > 0 {
		first = &created.Weather[0]
	}
	s.publish(postCtx, events.Event{Type: events.TypeCityCreated, CityID: created.ID, CityName: created.Name, Observation: first})
	return created, nil
}

// DeleteCity removes the city and its observations. Deleting an unknown id is
// a successful no-op.
func (s *CityService) DeleteCity(ctx context.Context, id int64) error {
	logger := s.loggerFor(ctx).With(zap.Int64("city_id", id))

	deleted, err := s.store.DeleteCity(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Debug("delete of unknown city, nothing to do")
			return nil
		}
		return s.storeFailure(ctx, "delete_city", err, zap.Int64("city_id", id))
	}

	// The store delete is durable at this point; invalidation is best effort.
	postCtx, cancel := afterCommit(ctx)
	defer cancel()
	s.invalidate(postCtx, keyAllCities, keyAllCitiesWithWeather, cityWeatherKey(deleted.Name))
	observability.CitiesDeletedTotal.Inc()
	logger.Info("city deleted", zap.String("city", deleted.Name))

	s.publish(postCtx, events.Event{Type: events.TypeCityDeleted, CityID: deleted.ID, CityName: deleted.Name})
	return nil
}

func (s *CityService) recordUpstream(err error) {
	if err != nil {
		s.upstream.RecordError()
		return
	}
	s.upstream.RecordSuccess()
}

func (s *CityService) publish(ctx context.Context, event events.Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.clock.Now().UTC()
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.loggerFor(ctx).Warn("event publish failed",
			zap.String("event_type", event.Type), zap.Int64("city_id", event.CityID), zap.Error(err))
	}
}
