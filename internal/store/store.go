package store

import (
	"context"
	"errors"
	"time"

	"github.com/kjstillabower/city-weather-service/internal/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Gateway is the persistence boundary for cities and their observations.
// Every method is a single logical operation: it either fully succeeds or
// leaves the store unchanged.
type Gateway interface {
	ListCities(ctx context.Context) ([]models.City, error)
	// ListCitiesWithLatestWeather returns every city with at most one observation,
	// the one with the greatest DataTime. Cities without observations carry an empty slice.
	ListCitiesWithLatestWeather(ctx context.Context) ([]models.CityWithObservations, error)
	FindCityByName(ctx context.Context, name string) (models.City, error)
	// FindCityWithWeatherWindow returns the city and its observations with DataTime >= since.
	FindCityWithWeatherWindow(ctx context.Context, name string, since time.Time) (models.CityWithObservations, error)
	// CreateCity persists the city and its first observation atomically.
	CreateCity(ctx context.Context, city models.City, first models.Observation) (models.CityWithObservations, error)
	// DeleteCity removes the city and its observations, returning the deleted city.
	DeleteCity(ctx context.Context, id int64) (models.City, error)
	CreateObservation(ctx context.Context, cityID int64, obs models.Observation) (models.Observation, error)
	Ping(ctx context.Context) error
	Close() error
}
