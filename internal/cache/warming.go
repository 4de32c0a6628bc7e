package cache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/observability"
)

// CityWeatherReader is implemented by the service layer. Its read goes through
// the cache, so calling it on a cold cache populates the entry.
// Used by CacheWarmer to avoid a circular dependency on the service package.
type CityWeatherReader interface {
	ListCitiesWithWeather(ctx context.Context) ([]models.CityWithObservations, error)
}

// CacheWarmer warms the all-cities-with-weather entry so the first reader after
// startup does not pay the miss.
type CacheWarmer struct {
	reader CityWeatherReader
	logger *zap.Logger
}

// NewCacheWarmer creates a CacheWarmer that uses the given reader and logger.
func NewCacheWarmer(reader CityWeatherReader, logger *zap.Logger) *CacheWarmer {
	return &CacheWarmer{reader: reader, logger: logger}
}

// Warm performs one read-through of the all-cities-with-weather query.
func (w *CacheWarmer) Warm(ctx context.Context) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	cities, err := w.reader.ListCitiesWithWeather(ctx)
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	if err != nil {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", err)
	}
	if w.logger != nil {
		w.logger.Info("cache warming complete", zap.Int("cities", len(cities)), zap.Float64("duration_seconds", duration))
	}
	return nil
}
