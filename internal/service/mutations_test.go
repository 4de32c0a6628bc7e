package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/city-weather-service/internal/client"
	"github.com/kjstillabower/city-weather-service/internal/events"
	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/store"
)

// TestCreateCity_Testville covers the basic create flow: one observation with the
// upstream temperature, visible in the next list-with-weather read.
func TestCreateCity_Testville(t *testing.T) {
	// Arrange: upstream reports 20 degrees for Testville
	h := newHarness(t)
	ctx := context.Background()
	h.client.set("Testville", 20.0, models.City{})

	// Act
	created, err := h.svc.CreateCity(ctx, "Testville", "")

	// Assert: one observation returned and visible to the next list read
	require.NoError(t, err)
	require.Len(t, created.Weather, 1)
	assert.Equal(t, 20.0, created.Weather[0].Temperature)
	assert.True(t, created.Weather[0].DataTime.Equal(baseTime))

	cities, err := h.svc.ListCitiesWithWeather(ctx)
	require.NoError(t, err)
	require.Len(t, cities, 1)
	assert.Equal(t, "Testville", cities[0].Name)
	require.Len(t, cities[0].Weather, 1)
	assert.Equal(t, 20.0, cities[0].Weather[0].Temperature)
}

// TestCreateCity_InvalidatesListKeys verifies a create is visible to readers even
// when both list keys were cached beforehand.
func TestCreateCity_InvalidatesListKeys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "Derby", 10)

	// Arrange: both list keys cached
	_, err := h.svc.ListCities(ctx)
	require.NoError(t, err)
	_, err = h.svc.ListCitiesWithWeather(ctx)
	require.NoError(t, err)
	require.True(t, h.cached(keyAllCities))
	require.True(t, h.cached(keyAllCitiesWithWeather))

	// Act
	h.seed(t, "Exeter", 12)

	// Assert: keys dropped and both reads include the new city
	assert.False(t, h.cached(keyAllCities))
	assert.False(t, h.cached(keyAllCitiesWithWeather))

	withWeather, err := h.svc.ListCitiesWithWeather(ctx)
	require.NoError(t, err)
	assert.Len(t, withWeather, 2)
	cities, err := h.svc.ListCities(ctx)
	require.NoError(t, err)
	assert.Len(t, cities, 2)
}

// TestCreateCity_GeodataRoundTrip verifies stored coordinates and country code are
// exactly what the upstream returned, not what the caller asked for.
func TestCreateCity_GeodataRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.client.set("Paris", 18, models.City{CountryCode: ptr("FR"), Latitude: ptr(48.8534), Longitude: ptr(2.3488)})

	// Act: the caller's country hint disagrees with the provider
	_, err := h.svc.CreateCity(ctx, "Paris", "US")
	require.NoError(t, err)

	// Assert

	stored, err := h.store.Gateway.FindCityByName(ctx, "Paris")
	require.NoError(t, err)
	assert.Equal(t, "FR", *stored.CountryCode)
	assert.Equal(t, 48.8534, *stored.Latitude)
	assert.Equal(t, 2.3488, *stored.Longitude)
}

// TestCreateCity_UpstreamFailureCreatesNothing verifies no city row exists after an
// upstream failure during create.
func TestCreateCity_UpstreamFailureCreatesNothing(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"server error", client.ErrUpstreamFailure},
		{"unknown location", client.ErrLocationNotFound},
		{"incomplete", client.ErrIncompleteResponse},
		{"missing key", client.ErrInvalidAPIKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.client.set("Nowhere", 1, models.City{})
			h.client.failNext("Nowhere", tt.err)

			// Act
			_, err := h.svc.CreateCity(ctx, "Nowhere", "")

			// Assert: mapped to UpstreamUnavailable with nothing persisted or published
			assert.ErrorIs(t, err, ErrUpstreamUnavailable)

			_, err = h.store.Gateway.FindCityByName(ctx, "Nowhere")
			assert.ErrorIs(t, err, store.ErrNotFound)
			assert.Zero(t, h.store.count("CreateCity"))
			assert.Empty(t, h.publisher.types())
			assert.Equal(t, 1, h.upstream.failures)
		})
	}
}

func TestCreateCity_DuplicateSkipsUpstream(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "Rome", 22)

	_, err := h.svc.CreateCity(context.Background(), "Rome", "IT")
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Equal(t, 1, h.client.callCount("Rome"))
}

// TestCreateCity_LostRaceIsAlreadyExists simulates a concurrent create that passed the
// duplicate check first: the store's unique constraint surfaces as AlreadyExists.
func TestCreateCity_LostRaceIsAlreadyExists(t *testing.T) {
	h := newHarness(t)
	h.client.set("Lima", 19, models.City{})
	h.store.failWith("CreateCity", store.ErrAlreadyExists)

	_, err := h.svc.CreateCity(context.Background(), "Lima", "")
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestCreateCity_StoreFailureIsInternal(t *testing.T) {
	h := newHarness(t)
	h.client.set("Kyiv", 8, models.City{})
	h.store.failWith("CreateCity", errors.New("disk I/O error"))

	_, err := h.svc.CreateCity(context.Background(), "Kyiv", "")
	assert.ErrorIs(t, err, ErrInternal)
}

func TestCreateCity_BlankName(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.CreateCity(context.Background(), "   ", "")
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Zero(t, h.store.count("FindCityByName"))
}

func TestCreateCity_CacheFailureDoesNotFailWrite(t *testing.T) {
	h := newHarness(t)
	svc := NewCityService(h.store, h.client, brokenCache{}, Config{}, WithClock(h.clock))
	h.client.set("Turin", 15, models.City{})

	created, err := svc.CreateCity(context.Background(), "Turin", "")
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
}

func TestCreateCity_PublishesEvent(t *testing.T) {
	h := newHarness(t)
	created := h.seed(t, "Bonn", 13)

	require.Equal(t, []string{events.TypeCityCreated}, h.publisher.types())
	e := h.publisher.events[0]
	assert.Equal(t, created.ID, e.CityID)
	require.NotNil(t, e.Observation)
	assert.Equal(t, 13.0, e.Observation.Temperature)
	assert.Equal(t, baseTime, e.OccurredAt)
}

// TestDeleteCity_UnknownIDIsIdempotent verifies that deleting a missing id succeeds
// as a no-op every time, including after a real delete.
func TestDeleteCity_UnknownIDIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.seed(t, "Cork", 9)

	// Act / Assert: the real delete, then repeats and an id that never existed
	require.NoError(t, h.svc.DeleteCity(ctx, created.ID))
	assert.NoError(t, h.svc.DeleteCity(ctx, created.ID))
	assert.NoError(t, h.svc.DeleteCity(ctx, 424242))
	assert.NoError(t, h.svc.DeleteCity(ctx, 424242))

	assert.Equal(t, []string{events.TypeCityCreated, events.TypeCityDeleted}, h.publisher.types())
}

func TestDeleteCity_InvalidatesAllKeysForCity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.seed(t, "Galway", 8)

	_, err := h.svc.ListCities(ctx)
	require.NoError(t, err)
	_, err = h.svc.ListCitiesWithWeather(ctx)
	require.NoError(t, err)
	_, err = h.svc.GetCityWithRecentWeather(ctx, "Galway")
	require.NoError(t, err)

	// Act
	require.NoError(t, h.svc.DeleteCity(ctx, created.ID))

	// Assert: all three keys for the city are gone
	assert.False(t, h.cached(keyAllCities))
	assert.False(t, h.cached(keyAllCitiesWithWeather))
	assert.False(t, h.cached(cityWeatherKey("Galway")))

	_, err = h.svc.GetCityWithRecentWeather(ctx, "Galway")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteCity_CacheFailureStillSucceeds(t *testing.T) {
	h := newHarness(t)
	created := h.seed(t, "Sligo", 6)
	svc := NewCityService(h.store, h.client, brokenCache{}, Config{}, WithClock(h.clock))

	require.NoError(t, svc.DeleteCity(context.Background(), created.ID))
	_, err := h.store.Gateway.FindCityByName(context.Background(), "Sligo")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteCity_StoreFailureIsInternal(t *testing.T) {
	h := newHarness(t)
	h.store.failWith("DeleteCity", errors.New("database is locked"))
	assert.ErrorIs(t, h.svc.DeleteCity(context.Background(), 1), ErrInternal)
}

// TestMutations_CallerCancelAfterCommitStillInvalidates verifies that a write
// whose caller goes away right after the store commit is still visible to the
// next reader, even with a cache backend that rejects done contexts.
func TestMutations_CallerCancelAfterCommitStillInvalidates(t *testing.T) {
	tests := []struct {
		name  string
		write func(ctx context.Context, svc *CityService, derby models.CityWithObservations) error
		want  []string
	}{
		{
			name: "create",
			write: func(ctx context.Context, svc *CityService, _ models.CityWithObservations) error {
				_, err := svc.CreateCity(ctx, "Exeter", "")
				return err
			},
			want: []string{"Derby", "Exeter"},
		},
		{
			name: "delete",
			write: func(ctx context.Context, svc *CityService, derby models.CityWithObservations) error {
				return svc.DeleteCity(ctx, derby.ID)
			},
			want: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange: a primed list entry and a store that cancels the caller on commit
			h := newHarness(t)
			derby := h.seed(t, "Derby", 8)
			h.client.set("Exeter", 11, models.City{CountryCode: ptr("GB")})
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			svc := NewCityService(cancelAfterCommit{Gateway: h.store, cancel: cancel}, h.client,
				ctxCache{Cache: h.cache}, Config{CacheTTL: time.Hour},
				WithClock(h.clock), WithPublisher(h.publisher))
			_, err := svc.ListCities(context.Background())
			require.NoError(t, err)
			require.True(t, h.cached(keyAllCities))

			// Act
			err = tt.write(ctx, svc, derby)

			// Assert: the write succeeded and the next reader sees it
			require.NoError(t, err)
			require.Error(t, ctx.Err())
			assert.False(t, h.cached(keyAllCities))
			cities, err := svc.ListCities(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, cityNames(cities))
		})
	}
}

func TestRunScheduledRefresh_CancelAfterCommitStillInvalidates(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "Derby", 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := NewCityService(cancelAfterCommit{Gateway: h.store, cancel: cancel}, h.client,
		ctxCache{Cache: h.cache}, Config{CacheTTL: time.Hour}, WithClock(h.clock))
	_, err := svc.GetCityWithRecentWeather(context.Background(), "Derby")
	require.NoError(t, err)
	require.True(t, h.cached(cityWeatherKey("Derby")))

	h.clock.Advance(time.Minute)
	svc.RunScheduledRefresh(ctx)

	got, err := svc.GetCityWithRecentWeather(context.Background(), "Derby")
	require.NoError(t, err)
	assert.Len(t, got.Weather, 2)
}
