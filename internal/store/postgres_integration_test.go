//go:build integration
// +build integration

package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/store"
	"github.com/kjstillabower/city-weather-service/internal/testhelpers"
)

func TestPostgresStore_Lifecycle_Integration(t *testing.T) {
	st := testhelpers.OpenPostgresStore(t, testhelpers.GetIntegrationConfig(t))
	ctx := context.Background()
	name := fmt.Sprintf("Integration City %d", time.Now().UnixNano())
	now := time.Now().UTC().Truncate(time.Second)

	created, err := st.CreateCity(ctx, models.City{Name: name}, models.Observation{Temperature: 12.5, DataTime: now})
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = st.DeleteCity(context.Background(), created.ID) })
	require.Len(t, created.Weather, 1)

	_, err = st.CreateCity(ctx, models.City{Name: name}, models.Observation{Temperature: 1, DataTime: now})
	assert.True(t, errors.Is(err, store.ErrAlreadyExists), "duplicate create error = %v", err)

	_, err = st.CreateObservation(ctx, created.ID, models.Observation{Temperature: 14, DataTime: now.Add(time.Hour)})
	require.NoError(t, err)

	window, err := st.FindCityWithWeatherWindow(ctx, name, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, window.Weather, 2)
	assert.Equal(t, 14.0, window.Weather[1].Temperature)

	_, err = st.DeleteCity(ctx, created.ID)
	require.NoError(t, err)
	_, err = st.FindCityByName(ctx, name)
	assert.True(t, errors.Is(err, store.ErrNotFound), "find after delete error = %v", err)
}
