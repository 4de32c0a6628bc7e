package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/observability"
)

// WeatherClient fetches the current observation and geodata for a city.
// It performs no retries; retry policy belongs to the caller.
type WeatherClient interface {
	FetchCurrent(ctx context.Context, cityName, countryCode string) (CurrentWeather, error)
	ValidateAPIKey(ctx context.Context) error
}

// CurrentWeather is the normalized upstream response: the city's geodata as
// reported by the provider plus one observation.
type CurrentWeather struct {
	City        models.City
	Observation models.Observation
}

var (
	ErrInvalidAPIKey      = errors.New("invalid API key")
	ErrLocationNotFound   = errors.New("location not found")
	ErrUpstreamFailure    = errors.New("upstream failure")
	ErrRateLimited        = errors.New("rate limited")
	ErrIncompleteResponse = errors.New("incomplete upstream response")
	ErrCircuitOpen        = errors.New("circuit breaker open")
)

type OpenWeatherClient struct {
	apiKey  string
	apiURL  string
	timeout time.Duration
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewOpenWeatherClient creates a client for the OpenWeatherMap current-weather endpoint.
// An empty apiKey is accepted; every call then fails with ErrInvalidAPIKey.
func NewOpenWeatherClient(apiKey, apiURL string, timeout time.Duration) (*OpenWeatherClient, error) {
	if _, err := url.Parse(apiURL); err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	return &OpenWeatherClient{
		apiKey:  strings.TrimSpace(apiKey),
		apiURL:  apiURL,
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// BreakerConfig holds circuit breaker parameters.
type BreakerConfig struct {
	FailureThreshold int
	Timeout          time.Duration
	Component        string
}

// EnableCircuitBreaker wraps upstream calls in a breaker that opens after
// FailureThreshold consecutive transport, 429 or 5xx failures. 401/404 and
// incomplete responses do not count toward opening it.
func (c *OpenWeatherClient) EnableCircuitBreaker(cfg BreakerConfig) {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Component == "" {
		cfg.Component = "weather_api"
	}
	threshold := uint32(cfg.FailureThreshold)
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Component,
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.RecordCircuitBreakerTransition(name, from.String(), to.String())
		},
	})
	observability.CircuitBreakerState.WithLabelValues(cfg.Component).Set(0)
}

type openWeatherResponse struct {
	Coord *struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
	} `json:"coord"`
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
	Main *struct {
		Temp      *float64 `json:"temp"`
		FeelsLike *float64 `json:"feels_like"`
		Pressure  *int     `json:"pressure"`
		Humidity  *int     `json:"humidity"`
	} `json:"main"`
	Visibility *int `json:"visibility"`
	Wind       *struct {
		Speed *float64 `json:"speed"`
	} `json:"wind"`
	Dt  *int64 `json:"dt"`
	Sys *struct {
		Country *string `json:"country"`
		Sunrise *int64  `json:"sunrise"`
		Sunset  *int64  `json:"sunset"`
	} `json:"sys"`
	Name string `json:"name"`
}

// FetchCurrent queries the provider for cityName (optionally qualified by
// countryCode) and maps the response into a City and an Observation.
func (c *OpenWeatherClient) FetchCurrent(ctx context.Context, cityName, countryCode string) (CurrentWeather, error) {
	if c.apiKey == "" {
		observability.WeatherAPIErrorsTotal.WithLabelValues(string(ErrorCategoryInvalidAPIKey)).Inc()
		return CurrentWeather{}, fmt.Errorf("%w: API key is not configured", ErrInvalidAPIKey)
	}

	result, err := c.execute(ctx, cityName, countryCode)
	if err != nil {
		observability.WeatherAPIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
		return CurrentWeather{}, err
	}
	return result, nil
}

// execute runs callAPI through the circuit breaker when one is configured.
func (c *OpenWeatherClient) execute(ctx context.Context, cityName, countryCode string) (CurrentWeather, error) {
	if c.breaker == nil {
		return c.callAPI(ctx, cityName, countryCode)
	}

	var result CurrentWeather
	var callErr error
	_, err := c.breaker.Execute(func() (interface{}, error) {
		result, callErr = c.callAPI(ctx, cityName, countryCode)
		if callErr != nil && countsAsBreakerFailure(callErr) {
			return nil, callErr
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return CurrentWeather{}, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	if callErr != nil {
		return CurrentWeather{}, callErr
	}
	return result, nil
}

func countsAsBreakerFailure(err error) bool {
	switch {
	case errors.Is(err, ErrLocationNotFound), errors.Is(err, ErrInvalidAPIKey), errors.Is(err, ErrIncompleteResponse):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func (c *OpenWeatherClient) callAPI(ctx context.Context, cityName, countryCode string) (CurrentWeather, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, cityName, countryCode)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		return CurrentWeather{}, fmt.Errorf("build request: %w", err)
	}

	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		observability.WeatherAPIDuration.WithLabelValues("error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return CurrentWeather{}, fmt.Errorf("request timeout: %w", err)
		}
		return CurrentWeather{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(duration)

	if err := handleErrorResponse(resp); err != nil {
		return CurrentWeather{}, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CurrentWeather{}, fmt.Errorf("read response body: %w", err)
	}

	var apiResp openWeatherResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return CurrentWeather{}, fmt.Errorf("parse response: %w", err)
	}

	return mapResponse(apiResp, cityName)
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, cityName, countryCode string) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	q := cityName
	if cc := strings.TrimSpace(countryCode); cc != "" {
		q = cityName + "," + cc
	}

	params := url.Values{}
	params.Set("q", q)
	params.Set("appid", c.apiKey)
	params.Set("units", "metric")
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	return req, nil
}

func handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: rejected by upstream", ErrInvalidAPIKey)
	case http.StatusNotFound:
		return fmt.Errorf("%w", ErrLocationNotFound)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	return nil
}

// mapResponse flattens the provider's main/wind/weather/sys substructures.
// Absent optional fields stay nil; a missing temperature or timestamp is an error.
func mapResponse(apiResp openWeatherResponse, requested string) (CurrentWeather, error) {
	if apiResp.Main == nil || apiResp.Main.Temp == nil {
		return CurrentWeather{}, fmt.Errorf("%w: missing main.temp", ErrIncompleteResponse)
	}
	if apiResp.Dt == nil {
		return CurrentWeather{}, fmt.Errorf("%w: missing dt", ErrIncompleteResponse)
	}

	obs := models.Observation{
		Temperature: *apiResp.Main.Temp,
		FeelsLike:   apiResp.Main.FeelsLike,
		Pressure:    apiResp.Main.Pressure,
		Humidity:    apiResp.Main.Humidity,
		Visibility:  apiResp.Visibility,
		DataTime:    time.Unix(*apiResp.Dt, 0).UTC(),
	}
	if apiResp.Wind != nil {
		obs.WindSpeed = apiResp.Wind.Speed
	}
	if len(apiResp.Weather) > 0 && apiResp.Weather[0].Description != "" {
		desc := apiResp.Weather[0].Description
		obs.Description = &desc
	}

	name := apiResp.Name
	if name == "" {
		name = requested
	}
	city := models.City{Name: name}
	if apiResp.Coord != nil {
		city.Latitude = apiResp.Coord.Lat
		city.Longitude = apiResp.Coord.Lon
	}
	if apiResp.Sys != nil {
		if apiResp.Sys.Country != nil && *apiResp.Sys.Country != "" {
			city.CountryCode = apiResp.Sys.Country
		}
		obs.Sunrise = apiResp.Sys.Sunrise
		obs.Sunset = apiResp.Sys.Sunset
	}

	return CurrentWeather{City: city, Observation: obs}, nil
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// ValidateAPIKey issues a probe request and reports whether the key is accepted.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	if c.apiKey == "" {
		return fmt.Errorf("%w: API key is not configured", ErrInvalidAPIKey)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := c.buildRequest(ctx, "London", "GB")
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("validation failed: HTTP %d", resp.StatusCode)
	}

	return nil
}
