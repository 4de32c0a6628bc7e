package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/city-weather-service/internal/observability"
)

// RouterConfig carries the request-layer settings.
type RouterConfig struct {
	RequestTimeout time.Duration
	Limiter        *rate.Limiter // nil disables rate limiting
	InFlight       *InFlightTracker
	TestingMode    bool
}

// NewRouter wires the city routes, health, metrics and (in testing mode) /test actions.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) *mux.Router {
	if cfg.InFlight == nil {
		cfg.InFlight = &InFlightTracker{}
	}

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.Use(InFlightMiddleware(cfg.InFlight))
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	cities := router.PathPrefix("/cities").Subrouter()
	cities.Use(RateLimitMiddleware(cfg.Limiter))
	if cfg.RequestTimeout > 0 {
		cities.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	cities.HandleFunc("", h.ListCities).Methods(http.MethodGet)
	cities.HandleFunc("", h.CreateCity).Methods(http.MethodPost)
	cities.HandleFunc("/weather", h.ListCitiesWithWeather).Methods(http.MethodGet)
	cities.HandleFunc("/{name}/weather", h.GetCityWeather).Methods(http.MethodGet)
	cities.HandleFunc("/{id:[0-9]+}", h.DeleteCity).Methods(http.MethodDelete)

	if cfg.TestingMode {
		logger.Warn("testing mode enabled; /test endpoints exposed")
		router.HandleFunc("/test/{action}", h.PostTestAction).Methods(http.MethodPost)
	}
	return router
}
