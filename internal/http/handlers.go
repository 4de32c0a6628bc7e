package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-service/internal/lifecycle"
	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/observability"
	"github.com/kjstillabower/city-weather-service/internal/service"
	"github.com/kjstillabower/city-weather-service/internal/validation"
)

// CityService is the request layer's view of service.CityService.
type CityService interface {
	ListCities(ctx context.Context) ([]models.City, error)
	ListCitiesWithWeather(ctx context.Context) ([]models.CityWithObservations, error)
	GetCityWithRecentWeather(ctx context.Context, name string) (models.CityWithObservations, error)
	CreateCity(ctx context.Context, name, countryCode string) (models.CityWithObservations, error)
	DeleteCity(ctx context.Context, id int64) error
}

// RefreshTrigger starts an on-demand refresh batch (scheduler.Scheduler).
type RefreshTrigger interface {
	Trigger() bool
	Running() bool
}

// ErrorRater reports upstream outcomes over a window (traffic.Tracker).
type ErrorRater interface {
	ErrorRate(window time.Duration) (errors, total int)
	Reset()
}

// HealthConfig holds the health handler's dependencies and thresholds.
type HealthConfig struct {
	UpstreamWindow   time.Duration
	UpstreamErrorPct int
	Upstream         ErrorRater
	// StorePing is required; CachePing is set only for shared cache backends.
	StorePing func(ctx context.Context) error
	CachePing func(ctx context.Context) error
	// OnUpstreamDegraded, when set, is called each time the upstream error rate
	// breaches the threshold (degraded.Recovery.Notify).
	OnUpstreamDegraded func()
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	cities           CityService
	healthConfig     *HealthConfig
	refresher        RefreshTrigger
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. refresher may be nil when testing mode is off.
func NewHandler(cities CityService, healthConfig *HealthConfig, refresher RefreshTrigger, logger *zap.Logger) *Handler {
	return &Handler{
		cities:       cities,
		healthConfig: healthConfig,
		refresher:    refresher,
		logger:       logger,
	}
}

// ListCities handles GET /cities.
func (h *Handler) ListCities(w http.ResponseWriter, r *http.Request) {
	cities, err := h.cities.ListCities(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cities)
}

// ListCitiesWithWeather handles GET /cities/weather.
func (h *Handler) ListCitiesWithWeather(w http.ResponseWriter, r *http.Request) {
	cities, err := h.cities.ListCitiesWithWeather(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cities)
}

// GetCityWeather handles GET /cities/{name}/weather.
func (h *Handler) GetCityWeather(w http.ResponseWriter, r *http.Request) {
	name, err := validation.ValidateCityName(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", err.Error())
		return
	}
	city, err := h.cities.GetCityWithRecentWeather(r.Context(), name)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, city)
}

// CreateCity handles POST /cities with body {"name", "countryCode"}.
func (h *Handler) CreateCity(w http.ResponseWriter, r *http.Request) {
	var body validation.CreateCityInput
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "request body must be a JSON object")
		return
	}
	input, err := validation.ValidateCreateCity(body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", err.Error())
		return
	}

	created, err := h.cities.CreateCity(r.Context(), input.Name, input.CountryCode)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// DeleteCity handles DELETE /cities/{id}. Unknown ids also return 204.
func (h *Handler) DeleteCity(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, "INVALID_ID", "city id must be a positive integer")
		return
	}
	if err := h.cities.DeleteCity(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	checks     map[string]string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   observability.ServiceName,
		"version":   "dev",
		"checks":    result.checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates, in order: lifecycle phase, store reachability,
// upstream error rate. Cache reachability is reported but never degrades the
// service, since cache failures fall back to the store.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	switch lifecycle.CurrentPhase() {
	case lifecycle.PhaseShuttingDown:
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal", map[string]string{}}
	case lifecycle.PhaseStarting:
		return healthResult{"starting", http.StatusServiceUnavailable, "startup", map[string]string{}}
	}
	checks := map[string]string{"store": "healthy", "weatherApi": "healthy"}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, "", checks}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if h.healthConfig.CachePing != nil {
		checks["cache"] = "healthy"
		if err := h.healthConfig.CachePing(pingCtx); err != nil {
			checks["cache"] = "unhealthy"
		}
	}

	result := healthResult{"healthy", http.StatusOK, "", checks}
	if h.healthConfig.Upstream != nil && h.healthConfig.UpstreamWindow > 0 && h.healthConfig.UpstreamErrorPct > 0 {
		errCount, total := h.healthConfig.Upstream.ErrorRate(h.healthConfig.UpstreamWindow)
		if total > 0 && float64(errCount)*100/float64(total) >= float64(h.healthConfig.UpstreamErrorPct) {
			checks["weatherApi"] = "unhealthy"
			result = healthResult{"degraded", http.StatusServiceUnavailable, "upstream_error_rate", checks}
			if h.healthConfig.OnUpstreamDegraded != nil {
				h.healthConfig.OnUpstreamDegraded()
			}
		}
	}
	if h.healthConfig.StorePing != nil {
		if err := h.healthConfig.StorePing(pingCtx); err != nil {
			checks["store"] = "unhealthy"
			result = healthResult{"degraded", http.StatusServiceUnavailable, "store_unreachable", checks}
		}
	}
	return result
}

// PostTestAction handles POST /test/{action} for refresh, reset and shutdown.
func (h *Handler) PostTestAction(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	switch action {
	case "refresh":
		h.postTestRefresh(w, r)
	case "reset":
		h.postTestReset(w, r)
	case "shutdown":
		h.postTestShutdown(w, r)
	default:
		writeError(w, r, http.StatusNotFound, "UNKNOWN_ACTION", "unknown test action: "+action)
	}
}

// postTestRefresh starts a refresh batch in the background. Returns 409 when one is already running.
func (h *Handler) postTestRefresh(w http.ResponseWriter, r *http.Request) {
	if h.refresher == nil {
		writeError(w, r, http.StatusNotFound, "UNKNOWN_ACTION", "refresh is not available")
		return
	}
	if !h.refresher.Trigger() {
		writeError(w, r, http.StatusConflict, "REFRESH_IN_PROGRESS", "a refresh batch is already running")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"ok":      true,
		"action":  "refresh",
		"message": "Refresh batch started",
	})
}

// postTestReset clears upstream outcome tracking and the shutdown flag.
func (h *Handler) postTestReset(w http.ResponseWriter, r *http.Request) {
	if h.healthConfig != nil && h.healthConfig.Upstream != nil {
		h.healthConfig.Upstream.Reset()
	}
	lifecycle.SetShuttingDown(false)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "reset",
		"message": "All simulated state cleared",
	})
}

// postTestShutdown sets the shutdown flag; health then reports shutting-down.
func (h *Handler) postTestShutdown(w http.ResponseWriter, r *http.Request) {
	lifecycle.SetShuttingDown(true)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "shutdown",
		"message": "Shutting-down flag set",
	})
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// writeServiceError maps service errors to status codes. Internal detail is never
// written to the response; the service has already logged it.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "CITY_NOT_FOUND", "City not found")
	case errors.Is(err, service.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "CITY_EXISTS", "City already exists")
	case errors.Is(err, service.ErrUpstreamUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Could not fetch weather or geographical data; city not created")
	case errors.Is(err, service.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", "Invalid city")
	default:
		observability.LoggerFromContext(r.Context(), zap.NewNop()).Debug("request failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}
