package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/city-weather-service/internal/lifecycle"
	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/observability"
)

func TestMiddleware_CorrelationIDGenerated(t *testing.T) {
	router := newTestRouter(t, &fakeCityService{cities: []models.City{}}, nil, nil)

	w := serve(router, http.MethodGet, "/cities", "")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Header().Get("X-Correlation-ID") == "" {
		t.Error("X-Correlation-ID header missing")
	}
}

func TestMiddleware_CorrelationIDPropagated(t *testing.T) {
	var seen string
	var loggerSet bool
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		seen = observability.CorrelationID(r.Context())
		loggerSet = observability.LoggerFromContext(r.Context(), nil) != nil
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Correlation-ID", "test-corr-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Correlation-ID"); got != "test-corr-123" {
		t.Errorf("X-Correlation-ID = %q, want test-corr-123", got)
	}
	if seen != "test-corr-123" {
		t.Errorf("context correlation id = %q, want test-corr-123", seen)
	}
	if !loggerSet {
		t.Error("request logger not stored in context")
	}
}

func TestMiddleware_MetricsUseRouteTemplate(t *testing.T) {
	router := newTestRouter(t, &fakeCityService{}, nil, nil)
	before := testutil.ToFloat64(observability.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/cities/{name}/weather", "4xx"))

	serve(router, http.MethodGet, "/cities/Nowhere/weather", "")
	serve(router, http.MethodGet, "/cities/Elsewhere/weather", "")

	after := testutil.ToFloat64(observability.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/cities/{name}/weather", "4xx"))
	if after-before != 2 {
		t.Errorf("templated route counter delta = %v, want 2", after-before)
	}
}

func TestMiddleware_GetRouteUnmatched(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	if got := getRoute(req); got != "unmatched" {
		t.Errorf("getRoute = %q, want unmatched", got)
	}
}

func TestStatusCodeString(t *testing.T) {
	tests := map[int]string{200: "2xx", 204: "2xx", 404: "4xx", 503: "5xx"}
	for code, want := range tests {
		if got := statusCodeString(code); got != want {
			t.Errorf("statusCodeString(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestTimeoutMiddleware_CancelsContextAfterTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	svc := &fakeCityService{block: block}
	lifecycle.SetPhase(lifecycle.PhaseServing)
	defer lifecycle.SetPhase(lifecycle.PhaseStarting)

	h := NewHandler(svc, nil, nil, zap.NewNop())
	router := NewRouter(h, RouterConfig{RequestTimeout: 50 * time.Millisecond}, zap.NewNop())

	w := serve(router, http.MethodGet, "/cities", "")

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d (deadline should abort the read)", w.Code, http.StatusInternalServerError)
	}
}

func TestRateLimitMiddleware_Returns429WhenExceeded(t *testing.T) {
	before := testutil.ToFloat64(observability.RateLimitDeniedTotal)
	h := NewHandler(&fakeCityService{cities: []models.City{}}, nil, nil, zap.NewNop())
	router := NewRouter(h, RouterConfig{Limiter: rate.NewLimiter(1, 2)}, zap.NewNop())

	for i := 0; i < 3; i++ {
		w := serve(router, http.MethodGet, "/cities", "")
		if i < 2 {
			if w.Code != http.StatusOK {
				t.Errorf("request %d: status = %d, want 200", i, w.Code)
			}
			continue
		}
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("request %d: status = %d, want 429", i, w.Code)
		}
		body := decodeError(t, w)
		if body.Error.Code != "RATE_LIMITED" {
			t.Errorf("error.code = %q, want RATE_LIMITED", body.Error.Code)
		}
		if body.Error.RequestID == "" {
			t.Error("429 response missing requestId")
		}
	}
	if got := testutil.ToFloat64(observability.RateLimitDeniedTotal) - before; got != 1 {
		t.Errorf("rate limit denials = %v, want 1", got)
	}

	// Health sits outside the limited subrouter.
	if w := serve(router, http.MethodGet, "/health", ""); w.Code == http.StatusTooManyRequests {
		t.Error("/health was rate limited")
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	h := NewHandler(&fakeCityService{cities: []models.City{}}, nil, nil, zap.NewNop())
	router := NewRouter(h, RouterConfig{}, zap.NewNop())

	for i := 0; i < 20; i++ {
		if w := serve(router, http.MethodGet, "/cities", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, w.Code)
		}
	}
}

func TestInFlightMiddleware_CountsDuringRequest(t *testing.T) {
	tracker := &InFlightTracker{}
	var during int64
	handler := InFlightMiddleware(tracker)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = tracker.Count()
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/cities", nil))

	if during != 1 {
		t.Errorf("count during request = %d, want 1", during)
	}
	if got := tracker.Count(); got != 0 {
		t.Errorf("count after request = %d, want 0", got)
	}
}

func TestRouter_TestRoutesOnlyInTestingMode(t *testing.T) {
	h := NewHandler(&fakeCityService{}, nil, &fakeRefresher{accept: true}, zap.NewNop())
	router := NewRouter(h, RouterConfig{TestingMode: false}, zap.NewNop())

	if w := serve(router, http.MethodPost, "/test/refresh", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 with testing mode off", w.Code)
	}
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	h := NewHandler(&fakeCityService{}, nil, nil, zap.NewNop())
	router := NewRouter(h, RouterConfig{}, zap.NewNop())

	w := serve(router, http.MethodGet, "/metrics", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestRouter_RequestContextHasDeadline(t *testing.T) {
	var hasDeadline bool
	router := mux.NewRouter()
	router.Use(TimeoutMiddleware(time.Second))
	router.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ping", nil))

	if !hasDeadline {
		t.Error("request context has no deadline")
	}
}
