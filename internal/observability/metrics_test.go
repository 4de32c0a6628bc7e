package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestMetrics_Usable verifies that all Prometheus metrics can be used without
// panic, ensuring label dimensions match usage across client, http, service, and cache packages.
func TestMetrics_Usable(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/cities/{name}/weather", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/cities/{name}/weather").Observe(0.01)
	WeatherAPICallsTotal.WithLabelValues("success").Inc()
	WeatherAPIDuration.WithLabelValues("success").Observe(0.1)
	WeatherAPIErrorsTotal.WithLabelValues("timeout").Inc()
	CacheErrorsTotal.WithLabelValues("get", "connection").Inc()
	CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(0.001)
	RequestCoalescingHitsTotal.WithLabelValues("cities_all").Inc()
	StoreOperationDurationSeconds.WithLabelValues("list_cities", "success").Observe(0.002)
	RefreshRunsTotal.WithLabelValues("completed").Inc()
	RefreshCitiesTotal.WithLabelValues("success").Inc()
	EventsPublishedTotal.WithLabelValues("city.created", "success").Inc()
	UpstreamRecoveryAttemptsTotal.WithLabelValues("failed").Inc()
}

// TestRecordCacheInteraction verifies hits and misses land on separate series per key class.
func TestRecordCacheInteraction(t *testing.T) {
	hits := testutil.ToFloat64(CacheInteractionsTotal.WithLabelValues("city_weather_7d", "hit"))
	misses := testutil.ToFloat64(CacheInteractionsTotal.WithLabelValues("city_weather_7d", "miss"))

	RecordCacheInteraction("city_weather_7d", true)
	RecordCacheInteraction("city_weather_7d", false)
	RecordCacheInteraction("city_weather_7d", false)

	if got := testutil.ToFloat64(CacheInteractionsTotal.WithLabelValues("city_weather_7d", "hit")) - hits; got != 1 {
		t.Errorf("hit delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(CacheInteractionsTotal.WithLabelValues("city_weather_7d", "miss")) - misses; got != 2 {
		t.Errorf("miss delta = %v, want 2", got)
	}
}

func TestRecordCircuitBreakerTransition(t *testing.T) {
	RecordCircuitBreakerTransition("weather_api", "closed", "open")
	if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("weather_api")); got != 1 {
		t.Errorf("state gauge = %v, want 1", got)
	}
	RecordCircuitBreakerTransition("weather_api", "open", "half-open")
	if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("weather_api")); got != 2 {
		t.Errorf("state gauge = %v, want 2", got)
	}
	RecordCircuitBreakerTransition("weather_api", "half-open", "closed")
	if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("weather_api")); got != 0 {
		t.Errorf("state gauge = %v, want 0", got)
	}
}

// TestMetricsHandler_ServesPrometheusFormat verifies that MetricsHandler serves
// Prometheus text exposition format with correct HTTP status and metric output.
func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	RecordCacheInteraction("cities_all", true)
	handler := MetricsHandler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "cacheInteractionsTotal") {
		t.Error("MetricsHandler response should contain cacheInteractionsTotal")
	}
}
