package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases, SLO breaches.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// OpenWeatherMap API call rate by status. Watch for: error vs success ratio.
	WeatherAPICallsTotal *prometheus.CounterVec

	// External API latency per request. Watch for: p95 > 2s (upstream degradation).
	WeatherAPIDuration *prometheus.HistogramVec

	// Upstream failures by category (timeout, rate_limited, upstream_5xx, ...).
	WeatherAPIErrorsTotal *prometheus.CounterVec

	// Circuit breaker state per component (0 closed, 1 open, 2 half-open).
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions. Watch for: flapping.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Cache lookups by key class and result (hit|miss). Hit rate = hit/(hit+miss) per keyClass.
	CacheInteractionsTotal *prometheus.CounterVec

	// Cache backend failures by operation. These are absorbed (miss or no-op), never surfaced.
	CacheErrorsTotal *prometheus.CounterVec

	// Cache backend latency by operation and status.
	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Startup warm-ups and their failures.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Misses that waited on another caller's store query instead of issuing their own.
	RequestCoalescingHitsTotal *prometheus.CounterVec

	// Store gateway latency by operation and status.
	StoreOperationDurationSeconds *prometheus.HistogramVec

	// Refresh batches by outcome (completed, skipped, failed).
	RefreshRunsTotal *prometheus.CounterVec

	// Per-city refresh results (success, failed, skipped).
	RefreshCitiesTotal *prometheus.CounterVec

	// Upstream retry attempts issued by the refresh job.
	RefreshRetriesTotal prometheus.Counter

	// Wall time of a complete refresh batch.
	RefreshDurationSeconds prometheus.Histogram

	// Unix time of the last completed refresh batch. Watch for: staleness > 2x interval.
	RefreshLastCompletedTimestamp prometheus.Gauge

	// City lifecycle.
	CitiesCreatedTotal prometheus.Counter
	CitiesDeletedTotal prometheus.Counter

	// Event publishing by type and outcome.
	EventsPublishedTotal *prometheus.CounterVec

	// Upstream recovery probes issued while degraded, by result (recovered, failed, exhausted).
	UpstreamRecoveryAttemptsTotal *prometheus.CounterVec
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of OpenWeatherMap API calls",
		},
		[]string{"status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "OpenWeatherMap API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	WeatherAPIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiErrorsTotal",
			Help: "OpenWeatherMap failures by category",
		},
		[]string{"category"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	CacheInteractionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheInteractionsTotal",
			Help: "Cache lookups by key class and result (hit, miss)",
		},
		[]string{"keyClass", "result"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache backend errors by operation and category; treated as miss or no-op",
		},
		[]string{"operation", "category"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Cache backend latency in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"operation", "status"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Total number of cache warm-up runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Total number of failed cache warm-up runs",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warm-up duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
	RequestCoalescingHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requestCoalescingHitsTotal",
			Help: "Cache misses served by another caller's in-flight store query",
		},
		[]string{"keyClass"},
	)
	StoreOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storeOperationDurationSeconds",
			Help:    "Store gateway latency in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1},
		},
		[]string{"operation", "status"},
	)
	RefreshRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refreshRunsTotal",
			Help: "Scheduled refresh batches by outcome",
		},
		[]string{"outcome"},
	)
	RefreshCitiesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refreshCitiesTotal",
			Help: "Per-city refresh results by outcome",
		},
		[]string{"outcome"},
	)
	RefreshRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "refreshRetriesTotal",
			Help: "Upstream retry attempts issued by the refresh job",
		},
	)
	RefreshDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "refreshDurationSeconds",
			Help:    "Refresh batch duration in seconds",
			Buckets: []float64{.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)
	RefreshLastCompletedTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "refreshLastCompletedTimestampSeconds",
			Help: "Unix time of the last completed refresh batch",
		},
	)
	CitiesCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "citiesCreatedTotal",
			Help: "Total number of cities created",
		},
	)
	CitiesDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "citiesDeletedTotal",
			Help: "Total number of cities deleted",
		},
	)
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventsPublishedTotal",
			Help: "Domain events published by type and outcome",
		},
		[]string{"type", "outcome"},
	)
	UpstreamRecoveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamRecoveryAttemptsTotal",
			Help: "Upstream recovery probes by result",
		},
		[]string{"result"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight, RateLimitDeniedTotal,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIErrorsTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		CacheInteractionsTotal, CacheErrorsTotal, CacheOperationDurationSeconds,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		RequestCoalescingHitsTotal,
		StoreOperationDurationSeconds,
		RefreshRunsTotal, RefreshCitiesTotal, RefreshRetriesTotal, RefreshDurationSeconds, RefreshLastCompletedTimestamp,
		CitiesCreatedTotal, CitiesDeletedTotal,
		EventsPublishedTotal, UpstreamRecoveryAttemptsTotal,
	)
}

// RecordCacheInteraction records a hit or miss for the given key class.
func RecordCacheInteraction(keyClass string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheInteractionsTotal.WithLabelValues(keyClass, result).Inc()
}

// CircuitBreakerStateValue maps a breaker state name to the gauge value.
func CircuitBreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half-open", "half_open":
		return 2
	default:
		return 0
	}
}

// RecordCircuitBreakerTransition records a transition and updates the state gauge.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(CircuitBreakerStateValue(to))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
