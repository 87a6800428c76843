// Package observability provides Prometheus metrics, health/readiness endpoints,
// structured logging, and OpenTelemetry tracing for the gateway.
package observability

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wheelsondemand/gateway/internal/breaker"
)

const namespace = "apigateway"

// Metrics holds both Prometheus collectors and atomic counters for
// fast-path reads in tests and the admin endpoints.
type Metrics struct {
	requests       int64
	rateLimited    int64
	fallbackServed int64
	retries        int64
	notFound       int64
	storeErrors    int64
	fallbackUsed   int64

	promRequests       *prometheus.CounterVec
	promRateLimited    *prometheus.CounterVec
	promFallbackServed *prometheus.CounterVec
	promRetries        *prometheus.CounterVec
	promNotFound       prometheus.Counter
	promStoreErrors    prometheus.Counter
	promFallbackUsed   prometheus.Counter
	promStoreHealthy   prometheus.Gauge

	promBreakerState       *prometheus.GaugeVec
	promBreakerTransitions *prometheus.CounterVec

	// PromRequestDuration covers the whole filter chain, retries included.
	PromRequestDuration *prometheus.HistogramVec
	// PromUpstreamDuration covers a single forward attempt.
	PromUpstreamDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		promRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total requests handled, by route and final status code.",
		}, []string{"route", "method", "status_code"}),
		promRateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Total requests rejected by the rate limiter.",
		}, []string{"route"}),
		promFallbackServed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_served_total",
			Help:      "Total requests answered by the fallback handler because a circuit was open.",
		}, []string{"route"}),
		promRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total retry attempts scheduled.",
		}, []string{"route"}),
		promNotFound: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_not_found_total",
			Help:      "Total requests that matched no route.",
		}),
		promStoreErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_store_errors_total",
			Help:      "Total errors returned by the shared rate-limit store.",
		}),
		promFallbackUsed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_local_fallback_total",
			Help:      "Total rate-limit decisions taken by the in-memory store while the shared store was down.",
		}),
		promStoreHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ratelimit_store_healthy",
			Help:      "1 when the configured rate-limit store is reachable.",
		}),
		promBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}, []string{"breaker"}),
		promBreakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total circuit breaker state transitions.",
		}, []string{"breaker", "to"}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds, retries and backoff included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "status_code"}),
		PromUpstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_attempt_duration_seconds",
			Help:      "Duration of a single upstream attempt in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// ObserveRequest records the final outcome of one request.
func (m *Metrics) ObserveRequest(route, method string, status int, d time.Duration) {
	atomic.AddInt64(&m.requests, 1)
	code := strconv.Itoa(status)
	m.promRequests.WithLabelValues(route, method, code).Inc()
	m.PromRequestDuration.WithLabelValues(route, code).Observe(d.Seconds())
}

// ObserveUpstream records one forward attempt.
func (m *Metrics) ObserveUpstream(route string, d time.Duration) {
	m.PromUpstreamDuration.WithLabelValues(route).Observe(d.Seconds())
}

// IncRateLimited counts a 429.
func (m *Metrics) IncRateLimited(route string) {
	atomic.AddInt64(&m.rateLimited, 1)
	m.promRateLimited.WithLabelValues(route).Inc()
}

// IncFallbackServed counts a request short-circuited to the fallback.
func (m *Metrics) IncFallbackServed(route string) {
	atomic.AddInt64(&m.fallbackServed, 1)
	m.promFallbackServed.WithLabelValues(route).Inc()
}

// IncRetries counts a scheduled retry.
func (m *Metrics) IncRetries(route string) {
	atomic.AddInt64(&m.retries, 1)
	m.promRetries.WithLabelValues(route).Inc()
}

// IncRouteNotFound counts a 404 from the route table.
func (m *Metrics) IncRouteNotFound() {
	atomic.AddInt64(&m.notFound, 1)
	m.promNotFound.Inc()
}

// IncStoreErrors implements ratelimit.Observer.
func (m *Metrics) IncStoreErrors() {
	atomic.AddInt64(&m.storeErrors, 1)
	m.promStoreErrors.Inc()
}

// IncFallbackUsed implements ratelimit.Observer.
func (m *Metrics) IncFallbackUsed() {
	atomic.AddInt64(&m.fallbackUsed, 1)
	m.promFallbackUsed.Inc()
}

// SetStoreHealthy implements ratelimit.Observer.
func (m *Metrics) SetStoreHealthy(healthy bool) {
	if healthy {
		m.promStoreHealthy.Set(1)
		return
	}
	m.promStoreHealthy.Set(0)
}

// BreakerStateChanged has the breaker.StateChangeFunc signature.
func (m *Metrics) BreakerStateChanged(name string, _, to breaker.State) {
	m.promBreakerState.WithLabelValues(name).Set(float64(to))
	m.promBreakerTransitions.WithLabelValues(name, to.String()).Inc()
}

// RegisterBreaker publishes the initial state of a breaker.
func (m *Metrics) RegisterBreaker(name string, s breaker.State) {
	m.promBreakerState.WithLabelValues(name).Set(float64(s))
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	Requests       int64
	RateLimited    int64
	FallbackServed int64
	Retries        int64
	NotFound       int64
	StoreErrors    int64
	FallbackUsed   int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Requests:       atomic.LoadInt64(&m.requests),
		RateLimited:    atomic.LoadInt64(&m.rateLimited),
		FallbackServed: atomic.LoadInt64(&m.fallbackServed),
		Retries:        atomic.LoadInt64(&m.retries),
		NotFound:       atomic.LoadInt64(&m.notFound),
		StoreErrors:    atomic.LoadInt64(&m.storeErrors),
		FallbackUsed:   atomic.LoadInt64(&m.fallbackUsed),
	}
}
