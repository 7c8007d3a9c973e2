package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	relayMetricsOnce sync.Once
	relayRegistry    *RelayMetrics

	poolMetricsOnce sync.Once
	poolRegistry    *PoolMetrics

	chainMetricsOnce sync.Once
	chainRegistry    *ChainMetrics

	guardMetricsOnce sync.Once
	guardRegistry    *GuardMetrics

	auditMetricsOnce sync.Once
	auditRegistry    *AuditMetrics
)

// RelayMetrics captures metrics for the quote and submit pipelines.
type RelayMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	errors   *prometheus.CounterVec
	attempts prometheus.Histogram
}

// Relay returns the singleton metrics registry for relay operations.
func Relay() *RelayMetrics {
	relayMetricsOnce.Do(func() {
		relayRegistry = &RelayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gasrelay",
				Subsystem: "relay",
				Name:      "requests_total",
				Help:      "Count of relay operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "gasrelay",
				Subsystem: "relay",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for relay operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gasrelay",
				Subsystem: "relay",
				Name:      "errors_total",
				Help:      "Count of relay failures segmented by operation and code.",
			}, []string{"operation", "code"}),
			attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "gasrelay",
				Subsystem: "relay",
				Name:      "send_attempts",
				Help:      "Distribution of send attempts per successful submit.",
				Buckets:   []float64{1, 2, 3, 4},
			}),
		}
		prometheus.MustRegister(
			relayRegistry.requests,
			relayRegistry.latency,
			relayRegistry.errors,
			relayRegistry.attempts,
		)
	})
	return relayRegistry
}

// Observe records the outcome of a relay operation. The code should be the
// stable error code written to the response, or empty on success.
func (m *RelayMetrics) Observe(operation string, duration time.Duration, code string) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if code != "" {
		outcome = "error"
		m.errors.WithLabelValues(op, code).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordAttempts tracks how many send attempts a successful submit required.
func (m *RelayMetrics) RecordAttempts(attempts int) {
	if m == nil || attempts <= 0 {
		return
	}
	m.attempts.Observe(float64(attempts))
}

// PoolMetrics wraps collectors tracking fee-payer pool health.
type PoolMetrics struct {
	reservations  prometheus.Gauge
	balance       *prometheus.GaugeVec
	rejections    *prometheus.CounterVec
	breakerState  prometheus.Gauge
	payerHealth   *prometheus.GaugeVec
	refreshErrors prometheus.Counter
}

// Pool exposes the metrics registry for the fee-payer pool.
func Pool() *PoolMetrics {
	poolMetricsOnce.Do(func() {
		poolRegistry = &PoolMetrics{
			reservations: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "gasrelay",
				Subsystem: "pool",
				Name:      "reservations",
				Help:      "Number of live lamport reservations across all payers.",
			}),
			balance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "gasrelay",
				Subsystem: "pool",
				Name:      "payer_balance_lamports",
				Help:      "Last observed lamport balance per fee payer.",
			}, []string{"payer"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gasrelay",
				Subsystem: "pool",
				Name:      "rejections_total",
				Help:      "Count of refused reservations segmented by reason.",
			}, []string{"reason"}),
			breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "gasrelay",
				Subsystem: "pool",
				Name:      "breaker_open",
				Help:      "Indicates whether the pool circuit breaker is open (1) or closed (0).",
			}),
			payerHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "gasrelay",
				Subsystem: "pool",
				Name:      "payer_healthy",
				Help:      "Reservability of each payer (1 reservable, 0 not).",
			}, []string{"payer"}),
			refreshErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "gasrelay",
				Subsystem: "pool",
				Name:      "refresh_errors_total",
				Help:      "Count of failed balance refresh cycles.",
			}),
		}
		prometheus.MustRegister(
			poolRegistry.reservations,
			poolRegistry.balance,
			poolRegistry.rejections,
			poolRegistry.breakerState,
			poolRegistry.payerHealth,
			poolRegistry.refreshErrors,
		)
	})
	return poolRegistry
}

// SetReservations updates the live reservation gauge.
func (m *PoolMetrics) SetReservations(count int) {
	if m == nil {
		return
	}
	m.reservations.Set(float64(count))
}

// RecordBalance updates the observed balance gauge for a payer.
func (m *PoolMetrics) RecordBalance(payer string, lamports uint64) {
	if m == nil {
		return
	}
	m.balance.WithLabelValues(labelKey(payer)).Set(float64(lamports))
}

// RecordRejection increments the rejection counter for the supplied reason.
func (m *PoolMetrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.rejections.WithLabelValues(reason).Inc()
}

// SetBreaker toggles the breaker_open gauge.
func (m *PoolMetrics) SetBreaker(open bool) {
	if m == nil {
		return
	}
	if open {
		m.breakerState.Set(1)
		return
	}
	m.breakerState.Set(0)
}

// SetPayerHealth records whether a payer is currently reservable.
func (m *PoolMetrics) SetPayerHealth(payer string, reservable bool) {
	if m == nil {
		return
	}
	v := 0.0
	if reservable {
		v = 1
	}
	m.payerHealth.WithLabelValues(labelKey(payer)).Set(v)
}

// RecordRefreshError counts a failed balance refresh cycle.
func (m *PoolMetrics) RecordRefreshError() {
	if m == nil {
		return
	}
	m.refreshErrors.Inc()
}

// ChainMetrics bundles collectors for the chain adapter endpoints.
type ChainMetrics struct {
	calls    *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	breakers *prometheus.GaugeVec
	backoffs *prometheus.CounterVec
}

// Chain returns the metrics registry for chain RPC activity.
func Chain() *ChainMetrics {
	chainMetricsOnce.Do(func() {
		chainRegistry = &ChainMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gasrelay",
				Subsystem: "chain",
				Name:      "calls_total",
				Help:      "Count of chain RPC calls segmented by endpoint, method, and outcome.",
			}, []string{"endpoint", "method", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "gasrelay",
				Subsystem: "chain",
				Name:      "call_duration_seconds",
				Help:      "Latency distribution for chain RPC calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"endpoint", "method"}),
			breakers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "gasrelay",
				Subsystem: "chain",
				Name:      "breaker_open",
				Help:      "Circuit breaker state per endpoint (1 open, 0 closed).",
			}, []string{"endpoint"}),
			backoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gasrelay",
				Subsystem: "chain",
				Name:      "rate_limit_backoffs_total",
				Help:      "Count of 429-driven backoff events per endpoint.",
			}, []string{"endpoint"}),
		}
		prometheus.MustRegister(
			chainRegistry.calls,
			chainRegistry.latency,
			chainRegistry.breakers,
			chainRegistry.backoffs,
		)
	})
	return chainRegistry
}

// ObserveCall records one RPC call against an endpoint. The outcome label is
// one of ok, error, or rate_limited.
func (m *ChainMetrics) ObserveCall(endpoint, method, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "ok"
	}
	m.calls.WithLabelValues(endpoint, method, outcome).Inc()
	m.latency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// SetBreaker records the breaker state for an endpoint.
func (m *ChainMetrics) SetBreaker(endpoint string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.breakers.WithLabelValues(endpoint).Set(v)
}

// RecordBackoff counts a rate-limit backoff event for an endpoint.
func (m *ChainMetrics) RecordBackoff(endpoint string) {
	if m == nil {
		return
	}
	m.backoffs.WithLabelValues(endpoint).Inc()
}

// GuardMetrics tracks rate limiting and anomaly detection activity.
type GuardMetrics struct {
	throttles *prometheus.CounterVec
	anomalies *prometheus.CounterVec
	baselines prometheus.Gauge
}

// Guard returns the metrics registry for the rate and anomaly layer.
func Guard() *GuardMetrics {
	guardMetricsOnce.Do(func() {
		guardRegistry = &GuardMetrics{
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gasrelay",
				Subsystem: "guard",
				Name:      "throttles_total",
				Help:      "Count of rate-limited requests segmented by scope and event.",
			}, []string{"scope", "event"}),
			anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gasrelay",
				Subsystem: "guard",
				Name:      "anomalies_total",
				Help:      "Count of detected anomalies segmented by type.",
			}, []string{"type"}),
			baselines: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "gasrelay",
				Subsystem: "guard",
				Name:      "learned_thresholds",
				Help:      "Number of thresholds currently derived from learned baselines.",
			}),
		}
		prometheus.MustRegister(
			guardRegistry.throttles,
			guardRegistry.anomalies,
			guardRegistry.baselines,
		)
	})
	return guardRegistry
}

// RecordThrottle increments the throttle counter for a scope (ip or wallet).
func (m *GuardMetrics) RecordThrottle(scope, event string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(scope, event).Inc()
}

// RecordAnomaly counts a detected anomaly by type.
func (m *GuardMetrics) RecordAnomaly(kind string) {
	if m == nil {
		return
	}
	if kind = strings.TrimSpace(kind); kind == "" {
		kind = "unknown"
	}
	m.anomalies.WithLabelValues(kind).Inc()
}

// SetLearnedThresholds records how many thresholds came from learned baselines.
func (m *GuardMetrics) SetLearnedThresholds(count int) {
	if m == nil {
		return
	}
	m.baselines.Set(float64(count))
}

// AuditMetrics tracks the audit ring and sink flushes.
type AuditMetrics struct {
	events  *prometheus.CounterVec
	flushes *prometheus.CounterVec
	dropped prometheus.Counter
}

// Audit returns the metrics registry for the audit log.
func Audit() *AuditMetrics {
	auditMetricsOnce.Do(func() {
		auditRegistry = &AuditMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gasrelay",
				Subsystem: "audit",
				Name:      "events_total",
				Help:      "Count of audit events segmented by type.",
			}, []string{"type"}),
			flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gasrelay",
				Subsystem: "audit",
				Name:      "flushes_total",
				Help:      "Count of sink flushes segmented by outcome.",
			}, []string{"outcome"}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "gasrelay",
				Subsystem: "audit",
				Name:      "dropped_total",
				Help:      "Count of events dropped because the ring was full.",
			}),
		}
		prometheus.MustRegister(auditRegistry.events, auditRegistry.flushes, auditRegistry.dropped)
	})
	return auditRegistry
}

// RecordEvent counts an audit event by type.
func (m *AuditMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	if eventType = strings.TrimSpace(eventType); eventType == "" {
		eventType = "unknown"
	}
	m.events.WithLabelValues(eventType).Inc()
}

// RecordFlush counts a sink flush attempt.
func (m *AuditMetrics) RecordFlush(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.flushes.WithLabelValues(outcome).Inc()
}

// RecordDropped counts events lost to ring overflow.
func (m *AuditMetrics) RecordDropped(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.dropped.Add(float64(count))
}

func labelKey(key string) string {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "unknown"
	}
	if len(trimmed) > 12 {
		return trimmed[:12]
	}
	return trimmed
}
