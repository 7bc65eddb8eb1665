package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics tracks signed call execution and escrow lifecycle activity.
type EscrowMetrics struct {
	calls     *prometheus.CounterVec
	failures  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	states    *prometheus.GaugeVec
	events    *prometheus.CounterVec
	throttles *prometheus.CounterVec
	dropped   prometheus.Counter
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

// Escrow returns the lazily-initialised escrow metrics registry.
func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "calls",
				Name:      "total",
				Help:      "Signed escrow calls segmented by call type and outcome.",
			}, []string{"type", "outcome"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "calls",
				Name:      "errors_total",
				Help:      "Rejected escrow calls segmented by call type and error kind.",
			}, []string{"type", "kind"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "calls",
				Name:      "duration_seconds",
				Help:      "Time spent applying a call inside the executor.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"type"}),
			states: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "escrow",
				Name:      "accounts",
				Help:      "Number of escrows currently in each lifecycle state.",
			}, []string{"state"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Notifications emitted by the engine and the bank ledger.",
			}, []string{"type"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "calls",
				Name:      "throttled_total",
				Help:      "Calls rejected by rate limits or quotas.",
			}, []string{"reason"}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "events",
				Name:      "stream_dropped_total",
				Help:      "Notifications skipped for slow stream subscribers.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.calls,
			escrowRegistry.failures,
			escrowRegistry.latency,
			escrowRegistry.states,
			escrowRegistry.events,
			escrowRegistry.throttles,
			escrowRegistry.dropped,
		)
	})
	return escrowRegistry
}

func normalize(label string) string {
	trimmed := strings.ToLower(strings.TrimSpace(label))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

// ObserveCall records one executed call. An empty kind marks success.
func (m *EscrowMetrics) ObserveCall(callType, kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	callType = normalize(callType)
	outcome := "ok"
	if strings.TrimSpace(kind) != "" {
		outcome = "error"
		m.failures.WithLabelValues(callType, normalize(kind)).Inc()
	}
	m.calls.WithLabelValues(callType, outcome).Inc()
	m.latency.WithLabelValues(callType).Observe(elapsed.Seconds())
}

// SetStateCounts replaces the per-state gauge values.
func (m *EscrowMetrics) SetStateCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.states.Reset()
	for state, count := range counts {
		m.states.WithLabelValues(normalize(state)).Set(float64(count))
	}
}

// RecordEvent counts an emitted notification.
func (m *EscrowMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(normalize(eventType)).Inc()
}

// RecordThrottle counts a request rejected before execution.
func (m *EscrowMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(normalize(reason)).Inc()
}

// RecordDropped adds stream deliveries skipped since the last report.
func (m *EscrowMetrics) RecordDropped(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.dropped.Add(float64(n))
}
