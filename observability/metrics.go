package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type bootstrapMetrics struct {
	outcomes *prometheus.CounterVec
	failures *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

type balanceMetrics struct {
	rounds    *prometheus.CounterVec
	queries   *prometheus.CounterVec
	discarded prometheus.Counter
	machines  prometheus.Gauge
}

var (
	bootstrapMetricsOnce sync.Once
	bootstrapRegistry    *bootstrapMetrics

	balanceMetricsOnce sync.Once
	balanceRegistry    *balanceMetrics
)

// Bootstrap returns the lazily-initialised collectors for the page bootstrap pipeline.
func Bootstrap() *bootstrapMetrics {
	bootstrapMetricsOnce.Do(func() {
		bootstrapRegistry = &bootstrapMetrics{
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "myriad",
				Subsystem: "bootstrap",
				Name:      "results_total",
				Help:      "Page bootstrap results segmented by page and outcome.",
			}, []string{"page", "outcome"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "myriad",
				Subsystem: "bootstrap",
				Name:      "slice_failures_total",
				Help:      "Non-fatal hydration failures segmented by data slice.",
			}, []string{"slice"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "myriad",
				Subsystem: "bootstrap",
				Name:      "duration_seconds",
				Help:      "Time spent producing a bootstrap result.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"page"}),
		}
		prometheus.MustRegister(
			bootstrapRegistry.outcomes,
			bootstrapRegistry.failures,
			bootstrapRegistry.latency,
		)
	})
	return bootstrapRegistry
}

// ObserveResult records the terminal outcome of a bootstrap run.
func (m *bootstrapMetrics) ObserveResult(page, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	page = normalizeLabel(page)
	m.outcomes.WithLabelValues(page, normalizeLabel(outcome)).Inc()
	m.latency.WithLabelValues(page).Observe(duration.Seconds())
}

// RecordSliceFailure increments the failure counter for a hydration slice.
func (m *bootstrapMetrics) RecordSliceFailure(slice string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(normalizeLabel(slice)).Inc()
}

// Balances returns the lazily-initialised collectors for the balance machines.
func Balances() *balanceMetrics {
	balanceMetricsOnce.Do(func() {
		balanceRegistry = &balanceMetrics{
			rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "myriad",
				Subsystem: "balances",
				Name:      "rounds_total",
				Help:      "Balance load rounds started, segmented by trigger.",
			}, []string{"trigger"}),
			queries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "myriad",
				Subsystem: "balances",
				Name:      "queries_total",
				Help:      "Chain balance queries segmented by token symbol and outcome.",
			}, []string{"symbol", "outcome"}),
			discarded: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "myriad",
				Subsystem: "balances",
				Name:      "stale_results_total",
				Help:      "Query results dropped because a newer round had started.",
			}),
			machines: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "myriad",
				Subsystem: "balances",
				Name:      "machines",
				Help:      "Balance machines currently held by the registry.",
			}),
		}
		prometheus.MustRegister(
			balanceRegistry.rounds,
			balanceRegistry.queries,
			balanceRegistry.discarded,
			balanceRegistry.machines,
		)
	})
	return balanceRegistry
}

// RecordRound counts a new load round.
func (m *balanceMetrics) RecordRound(trigger string) {
	if m == nil {
		return
	}
	m.rounds.WithLabelValues(normalizeLabel(trigger)).Inc()
}

// RecordQuery counts a settled balance query.
func (m *balanceMetrics) RecordQuery(symbol string, err error) {
	if m == nil {
		return
	}
	outcome := "ready"
	if err != nil {
		outcome = "errored"
	}
	m.queries.WithLabelValues(strings.ToUpper(normalizeLabel(symbol)), outcome).Inc()
}

// RecordDiscard counts a stale result dropped by a machine.
func (m *balanceMetrics) RecordDiscard() {
	if m == nil {
		return
	}
	m.discarded.Inc()
}

// SetMachines reports the number of live machines.
func (m *balanceMetrics) SetMachines(n int) {
	if m == nil {
		return
	}
	m.machines.Set(float64(n))
}

func normalizeLabel(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}
