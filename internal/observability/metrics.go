package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the Prometheus collectors the engine updates as transfers
// move through the state machine. A single instance is shared by every
// engine constructed in the process; all methods are safe for concurrent
// use, matching the engine's own "many outstanding calls at once" model.
type Metrics struct {
	InFlight  *prometheus.GaugeVec
	Finalized *prometheus.CounterVec
	Quorum    *prometheus.HistogramVec
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// NewMetrics constructs and registers the Interledger metric family against
// reg. Pass prometheus.NewRegistry() in tests to avoid colliding with the
// global default registry across parallel test packages.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "interledger",
			Name:      "transfers_in_flight",
			Help:      "Number of transfers currently in each pipeline status.",
		}, []string{"status"}),
		Finalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "interledger",
			Name:      "transfers_finalized_total",
			Help:      "Total transfers that reached FINALIZED, by outcome.",
		}, []string{"outcome"}),
		Quorum: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "interledger",
			Name:      "quorum_positive_votes",
			Help:      "Distribution of positive responder votes observed per quorum decision.",
			Buckets:   prometheus.LinearBuckets(0, 1, 8),
		}, []string{"phase"}),
	}
	reg.MustRegister(m.InFlight, m.Finalized, m.Quorum)
	return m
}

// Default returns a process-wide Metrics instance registered against the
// global Prometheus registry, constructing it on first use.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}
