package history

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricsSubsystem = "history"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Content checked against the accumulator, by content type and result.
	Validations *prometheus.CounterVec
	// Offered items stored after validation.
	StoredOffered prometheus.Counter
	// Local gets answered by the store or the network, by source.
	Gets *prometheus.CounterVec
	// Epoch accumulator cache hits.
	EpochCacheHits prometheus.Counter
}

// PrometheusMetrics returns Metrics registered with reg
func PrometheusMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	return newMetrics(promauto.With(reg), namespace)
}

// NopMetrics returns Metrics that are never registered
func NopMetrics() *Metrics {
	return newMetrics(promauto.With(nil), "")
}

func newMetrics(f promauto.Factory, namespace string) *Metrics {
	return &Metrics{
		Validations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "validations_total",
			Help:      "Content checked against the accumulator, by content type and result.",
		}, []string{"type", "result"}),
		StoredOffered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "stored_offered_total",
			Help:      "Offered items stored after validation.",
		}),
		Gets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "gets_total",
			Help:      "Content gets, by where they were answered.",
		}, []string{"source"}),
		EpochCacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "epoch_cache_hits_total",
			Help:      "Epoch accumulator cache hits.",
		}),
	}
}
