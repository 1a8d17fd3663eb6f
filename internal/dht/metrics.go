package dht

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricsSubsystem = "dht"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Frames received, by kind.
	MessagesReceived *prometheus.CounterVec
	// Frames sent, by kind.
	MessagesSent *prometheus.CounterVec
	// Frames dropped because they did not decode.
	MalformedFrames prometheus.Counter
	// Requests dropped by the per-peer rate limiter.
	RateLimited prometheus.Counter
	// Requests that got no answer in time.
	RequestTimeouts prometheus.Counter
	// Finished lookups, by kind and result.
	Lookups *prometheus.CounterVec
	// Queries spent per lookup.
	LookupQueries prometheus.Histogram
	// Lookup wall time.
	LookupDuration prometheus.Histogram
	// Offered keys, by direction and outcome.
	OfferedKeys *prometheus.CounterVec
	// Stream payload bytes, by direction.
	StreamBytes *prometheus.CounterVec
	// Nodes in the routing table.
	RoutingTableSize prometheus.Gauge
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
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "messages_received_total",
			Help:      "Frames received, by kind.",
		}, []string{"kind"}),
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "messages_sent_total",
			Help:      "Frames sent, by kind.",
		}, []string{"kind"}),
		MalformedFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "malformed_frames_total",
			Help:      "Frames dropped because they did not decode.",
		}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "rate_limited_total",
			Help:      "Requests dropped by the per-peer rate limiter.",
		}),
		RequestTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "request_timeouts_total",
			Help:      "Requests that got no answer in time.",
		}),
		Lookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "lookups_total",
			Help:      "Finished lookups, by kind and result.",
		}, []string{"kind", "result"}),
		LookupQueries: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "lookup_queries",
			Help:      "Queries spent per lookup.",
			Buckets:   prometheus.LinearBuckets(1, 4, 16),
		}),
		LookupDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "lookup_duration_seconds",
			Help:      "Lookup wall time.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		OfferedKeys: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "offered_keys_total",
			Help:      "Offered keys, by direction and outcome.",
		}, []string{"direction", "outcome"}),
		StreamBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "stream_bytes_total",
			Help:      "Stream payload bytes, by direction.",
		}, []string{"direction"}),
		RoutingTableSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "routing_table_size",
			Help:      "Nodes in the routing table.",
		}),
	}
}
