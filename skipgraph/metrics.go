package skipgraph

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "skipgraph"

// Metrics is shared by every LocalNode of a process. All methods are safe to
// call on a nil *Metrics.
type Metrics struct {
	rpcs           *prometheus.CounterVec
	searchForwards *prometheus.CounterVec
	searchHops     prometheus.Histogram
	joinDuration   *prometheus.HistogramVec
	lockContention prometheus.Counter
	readRetries    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rpcs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rpc_total",
				Help:      "Outbound RPCs by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		searchForwards: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "search_forwards_total",
				Help:      "Searches forwarded to a neighbor, by search type.",
			},
			[]string{"search"},
		),
		searchHops: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "membership_vector_search_hops",
				Help:      "Hops taken by membership vector searches originated here.",
				Buckets:   prometheus.LinearBuckets(0, 1, 16),
			},
		),
		joinDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "join_duration_seconds",
				Help:      "Duration of join attempts by outcome.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
			},
			[]string{"outcome"},
		),
		lockContention: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "lock_contention_total",
				Help:      "Join level steps retried because a neighbor was locked or had moved.",
			},
		),
		readRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "read_retries_total",
				Help:      "Idempotent remote reads retried after a transport failure.",
			},
		),
	}
	reg.MustRegister(m.rpcs, m.searchForwards, m.searchHops, m.joinDuration, m.lockContention, m.readRetries)
	return m
}

// MetricsHandler exposes the metrics gathered by g.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) rpc(kind string, outcome string) {
	if m == nil {
		return
	}
	m.rpcs.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) forward(search string) {
	if m == nil {
		return
	}
	m.searchForwards.WithLabelValues(search).Inc()
}

func (m *Metrics) hops(n int) {
	if m == nil {
		return
	}
	m.searchHops.Observe(float64(n))
}

func (m *Metrics) join(start time.Time, outcome string) {
	if m == nil {
		return
	}
	m.joinDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

func (m *Metrics) contention() {
	if m == nil {
		return
	}
	m.lockContention.Inc()
}

func (m *Metrics) readRetry() {
	if m == nil {
		return
	}
	m.readRetries.Inc()
}
