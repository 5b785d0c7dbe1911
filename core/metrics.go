package core

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors the pipeline updates every cycle
// and SubscriptionService's drainer updates as it forwards each message
// (the queue-depth gauge). The engine never implements a
// metrics transport itself — a caller registers Metrics.Registry() with
// whatever exporter it wants (§1 Non-goals: no bundled dashboard).
type Metrics struct {
	CycleTotal      *prometheus.CounterVec
	CycleDuration   prometheus.Histogram
	SubscriberQueue *prometheus.GaugeVec
	EnvelopesTotal  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics builds and registers the engine's Prometheus collectors onto a
// fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		CycleTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "torii_cycle_total",
			Help: "Pipeline cycles, partitioned by outcome.",
		}, []string{"outcome"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "torii_cycle_duration_seconds",
			Help:    "Wall-clock duration of one extract-decode-sink-commit cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		SubscriberQueue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "torii_subscriber_queue_depth",
			Help: "Current queue depth for a subscriber, by client id.",
		}, []string{"client_id"}),
		EnvelopesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "torii_envelopes_total",
			Help: "Envelopes produced by DecoderHub, partitioned by decoder.",
		}, []string{"decoder"}),
		registry: reg,
	}

	reg.MustRegister(m.CycleTotal, m.CycleDuration, m.SubscriberQueue, m.EnvelopesTotal)
	return m
}

// Registry exposes the underlying Prometheus registry for wiring into an
// HTTP handler (promhttp.HandlerFor) by the caller.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// observeCycle records one cycle's outcome and duration.
func (m *Metrics) observeCycle(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.CycleTotal.WithLabelValues(outcome).Inc()
	m.CycleDuration.Observe(seconds)
}

func (m *Metrics) observeEnvelopes(decoder string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.EnvelopesTotal.WithLabelValues(decoder).Add(float64(n))
}
