package perf

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry *prometheus.Registry
	streams  *prometheus.CounterVec
	bytes    prometheus.Counter
	duration prometheus.Histogram
	attempts *prometheus.CounterVec
	attemptD *prometheus.HistogramVec
}

func newMetrics(a *Aggregator) *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		streams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_streams_total",
			Help: "Finished stream relays by result.",
		}, []string{"result"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamgate_stream_bytes_total",
			Help: "Bytes relayed to clients.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamgate_stream_duration_seconds",
			Help:    "Duration of stream relays that sent at least one byte.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_extraction_attempts_total",
			Help: "Extractor invocations by strategy and outcome kind.",
		}, []string{"strategy", "kind"}),
		attemptD: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamgate_extraction_attempt_seconds",
			Help:    "Extractor invocation wall time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"strategy"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.streams, m.bytes, m.duration, m.attempts, m.attemptD,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "streamgate_active_streams",
			Help: "Relays in progress.",
		}, func() float64 {
			a.mu.Lock()
			defer a.mu.Unlock()
			return float64(a.activeStreams)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "streamgate_stream_error_rate",
			Help: "Share of failed streams among the most recent ones.",
		}, a.ErrorRate),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "streamgate_active_tokens",
			Help: "Issued stream tokens that are not yet used, revoked or expired.",
		}, func() float64 {
			a.mu.Lock()
			defer a.mu.Unlock()
			return float64(a.activeTokens)
		}),
		&queueCollector{a: a, desc: prometheus.NewDesc(
			"streamgate_queue_depth", "Jobs waiting for a worker.", []string{"queue"}, nil)},
	)
	return m
}

func (m *metrics) observeStream(r StreamResult) {
	result := "success"
	switch {
	case r.Success:
	case r.Started:
		result = "interrupted"
	default:
		result = "failed"
	}
	m.streams.WithLabelValues(result).Inc()
	m.bytes.Add(float64(r.BytesSent))
	if r.Started {
		m.duration.Observe(r.Duration.Seconds())
	}
}

func (m *metrics) observeAttempt(strategy, kind string, d time.Duration) {
	m.attempts.WithLabelValues(strategy, kind).Inc()
	m.attemptD.WithLabelValues(strategy).Observe(d.Seconds())
}

type queueCollector struct {
	a    *Aggregator
	desc *prometheus.Desc
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	c.a.mu.Lock()
	depths := make(map[string]int, len(c.a.queueDepths))
	for k, v := range c.a.queueDepths {
		depths[k] = v
	}
	c.a.mu.Unlock()
	for name, d := range depths {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(d), name)
	}
}

// Handler serves the aggregator's private registry in the Prometheus text
// format.
func (a *Aggregator) Handler() http.Handler {
	return promhttp.HandlerFor(a.metrics.registry, promhttp.HandlerOpts{})
}
