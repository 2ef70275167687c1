// Package metrics exposes Prometheus collectors for quota and streaming.
//
// All recording helpers are safe on a nil *Collector so packages can be used
// without metrics wiring in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"
)

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pixiu_quota"

// Collector holds all Prometheus metrics of the service.
type Collector struct {
	// Quota metrics
	Decisions     *prometheus.CounterVec
	BackendErrors *prometheus.CounterVec
	BypassEnabled prometheus.Gauge
	SweptRecords  prometheus.Counter

	// Streaming metrics
	StreamsActive  prometheus.Gauge
	StreamOutcomes *prometheus.CounterVec
	StreamChunks   prometheus.Counter

	// Policy metrics
	PolicyReloads *prometheus.CounterVec

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		Decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Gate decisions by operation class and outcome",
			},
			[]string{"op", "outcome"},
		),
		BackendErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_errors_total",
				Help:      "Counter backend failures by backend and call",
			},
			[]string{"backend", "call"},
		),
		BypassEnabled: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "bypass_enabled",
				Help:      "1 while the operational quota bypass is active",
			},
		),
		SweptRecords: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "swept_records_total",
				Help:      "In-process usage records evicted by the sweep",
			},
		),
		StreamsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "streams_active",
				Help:      "Streams currently open",
			},
		),
		StreamOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_outcomes_total",
				Help:      "Finished streams by outcome",
			},
			[]string{"outcome"},
		),
		StreamChunks: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_chunks_total",
				Help:      "Chunks forwarded to clients",
			},
		),
		PolicyReloads: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_reloads_total",
				Help:      "Policy reloads by source and result",
			},
			[]string{"source", "result"},
		),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route, method and status code",
			},
			[]string{"route", "method", "code"},
		),
		HTTPDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route; streams count until the last frame",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"route"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

func (c *Collector) Decision(op, outcome string) {
	if c == nil {
		return
	}
	c.Decisions.WithLabelValues(op, outcome).Inc()
}

func (c *Collector) BackendError(backend, call string) {
	if c == nil {
		return
	}
	c.BackendErrors.WithLabelValues(backend, call).Inc()
}

func (c *Collector) SetBypass(on bool) {
	if c == nil {
		return
	}
	if on {
		c.BypassEnabled.Set(1)
		return
	}
	c.BypassEnabled.Set(0)
}

func (c *Collector) Swept(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.SweptRecords.Add(float64(n))
}

func (c *Collector) StreamOpened() {
	if c == nil {
		return
	}
	c.StreamsActive.Inc()
}

func (c *Collector) StreamClosed(outcome string) {
	if c == nil {
		return
	}
	c.StreamsActive.Dec()
	c.StreamOutcomes.WithLabelValues(outcome).Inc()
}

// StreamRejected records a failure that happened before the stream opened.
func (c *Collector) StreamRejected(outcome string) {
	if c == nil {
		return
	}
	c.StreamOutcomes.WithLabelValues(outcome).Inc()
}

func (c *Collector) Chunk() {
	if c == nil {
		return
	}
	c.StreamChunks.Inc()
}

func (c *Collector) PolicyReload(source, result string) {
	if c == nil {
		return
	}
	c.PolicyReloads.WithLabelValues(source, result).Inc()
}

func (c *Collector) ObserveHTTP(route, method string, code int, d time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	c.HTTPDuration.WithLabelValues(route).Observe(d.Seconds())
}
