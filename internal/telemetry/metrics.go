// Package telemetry exposes the counters/histograms/gauges and tracer
// bootstrap from spec §4.8. Metric names are normative; label sets are
// informative.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every exported series so components take a single handle
// instead of reaching into package-level globals, matching the
// dependency-injection discipline spec §9 calls for.
type Metrics struct {
	SceneGenTotal      *prometheus.CounterVec
	SceneGenLatency    prometheus.Histogram
	FrameDropTotal     *prometheus.CounterVec
	BroadcastQueueLen  prometheus.Gauge
	BroadcastFPS       prometheus.Gauge
	WSBacklogBytes     prometheus.Gauge
	BusPublishErrors   prometheus.Counter
	BusReconnects      prometheus.Counter
	SubscriptionClosed *prometheus.CounterVec

	registry *prometheus.Registry
}

// New constructs and registers every metric against a fresh registry, so
// multiple Metrics instances (e.g. one per test) never collide on the
// default global registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SceneGenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scene_gen_total",
			Help: "Total scene generation attempts by outcome.",
		}, []string{"success"}),
		SceneGenLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scene_gen_latency_ms",
			Help:    "Scene generation wall time in milliseconds.",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000, 5000},
		}),
		FrameDropTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frame_drop_total",
			Help: "Frames dropped by the broadcast engine, by reason.",
		}, []string{"reason"}),
		BroadcastQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broadcast_queue_len",
			Help: "Sum of queued frames across all subscriptions.",
		}),
		BroadcastFPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broadcast_fps",
			Help: "Effective broadcast tick rate.",
		}),
		WSBacklogBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_backlog_bytes",
			Help: "Sum of sampled TCP send-buffer backlog across sockets.",
		}),
		BusPublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bus_publish_errors_total",
			Help: "Total bus publish failures.",
		}),
		BusReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bus_reconnects_total",
			Help: "Total bus reconnection events.",
		}),
		SubscriptionClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcast_subscription_closed_total",
			Help: "Subscriptions closed by the broadcast engine, by reason.",
		}, []string{"reason"}),
		registry: reg,
	}

	reg.MustRegister(
		m.SceneGenTotal, m.SceneGenLatency, m.FrameDropTotal,
		m.BroadcastQueueLen, m.BroadcastFPS, m.WSBacklogBytes,
		m.BusPublishErrors, m.BusReconnects, m.SubscriptionClosed,
	)
	return m
}

// Handler returns the Prometheus scrape endpoint for PROM_PORT.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveGeneration records the outcome of one worker generation attempt.
func (m *Metrics) ObserveGeneration(success bool, latencyMs int64) {
	m.SceneGenTotal.WithLabelValues(boolLabel(success)).Inc()
	m.SceneGenLatency.Observe(float64(latencyMs))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
