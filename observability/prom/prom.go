// Package prom exports gateway metrics to Prometheus.
package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coralbase/coralgate/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// GatewayObserver exports gateway metrics to Prometheus.
type GatewayObserver struct {
	connGauge      prometheus.Gauge
	frameTotal     *prometheus.CounterVec
	requestTotal   *prometheus.CounterVec
	requestLatency prometheus.Histogram
	pushDelivered  prometheus.Counter
	pushDropped    prometheus.Counter
	subGauge       prometheus.Gauge
	closeTotal     *prometheus.CounterVec
}

// NewGatewayObserver registers gateway metrics on the registry.
func NewGatewayObserver(reg *prometheus.Registry) *GatewayObserver {
	o := &GatewayObserver{
		connGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coralgate_connections",
			Help: "Current websocket connection count.",
		}),
		frameTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coralgate_frames_total",
			Help: "Websocket frames by direction.",
		}, []string{"direction"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coralgate_requests_total",
			Help: "Requests by operation and result code.",
		}, []string{"operation", "code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coralgate_request_latency_seconds",
			Help:    "Request handling latency.",
			Buckets: prometheus.DefBuckets,
		}),
		pushDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coralgate_pushes_delivered_total",
			Help: "Push frames handed to connection send queues.",
		}),
		pushDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coralgate_pushes_dropped_total",
			Help: "Push frames dropped by backpressure.",
		}),
		subGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coralgate_subscriptions",
			Help: "Current live subscription count.",
		}),
		closeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coralgate_close_total",
			Help: "Connection close reasons.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		o.connGauge,
		o.frameTotal,
		o.requestTotal,
		o.requestLatency,
		o.pushDelivered,
		o.pushDropped,
		o.subGauge,
		o.closeTotal,
	)
	return o
}

func (o *GatewayObserver) ConnCount(n int64) {
	o.connGauge.Set(float64(n))
}

func (o *GatewayObserver) Frame(direction observability.FrameDirection) {
	o.frameTotal.WithLabelValues(string(direction)).Inc()
}

func (o *GatewayObserver) Request(operation, code string, d time.Duration) {
	o.requestTotal.WithLabelValues(operation, code).Inc()
	o.requestLatency.Observe(d.Seconds())
}

func (o *GatewayObserver) PushDelivered() {
	o.pushDelivered.Inc()
}

func (o *GatewayObserver) PushDropped() {
	o.pushDropped.Inc()
}

func (o *GatewayObserver) SubscriptionCount(n int64) {
	o.subGauge.Set(float64(n))
}

func (o *GatewayObserver) Close(reason observability.CloseReason) {
	o.closeTotal.WithLabelValues(string(reason)).Inc()
}
