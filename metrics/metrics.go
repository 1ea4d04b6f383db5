// Package metrics exposes prpc's Prometheus collectors.
//
// Every method is safe to call on a nil *Collector, so components take an optional
// collector and never check for it.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"prpc/rpcerr"
)

const namespace = "prpc"

// Collector groups the client, server and connection metrics.
type Collector struct {
	clientRequests  *prometheus.CounterVec
	clientLatency   *prometheus.HistogramVec
	serverRequests  *prometheus.CounterVec
	serverLatency   *prometheus.HistogramVec
	pending         prometheus.Gauge
	connections     prometheus.Gauge
	connectRetries  prometheus.Counter
	connectFailures prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg skips registration.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		clientRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "client", Name: "requests_total",
			Help: "Remote calls issued, by service, method and result kind.",
		}, []string{"service", "method", "result"}),
		clientLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "client", Name: "request_duration_seconds",
			Help:    "Latency of remote calls as seen by the caller.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "method"}),
		serverRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "requests_total",
			Help: "Requests handled, by service, method and result kind.",
		}, []string{"service", "method", "result"}),
		serverLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "server", Name: "request_duration_seconds",
			Help:    "Time spent handling requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "method"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "client", Name: "pending_invocations",
			Help: "Calls waiting for their response.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "active_connections",
			Help: "Open client connections.",
		}),
		connectRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "connect_retries_total",
			Help: "Failed connection attempts that were retried.",
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "connect_failures_total",
			Help: "Connections given up after exhausting retries.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.clientRequests, c.clientLatency, c.serverRequests, c.serverLatency,
			c.pending, c.connections, c.connectRetries, c.connectFailures)
	}
	return c
}

// Result labels an outcome: "ok" or the error kind.
func Result(err error) string {
	if err == nil {
		return "ok"
	}
	if k := rpcerr.KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}

func (c *Collector) ObserveClient(service, method string, err error, d time.Duration) {
	if c == nil {
		return
	}
	c.clientRequests.WithLabelValues(service, method, Result(err)).Inc()
	c.clientLatency.WithLabelValues(service, method).Observe(d.Seconds())
}

// ObserveServer records a handled request; kind is empty on success.
func (c *Collector) ObserveServer(service, method string, kind rpcerr.Kind, d time.Duration) {
	if c == nil {
		return
	}
	result := "ok"
	if kind != "" {
		result = string(kind)
	}
	c.serverRequests.WithLabelValues(service, method, result).Inc()
	c.serverLatency.WithLabelValues(service, method).Observe(d.Seconds())
}

func (c *Collector) PendingAdd(delta int) {
	if c == nil {
		return
	}
	c.pending.Add(float64(delta))
}

func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connections.Inc()
}

func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connections.Dec()
}

func (c *Collector) ConnectRetry() {
	if c == nil {
		return
	}
	c.connectRetries.Inc()
}

func (c *Collector) ConnectFailure() {
	if c == nil {
		return
	}
	c.connectFailures.Inc()
}
