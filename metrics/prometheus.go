// Package metrics exports request/response measurements to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prom collects request/response metrics on its own registry.
// It satisfies messaging.MetricsCollector and tracks the broker connection
// state when a session registers it as a connection state listener.
type Prom struct {
	reg *prometheus.Registry

	Requests         *prometheus.CounterVec
	RequestLatency   prometheus.Histogram
	RepliesDiscarded prometheus.Counter
	RequestsReceived prometheus.Counter
	ListenerFailures prometheus.Counter
	Connected        prometheus.Gauge
}

// NewProm creates the collectors and registers them together with the Go
// runtime and process collectors.
func NewProm() *Prom {
	reg := prometheus.NewRegistry()
	p := &Prom{
		reg: reg,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reqresp_requests_total",
			Help: "Requests performed by clients, by outcome",
		}, []string{"outcome"}),
		RequestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reqresp_request_duration_seconds",
			Help:    "Time from publishing a request to its outcome",
			Buckets: prometheus.DefBuckets,
		}),
		RepliesDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reqresp_replies_discarded_total",
			Help: "Replies that matched no pending request",
		}),
		RequestsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reqresp_requests_received_total",
			Help: "Requests consumed by servers",
		}),
		ListenerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reqresp_listener_failures_total",
			Help: "Request listeners that returned an error or panicked",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reqresp_broker_connected",
			Help: "1 while the session holds a broker connection, 0 once it is lost",
		}),
	}
	reg.MustRegister(
		p.Requests,
		p.RequestLatency,
		p.RepliesDiscarded,
		p.RequestsReceived,
		p.ListenerFailures,
		p.Connected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Handler serves the registry in the Prometheus exposition format
func (p *Prom) Handler() http.Handler { return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{}) }

// Registry returns the underlying registry
func (p *Prom) Registry() *prometheus.Registry { return p.reg }

// RequestCompleted counts a finished request and records its duration
func (p *Prom) RequestCompleted(outcome string, duration time.Duration) {
	p.Requests.WithLabelValues(outcome).Inc()
	p.RequestLatency.Observe(duration.Seconds())
}

func (p *Prom) ReplyDiscarded()  { p.RepliesDiscarded.Inc() }
func (p *Prom) RequestReceived() { p.RequestsReceived.Inc() }
func (p *Prom) ListenerFailed()  { p.ListenerFailures.Inc() }

// OnConnected marks the broker connection as up
func (p *Prom) OnConnected() { p.Connected.Set(1) }

// OnDisconnected marks the broker connection as down
func (p *Prom) OnDisconnected(error) { p.Connected.Set(0) }
