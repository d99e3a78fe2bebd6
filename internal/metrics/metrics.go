// ABOUTME: Prometheus metrics for backend events and API requests
// ABOUTME: Each instance owns its registry so tests stay isolated

package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/frontdesk/internal/eventbus"
)

const namespace = "frontdesk"

// Metrics holds every collector the service exports.
type Metrics struct {
	registry *prometheus.Registry

	EventsTotal     *prometheus.CounterVec
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RPCTotal        *prometheus.CounterVec
	SSEClients      prometheus.Gauge
	Ratings         prometheus.Histogram
}

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Backend events published, by kind",
			},
			[]string{"kind"},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP API requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP API request duration in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "route"},
		),
		RPCTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "grpc",
				Name:      "requests_total",
				Help:      "Total number of gRPC requests",
			},
			[]string{"method", "code"},
		),
		SSEClients: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "sse_clients",
				Help:      "Connected event stream clients",
			},
		),
		Ratings: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "customer_rating",
				Help:      "Customer ratings of resolved conversations",
				Buckets:   []float64{1, 2, 3, 4, 5},
			},
		),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Attach counts every event published on sub.
func (m *Metrics) Attach(sub interface {
	SubscribeAll(h eventbus.Handler) (unsubscribe func())
}) (detach func()) {
	return sub.SubscribeAll(m.observeEvent)
}

func (m *Metrics) observeEvent(_ context.Context, ev eventbus.Event) error {
	m.EventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	if ev.Kind == eventbus.KindRated && ev.Rating > 0 {
		m.Ratings.Observe(float64(ev.Rating))
	}
	return nil
}

// RecordRequest records one HTTP request.
func (m *Metrics) RecordRequest(method, route string, status int, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// RecordRPC records one gRPC call.
func (m *Metrics) RecordRPC(method, code string) {
	m.RPCTotal.WithLabelValues(method, code).Inc()
}
