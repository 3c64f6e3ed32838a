// Package prometheus exports relay pipeline metrics. The Metrics type
// satisfies the relay core's Observer interface so the pipeline never
// depends on the metrics client directly.
package prometheus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DefaultRegistry is the default Prometheus registry.
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer wraps the registry with the service label.
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "relay"}, DefaultRegistry)

	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	// Publish pipeline metrics
	PublishTotal     *prometheus.CounterVec
	PublishDuration  prometheus.Histogram
	RejectionsTotal  *prometheus.CounterVec
	MailboxPressures *prometheus.GaugeVec
	InertDispatches  prometheus.Counter

	// HTTP surface metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Adapter metrics
	AdapterInbound  *prometheus.CounterVec
	AdapterOutbound *prometheus.CounterVec
	AdapterErrors   *prometheus.CounterVec

	// Pulse metrics
	PulseRunsTotal *prometheus.CounterVec
}

// GetMetrics returns the global metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(DefaultRegisterer)
	})
	return metrics
}

// NewMetrics creates a metrics collection registered against registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}

	return &Metrics{
		PublishTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_publish_total",
				Help: "Total publishes by outcome",
			},
			[]string{"outcome"},
		),
		PublishDuration: promauto.With(registerer).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_publish_duration_seconds",
				Help:    "End-to-end publish pipeline duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		RejectionsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_endpoint_rejections_total",
				Help: "Per-endpoint admission rejections by kind",
			},
			[]string{"kind"},
		),
		MailboxPressures: promauto.With(registerer).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_mailbox_pressure",
				Help: "Mailbox fill fraction per endpoint hash",
			},
			[]string{"endpoint"},
		),
		InertDispatches: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "relay_inert_dispatch_total",
				Help: "Dispatches that hit a subscription with no handler wired",
			},
		),
		HTTPRequestsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		AdapterInbound: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_adapter_inbound_total",
				Help: "Messages received from remote channels per adapter",
			},
			[]string{"adapter"},
		),
		AdapterOutbound: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_adapter_outbound_total",
				Help: "Messages delivered to remote channels per adapter",
			},
			[]string{"adapter"},
		),
		AdapterErrors: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_adapter_errors_total",
				Help: "Adapter delivery and connection errors per adapter",
			},
			[]string{"adapter"},
		),
		PulseRunsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_pulse_runs_total",
				Help: "Pulse runs by terminal status",
			},
			[]string{"status"},
		),
	}
}

// PublishOutcome implements the relay Observer.
func (m *Metrics) PublishOutcome(outcome string) {
	m.PublishTotal.WithLabelValues(outcome).Inc()
}

// EndpointRejection implements the relay Observer.
func (m *Metrics) EndpointRejection(kind string) {
	m.RejectionsTotal.WithLabelValues(kind).Inc()
}

// MailboxPressure implements the relay Observer.
func (m *Metrics) MailboxPressure(hash string, pressure float64) {
	m.MailboxPressures.WithLabelValues(hash).Set(pressure)
}

// DeliveryDuration implements the relay Observer.
func (m *Metrics) DeliveryDuration(d time.Duration) {
	m.PublishDuration.Observe(d.Seconds())
}

// InertDispatch implements the relay Observer.
func (m *Metrics) InertDispatch() {
	m.InertDispatches.Inc()
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
