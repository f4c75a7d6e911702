// Package metrics exports channel registry activity to Prometheus.
package metrics

import (
	"net/http"

	"github.com/DeBrosOfficial/roverlink/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "roverlink"

// Collector implements channel.Metrics on Prometheus vectors.
type Collector struct {
	registry *prometheus.Registry

	endpoints      *prometheus.GaugeVec   // Live endpoints by role
	endpointsTotal *prometheus.CounterVec // Endpoints opened by role
	handles        *prometheus.GaugeVec   // Open handles by role
	leaked         *prometheus.CounterVec // Handles collected without Close
	published      *prometheus.CounterVec // Messages published by channel
	publishedBytes *prometheus.CounterVec // Payload bytes published by channel
	delivered      *prometheus.CounterVec // Consumer invocations by channel
	dropped        *prometheus.CounterVec // Dropped messages by channel and reason
	fatal          *prometheus.CounterVec // Fatal transport errors by role and channel
}

// New creates a collector registered on a fresh registry together with the
// Go runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry creates a collector registered on reg.
func NewWithRegistry(reg *prometheus.Registry) *Collector {
	c := &Collector{
		registry: reg,
		endpoints: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "endpoints",
			Help:      "Live channel endpoints",
		}, []string{"role"}),
		endpointsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "endpoints_opened_total",
			Help:      "Channel endpoints created",
		}, []string{"role"}),
		handles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "handles",
			Help:      "Open channel handles",
		}, []string{"role"}),
		leaked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "handles_leaked_total",
			Help:      "Handles garbage collected without Close",
		}, []string{"role"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "published_total",
			Help:      "Messages published",
		}, []string{"channel"}),
		publishedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "published_bytes_total",
			Help:      "Encoded payload bytes published",
		}, []string{"channel"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "delivered_total",
			Help:      "Consumer invocations for inbound messages",
		}, []string{"channel"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "dropped_total",
			Help:      "Inbound messages dropped",
		}, []string{"channel", "reason"}),
		fatal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "fatal_errors_total",
			Help:      "Fatal transport errors that tore an endpoint down",
		}, []string{"role", "channel"}),
	}
	reg.MustRegister(
		c.endpoints, c.endpointsTotal, c.handles, c.leaked,
		c.published, c.publishedBytes, c.delivered, c.dropped, c.fatal,
	)
	return c
}

// Registry returns the Prometheus registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (c *Collector) EndpointOpened(role transport.Role, _ string) {
	c.endpoints.WithLabelValues(role.String()).Inc()
	c.endpointsTotal.WithLabelValues(role.String()).Inc()
}

func (c *Collector) EndpointClosed(role transport.Role, _ string) {
	c.endpoints.WithLabelValues(role.String()).Dec()
}

func (c *Collector) HandleAcquired(role transport.Role) {
	c.handles.WithLabelValues(role.String()).Inc()
}

func (c *Collector) HandleReleased(role transport.Role) {
	c.handles.WithLabelValues(role.String()).Dec()
}

func (c *Collector) HandleLeaked(role transport.Role) {
	c.leaked.WithLabelValues(role.String()).Inc()
}

func (c *Collector) Published(channel string, bytes int) {
	c.published.WithLabelValues(channel).Inc()
	c.publishedBytes.WithLabelValues(channel).Add(float64(bytes))
}

func (c *Collector) Delivered(channel string, consumers int) {
	c.delivered.WithLabelValues(channel).Add(float64(consumers))
}

func (c *Collector) Dropped(channel string, reason string) {
	c.dropped.WithLabelValues(channel, reason).Inc()
}

func (c *Collector) FatalError(role transport.Role, channel string) {
	c.fatal.WithLabelValues(role.String(), channel).Inc()
}
