// This file contains the prometheus-backed MetricsCollector. Counters and
// gauges register against a caller-supplied registry so the host application
// controls the scrape surface.
package pondsocket

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PromCollector exports broker activity as prometheus metrics.
type PromCollector struct {
	errors      *prometheus.CounterVec
	connections *prometheus.GaugeVec
	channels    prometheus.Gauge
	received    *prometheus.CounterVec
	delivered   *prometheus.CounterVec
}

// NewPromCollector builds a collector and registers its metrics with reg.
// A nil registry uses the prometheus default registerer.
func NewPromCollector(reg prometheus.Registerer) *PromCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &PromCollector{
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pondsocket_errors_total",
			Help: "Broker errors by component.",
		}, []string{"component"}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pondsocket_connections",
			Help: "Open connections by endpoint path.",
		}, []string{"endpoint"}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pondsocket_channels",
			Help: "Live channels.",
		}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pondsocket_messages_received_total",
			Help: "Inbound channel events by channel.",
		}, []string{"channel"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pondsocket_messages_delivered_total",
			Help: "Outbound deliveries by channel.",
		}, []string{"channel"}),
	}
	reg.MustRegister(c.errors, c.connections, c.channels, c.received, c.delivered)

	return c
}

func (c *PromCollector) Error(component string, _ error) {
	c.errors.WithLabelValues(component).Inc()
}

func (c *PromCollector) ConnectionOpened(endpointPath string) {
	c.connections.WithLabelValues(endpointPath).Inc()
}

func (c *PromCollector) ConnectionClosed(endpointPath string) {
	c.connections.WithLabelValues(endpointPath).Dec()
}

func (c *PromCollector) ChannelCreated(string) {
	c.channels.Inc()
}

func (c *PromCollector) ChannelDestroyed(string) {
	c.channels.Dec()
}

func (c *PromCollector) MessageReceived(channelName, _ string) {
	c.received.WithLabelValues(channelName).Inc()
}

func (c *PromCollector) MessageDelivered(channelName, _ string, recipients int) {
	c.delivered.WithLabelValues(channelName).Add(float64(recipients))
}
