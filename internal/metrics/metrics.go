// Package metrics defines the Prometheus collectors exposed by the broker.
// Each Metrics value carries its own registry so tests can instantiate
// several brokers in one process without collector name collisions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the broker's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive      prometheus.Gauge
	TopicsActive        prometheus.Gauge
	SubscriptionsActive prometheus.Gauge

	MessagesPublished prometheus.Counter
	MessagesDelivered prometheus.Counter
	MessagesDropped   prometheus.Counter
	ProtocolErrors    *prometheus.CounterVec
}

// New creates the collector set backed by a private Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pubsub_sessions_active",
			Help: "Number of open client sessions",
		}),
		TopicsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pubsub_topics_active",
			Help: "Number of topics in the registry",
		}),
		SubscriptionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pubsub_subscriptions_active",
			Help: "Number of live subscriptions across all topics",
		}),
		MessagesPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_messages_published_total",
			Help: "Total messages admitted across all topics",
		}),
		MessagesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_messages_delivered_total",
			Help: "Total messages offered to subscriber delivery queues",
		}),
		MessagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_messages_dropped_total",
			Help: "Total messages discarded by the drop-oldest queue policy",
		}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pubsub_protocol_errors_total",
			Help: "Total error frames sent to clients, by error code",
		}, []string{"code"}),
	}
}

// Handler returns the HTTP handler serving this collector set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
