// Package metrics exposes the relay's Prometheus instrumentation,
// following the collector-construction shape of internal/escrow/metrics.go
// and the atomic HubMetrics counters in internal/fabric/hub.go,
// generalized here into real prometheus collectors rather than raw
// atomics, since this relay exposes them on /metrics rather than only
// via an internal stats struct.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector the relay reports, each registered
// against its own prometheus.Registry rather than the global default —
// so a fresh Registry (as each test constructs) never collides with
// another's collectors under the same metric name.
type Registry struct {
	prom *prometheus.Registry

	ConnectedAgents  prometheus.Gauge
	ConnectedClients prometheus.Gauge
	MessagesRouted   *prometheus.CounterVec // labels: frame_type
	QueueDepth       prometheus.Gauge
	RateLimitReject  *prometheus.CounterVec // labels: scope ("pairing","message"); registered, but no component increments it
	AgentEvictions   prometheus.Counter
	OfflineDrops     prometheus.Counter
}

// New builds a Registry backed by a dedicated prometheus.Registry.
func New() *Registry {
	prom := prometheus.NewRegistry()
	factory := promauto.With(prom)
	return &Registry{
		prom: prom,
		ConnectedAgents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pairbridge_connected_agents",
			Help: "Number of currently live agent WebSocket connections.",
		}),
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pairbridge_connected_clients",
			Help: "Number of currently live client WebSocket connections.",
		}),
		MessagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pairbridge_messages_routed_total",
			Help: "Frames routed by the relay, by frame type.",
		}, []string{"frame_type"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pairbridge_offline_queue_depth",
			Help: "Total entries across all agents' offline queues.",
		}),
		RateLimitReject: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pairbridge_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiting, by scope.",
		}, []string{"scope"}),
		AgentEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "pairbridge_agent_evictions_total",
			Help: "Agent handle evictions due to same-agent_id takeover (CONFLICT).",
		}),
		OfflineDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "pairbridge_offline_queue_drops_total",
			Help: "Offline queue entries discarded after max delivery attempts (TTL expiry and capacity displacement are not counted).",
		}),
	}
}

// Handler returns the http.Handler serving this Registry's collectors in
// Prometheus exposition format, for mounting at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}
