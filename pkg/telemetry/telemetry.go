// Package telemetry wires prometheus counters/gauges/histograms for every
// component and exposes the text-format /metrics handler required by spec §6.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every counter/gauge/histogram the runtime publishes. One
// Metrics is constructed at startup (via NewMetrics) and injected into each
// component — there is no package-level global registry.
type Metrics struct {
	Registry *prometheus.Registry

	AgentsSpawned       *prometheus.CounterVec
	AgentsLive          prometheus.Gauge
	AgentTransitions     *prometheus.CounterVec
	RequestTokens        *prometheus.CounterVec
	EstimatedCostUSD      *prometheus.CounterVec
	CapabilityChecks      *prometheus.CounterVec

	GatewayConnections   prometheus.Gauge
	GatewayMessages      *prometheus.CounterVec
	GatewayRateLimited    prometheus.Counter

	ProviderRequests      *prometheus.CounterVec
	ProviderLatency       *prometheus.HistogramVec
	ProviderBreakerState  *prometheus.GaugeVec

	MemoryOperations      *prometheus.CounterVec
	MemoryQueryLatency    prometheus.Histogram

	ClusterLeader        prometheus.Gauge
	ClusterNodes          prometheus.Gauge
}

// NewMetrics builds a fresh registry and registers every metric on it. Each
// Metrics value owns its own registry so multiple instances (e.g. in tests)
// never collide on prometheus's default global registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		AgentsSpawned: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_agents_spawned_total",
			Help: "Total agents spawned, labeled by outcome.",
		}, []string{"outcome"}),
		AgentsLive: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentrt_agents_live",
			Help: "Number of agents currently in a non-terminated state.",
		}),
		AgentTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_agent_transitions_total",
			Help: "State machine transitions, labeled by from/to/event.",
		}, []string{"from", "to", "event"}),
		RequestTokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_request_tokens_total",
			Help: "Input/output tokens recorded via RecordUsage.",
		}, []string{"direction"}),
		EstimatedCostUSD: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_estimated_cost_usd_total",
			Help: "Estimated USD cost accrued, labeled by model.",
		}, []string{"model"}),
		CapabilityChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_capability_checks_total",
			Help: "Capability checks, labeled by capability and allowed/denied.",
		}, []string{"capability", "result"}),
		GatewayConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentrt_gateway_connections",
			Help: "Currently open gateway connections.",
		}),
		GatewayMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_gateway_messages_total",
			Help: "Inbound gateway messages, labeled by type.",
		}, []string{"type"}),
		GatewayRateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "agentrt_gateway_rate_limited_total",
			Help: "Messages rejected for exceeding the per-connection rate limit.",
		}),
		ProviderRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_provider_requests_total",
			Help: "Provider requests, labeled by provider and outcome.",
		}, []string{"provider", "outcome"}),
		ProviderLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentrt_provider_latency_seconds",
			Help:    "Provider request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		ProviderBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentrt_provider_breaker_state",
			Help: "Circuit breaker state per provider (0=closed,1=open,2=half_open).",
		}, []string{"provider"}),
		MemoryOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_memory_operations_total",
			Help: "Memory store operations, labeled by op and outcome.",
		}, []string{"op", "outcome"}),
		MemoryQueryLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentrt_memory_query_latency_seconds",
			Help:    "Memory Query() latency.",
			Buckets: prometheus.DefBuckets,
		}),
		ClusterLeader: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentrt_cluster_is_leader",
			Help: "1 if this node currently holds the leader lease.",
		}),
		ClusterNodes: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentrt_cluster_nodes",
			Help: "Known cluster nodes with a fresh heartbeat.",
		}),
	}
}
