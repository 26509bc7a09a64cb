package telemetry

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersEveryCollector(t *testing.T) {
	m := NewMetrics()
	require.NotNil(t, m.Registry)

	families, err := m.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetricsIncrementAndObserve(t *testing.T) {
	m := NewMetrics()

	m.AgentsSpawned.WithLabelValues("ok").Inc()
	m.AgentsLive.Set(3)
	m.AgentTransitions.WithLabelValues("ready", "running", "start").Inc()
	m.RequestTokens.WithLabelValues("input").Add(128)
	m.EstimatedCostUSD.WithLabelValues("gpt-4").Add(0.02)
	m.CapabilityChecks.WithLabelValues("llm:chat", "allowed").Inc()
	m.GatewayConnections.Set(1)
	m.GatewayMessages.WithLabelValues("chat_request").Inc()
	m.GatewayRateLimited.Inc()
	m.ProviderRequests.WithLabelValues("openai", "success").Inc()
	m.ProviderLatency.WithLabelValues("openai").Observe(0.25)
	m.ProviderBreakerState.WithLabelValues("openai").Set(0)
	m.MemoryOperations.WithLabelValues("save", "ok").Inc()
	m.MemoryQueryLatency.Observe(0.01)
	m.ClusterLeader.Set(1)
	m.ClusterNodes.Set(2)

	families, err := m.Registry.Gather()
	require.NoError(t, err)

	var found bool
	for _, fam := range families {
		if fam.GetName() == "agentrt_agents_spawned_total" {
			found = true
			require.Len(t, fam.Metric, 1)
			assertCounterValue(t, fam.Metric[0], 1)
		}
	}
	assert.True(t, found, "expected agentrt_agents_spawned_total to be gathered")
}

func TestMetricsAreIndependentPerInstance(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	a.AgentsSpawned.WithLabelValues("ok").Inc()

	famsA, err := a.Registry.Gather()
	require.NoError(t, err)
	famsB, err := b.Registry.Gather()
	require.NoError(t, err)

	assert.NotEqual(t, countSpawned(famsA), countSpawned(famsB))
}

func countSpawned(families []*dto.MetricFamily) float64 {
	for _, fam := range families {
		if fam.GetName() == "agentrt_agents_spawned_total" {
			if len(fam.Metric) == 0 {
				return 0
			}
			return fam.Metric[0].GetCounter().GetValue()
		}
	}
	return 0
}

func assertCounterValue(t *testing.T, m *dto.Metric, want float64) {
	t.Helper()
	require.NotNil(t, m.Counter)
	assert.Equal(t, want, m.Counter.GetValue())
}
