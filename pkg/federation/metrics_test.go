package federation

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Creation(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.ConnectionFailures.WithLabelValues("auth").Inc()
	metrics.Disconnects.WithLabelValues(causeLost).Inc()

	families, err := registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, name := range []string{
		"federation_peers_registered",
		"federation_peers_connected",
		"federation_connection_attempts_total",
		"federation_connection_failures_total",
		"federation_disconnects_total",
		"federation_health_score",
	} {
		assert.True(t, names[name], "metric %s not registered", name)
	}
}

func TestHealthMonitor_Check(t *testing.T) {
	tr := newFakeTransport(initializeReply(nil))
	metrics := NewMetrics(prometheus.NewRegistry())
	m, _ := newTestManager(t, tr, Options{Metrics: metrics})
	monitor := NewHealthMonitor(m, time.Hour, nil)

	assert.Equal(t, 100.0, monitor.Check(), "an empty federation is healthy")

	require.NoError(t, m.RegisterServer(context.Background(), peerConfig("s1")))
	m.Registry().Put(peerConfig("s2"))

	assert.Equal(t, 50.0, monitor.Check())
	assert.Equal(t, 50.0, testutil.ToFloat64(metrics.FederationHealth))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.PeersRegistered))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PeersConnected))

	health, at := monitor.GetHealth()
	assert.Equal(t, 50.0, health)
	assert.WithinDuration(t, time.Now(), at, time.Second)
}

func TestHealthMonitor_StartStop(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	m, _ := newTestManager(t, newFakeTransport(nil), Options{Metrics: metrics})
	monitor := NewHealthMonitor(m, 10*time.Millisecond, nil)

	monitor.Start()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.LastHealthCheck) > 0
	}, time.Second, 5*time.Millisecond)

	monitor.Stop()
	monitor.Stop()
}
