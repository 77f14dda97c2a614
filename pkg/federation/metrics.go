package federation

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Disconnect causes recorded by Metrics.Disconnects.
const (
	causeRemoved  = "removed"
	causeLost     = "lost"
	causeShutdown = "shutdown"
)

// Metrics tracks federation connection metrics
type Metrics struct {
	// Registry metrics
	PeersRegistered prometheus.Gauge
	PeersConnected  prometheus.Gauge

	// Lifecycle metrics
	ConnectionAttempts prometheus.Counter
	ConnectionFailures *prometheus.CounterVec
	Disconnects        *prometheus.CounterVec
	HandshakeLatency   prometheus.Histogram

	// Health metrics
	FederationHealth prometheus.Gauge // 0-100 score
	LastHealthCheck  prometheus.Gauge
}

// NewMetrics creates and registers Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &Metrics{
		PeersRegistered: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "federation_peers_registered",
			Help: "Number of registered federation peers",
		}),
		PeersConnected: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "federation_peers_connected",
			Help: "Number of peers with a validated connection",
		}),
		ConnectionAttempts: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "federation_connection_attempts_total",
			Help: "Total number of connection attempts",
		}),
		ConnectionFailures: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "federation_connection_failures_total",
			Help: "Total number of failed connection attempts",
		}, []string{"reason"}),
		Disconnects: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "federation_disconnects_total",
			Help: "Total number of closed peer connections",
		}, []string{"cause"}),
		HandshakeLatency: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "federation_handshake_duration_seconds",
			Help:    "Time from connection attempt to validated connection",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		FederationHealth: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "federation_health_score",
			Help: "Share of registered peers that are connected (0-100)",
		}),
		LastHealthCheck: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "federation_last_health_check_timestamp",
			Help: "Unix timestamp of the last health check",
		}),
	}
}

// HealthMonitor periodically refreshes the gauges from the registry and
// computes a federation health score.
type HealthMonitor struct {
	manager *Manager
	metrics *Metrics
	logger  *zap.Logger

	checkInterval time.Duration
	mu            sync.RWMutex
	lastCheck     time.Time
	health        float64
	stopChan      chan struct{}
	stopOnce      sync.Once
}

func NewHealthMonitor(manager *Manager, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	return &HealthMonitor{
		manager:       manager,
		metrics:       manager.metrics,
		logger:        logger,
		checkInterval: interval,
		health:        100,
		stopChan:      make(chan struct{}),
	}
}

// Start begins periodic health monitoring
func (hm *HealthMonitor) Start() {
	go hm.monitorLoop()
}

func (hm *HealthMonitor) Stop() {
	hm.stopOnce.Do(func() { close(hm.stopChan) })
}

func (hm *HealthMonitor) monitorLoop() {
	ticker := time.NewTicker(hm.checkInterval)
	defer ticker.Stop()

	hm.Check()

	for {
		select {
		case <-ticker.C:
			hm.Check()
		case <-hm.stopChan:
			return
		}
	}
}

// Check refreshes the gauges and recomputes the health score.
func (hm *HealthMonitor) Check() float64 {
	registered, connected := hm.manager.registry.Counts()

	health := 100.0
	if registered > 0 {
		health = float64(connected) / float64(registered) * 100
	}

	now := time.Now()
	hm.mu.Lock()
	hm.lastCheck = now
	hm.health = health
	hm.mu.Unlock()

	hm.metrics.PeersRegistered.Set(float64(registered))
	hm.metrics.PeersConnected.Set(float64(connected))
	hm.metrics.FederationHealth.Set(health)
	hm.metrics.LastHealthCheck.Set(float64(now.Unix()))

	hm.logger.Debug("Health check completed",
		zap.Int("registered", registered),
		zap.Int("connected", connected),
		zap.Float64("health", health))
	return health
}

// GetHealth returns the last health score and when it was computed
func (hm *HealthMonitor) GetHealth() (float64, time.Time) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.health, hm.lastCheck
}
