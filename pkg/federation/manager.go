package federation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"mcpfed/pkg/auth"
	"mcpfed/pkg/transport"
	"mcpfed/pkg/types"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultQueryTimeout   = 5 * time.Second
)

type Options struct {
	// ConnectTimeout bounds token acquisition and transport open, each.
	ConnectTimeout time.Duration

	// QueryTimeout bounds the capability query on a fresh channel.
	QueryTimeout time.Duration

	Validator  Validator
	Metrics    *Metrics
	Logger     *zap.Logger
	ClientInfo types.ServerInfo
}

// Manager drives the connect, validate and monitor lifecycle of every
// registered peer.
type Manager struct {
	registry  *Registry
	tokens    auth.TokenSource
	transport transport.Transport
	validator Validator
	metrics   *Metrics
	logger    *zap.Logger

	connectTimeout time.Duration
	queryTimeout   time.Duration
	clientInfo     types.ServerInfo

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup // attempts in flight and watchers

	gaugeMu sync.Mutex
}

func NewManager(tokens auth.TokenSource, tr transport.Transport, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.Validator == nil {
		opts.Validator = SubsetValidator{}
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	if opts.ClientInfo.Name == "" {
		opts.ClientInfo = types.ServerInfo{Name: "mcpfed", Version: "dev"}
	}

	return &Manager{
		registry:       NewRegistry(),
		tokens:         tokens,
		transport:      tr,
		validator:      opts.Validator,
		metrics:        opts.Metrics,
		logger:         logger,
		connectTimeout: opts.ConnectTimeout,
		queryTimeout:   opts.QueryTimeout,
		clientInfo:     opts.ClientInfo,
	}
}

// Registry exposes the peer registry for read access.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// RegisterServer stores cfg and connects to the peer. It returns once the
// peer is connected and validated, or with the reason the attempt failed.
// The config stays registered after a failure; call again to retry. Failures
// wrap one of the package errors, except that cancelling ctx returns
// context.Canceled.
func (m *Manager) RegisterServer(ctx context.Context, cfg types.PeerConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if !m.acquire() {
		return ErrClosed
	}
	watching := false
	defer func() {
		if !watching {
			m.wg.Done()
		}
	}()

	logger := m.logger.With(zap.String("server_id", string(cfg.ServerID)))
	m.metrics.ConnectionAttempts.Inc()
	start := time.Now()

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rec := newRecord(cfg.ServerID, cancel)
	if err := m.registry.Begin(cfg, rec); err != nil {
		m.refreshGauges()
		return m.failed(logger, err)
	}
	m.refreshGauges()
	logger = logger.With(zap.String("attempt_id", rec.AttemptID))
	logger.Debug("Connecting to peer", zap.String("endpoint", cfg.Endpoints.Control))

	conn, caps, err := m.connect(attemptCtx, cfg)
	if err == nil {
		if err = m.registry.Promote(rec, conn, caps); err != nil {
			_ = conn.Close()
		}
	}
	if err != nil {
		m.registry.Release(rec)
		switch {
		case errors.Is(err, ErrClosed) || errors.Is(err, ErrRemoved):
		case m.isClosed():
			err = fmt.Errorf("%w: %w", ErrClosed, err)
		case errors.Is(err, context.Canceled) && ctx.Err() == nil:
			err = fmt.Errorf("%w: %w", ErrRemoved, err)
		}
		return m.failed(logger, err)
	}

	m.metrics.HandshakeLatency.Observe(time.Since(start).Seconds())
	m.refreshGauges()
	logger.Info("Peer connected",
		zap.String("protocol_version", caps.ProtocolVersion),
		zap.String("peer_name", caps.ServerInfo.Name),
		zap.Duration("elapsed", time.Since(start)))

	watching = true
	go m.watch(rec, conn, logger)
	return nil
}

// connect acquires a token, opens the control channel, queries capabilities
// and validates them. Any channel it opened is closed on failure.
func (m *Manager) connect(ctx context.Context, cfg types.PeerConfig) (transport.Conn, types.Capabilities, error) {
	tokenCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	token, err := m.tokens.Token(tokenCtx, cfg)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.Capabilities{}, interrupted(ctx, ErrConnectTimeout, "token")
		}
		return nil, types.Capabilities{}, fmt.Errorf("%w: %w", ErrAuth, err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	openCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	conn, err := m.transport.Open(openCtx, cfg.Endpoints.Control, header)
	timedOut := openCtx.Err() == context.DeadlineExceeded
	cancel()
	switch {
	case ctx.Err() != nil:
		if conn != nil {
			_ = conn.Close()
		}
		return nil, types.Capabilities{}, interrupted(ctx, ErrConnectTimeout, "open "+cfg.Endpoints.Control)
	case timedOut:
		if conn != nil {
			_ = conn.Close()
		}
		return nil, types.Capabilities{}, fmt.Errorf("%w: %s after %s", ErrConnectTimeout, cfg.Endpoints.Control, m.connectTimeout)
	case err != nil:
		return nil, types.Capabilities{}, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	queryCtx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	caps, err := queryCapabilities(queryCtx, conn, m.clientInfo)
	cancel()
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, types.Capabilities{}, interrupted(ctx, ErrTransport, "capability query")
		}
		return nil, types.Capabilities{}, fmt.Errorf("%w: capability query: %w", ErrTransport, err)
	}

	if err := m.validator.Validate(caps, cfg); err != nil {
		_ = conn.Close()
		return nil, types.Capabilities{}, fmt.Errorf("%w: %w", ErrCapabilityMismatch, err)
	}
	return conn, caps, nil
}

// interrupted types an attempt stopped by ctx. A deadline becomes kind; a
// cancellation is returned as is so the caller can tell removal from abandonment.
func interrupted(ctx context.Context, kind error, phase string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", kind, phase, ctx.Err())
	}
	return ctx.Err()
}

// acquire counts a new attempt unless the manager is closed.
func (m *Manager) acquire() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	return true
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) failed(logger *zap.Logger, err error) error {
	reason := failureReason(err)
	m.metrics.ConnectionFailures.WithLabelValues(reason).Inc()
	logger.Warn("Peer connection failed", zap.String("reason", reason), zap.Error(err))
	return err
}

// watch waits for the control channel to end. A close the manager did not
// initiate tears the record down; an explicit teardown stops the watch.
func (m *Manager) watch(rec *ConnectionRecord, conn transport.Conn, logger *zap.Logger) {
	defer m.wg.Done()

	select {
	case <-conn.Done():
	case <-rec.stop:
		return
	}

	if !m.registry.MarkClosing(rec) {
		return
	}
	_ = rec.shutdown()
	m.registry.Release(rec)
	m.metrics.Disconnects.WithLabelValues(causeLost).Inc()
	m.refreshGauges()
	logger.Warn("Peer connection lost", zap.Error(conn.Err()))
}

// RemoveServer closes any connection to serverID and forgets its config.
// Removing an unknown server is a no-op.
func (m *Manager) RemoveServer(serverID types.ServerID) error {
	rec, prev := m.registry.Evict(serverID)
	if rec == nil {
		m.refreshGauges()
		return nil
	}

	err := rec.shutdown()
	m.registry.Release(rec)
	if prev == types.StateConnected {
		m.metrics.Disconnects.WithLabelValues(causeRemoved).Inc()
	}
	m.refreshGauges()

	m.logger.Info("Peer removed",
		zap.String("server_id", string(serverID)),
		zap.String("attempt_id", rec.AttemptID))
	if err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrTransport, serverID, err)
	}
	return nil
}

// GetConnectedServers returns the connected server ids in lexicographic order.
func (m *Manager) GetConnectedServers() []types.ServerID {
	return m.registry.ListConnected()
}

// GetServerCapabilities returns the capabilities captured at handshake time.
func (m *Manager) GetServerCapabilities(serverID types.ServerID) (types.Capabilities, error) {
	caps, err := m.registry.Capabilities(serverID)
	if err != nil {
		return types.Capabilities{}, fmt.Errorf("%w: %s", err, serverID)
	}
	return caps, nil
}

func (m *Manager) Status() []types.PeerStatus {
	return m.registry.Snapshot()
}

// Close tears down every connection, waits for in-flight attempts to unwind
// and refuses further registrations. Configs are kept so Status still lists
// them.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var errs []error
	for _, rec := range m.registry.close() {
		connected := rec.conn != nil
		if err := rec.shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", rec.ServerID, err))
		}
		m.registry.Release(rec)
		if connected {
			m.metrics.Disconnects.WithLabelValues(causeShutdown).Inc()
		}
	}
	m.wg.Wait()
	m.refreshGauges()
	m.logger.Info("Federation manager closed")
	return errors.Join(errs...)
}

// refreshGauges publishes the registry counts. Reading and setting happen
// under one lock so a slower caller cannot overwrite newer values.
func (m *Manager) refreshGauges() {
	m.gaugeMu.Lock()
	defer m.gaugeMu.Unlock()
	registered, connected := m.registry.Counts()
	m.metrics.PeersRegistered.Set(float64(registered))
	m.metrics.PeersConnected.Set(float64(connected))
}
