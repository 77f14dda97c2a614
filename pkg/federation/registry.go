package federation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mcpfed/pkg/transport"
	"mcpfed/pkg/types"
)

// ConnectionRecord is the live connection state of one peer. Its transport is
// owned by the record: only teardown closes it.
type ConnectionRecord struct {
	ServerID  types.ServerID
	AttemptID string

	// Guarded by the owning registry's lock.
	state        types.ConnectionState
	conn         transport.Conn
	capabilities types.Capabilities
	connectedAt  time.Time

	cancel    context.CancelFunc
	stop      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newRecord(serverID types.ServerID, cancel context.CancelFunc) *ConnectionRecord {
	if cancel == nil {
		cancel = func() {}
	}
	return &ConnectionRecord{
		ServerID:  serverID,
		AttemptID: uuid.NewString(),
		state:     types.StateConnecting,
		cancel:    cancel,
		stop:      make(chan struct{}),
	}
}

// shutdown aborts a pending attempt and closes the transport. Only the first
// call has any effect.
func (r *ConnectionRecord) shutdown() error {
	r.closeOnce.Do(func() {
		r.cancel()
		close(r.stop)
		if r.conn != nil {
			r.closeErr = r.conn.Close()
		}
	})
	return r.closeErr
}

// Registry maps server ids to their configuration and live connection record.
// A config may exist without a record; a record is only created for a
// registered config.
type Registry struct {
	mu      sync.RWMutex
	configs map[types.ServerID]types.PeerConfig
	records map[types.ServerID]*ConnectionRecord
	closed  bool
}

func NewRegistry() *Registry {
	return &Registry{
		configs: make(map[types.ServerID]types.PeerConfig),
		records: make(map[types.ServerID]*ConnectionRecord),
	}
}

// Put inserts or replaces a config without touching any live connection.
func (r *Registry) Put(cfg types.PeerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.ServerID] = cfg
}

// Remove deletes a config. Any connection record must already be torn down.
func (r *Registry) Remove(serverID types.ServerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.configs, serverID)
}

func (r *Registry) Config(serverID types.ServerID) (types.PeerConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[serverID]
	return cfg, ok
}

// Configs returns every registered config ordered by server id.
func (r *Registry) Configs() []types.PeerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.PeerConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// Attach stores rec. It fails while any record for the same id is connecting,
// connected or closing.
func (r *Registry) Attach(rec *ConnectionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attachLocked(rec)
}

func (r *Registry) attachLocked(rec *ConnectionRecord) error {
	if r.closed {
		return ErrClosed
	}
	if _, exists := r.records[rec.ServerID]; exists {
		return ErrAlreadyConnected
	}
	r.records[rec.ServerID] = rec
	return nil
}

// Detach removes and returns the record for serverID, or nil when there is none.
func (r *Registry) Detach(serverID types.ServerID) *ConnectionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[serverID]
	if !ok {
		return nil
	}
	delete(r.records, serverID)
	rec.state = types.StateClosed
	return rec
}

// Begin registers cfg and attaches rec in one step.
func (r *Registry) Begin(cfg types.PeerConfig, rec *ConnectionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.configs[cfg.ServerID] = cfg
	return r.attachLocked(rec)
}

// Promote marks rec connected if it is still the registered attempt for its id.
func (r *Registry) Promote(rec *ConnectionRecord, conn transport.Conn, caps types.Capabilities) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.records[rec.ServerID] != rec || rec.state != types.StateConnecting {
		if r.closed {
			return ErrClosed
		}
		return ErrRemoved
	}
	rec.conn = conn
	rec.capabilities = caps
	rec.connectedAt = time.Now()
	rec.state = types.StateConnected
	return nil
}

// Evict moves the record for serverID to closing and drops the config, in one
// step. The closing record stays registered until Release. It returns the
// record, if any, and the state it was in.
func (r *Registry) Evict(serverID types.ServerID) (*ConnectionRecord, types.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.configs, serverID)
	rec, ok := r.records[serverID]
	if !ok {
		return nil, types.StateIdle
	}
	prev := rec.state
	rec.state = types.StateClosing
	return rec, prev
}

// MarkClosing moves rec to closing if it is the connected record for its id.
func (r *Registry) MarkClosing(rec *ConnectionRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.records[rec.ServerID] != rec || rec.state != types.StateConnected {
		return false
	}
	rec.state = types.StateClosing
	return true
}

// Release deletes rec if it is still registered for its id.
func (r *Registry) Release(rec *ConnectionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.records[rec.ServerID] == rec {
		delete(r.records, rec.ServerID)
	}
	rec.state = types.StateClosed
}

// close refuses further attaches and moves every record to closing.
func (r *Registry) close() []*ConnectionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	recs := make([]*ConnectionRecord, 0, len(r.records))
	for _, rec := range r.records {
		rec.state = types.StateClosing
		recs = append(recs, rec)
	}
	return recs
}

// State reports the state of a server: idle when registered without a record.
func (r *Registry) State(serverID types.ServerID) (types.ConnectionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rec, ok := r.records[serverID]; ok {
		return rec.state, true
	}
	_, ok := r.configs[serverID]
	return types.StateIdle, ok
}

// ListConnected returns the ids in state connected, ordered by id.
func (r *Registry) ListConnected() []types.ServerID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.ServerID, 0, len(r.records))
	for id, rec := range r.records {
		if rec.state == types.StateConnected {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Capabilities returns the handshake snapshot of a connected server.
func (r *Registry) Capabilities(serverID types.ServerID) (types.Capabilities, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[serverID]
	if !ok || rec.state != types.StateConnected {
		return types.Capabilities{}, ErrNotConnected
	}
	return rec.capabilities, nil
}

// Snapshot returns the status of every registered server, ordered by id.
func (r *Registry) Snapshot() []types.PeerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.PeerStatus, 0, len(r.configs))
	for id, cfg := range r.configs {
		st := types.PeerStatus{
			ServerID:        id,
			ControlEndpoint: cfg.Endpoints.Control,
			AuthKind:        cfg.Auth.Kind,
			State:           types.StateIdle,
		}
		if rec, ok := r.records[id]; ok {
			st.State = rec.state
			st.AttemptID = rec.AttemptID
			if rec.state == types.StateConnected {
				caps := rec.capabilities
				st.Capabilities = &caps
				st.ConnectedAt = rec.connectedAt
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// Counts returns the number of registered and connected servers.
func (r *Registry) Counts() (registered, connected int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rec := range r.records {
		if rec.state == types.StateConnected {
			connected++
		}
	}
	return len(r.configs), connected
}
