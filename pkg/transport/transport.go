// Package transport opens authenticated control channels to federated peers.
//
// A Conn is owned by exactly one caller. Done is closed when the channel ends
// for any reason, including an explicit Close, and Err reports why.
package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrClosed            = errors.New("transport closed")
	ErrUnsupportedScheme = errors.New("unsupported endpoint scheme")
)

// Transport opens control channels. The context bounds the connect phase only.
type Transport interface {
	Open(ctx context.Context, endpoint string, header http.Header) (Conn, error)
}

// Conn is an open control channel to one peer.
type Conn interface {
	// Call sends a request and decodes the response into result
	Call(ctx context.Context, method string, params, result any) error

	// Close shuts the channel down. It is safe to call more than once.
	Close() error

	// Done is closed once the channel has ended
	Done() <-chan struct{}

	// Err returns the reason the channel ended, or nil while it is open
	Err() error
}

// Notification is an unsolicited message pushed by a peer.
type Notification struct {
	Endpoint string
	Method   string
	Params   json.RawMessage
}

type Options struct {
	TLSConfig *tls.Config
	Logger    *zap.Logger

	// OnNotification receives peer notifications. It must not block.
	OnNotification func(Notification)

	// ReadLimit caps a single inbound message in bytes.
	ReadLimit int64
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// Mux dispatches Open by endpoint scheme.
type Mux struct {
	mu         sync.RWMutex
	transports map[string]Transport
}

func NewMux() *Mux {
	return &Mux{transports: make(map[string]Transport)}
}

// NewDefaultMux serves ws, wss, grpc and grpcs endpoints.
func NewDefaultMux(opts Options) *Mux {
	m := NewMux()
	ws := NewWebSocket(opts)
	g := NewGRPC(opts)
	m.Handle("ws", ws)
	m.Handle("wss", ws)
	m.Handle("grpc", g)
	m.Handle("grpcs", g)
	return m
}

func (m *Mux) Handle(scheme string, t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transports[strings.ToLower(scheme)] = t
}

func (m *Mux) Open(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	m.mu.RLock()
	t, ok := m.transports[strings.ToLower(u.Scheme)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return t.Open(ctx, endpoint, header)
}

// RPCError is an error reported by the peer rather than by the channel.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// closer tracks the end of a channel exactly once.
type closer struct {
	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (c *closer) init() {
	c.done = make(chan struct{})
}

// finish records err as the reason the channel ended and reports whether this
// call was the one that ended it.
func (c *closer) finish(err error) bool {
	first := false
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		first = true
	})
	return first
}

func (c *closer) Done() <-chan struct{} {
	return c.done
}

func (c *closer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
