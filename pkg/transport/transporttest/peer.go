// Package transporttest provides an in-process MCP peer for tests.
package transporttest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Handler answers one JSON-RPC method. Returning a non-nil error map sends a
// JSON-RPC error response instead of a result.
type Handler func(params json.RawMessage) (result any, rpcErr map[string]any)

// Peer is a WebSocket JSON-RPC server that behaves like a federated MCP server.
type Peer struct {
	Server *httptest.Server

	mu          sync.Mutex
	handlers    map[string]Handler
	headers     []http.Header
	conns       []*websocket.Conn
	acceptDelay time.Duration
	reject      int
}

func NewPeer() *Peer {
	p := &Peer{handlers: make(map[string]Handler)}
	p.Server = httptest.NewServer(http.HandlerFunc(p.serve))
	return p
}

// URL returns the ws:// control endpoint of the peer.
func (p *Peer) URL() string {
	return "ws" + strings.TrimPrefix(p.Server.URL, "http")
}

func (p *Peer) Handle(method string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[method] = h
}

// HandleInitialize answers initialize with a fixed result.
func (p *Peer) HandleInitialize(result any) {
	p.Handle("initialize", func(json.RawMessage) (any, map[string]any) {
		return result, nil
	})
}

// SetAcceptDelay delays the WebSocket upgrade, simulating a slow peer.
func (p *Peer) SetAcceptDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acceptDelay = d
}

// RejectWith makes the upgrade fail with the given HTTP status.
func (p *Peer) RejectWith(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reject = code
}

// Headers returns the request headers of every accepted upgrade.
func (p *Peer) Headers() []http.Header {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]http.Header(nil), p.headers...)
}

// Connections returns the number of channels accepted so far.
func (p *Peer) Connections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Notify pushes a notification on every accepted channel.
func (p *Peer) Notify(ctx context.Context, method string, params any) error {
	p.mu.Lock()
	conns := append([]*websocket.Conn(nil), p.conns...)
	p.mu.Unlock()

	for _, c := range conns {
		msg := map[string]any{"jsonrpc": "2.0", "method": method, "params": params}
		if err := wsjson.Write(ctx, c, msg); err != nil {
			return err
		}
	}
	return nil
}

// DropAll closes every accepted channel from the peer side.
func (p *Peer) DropAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "peer going away")
	}
}

func (p *Peer) Close() {
	p.DropAll()
	p.Server.Close()
}

func (p *Peer) serve(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	delay, reject := p.acceptDelay, p.reject
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if reject != 0 {
		http.Error(w, http.StatusText(reject), reject)
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	p.mu.Lock()
	p.headers = append(p.headers, r.Header.Clone())
	p.conns = append(p.conns, c)
	p.mu.Unlock()

	ctx := context.Background()
	for {
		var req struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := wsjson.Read(ctx, c, &req); err != nil {
			return
		}
		if req.ID == nil {
			continue
		}

		p.mu.Lock()
		h, ok := p.handlers[req.Method]
		p.mu.Unlock()

		resp := map[string]any{"jsonrpc": "2.0", "id": *req.ID}
		switch {
		case !ok:
			resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
		default:
			result, rpcErr := h(req.Params)
			if rpcErr != nil {
				resp["error"] = rpcErr
			} else {
				resp["result"] = result
			}
		}
		if err := wsjson.Write(ctx, c, resp); err != nil {
			return
		}
	}
}
