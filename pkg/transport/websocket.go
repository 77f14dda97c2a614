package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const defaultReadLimit = 1 << 20

// WebSocket speaks JSON-RPC 2.0 over a WebSocket control channel.
type WebSocket struct {
	opts   Options
	client *http.Client
}

func NewWebSocket(opts Options) *WebSocket {
	ws := &WebSocket{opts: opts}
	if opts.TLSConfig != nil {
		ws.client = &http.Client{
			Transport: &http.Transport{TLSClientConfig: opts.TLSConfig},
		}
	}
	return ws
}

func (w *WebSocket) Open(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: w.client,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %s: %w", endpoint, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", endpoint, err)
	}

	limit := w.opts.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)

	c := &wsConn{
		conn:     conn,
		endpoint: endpoint,
		pending:  make(map[int64]chan *rpcMessage),
		notify:   w.opts.OnNotification,
		logger:   w.opts.logger().With(zap.String("endpoint", endpoint)),
	}
	c.closer.init()

	go c.readLoop()
	return c, nil
}

type wsConn struct {
	closer

	conn     *websocket.Conn
	endpoint string
	nextID   atomic.Int64
	notify   func(Notification)
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[int64]chan *rpcMessage
}

func (c *wsConn) Call(ctx context.Context, method string, params, result any) error {
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}

	id := c.nextID.Add(1)
	ch := make(chan *rpcMessage, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := rpcRequest{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: params}
	if err := wsjson.Write(ctx, c.conn, req); err != nil {
		return fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return msg.Error
		}
		if result == nil || len(msg.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(msg.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.closedErr()
	}
}

func (c *wsConn) Close() error {
	if !c.finish(ErrClosed) {
		return nil
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "federation closed")
	if err != nil && websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	return err
}

func (c *wsConn) closedErr() error {
	if err := c.Err(); err != nil && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return ErrClosed
}

func (c *wsConn) readLoop() {
	for {
		var msg rpcMessage
		if err := wsjson.Read(context.Background(), c.conn, &msg); err != nil {
			if c.finish(err) {
				c.logger.Debug("Control channel ended", zap.Error(err))
				_ = c.conn.Close(websocket.StatusGoingAway, "read failed")
			}
			return
		}

		if msg.isResponse() {
			c.mu.Lock()
			ch, ok := c.pending[*msg.ID]
			c.mu.Unlock()
			if !ok {
				c.logger.Debug("Dropping response for unknown request", zap.Int64("id", *msg.ID))
				continue
			}
			select {
			case ch <- &msg:
			default:
			}
			continue
		}

		if msg.Method != "" && c.notify != nil {
			c.notify(Notification{Endpoint: c.endpoint, Method: msg.Method, Params: msg.Params})
		}
	}
}
