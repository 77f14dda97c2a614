package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"mcpfed/pkg/auth"
)

// FederationService is the gRPC service peers expose for control calls.
// Requests and responses are google.protobuf.Struct values.
const FederationService = "mcp.federation.v1.Federation"

// GRPC carries control calls as unary RPCs on FederationService.
type GRPC struct {
	opts Options

	// DialOptions are appended to the defaults, mainly for custom dialers.
	DialOptions []grpc.DialOption
}

func NewGRPC(opts Options) *GRPC {
	return &GRPC{opts: opts}
}

func (g *GRPC) Open(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q: missing host", endpoint)
	}

	creds := insecure.NewCredentials()
	if strings.EqualFold(u.Scheme, "grpcs") {
		tlsConfig := g.opts.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		creds = credentials.NewTLS(tlsConfig)
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithBlock(),
		grpc.WithIdleTimeout(0),
		grpc.WithUnaryInterceptor(auth.UnaryClientInterceptor(auth.BearerToken(header.Get("Authorization")))),
	}
	opts = append(opts, g.DialOptions...)

	cc, err := grpc.DialContext(ctx, u.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", endpoint, err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	c := &grpcConn{
		cc:     cc,
		cancel: cancel,
		logger: g.opts.logger().With(zap.String("endpoint", endpoint)),
	}
	c.closer.init()

	go c.watch(watchCtx)
	return c, nil
}

type grpcConn struct {
	closer

	cc     *grpc.ClientConn
	cancel context.CancelFunc
	logger *zap.Logger
}

func (c *grpcConn) Call(ctx context.Context, method string, params, result any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	req := &structpb.Struct{}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		if err := protojson.Unmarshal(data, req); err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
	}

	resp := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, FullMethod(method), req, resp); err != nil {
		if st, ok := status.FromError(err); ok && st.Code() > 0 {
			return &RPCError{Code: int(st.Code()), Message: st.Message()}
		}
		return err
	}

	if result == nil {
		return nil
	}
	data, err := protojson.Marshal(resp)
	if err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (c *grpcConn) Close() error {
	if !c.finish(ErrClosed) {
		return nil
	}
	c.cancel()
	return c.cc.Close()
}

// watch ends the channel once the connection leaves Ready. Idleness is
// disabled at dial time, so any departure from Ready means the link was lost.
func (c *grpcConn) watch(ctx context.Context) {
	for {
		state := c.cc.GetState()
		switch state {
		case connectivity.Idle, connectivity.TransientFailure, connectivity.Shutdown:
			if c.finish(fmt.Errorf("connection %s", strings.ToLower(state.String()))) {
				c.logger.Debug("Control channel ended", zap.String("state", state.String()))
				c.cancel()
				_ = c.cc.Close()
			}
			return
		}
		if !c.cc.WaitForStateChange(ctx, state) {
			return
		}
	}
}

// FullMethod maps a control method such as "initialize" or
// "tools/list" to its gRPC method name.
func FullMethod(method string) string {
	var b strings.Builder
	upper := true
	for _, r := range method {
		if r == '/' || r == '_' || r == '.' || r == '-' {
			upper = true
			continue
		}
		if upper {
			b.WriteRune(unicode.ToUpper(r))
			upper = false
			continue
		}
		b.WriteRune(r)
	}
	return "/" + FederationService + "/" + b.String()
}
