package federation

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mcpfed/pkg/auth"
	"mcpfed/pkg/transport"
	"mcpfed/pkg/transport/transporttest"
	"mcpfed/pkg/types"
)

func newWebSocketManager(t *testing.T, opts Options) (*Manager, auth.TokenIssuer) {
	t.Helper()
	issuer, err := auth.NewJWTIssuer(&auth.AuthConfig{Secret: "federation-test-secret", TokenTTL: time.Minute})
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	opts.Logger = logger
	m := NewManager(auth.NewBroker(issuer, nil), transport.NewDefaultMux(transport.Options{Logger: logger}), opts)
	t.Cleanup(func() { _ = m.Close() })
	return m, issuer
}

func TestIntegration_WebSocketPeer(t *testing.T) {
	peer := transporttest.NewPeer()
	defer peer.Close()
	peer.HandleInitialize(map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{"tools": map[string]any{}, "resources": map[string]any{}},
		"serverInfo":      map[string]any{"name": "remote", "version": "0.3.0"},
	})

	m, issuer := newWebSocketManager(t, Options{})
	cfg := types.PeerConfig{
		ServerID:  "remote-1",
		Endpoints: types.Endpoints{Control: peer.URL()},
		Auth:      types.AuthSettings{Kind: types.AuthJWT},
		Expect:    &types.Capabilities{Tools: true},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.RegisterServer(ctx, cfg))
	assert.Equal(t, []types.ServerID{"remote-1"}, m.GetConnectedServers())

	caps, err := m.GetServerCapabilities("remote-1")
	require.NoError(t, err)
	assert.True(t, caps.Tools)
	assert.True(t, caps.Resources)
	assert.Equal(t, "remote", caps.ServerInfo.Name)

	headers := peer.Headers()
	require.Len(t, headers, 1)
	token := strings.TrimPrefix(headers[0].Get("Authorization"), "Bearer ")
	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "remote-1", claims[auth.ClaimServerID])
	assert.Equal(t, auth.Purpose, claims[auth.ClaimPurpose])

	peer.DropAll()
	require.Eventually(t, func() bool {
		state, _ := m.Registry().State("remote-1")
		return state == types.StateIdle
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, m.GetConnectedServers())

	require.NoError(t, m.RegisterServer(ctx, cfg), "a lost peer can be registered again")
	require.NoError(t, m.RemoveServer("remote-1"))
	assert.Empty(t, m.GetConnectedServers())
}

func TestIntegration_WebSocketFailures(t *testing.T) {
	peer := transporttest.NewPeer()
	defer peer.Close()
	peer.HandleInitialize(map[string]any{"protocolVersion": ProtocolVersion})

	m, _ := newWebSocketManager(t, Options{ConnectTimeout: 100 * time.Millisecond})
	cfg := types.PeerConfig{
		ServerID:  "remote-1",
		Endpoints: types.Endpoints{Control: peer.URL()},
		Auth:      types.AuthSettings{Kind: types.AuthJWT},
	}

	peer.RejectWith(http.StatusUnauthorized)
	assert.ErrorIs(t, m.RegisterServer(context.Background(), cfg), ErrConnect)

	peer.RejectWith(0)
	peer.SetAcceptDelay(time.Second)
	assert.ErrorIs(t, m.RegisterServer(context.Background(), cfg), ErrConnectTimeout)

	peer.SetAcceptDelay(0)
	cfg.Expect = &types.Capabilities{Sampling: true}
	assert.ErrorIs(t, m.RegisterServer(context.Background(), cfg), ErrCapabilityMismatch)

	cfg.Expect = nil
	cfg.Endpoints.Control = "http://" + strings.TrimPrefix(peer.URL(), "ws://")
	assert.ErrorIs(t, m.RegisterServer(context.Background(), cfg), ErrConnect)

	assert.Empty(t, m.GetConnectedServers())
	state, registered := m.Registry().State("remote-1")
	assert.True(t, registered)
	assert.Equal(t, types.StateIdle, state)
}
