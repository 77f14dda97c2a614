package federation

import (
	"bytes"
	"context"
	"encoding/json"

	"mcpfed/pkg/transport"
	"mcpfed/pkg/types"
)

// ProtocolVersion is the protocol revision offered in the handshake.
const ProtocolVersion = "2024-11-05"

const methodInitialize = "initialize"

type initializeParams struct {
	ProtocolVersion string           `json:"protocolVersion"`
	Capabilities    map[string]any   `json:"capabilities"`
	ClientInfo      types.ServerInfo `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string                     `json:"protocolVersion"`
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
	ServerInfo      types.ServerInfo           `json:"serverInfo"`
}

// queryCapabilities runs the initialize exchange on conn and returns the
// capabilities the peer reported.
func queryCapabilities(ctx context.Context, conn transport.Conn, client types.ServerInfo) (types.Capabilities, error) {
	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      client,
	}

	var result initializeResult
	if err := conn.Call(ctx, methodInitialize, params, &result); err != nil {
		return types.Capabilities{}, err
	}

	return types.Capabilities{
		ProtocolVersion: result.ProtocolVersion,
		Resources:       advertised(result.Capabilities, "resources"),
		Prompts:         advertised(result.Capabilities, "prompts"),
		Tools:           advertised(result.Capabilities, "tools"),
		Sampling:        advertised(result.Capabilities, "sampling"),
		ServerInfo:      result.ServerInfo,
	}, nil
}

// advertised reports whether a capability key is present with a value other
// than null or false.
func advertised(caps map[string]json.RawMessage, key string) bool {
	raw, ok := caps[key]
	if !ok {
		return false
	}
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null")) && !bytes.Equal(raw, []byte("false"))
}
