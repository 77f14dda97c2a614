package types

import (
	"errors"
	"fmt"
	"time"
)

type ServerID string

type AuthKind string

const (
	AuthJWT    AuthKind = "jwt"
	AuthOAuth2 AuthKind = "oauth2"
)

var ErrInvalidPeerConfig = errors.New("invalid peer config")

type Endpoints struct {
	Control string `json:"control" yaml:"control"`
	Data    string `json:"data,omitempty" yaml:"data,omitempty"`
}

type AuthSettings struct {
	Kind   AuthKind       `json:"type" yaml:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// PeerConfig describes one remote server. It is treated as immutable for the
// lifetime of a connection attempt; re-registering replaces it wholesale.
type PeerConfig struct {
	ServerID  ServerID     `json:"server_id" yaml:"server_id"`
	Endpoints Endpoints    `json:"endpoints" yaml:"endpoints"`
	Auth      AuthSettings `json:"auth" yaml:"auth"`

	// Expect is the capability set this peer must advertise. Nil accepts any peer.
	Expect *Capabilities `json:"expect,omitempty" yaml:"expect,omitempty"`
}

func (c PeerConfig) Validate() error {
	if c.ServerID == "" {
		return fmt.Errorf("%w: server id is required", ErrInvalidPeerConfig)
	}
	if c.Endpoints.Control == "" {
		return fmt.Errorf("%w: control endpoint is required for %s", ErrInvalidPeerConfig, c.ServerID)
	}
	switch c.Auth.Kind {
	case AuthJWT, AuthOAuth2:
	case "":
		return fmt.Errorf("%w: auth type is required for %s", ErrInvalidPeerConfig, c.ServerID)
	default:
		return fmt.Errorf("%w: unknown auth type %q for %s", ErrInvalidPeerConfig, c.Auth.Kind, c.ServerID)
	}
	return nil
}

type ServerInfo struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

// Capabilities is the capability surface a peer reports during the handshake.
type Capabilities struct {
	ProtocolVersion string     `json:"protocol_version,omitempty" yaml:"protocol_version,omitempty"`
	Resources       bool       `json:"resources,omitempty" yaml:"resources,omitempty"`
	Prompts         bool       `json:"prompts,omitempty" yaml:"prompts,omitempty"`
	Tools           bool       `json:"tools,omitempty" yaml:"tools,omitempty"`
	Sampling        bool       `json:"sampling,omitempty" yaml:"sampling,omitempty"`
	ServerInfo      ServerInfo `json:"server_info" yaml:"server_info,omitempty"`
}

// Missing lists every expectation in want that c does not meet. An empty
// result means c satisfies want.
func (c Capabilities) Missing(want Capabilities) []string {
	var missing []string
	if want.ProtocolVersion != "" && want.ProtocolVersion != c.ProtocolVersion {
		missing = append(missing, fmt.Sprintf("protocol version %q (peer has %q)", want.ProtocolVersion, c.ProtocolVersion))
	}
	if want.Resources && !c.Resources {
		missing = append(missing, "resources")
	}
	if want.Prompts && !c.Prompts {
		missing = append(missing, "prompts")
	}
	if want.Tools && !c.Tools {
		missing = append(missing, "tools")
	}
	if want.Sampling && !c.Sampling {
		missing = append(missing, "sampling")
	}
	return missing
}

type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ConnectionState) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateClosed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", text)
}

// PeerStatus is a point-in-time view of one registered peer.
type PeerStatus struct {
	ServerID        ServerID        `json:"server_id"`
	ControlEndpoint string          `json:"control_endpoint"`
	AuthKind        AuthKind        `json:"auth_kind"`
	State           ConnectionState `json:"state"`
	AttemptID       string          `json:"attempt_id,omitempty"`
	ConnectedAt     time.Time       `json:"connected_at,omitempty"`
	Capabilities    *Capabilities   `json:"capabilities,omitempty"`
}
