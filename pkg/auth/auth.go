package auth

import (
	"context"
	"errors"
	"time"

	"mcpfed/pkg/types"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrTokenUnavailable = errors.New("token unavailable")
	ErrMissingSecret    = errors.New("token signing secret is required")
	ErrUnauthorized     = errors.New("unauthorized")
)

// Purpose is the value of the purpose claim on tokens minted for peer connections.
const Purpose = "federation"

// Claim names shared by issuer and verifier.
const (
	ClaimServerID = "serverId"
	ClaimPurpose  = "purpose"
)

// TokenIssuer mints and verifies signed bearer tokens.
type TokenIssuer interface {
	// Issue signs the given claims and returns the encoded token
	Issue(claims map[string]any) (string, error)

	// Verify checks the signature and validity window of a token and returns its claims
	Verify(token string) (map[string]any, error)
}

// TokenSource produces the bearer credential used to open a control channel to a peer.
type TokenSource interface {
	Token(ctx context.Context, cfg types.PeerConfig) (string, error)
}

// AuthConfig holds token configuration for the gateway
type AuthConfig struct {
	Secret   string        `json:"secret" yaml:"secret"`
	Issuer   string        `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	TokenTTL time.Duration `json:"token_ttl,omitempty" yaml:"token_ttl,omitempty"`
	Leeway   time.Duration `json:"leeway,omitempty" yaml:"leeway,omitempty"`
}

// DefaultAuthConfig returns default token configuration
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{
		Issuer:   "mcpfed",
		TokenTTL: 5 * time.Minute,
		Leeway:   30 * time.Second,
	}
}

// Validate checks if the token configuration is usable
func (c *AuthConfig) Validate() error {
	if c.Secret == "" {
		return ErrMissingSecret
	}
	if c.TokenTTL < 0 {
		return errors.New("token TTL must not be negative")
	}
	return nil
}

// FederationClaims returns the claim set presented to a peer when connecting.
func FederationClaims(serverID types.ServerID) map[string]any {
	return map[string]any{
		ClaimServerID: string(serverID),
		ClaimPurpose:  Purpose,
	}
}
