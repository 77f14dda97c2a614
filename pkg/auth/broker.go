package auth

import (
	"context"
	"fmt"

	"mcpfed/pkg/types"
)

// Broker picks the credential mechanism for a peer based on its auth type.
type Broker struct {
	issuer TokenIssuer
	oauth2 *OAuth2Source
}

func NewBroker(issuer TokenIssuer, oauth2 *OAuth2Source) *Broker {
	if oauth2 == nil {
		oauth2 = &OAuth2Source{}
	}
	return &Broker{issuer: issuer, oauth2: oauth2}
}

func (b *Broker) Token(ctx context.Context, cfg types.PeerConfig) (string, error) {
	switch cfg.Auth.Kind {
	case types.AuthJWT:
		if b.issuer == nil {
			return "", fmt.Errorf("%w: no token issuer configured", ErrTokenUnavailable)
		}
		token, err := b.issuer.Issue(FederationClaims(cfg.ServerID))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
		}
		return token, nil
	case types.AuthOAuth2:
		token, err := b.oauth2.Token(ctx, cfg.Auth.Config)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
		}
		return token, nil
	default:
		return "", fmt.Errorf("%w: unsupported auth type %q", ErrTokenUnavailable, cfg.Auth.Kind)
	}
}
