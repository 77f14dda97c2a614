package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Keys read from a peer's auth config when its auth type is oauth2.
const (
	OAuth2TokenURL     = "token_url"
	OAuth2ClientID     = "client_id"
	OAuth2ClientSecret = "client_secret"
	OAuth2Scopes       = "scopes"
	OAuth2Audience     = "audience"
)

// OAuth2Source fetches bearer tokens with the client-credentials grant.
type OAuth2Source struct {
	// HTTPClient is used for token requests when set.
	HTTPClient *http.Client
}

func (s *OAuth2Source) Token(ctx context.Context, settings map[string]any) (string, error) {
	cc, err := clientCredentials(settings)
	if err != nil {
		return "", err
	}
	if s != nil && s.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.HTTPClient)
	}

	tok, err := cc.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("client credentials exchange with %s: %w", cc.TokenURL, err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("token endpoint %s returned an empty access token", cc.TokenURL)
	}
	return tok.AccessToken, nil
}

func clientCredentials(settings map[string]any) (*clientcredentials.Config, error) {
	tokenURL := stringSetting(settings, OAuth2TokenURL)
	clientID := stringSetting(settings, OAuth2ClientID)
	if tokenURL == "" || clientID == "" {
		return nil, fmt.Errorf("oauth2 auth requires %s and %s", OAuth2TokenURL, OAuth2ClientID)
	}

	cc := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: stringSetting(settings, OAuth2ClientSecret),
		TokenURL:     tokenURL,
		Scopes:       listSetting(settings, OAuth2Scopes),
	}
	if aud := stringSetting(settings, OAuth2Audience); aud != "" {
		cc.EndpointParams = url.Values{"audience": {aud}}
	}
	return cc, nil
}

func stringSetting(settings map[string]any, key string) string {
	if v, ok := settings[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// listSetting accepts a space separated string or a list of strings.
func listSetting(settings map[string]any, key string) []string {
	switch v := settings[key].(type) {
	case string:
		return strings.Fields(v)
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
