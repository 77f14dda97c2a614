package auth

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"mcpfed/pkg/types"
)

const testSecret = "test-secret-key"

func newTestIssuer(t *testing.T) *JWTIssuer {
	t.Helper()
	issuer, err := NewJWTIssuer(&AuthConfig{
		Secret:   testSecret,
		Issuer:   "mcpfed-test",
		TokenTTL: time.Minute,
	})
	require.NoError(t, err)
	return issuer
}

func TestAuthConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  AuthConfig
		wantErr error
	}{
		{"valid", AuthConfig{Secret: "s", TokenTTL: time.Minute}, nil},
		{"missing secret", AuthConfig{TokenTTL: time.Minute}, ErrMissingSecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	negative := AuthConfig{Secret: "s", TokenTTL: -time.Second}
	assert.Error(t, negative.Validate())

	_, err := NewJWTIssuer(&AuthConfig{})
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestJWTIssuer_RoundTrip(t *testing.T) {
	issuer := newTestIssuer(t)

	token, err := issuer.Issue(FederationClaims("test-server"))
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "test-server", claims[ClaimServerID])
	assert.Equal(t, Purpose, claims[ClaimPurpose])
	assert.Equal(t, "mcpfed-test", claims["iss"])
	assert.Contains(t, claims, "exp")
}

func TestJWTIssuer_RegisteredClaimsWin(t *testing.T) {
	issuer := newTestIssuer(t)

	token, err := issuer.Issue(map[string]any{
		ClaimServerID: "s1",
		"iss":         "someone-else",
		"exp":         int64(1),
		"iat":         int64(1),
	})
	require.NoError(t, err)

	claims, err := issuer.Verify(token)
	require.NoError(t, err, "caller claims must not replace exp")
	assert.Equal(t, "s1", claims[ClaimServerID])
	assert.Equal(t, "mcpfed-test", claims["iss"])
	assert.Greater(t, claims["iat"], float64(1))
}

func TestJWTIssuer_RejectsBadTokens(t *testing.T) {
	issuer := newTestIssuer(t)
	token, err := issuer.Issue(FederationClaims("s1"))
	require.NoError(t, err)

	t.Run("garbage", func(t *testing.T) {
		_, err := issuer.Verify("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other, err := NewJWTIssuer(&AuthConfig{Secret: "other", Issuer: "mcpfed-test", TokenTTL: time.Minute})
		require.NoError(t, err)
		_, err = other.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong algorithm", func(t *testing.T) {
		hs256, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"iss": "mcpfed-test"}).SignedString([]byte(testSecret))
		require.NoError(t, err)
		_, err = issuer.Verify(hs256)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		issuer.now = func() time.Time { return time.Now().Add(time.Hour) }
		defer func() { issuer.now = time.Now }()
		_, err := issuer.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other, err := NewJWTIssuer(&AuthConfig{Secret: testSecret, Issuer: "someone-else", TokenTTL: time.Minute})
		require.NoError(t, err)
		_, err = other.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func newTokenEndpoint(t *testing.T, accessToken string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("grant_type") != "client_credentials" {
			http.Error(w, "unsupported grant", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": accessToken,
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBroker_Token(t *testing.T) {
	issuer := newTestIssuer(t)
	tokenEndpoint := newTokenEndpoint(t, "oauth-access-token")
	broker := NewBroker(issuer, &OAuth2Source{HTTPClient: tokenEndpoint.Client()})
	ctx := context.Background()

	t.Run("jwt", func(t *testing.T) {
		token, err := broker.Token(ctx, types.PeerConfig{ServerID: "s1", Auth: types.AuthSettings{Kind: types.AuthJWT}})
		require.NoError(t, err)

		claims, err := issuer.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, "s1", claims[ClaimServerID])
		assert.Equal(t, Purpose, claims[ClaimPurpose])
	})

	t.Run("oauth2", func(t *testing.T) {
		token, err := broker.Token(ctx, types.PeerConfig{
			ServerID: "s2",
			Auth: types.AuthSettings{
				Kind: types.AuthOAuth2,
				Config: map[string]any{
					OAuth2TokenURL:     tokenEndpoint.URL,
					OAuth2ClientID:     "gateway",
					OAuth2ClientSecret: "secret",
					OAuth2Scopes:       []any{"mcp.read", "mcp.write"},
				},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, "oauth-access-token", token)
	})

	t.Run("oauth2 missing settings", func(t *testing.T) {
		_, err := broker.Token(ctx, types.PeerConfig{ServerID: "s3", Auth: types.AuthSettings{Kind: types.AuthOAuth2}})
		assert.ErrorIs(t, err, ErrTokenUnavailable)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := broker.Token(ctx, types.PeerConfig{ServerID: "s4", Auth: types.AuthSettings{Kind: "basic"}})
		assert.ErrorIs(t, err, ErrTokenUnavailable)
	})

	t.Run("no issuer", func(t *testing.T) {
		_, err := NewBroker(nil, nil).Token(ctx, types.PeerConfig{ServerID: "s5", Auth: types.AuthSettings{Kind: types.AuthJWT}})
		assert.ErrorIs(t, err, ErrTokenUnavailable)
	})
}

func TestListSetting(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, listSetting(map[string]any{"k": "a b"}, "k"))
	assert.Equal(t, []string{"a"}, listSetting(map[string]any{"k": []any{"a", 3, ""}}, "k"))
	assert.Nil(t, listSetting(map[string]any{}, "k"))
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Equal(t, "", BearerToken("Basic abc"))
	assert.Equal(t, "", BearerToken(""))
}

func TestAuthInterceptor_HTTP(t *testing.T) {
	issuer := newTestIssuer(t)
	interceptor := NewAuthInterceptor(issuer, true)

	var seen map[string]any
	handler := interceptor.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	token, err := issuer.Issue(FederationClaims("caller"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/peers", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "caller", seen[ClaimServerID])

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/peers", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	wrongPurpose, err := issuer.Issue(map[string]any{ClaimPurpose: "login"})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/peers", nil)
	req.Header.Set("Authorization", "Bearer "+wrongPurpose)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthInterceptor_GRPC(t *testing.T) {
	issuer := newTestIssuer(t)
	interceptor := NewAuthInterceptor(issuer, true).UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/mcp.federation.v1.Federation/Initialize"}

	token, err := issuer.Issue(FederationClaims("caller"))
	require.NoError(t, err)

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(TokenMetadataKey, "Bearer "+token))
	resp, err := interceptor(ctx, nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		claims, ok := ClaimsFromContext(ctx)
		require.True(t, ok)
		return claims[ClaimServerID], nil
	})
	require.NoError(t, err)
	assert.Equal(t, "caller", resp)

	_, err = interceptor(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, errors.New("handler must not run")
	})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	optional := NewAuthInterceptor(issuer, false).UnaryServerInterceptor()
	_, err = optional(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, nil
	})
	assert.NoError(t, err)
}

func TestUnaryClientInterceptor(t *testing.T) {
	var got []string
	invoker := func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		md, _ := metadata.FromOutgoingContext(ctx)
		got = md.Get(TokenMetadataKey)
		return nil
	}

	require.NoError(t, UnaryClientInterceptor("tok")(context.Background(), "/m", nil, nil, nil, invoker))
	assert.Equal(t, []string{"Bearer tok"}, got)

	require.NoError(t, UnaryClientInterceptor("")(context.Background(), "/m", nil, nil, nil, invoker))
	assert.Empty(t, got)
}

func TestTLSConfig_BuildClientConfig(t *testing.T) {
	var nilCfg *TLSConfig
	cfg, err := nilCfg.BuildClientConfig()
	require.NoError(t, err)
	assert.Nil(t, cfg)

	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()

	caPath := filepath.Join(t.TempDir(), "ca.crt")
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	require.NoError(t, os.WriteFile(caPath, caPEM, 0600))

	cfg, err = (&TLSConfig{CAPath: caPath, MinTLSVersion: "1.3"}).BuildClientConfig()
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	require.NotNil(t, cfg.RootCAs)

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: cfg}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	_, err = (&TLSConfig{CAPath: filepath.Join(t.TempDir(), "missing.crt")}).BuildClientConfig()
	assert.Error(t, err)

	_, err = (&TLSConfig{CertPath: "only-cert.pem"}).BuildClientConfig()
	assert.Error(t, err)
}
