package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type contextKey string

const (
	ClaimsContextKey contextKey = "claims"
	TokenMetadataKey string     = "authorization"
)

// AuthInterceptor verifies federation bearer tokens on inbound calls and
// attaches them on outbound ones.
type AuthInterceptor struct {
	issuer      TokenIssuer
	requireAuth bool
}

// NewAuthInterceptor creates a new authentication interceptor
func NewAuthInterceptor(issuer TokenIssuer, requireAuth bool) *AuthInterceptor {
	return &AuthInterceptor{
		issuer:      issuer,
		requireAuth: requireAuth,
	}
}

// UnaryServerInterceptor returns a gRPC unary server interceptor for authentication
func (ai *AuthInterceptor) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		newCtx, err := ai.authenticateMetadata(ctx)
		if err != nil {
			if ai.requireAuth {
				return nil, status.Errorf(codes.Unauthenticated, "authentication failed: %v", err)
			}
			newCtx = ctx
		}
		return handler(newCtx, req)
	}
}

// UnaryClientInterceptor returns a gRPC unary client interceptor that presents token
func UnaryClientInterceptor(token string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if token != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, TokenMetadataKey, "Bearer "+token)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// Middleware returns HTTP middleware rejecting requests without a valid federation token
func (ai *AuthInterceptor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := ai.authenticate(BearerToken(r.Header.Get("Authorization")))
		if err != nil {
			if ai.requireAuth {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ClaimsContextKey, claims)))
	})
}

func (ai *AuthInterceptor) authenticateMetadata(ctx context.Context) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx, fmt.Errorf("no metadata in context")
	}
	values := md.Get(TokenMetadataKey)
	if len(values) == 0 {
		return ctx, fmt.Errorf("no authorization header")
	}

	claims, err := ai.authenticate(BearerToken(values[0]))
	if err != nil {
		return ctx, err
	}
	return context.WithValue(ctx, ClaimsContextKey, claims), nil
}

func (ai *AuthInterceptor) authenticate(token string) (map[string]any, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	if ai.issuer == nil {
		return nil, fmt.Errorf("%w: no token issuer configured", ErrUnauthorized)
	}

	claims, err := ai.issuer.Verify(token)
	if err != nil {
		return nil, err
	}
	if purpose, _ := claims[ClaimPurpose].(string); purpose != Purpose {
		return nil, fmt.Errorf("%w: purpose claim %q", ErrInvalidToken, purpose)
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// ClaimsFromContext retrieves verified claims from context
func ClaimsFromContext(ctx context.Context) (map[string]any, bool) {
	claims, ok := ctx.Value(ClaimsContextKey).(map[string]any)
	return claims, ok
}
