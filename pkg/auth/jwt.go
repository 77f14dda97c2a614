package auth

import (
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// JWTIssuer signs HS512 tokens with a shared secret.
type JWTIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	leeway time.Duration
	now    func() time.Time
}

// NewJWTIssuer creates an issuer from the auth configuration
func NewJWTIssuer(cfg *AuthConfig) (*JWTIssuer, error) {
	if cfg == nil {
		cfg = DefaultAuthConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &JWTIssuer{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    cfg.TokenTTL,
		leeway: cfg.Leeway,
		now:    time.Now,
	}, nil
}

func (j *JWTIssuer) Issue(claims map[string]any) (string, error) {
	mc := make(jwt.MapClaims, len(claims)+3)
	for k, v := range claims {
		mc[k] = v
	}

	// Registered claims always come from the issuer.
	now := j.now()
	mc["iat"] = now.Unix()
	delete(mc, "exp")
	if j.ttl > 0 {
		mc["exp"] = now.Add(j.ttl).Unix()
	}
	delete(mc, "iss")
	if j.issuer != "" {
		mc["iss"] = j.issuer
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS512, mc)
	signed, err := token.SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (j *JWTIssuer) Verify(token string) (map[string]any, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithLeeway(j.leeway),
		jwt.WithTimeFunc(j.now),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	parsed, err := jwt.Parse(token, func(*jwt.Token) (interface{}, error) {
		return j.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type %T", ErrInvalidToken, parsed.Claims)
	}
	return map[string]any(claims), nil
}
