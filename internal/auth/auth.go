// Package auth verifies the bearer credentials presented by clients and
// resolves them to a stable user identity.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aegisops/cisod/internal/config"
)

// ErrInvalidToken indicates a missing, malformed, expired or mis-signed
// credential.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated caller. UserID scopes memory, conversations
// and every other per-user resource.
type Identity struct {
	UserID string
	Email  string
}

// Verifier resolves a bearer token to an identity.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// JWTVerifier validates HS256-signed tokens against a shared secret.
type JWTVerifier struct {
	secret []byte
}

var _ Verifier = (*JWTVerifier)(nil)

// NewJWTVerifier builds a verifier from the auth configuration.
func NewJWTVerifier(cfg config.AuthConfig) (*JWTVerifier, error) {
	if !cfg.JWTSecret.IsSet() {
		return nil, errors.New("jwt secret not configured")
	}
	return &JWTVerifier{secret: []byte(cfg.JWTSecret.Value())}, nil
}

type claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

func (v *JWTVerifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || c.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return Identity{UserID: c.Subject, Email: c.Email}, nil
}
