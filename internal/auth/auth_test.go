package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/cisod/internal/config"
)

const testSecret = "test-signing-secret"

func newTestVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	var cfg config.AuthConfig
	require.NoError(t, cfg.JWTSecret.UnmarshalText([]byte(testSecret)))
	v, err := NewJWTVerifier(cfg)
	require.NoError(t, err)
	return v
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestVerify(t *testing.T) {
	v := newTestVerifier(t)
	token := signToken(t, testSecret, jwt.MapClaims{
		"sub":   "user-42",
		"email": "ciso@acme.example",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	identity, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", identity.UserID)
	assert.Equal(t, "ciso@acme.example", identity.Email)
}

func TestVerifyRejections(t *testing.T) {
	v := newTestVerifier(t)

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"garbage token", "not-a-jwt"},
		{
			"wrong secret",
			signToken(t, "other-secret", jwt.MapClaims{"sub": "user-42"}),
		},
		{
			"expired",
			signToken(t, testSecret, jwt.MapClaims{
				"sub": "user-42",
				"exp": time.Now().Add(-time.Hour).Unix(),
			}),
		},
		{
			"missing subject",
			signToken(t, testSecret, jwt.MapClaims{"email": "x@acme.example"}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestVerifyRejectsUnsignedAlgorithm(t *testing.T) {
	v := newTestVerifier(t)

	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "user-42"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewJWTVerifierRequiresSecret(t *testing.T) {
	_, err := NewJWTVerifier(config.AuthConfig{})
	assert.Error(t, err)
}
