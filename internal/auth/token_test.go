// ABOUTME: Unit tests for admin JWT verification and generation
// ABOUTME: Covers valid, invalid, expired and wrong-audience tokens

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-key-for-jwt-signing-0123456789")

func newTestVerifier(t *testing.T, apiName string) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier(testSecret, AdminAudience(apiName))
	require.NoError(t, err)
	return v
}

func TestNewJWTVerifier_RejectsWeakSecret(t *testing.T) {
	_, err := NewJWTVerifier([]byte("short"), AdminAudience("orders"))
	assert.ErrorIs(t, err, ErrWeakSecret)
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := newTestVerifier(t, "orders")

	token, err := verifier.Generate("ops@example.com", time.Hour)
	require.NoError(t, err)

	sub, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", sub)
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := newTestVerifier(t, "orders")

	otherSecret, err := NewJWTVerifier([]byte("a-completely-different-secret-of-32-bytes"), AdminAudience("orders"))
	require.NoError(t, err)
	wrongSecret, err := otherSecret.Generate("ops", time.Hour)
	require.NoError(t, err)

	otherAPI := newTestVerifier(t, "billing")
	wrongAudience, err := otherAPI.Generate("ops", time.Hour)
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:  "ops",
		Audience: jwt.ClaimStrings{AdminAudience("orders")},
	}).SignedString(testSecret)
	require.NoError(t, err)

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "ops",
		Audience:  jwt.ClaimStrings{AdminAudience("orders")},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"garbage token", "not-a-jwt-token"},
		{"malformed JWT", "header.payload.signature"},
		{"wrong secret", wrongSecret},
		{"wrong audience", wrongAudience},
		{"missing expiry", noExpiry},
		{"none algorithm", noneAlg},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := newTestVerifier(t, "orders")

	token, err := verifier.Generate("ops", -time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifier_MissingSubject(t *testing.T) {
	verifier := newTestVerifier(t, "orders")

	_, err := verifier.Generate("", time.Hour)
	assert.ErrorIs(t, err, ErrMissingClaim)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Audience:  jwt.ClaimStrings{AdminAudience("orders")},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(testSecret)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrMissingClaim)
}
