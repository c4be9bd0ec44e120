package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, key string, c claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	s, err := token.SignedString([]byte(key))
	require.NoError(t, err)
	return s
}

func TestJWTVerifier_AcceptsValidToken(t *testing.T) {
	v := NewJWTVerifier("shared-secret")
	tok := signToken(t, "shared-secret", claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "tenant-a",
		Scopes:   []string{"subscribe"},
	})

	id, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", id.TenantID)
	assert.Equal(t, "user-1", id.Subject)
}

func TestJWTVerifier_RejectsExpiredToken(t *testing.T) {
	v := NewJWTVerifier("shared-secret")
	tok := signToken(t, "shared-secret", claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
		TenantID: "tenant-a",
	})

	_, err := v.Verify(tok)
	assert.Error(t, err)
}

func TestJWTVerifier_RejectsWrongSigningKey(t *testing.T) {
	v := NewJWTVerifier("shared-secret")
	tok := signToken(t, "wrong-secret", claims{TenantID: "tenant-a"})

	_, err := v.Verify(tok)
	assert.Error(t, err)
}

func TestJWTVerifier_RejectsMissingTenantID(t *testing.T) {
	v := NewJWTVerifier("shared-secret")
	tok := signToken(t, "shared-secret", claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})

	_, err := v.Verify(tok)
	assert.Error(t, err)
}

func TestStaticVerifier(t *testing.T) {
	v := StaticVerifier{"dev-token": {TenantID: "tenant-dev"}}

	id, err := v.Verify("dev-token")
	require.NoError(t, err)
	assert.Equal(t, "tenant-dev", id.TenantID)

	_, err = v.Verify("unknown")
	assert.Error(t, err)
}
