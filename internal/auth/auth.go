// Package auth implements the TokenVerifier used by the WebSocket gateway
// (C8) to authenticate inbound connections, per spec §4.7.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/holoforge/scenecast/internal/errs"
)

// Identity is what a verified token resolves to: the tenant and connection
// scope the gateway uses to authorize subscriptions.
type Identity struct {
	TenantID string
	Subject  string
	Scopes   []string
}

// TokenVerifier authenticates a bearer token presented at connection time.
type TokenVerifier interface {
	Verify(token string) (Identity, error)
}

// claims is the JWT payload scenecast issues and expects.
type claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenantID"`
	Scopes   []string `json:"scopes,omitempty"`
}

// JWTVerifier validates HS256 tokens signed with a shared key.
type JWTVerifier struct {
	key []byte
}

func NewJWTVerifier(signingKey string) *JWTVerifier {
	return &JWTVerifier{key: []byte(signingKey)}
}

func (v *JWTVerifier) Verify(token string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errs.New(errs.InvalidRequest, "auth: unexpected signing method")
		}
		return v.key, nil
	}, jwt.WithLeeway(30*time.Second))
	if err != nil {
		return Identity{}, errs.Wrap(errs.InvalidRequest, err, "auth: invalid token")
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return Identity{}, errs.New(errs.InvalidRequest, "auth: invalid claims")
	}
	if c.TenantID == "" {
		return Identity{}, errs.New(errs.InvalidRequest, "auth: token missing tenantID")
	}

	return Identity{TenantID: c.TenantID, Subject: c.Subject, Scopes: c.Scopes}, nil
}

var _ TokenVerifier = (*JWTVerifier)(nil)

// StaticVerifier maps fixed bearer tokens to identities, for local
// development and tests where issuing real JWTs is unnecessary overhead.
type StaticVerifier map[string]Identity

func (v StaticVerifier) Verify(token string) (Identity, error) {
	id, ok := v[token]
	if !ok {
		return Identity{}, errs.New(errs.InvalidRequest, "auth: unknown token")
	}
	return id, nil
}

var _ TokenVerifier = StaticVerifier(nil)
