package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"keypaird/internal/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type provider struct {
	srv        *httptest.Server
	key        *rsa.PrivateKey
	jwksHits   atomic.Int32
	jwksStatus atomic.Int32
}

func newProvider(t *testing.T) *provider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	p := &provider{key: key}
	p.jwksStatus.Store(http.StatusOK)

	mux := http.NewServeMux()
	mux.HandleFunc(discoveryPath, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"jwks_uri": p.srv.URL + "/keys"})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, _ *http.Request) {
		p.jwksHits.Add(1)
		if status := int(p.jwksStatus.Load()); status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "kid-1",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *provider) sign(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(p.key)
	require.NoError(t, err)
	return signed
}

func (p *provider) claims(extra jwt.MapClaims) jwt.MapClaims {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": p.srv.URL,
		"aud": "keypaird",
		"sub": "user-1",
		"exp": now.Add(5 * time.Minute).Unix(),
		"iat": now.Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}
	return claims
}

func newAuth(t *testing.T, p *provider) *Authenticator {
	t.Helper()
	auth, err := NewAuthenticator(context.Background(), Config{
		IssuerURL:  p.srv.URL,
		Audience:   "keypaird",
		RolePrefix: "keypaird-",
	}, WithHTTPClient(p.srv.Client()))
	require.NoError(t, err)
	return auth
}

func TestAuthenticate_ValidToken(t *testing.T) {
	p := newProvider(t)
	auth := newAuth(t, p)

	token := p.sign(t, "kid-1", p.claims(jwt.MapClaims{
		"preferred_username": "alice",
		"realm_access":       map[string]any{"roles": []any{"offline_access", "keypaird-readonly"}},
		"resource_access": map[string]any{
			"keypaird": map[string]any{"roles": []any{"keypaird-user"}},
		},
	}))
	principal, err := auth.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", principal.Subject)
	assert.Equal(t, "alice", principal.Username)
	assert.Equal(t, domain.RoleUser, principal.Role)
}

func TestAuthenticate_NoKnownRole(t *testing.T) {
	p := newProvider(t)
	auth := newAuth(t, p)

	principal, err := auth.Authenticate(context.Background(), p.sign(t, "kid-1", p.claims(nil)))
	require.NoError(t, err)
	assert.Equal(t, domain.Role(""), principal.Role)
	assert.Equal(t, "user-1", principal.Username)
}

func TestAuthenticate_Rejects(t *testing.T) {
	p := newProvider(t)
	auth := newAuth(t, p)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	forged := jwt.NewWithClaims(jwt.SigningMethodRS256, p.claims(nil))
	forged.Header["kid"] = "kid-1"
	forgedToken, err := forged.SignedString(other)
	require.NoError(t, err)

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, p.claims(nil))
	hsToken, err := hs.SignedString([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	tests := map[string]string{
		"expired":       p.sign(t, "kid-1", p.claims(jwt.MapClaims{"exp": time.Now().Add(-time.Hour).Unix()})),
		"wrong issuer":  p.sign(t, "kid-1", p.claims(jwt.MapClaims{"iss": "https://evil.test"})),
		"wrong aud":     p.sign(t, "kid-1", p.claims(jwt.MapClaims{"aud": "other"})),
		"no subject":    p.sign(t, "kid-1", p.claims(jwt.MapClaims{"sub": ""})),
		"unknown kid":   p.sign(t, "kid-2", p.claims(nil)),
		"bad signature": forgedToken,
		"hmac":          hsToken,
		"garbage":       "a.b.c",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := auth.Authenticate(context.Background(), token)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrForbidden)
		})
	}

	_, err = auth.Authenticate(context.Background(), "  ")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestJWKSCache_ServesStaleKeysWhenProviderFails(t *testing.T) {
	p := newProvider(t)
	auth := newAuth(t, p)
	now := time.Now()
	auth.jwks.now = func() time.Time { return now }

	token := p.sign(t, "kid-1", p.claims(nil))
	_, err := auth.Authenticate(context.Background(), token)
	require.NoError(t, err)
	_, err = auth.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.jwksHits.Load())

	p.jwksStatus.Store(http.StatusServiceUnavailable)
	now = now.Add(defaultJWKSCacheTTL + time.Minute)
	_, err = auth.Authenticate(context.Background(), token)
	assert.NoError(t, err)
}

func TestNewAuthenticator_RequiresIssuer(t *testing.T) {
	_, err := NewAuthenticator(context.Background(), Config{})
	assert.Error(t, err)
}
