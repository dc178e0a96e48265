// Package oidc authenticates bearer tokens issued by an external OpenID
// Connect provider. Keys come from the provider's JWKS endpoint; the keypaird
// role is read from the provider's role claims.
package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"keypaird/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultHTTPTimeout = 5 * time.Second
	discoveryPath      = "/.well-known/openid-configuration"
)

var ErrInvalidToken = fmt.Errorf("invalid oidc token: %w", domain.ErrForbidden)

// rolePrecedence picks the strongest role when the provider grants several.
var rolePrecedence = []domain.Role{domain.RoleAdmin, domain.RoleUser, domain.RoleReadOnly}

type Config struct {
	IssuerURL string
	// JWKSURL skips discovery when set.
	JWKSURL   string
	Audience  string
	ClockSkew time.Duration
	// RolePrefix is stripped from provider roles, e.g. "keypaird-".
	RolePrefix string
}

type Authenticator struct {
	issuer     string
	rolePrefix string
	parser     *jwt.Parser
	jwks       *jwksCache
}

type Option func(*Authenticator)

func WithHTTPClient(client *http.Client) Option {
	return func(a *Authenticator) {
		if client != nil {
			a.jwks.httpClient = client
		}
	}
}

func NewAuthenticator(ctx context.Context, cfg Config, opts ...Option) (*Authenticator, error) {
	issuer := strings.TrimSpace(cfg.IssuerURL)
	if issuer == "" {
		return nil, errors.New("OIDC_ISSUER_URL is required")
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.ClockSkew),
	}
	if aud := strings.TrimSpace(cfg.Audience); aud != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(aud))
	}
	auth := &Authenticator{
		issuer:     issuer,
		rolePrefix: cfg.RolePrefix,
		parser:     jwt.NewParser(parserOpts...),
		jwks:       newJWKSCache(strings.TrimSpace(cfg.JWKSURL), &http.Client{Timeout: defaultHTTPTimeout}),
	}
	for _, opt := range opts {
		opt(auth)
	}
	if auth.jwks.url == "" {
		discovered, err := discoverJWKSURL(ctx, auth.jwks.httpClient, issuer)
		if err != nil {
			return nil, err
		}
		auth.jwks.url = discovered
	}
	return auth, nil
}

func (a *Authenticator) Authenticate(ctx context.Context, bearerToken string) (domain.Principal, error) {
	if a == nil {
		return domain.Principal{}, domain.ErrUnauthorized
	}
	raw := strings.TrimSpace(bearerToken)
	if raw == "" {
		return domain.Principal{}, domain.ErrUnauthorized
	}
	claims := jwt.MapClaims{}
	_, err := a.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return a.jwks.getKey(ctx, kid)
	})
	if err != nil {
		return domain.Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject, _ := claims.GetSubject()
	if subject == "" {
		return domain.Principal{}, fmt.Errorf("%w: sub claim required", ErrInvalidToken)
	}
	username, _ := claims["preferred_username"].(string)
	if username == "" {
		username = subject
	}
	return domain.Principal{
		Subject:  subject,
		Username: username,
		Role:     a.roleFromClaims(claims),
	}, nil
}

// roleFromClaims returns the strongest known role, or "" when the provider
// granted none; the authorizer rejects the empty role.
func (a *Authenticator) roleFromClaims(claims jwt.MapClaims) domain.Role {
	granted := map[domain.Role]bool{}
	for _, r := range extractRoles(claims) {
		r = strings.ToLower(strings.TrimPrefix(r, a.rolePrefix))
		granted[domain.Role(r)] = true
	}
	for _, role := range rolePrecedence {
		if granted[role] {
			return role
		}
	}
	return ""
}

func discoverJWKSURL(ctx context.Context, client *http.Client, issuer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(issuer, "/")+discoveryPath, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("oidc discovery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("oidc discovery failed: status %d", resp.StatusCode)
	}
	var payload struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	if payload.JWKSURI == "" {
		return "", errors.New("oidc discovery missing jwks_uri")
	}
	return payload.JWKSURI, nil
}

// extractRoles collects the top-level "role"/"roles" claims plus Keycloak's
// realm_access and resource_access role lists.
func extractRoles(claims jwt.MapClaims) []string {
	var roles []string
	if role, ok := claims["role"].(string); ok {
		roles = append(roles, role)
	}
	roles = append(roles, stringList(claims["roles"])...)
	if realm, ok := claims["realm_access"].(map[string]any); ok {
		roles = append(roles, stringList(realm["roles"])...)
	}
	if resources, ok := claims["resource_access"].(map[string]any); ok {
		for _, raw := range resources {
			if client, ok := raw.(map[string]any); ok {
				roles = append(roles, stringList(client["roles"])...)
			}
		}
	}
	return roles
}

func stringList(raw any) []string {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, entry := range list {
		if s, ok := entry.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
