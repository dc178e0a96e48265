// Package token issues and verifies HS256 bearer tokens for service accounts.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"keypaird/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultTTL   = 24 * time.Hour
	minSecretLen = 32
)

// ErrInvalidToken is returned for a present but unusable token.
var ErrInvalidToken = fmt.Errorf("invalid or expired token: %w", domain.ErrForbidden)

type Claims struct {
	Role     string `json:"role"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

type Config struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
	Now    func() time.Time
}

// Manager is both the domain.TokenIssuer and the domain.Authenticator.
type Manager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
	parser *jwt.Parser
}

func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.Secret) < minSecretLen {
		return nil, fmt.Errorf("token secret must be at least %d bytes", minSecretLen)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(cfg.Now),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &Manager{
		secret: append([]byte(nil), cfg.Secret...),
		issuer: cfg.Issuer,
		ttl:    cfg.TTL,
		now:    cfg.Now,
		parser: jwt.NewParser(opts...),
	}, nil
}

func (m *Manager) Issue(principal domain.Principal) (string, time.Time, error) {
	if principal.Subject == "" {
		return "", time.Time{}, errors.New("token subject is required")
	}
	now := m.now()
	expiresAt := now.Add(m.ttl)
	claims := Claims{
		Role:     string(principal.Role),
		Username: principal.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   principal.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

func (m *Manager) Authenticate(_ context.Context, bearerToken string) (domain.Principal, error) {
	raw := strings.TrimSpace(bearerToken)
	if raw == "" {
		return domain.Principal{}, domain.ErrUnauthorized
	}
	var claims Claims
	_, err := m.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return domain.Principal{}, ErrInvalidToken
	}
	role := domain.Role(claims.Role)
	if claims.Subject == "" || !role.Valid() {
		return domain.Principal{}, ErrInvalidToken
	}
	return domain.Principal{Subject: claims.Subject, Username: claims.Username, Role: role}, nil
}
