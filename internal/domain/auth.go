package domain

import (
	"context"
	"time"
)

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleUser     Role = "user"
	RoleReadOnly Role = "readonly"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleUser, RoleReadOnly:
		return true
	}
	return false
}

const (
	PermKeysRead    = "keys:read"
	PermKeysWrite   = "keys:write"
	PermKeysPrivate = "keys:private"
	PermKeysDelete  = "keys:delete"
)

// Principal is the verified claim set handed to the core by the auth gate.
type Principal struct {
	Subject  string
	Username string
	Role     Role
}

type Authenticator interface {
	Authenticate(ctx context.Context, bearerToken string) (Principal, error)
}

type Authorizer interface {
	Require(ctx context.Context, principal Principal, permission string) error
}

type TokenIssuer interface {
	Issue(principal Principal) (token string, expiresAt time.Time, err error)
}

// ServiceAccount is a login identity. PasswordVerifier is a bcrypt hash.
type ServiceAccount struct {
	ID               string
	Username         string
	PasswordVerifier string
	Role             Role
	CreatedAt        time.Time
}
