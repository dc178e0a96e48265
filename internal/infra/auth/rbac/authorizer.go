package rbac

import (
	"context"
	"errors"

	"keypaird/internal/domain"
)

type AuthzError struct {
	Code string
	Err  error
}

func (e *AuthzError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code
}

func (e *AuthzError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// DefaultGrants maps each role to the permissions it carries.
var DefaultGrants = map[domain.Role][]string{
	domain.RoleAdmin:    {domain.PermKeysRead, domain.PermKeysWrite, domain.PermKeysPrivate, domain.PermKeysDelete},
	domain.RoleUser:     {domain.PermKeysRead, domain.PermKeysWrite, domain.PermKeysPrivate},
	domain.RoleReadOnly: {domain.PermKeysRead},
}

type Authorizer struct {
	grants map[domain.Role]map[string]struct{}
}

func NewAuthorizer() *Authorizer {
	return NewAuthorizerWithGrants(DefaultGrants)
}

func NewAuthorizerWithGrants(grants map[domain.Role][]string) *Authorizer {
	a := &Authorizer{grants: make(map[domain.Role]map[string]struct{}, len(grants))}
	for role, perms := range grants {
		set := make(map[string]struct{}, len(perms))
		for _, p := range perms {
			set[p] = struct{}{}
		}
		a.grants[role] = set
	}
	return a
}

func (a *Authorizer) Require(_ context.Context, principal domain.Principal, permission string) error {
	if principal.Subject == "" {
		return domain.ErrUnauthorized
	}
	if permission == "" {
		return nil
	}
	perms, ok := a.grants[principal.Role]
	if !ok {
		return &AuthzError{Code: "UNKNOWN_ROLE", Err: domain.ErrForbidden}
	}
	if _, ok := perms[permission]; !ok {
		return &AuthzError{Code: "MISSING_PERMISSION", Err: domain.ErrForbidden}
	}
	return nil
}

func IsAuthzError(err error) (*AuthzError, bool) {
	var authz *AuthzError
	if errors.As(err, &authz) {
		return authz, true
	}
	return nil, false
}
