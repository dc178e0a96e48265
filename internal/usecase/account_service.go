package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"keypaird/internal/domain"
)

type AccountService struct {
	Store  AccountStore
	Hasher PasswordHasher
	Tokens domain.TokenIssuer
	// Pool runs bcrypt hashing and comparison; nil runs it inline.
	Pool  Executor
	Clock func() time.Time
}

type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	Account   domain.ServiceAccount
}

func NewAccountService(store AccountStore, hasher PasswordHasher, tokens domain.TokenIssuer) *AccountService {
	return &AccountService{Store: store, Hasher: hasher, Tokens: tokens, Clock: time.Now}
}

// Login verifies credentials and issues a bearer token. Unknown usernames and
// bad passwords both yield domain.ErrInvalidCredentials.
func (s *AccountService) Login(ctx context.Context, username, password string) (LoginResult, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return LoginResult{}, domain.NewValidationError("credentials", "username and password are required")
	}
	if s.Tokens == nil {
		return LoginResult{}, errors.New("token issuer not configured")
	}
	account, err := s.Store.GetAccount(ctx, username)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if err := s.compare(ctx, "", password); isAborted(err) {
			return LoginResult{}, err
		}
		return LoginResult{}, domain.ErrInvalidCredentials
	case err != nil:
		return LoginResult{}, err
	}
	if err := s.compare(ctx, account.PasswordVerifier, password); err != nil {
		if isAborted(err) {
			return LoginResult{}, err
		}
		return LoginResult{}, domain.ErrInvalidCredentials
	}
	token, expiresAt, err := s.Tokens.Issue(domain.Principal{Subject: account.ID, Username: account.Username, Role: account.Role})
	if err != nil {
		return LoginResult{}, err
	}
	account.PasswordVerifier = ""
	return LoginResult{Token: token, ExpiresAt: expiresAt, Account: account}, nil
}

func (s *AccountService) CreateAccount(ctx context.Context, username, password string, role domain.Role) (domain.ServiceAccount, error) {
	username = strings.TrimSpace(username)
	if !namePattern.MatchString(username) {
		return domain.ServiceAccount{}, domain.NewValidationError("username", "invalid username")
	}
	if !role.Valid() {
		return domain.ServiceAccount{}, domain.NewValidationError("role", "must be admin, user or readonly")
	}
	verifier, err := runOn(ctx, s.Pool, func(context.Context) (string, error) {
		return s.Hasher.Hash(password)
	})
	if err != nil {
		return domain.ServiceAccount{}, err
	}
	clock := s.Clock
	if clock == nil {
		clock = time.Now
	}
	created, err := s.Store.CreateAccount(ctx, domain.ServiceAccount{
		Username:         username,
		PasswordVerifier: verifier,
		Role:             role,
		CreatedAt:        clock().UTC().Truncate(time.Microsecond),
	})
	if err != nil {
		return domain.ServiceAccount{}, err
	}
	created.PasswordVerifier = ""
	return created, nil
}

// EnsureAccount creates the account unless the username already exists.
// It reports whether a new account was written.
func (s *AccountService) EnsureAccount(ctx context.Context, username, password string, role domain.Role) (bool, error) {
	if _, err := s.Store.GetAccount(ctx, strings.TrimSpace(username)); err == nil {
		return false, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return false, err
	}
	if _, err := s.CreateAccount(ctx, username, password, role); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *AccountService) compare(ctx context.Context, verifier, password string) error {
	_, err := runOn(ctx, s.Pool, func(context.Context) (struct{}, error) {
		return struct{}{}, s.Hasher.Compare(verifier, password)
	})
	return err
}

// isAborted reports whether the work never got a verdict: the caller left or
// the pool refused it.
func isAborted(err error) bool {
	return err != nil &&
		!errors.Is(err, domain.ErrInvalidCredentials) &&
		!errors.Is(err, domain.ErrValidation)
}
