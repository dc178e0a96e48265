package main

import (
	"context"
	"testing"

	"keypaird/internal/config"
	"keypaird/internal/domain"
	"keypaird/internal/infra/auth/rbac"
	"keypaird/internal/infra/password"
	"keypaird/internal/infra/policyopa"
	"keypaird/internal/usecase"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func TestOpenBackendMemory(t *testing.T) {
	cfg := config.Defaults()
	cfg.StoreBackend = config.BackendMemory
	b, err := openBackend(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer b.close()

	assert.NoError(t, b.secrets.Ping(context.Background()))
	assert.NoError(t, b.migrate(context.Background()))
	assert.Nil(t, b.redis)
}

func TestOpenBackendUnknown(t *testing.T) {
	cfg := config.Defaults()
	cfg.StoreBackend = "etcd"
	_, err := openBackend(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestNewAuthorizer(t *testing.T) {
	cfg := config.Defaults()
	authz, err := newAuthorizer(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &policyopa.Authorizer{}, authz)

	cfg.AuthzMode = config.AuthzModeStatic
	authz, err = newAuthorizer(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &rbac.Authorizer{}, authz)
}

func TestNewRateLimiter(t *testing.T) {
	cfg := config.Defaults()
	limiter, closeFn, err := newRateLimiter(cfg, nil)
	require.NoError(t, err)
	closeFn()
	assert.Nil(t, limiter)

	cfg.RateLimitRequests = 5
	limiter, closeFn, err = newRateLimiter(cfg, nil)
	require.NoError(t, err)
	defer closeFn()
	require.NotNil(t, limiter)
	decision, err := limiter.Allow(context.Background(), "k", 5, cfg.RateLimitWindow())
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestBootstrapAdmin(t *testing.T) {
	cfg := config.Defaults()
	cfg.StoreBackend = config.BackendMemory
	b, err := openBackend(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	hasher, err := password.New(bcrypt.MinCost)
	require.NoError(t, err)
	accounts := usecase.NewAccountService(b.accounts, hasher, nil)

	require.NoError(t, bootstrapAdmin(context.Background(), cfg, accounts, zap.NewNop()))
	_, err = b.accounts.GetAccount(context.Background(), "admin")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	cfg.BootstrapAdminPassword = "change-me-now"
	require.NoError(t, bootstrapAdmin(context.Background(), cfg, accounts, zap.NewNop()))
	require.NoError(t, bootstrapAdmin(context.Background(), cfg, accounts, zap.NewNop()))
	account, err := b.accounts.GetAccount(context.Background(), "admin")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, account.Role)
}
