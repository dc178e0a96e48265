package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"keypaird/internal/config"
	"keypaird/internal/domain"
	"keypaird/internal/infra/auth/oidc"
	"keypaird/internal/infra/auth/rbac"
	"keypaird/internal/infra/auth/token"
	"keypaird/internal/infra/envelope"
	httpinfra "keypaird/internal/infra/http"
	"keypaird/internal/infra/keygen"
	"keypaird/internal/infra/kvredis"
	"keypaird/internal/infra/metrics"
	"keypaird/internal/infra/password"
	"keypaird/internal/infra/policyopa"
	"keypaird/internal/infra/ratelimit"
	"keypaird/internal/infra/workpool"
	"keypaird/internal/usecase"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer func() {
		if err := b.close(); err != nil {
			log.Warn("store close failed", zap.Error(err))
		}
	}()
	if cfg.StoreBackend == config.BackendPostgres && cfg.DBAutoMigrate {
		if err := b.migrate(ctx); err != nil {
			return err
		}
		log.Info("schema migrated")
	}

	m := metrics.New()
	pool := workpool.New(cfg.CryptoWorkers, workpool.WithGauges(m.PoolInFlight, m.PoolWaiting))
	defer pool.Shutdown()

	sealer, err := envelope.New(envelope.Params{
		Time:       cfg.KDFTime,
		MemoryKB:   cfg.KDFMemoryKB,
		Threads:    cfg.KDFThreads,
		BcryptCost: cfg.BcryptCost,
	})
	if err != nil {
		return err
	}
	keypairs := usecase.NewKeypairService(b.secrets, keygen.New(), sealer, pool)
	keypairs.Observer = m
	keypairs.StoreTimeout = cfg.StoreTimeout()

	deps := httpinfra.ServerDeps{
		Keypairs: keypairs,
		Store:    b.secrets,
		Metrics:  m,
		Logger:   log,
	}

	switch cfg.AuthMode {
	case config.AuthModeJWT:
		tokens, err := token.NewManager(token.Config{
			Secret: []byte(cfg.JWTSecret),
			Issuer: cfg.JWTIssuer,
			TTL:    cfg.TokenTTL(),
		})
		if err != nil {
			return err
		}
		hasher, err := password.New(cfg.BcryptCost)
		if err != nil {
			return err
		}
		accounts := usecase.NewAccountService(b.accounts, hasher, tokens)
		accounts.Pool = pool
		if err := bootstrapAdmin(ctx, cfg, accounts, log); err != nil {
			return err
		}
		deps.Accounts = accounts
		deps.Authenticator = tokens
	case config.AuthModeOIDC:
		authn, err := oidc.NewAuthenticator(ctx, oidc.Config{
			IssuerURL:  cfg.OIDCIssuerURL,
			JWKSURL:    cfg.OIDCJWKSURL,
			Audience:   cfg.OIDCAudience,
			ClockSkew:  cfg.OIDCClockSkew(),
			RolePrefix: cfg.OIDCRolePrefix,
		})
		if err != nil {
			return fmt.Errorf("init oidc: %w", err)
		}
		deps.Authenticator = authn
	default:
		log.Warn("authentication disabled; every request acts as admin")
	}
	if deps.Authenticator != nil {
		authz, err := newAuthorizer(ctx, cfg)
		if err != nil {
			return err
		}
		deps.Authorizer = authz
	}

	limiter, closeLimiter, err := newRateLimiter(cfg, b.redis)
	if err != nil {
		return err
	}
	defer closeLimiter()
	deps.RateLimiter = limiter

	log.Info("keypaird starting",
		zap.String("backend", cfg.StoreBackend),
		zap.String("auth_mode", cfg.AuthMode),
		zap.String("authz_mode", cfg.AuthzMode),
		zap.Int("crypto_workers", pool.Size()),
	)
	return httpinfra.NewServer(cfg, deps).Run(ctx, shutdownTimeout)
}

func newAuthorizer(ctx context.Context, cfg config.Config) (domain.Authorizer, error) {
	if cfg.AuthzMode == config.AuthzModeStatic {
		return rbac.NewAuthorizer(), nil
	}
	authz, err := policyopa.NewAuthorizer(ctx, cfg.AuthzPolicyPath)
	if err != nil {
		return nil, fmt.Errorf("load authz policy: %w", err)
	}
	return authz, nil
}

// newRateLimiter prefers redis so limits hold across replicas. shared is the
// store's client when the redis backend is active.
func newRateLimiter(cfg config.Config, shared *redis.Client) (domain.RateLimiter, func(), error) {
	noop := func() {}
	if cfg.RateLimitRequests <= 0 {
		return nil, noop, nil
	}
	if shared != nil {
		limiter, err := ratelimit.NewRedisLimiter(shared, cfg.RedisNamespace, nil)
		return limiter, noop, err
	}
	if cfg.RedisAddr != "" {
		client, err := kvredis.NewClient(cfg)
		if err != nil {
			return nil, noop, err
		}
		limiter, err := ratelimit.NewRedisLimiter(client, cfg.RedisNamespace, nil)
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return limiter, func() { _ = client.Close() }, nil
	}
	return ratelimit.NewMemoryLimiter(ratelimit.MemoryLimiterConfig{MaxKeys: cfg.RateLimitMaxKeys}), noop, nil
}

func bootstrapAdmin(ctx context.Context, cfg config.Config, accounts *usecase.AccountService, log *zap.Logger) error {
	if cfg.BootstrapAdminPassword == "" {
		return nil
	}
	created, err := accounts.EnsureAccount(ctx, cfg.BootstrapAdminUsername, cfg.BootstrapAdminPassword, domain.RoleAdmin)
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	if created {
		log.Info("bootstrap admin created", zap.String("username", cfg.BootstrapAdminUsername))
	}
	return nil
}
