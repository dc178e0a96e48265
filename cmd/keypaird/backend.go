package main

import (
	"context"
	"fmt"

	"keypaird/internal/config"
	"keypaird/internal/infra/db"
	"keypaird/internal/infra/kvredis"
	"keypaird/internal/infra/memstore"
	"keypaird/internal/usecase"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type backend struct {
	secrets  usecase.SecretStore
	accounts usecase.AccountStore
	// redis is set when the redis backend is active and is shared with the
	// rate limiter.
	redis   *redis.Client
	migrate func(ctx context.Context) error
	close   func() error
}

func openBackend(ctx context.Context, cfg config.Config, log *zap.Logger) (*backend, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		store, err := db.NewStore(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return &backend{
			secrets:  store.Keypairs,
			accounts: store.Accounts,
			migrate:  store.Migrate,
			close:    store.Close,
		}, nil
	case config.BackendRedis:
		client, err := kvredis.NewClient(cfg)
		if err != nil {
			return nil, err
		}
		store := kvredis.New(client, cfg.RedisNamespace)
		if err := store.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		log.Info("redis connected", zap.String("addr", cfg.RedisAddr), zap.Int("db", cfg.RedisDB))
		return &backend{
			secrets:  store,
			accounts: store,
			redis:    client,
			migrate:  func(context.Context) error { return nil },
			close:    store.Close,
		}, nil
	case config.BackendMemory:
		log.Warn("memory backend selected; keypairs are lost on restart")
		store := memstore.New()
		return &backend{
			secrets:  store,
			accounts: store,
			migrate:  func(context.Context) error { return nil },
			close:    func() error { return nil },
		}, nil
	default:
		return nil, fmt.Errorf("unsupported STORE_BACKEND %q", cfg.StoreBackend)
	}
}
