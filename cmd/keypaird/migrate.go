package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the storage schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			b, err := openBackend(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = b.close() }()

			if err := b.migrate(ctx); err != nil {
				return err
			}
			log.Info("schema up to date", zap.String("backend", cfg.StoreBackend))
			return nil
		},
	}
}
