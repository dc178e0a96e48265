package main

import (
	"fmt"
	"os"
	"strings"

	"keypaird/internal/domain"
	"keypaird/internal/infra/password"
	"keypaird/internal/usecase"

	"github.com/spf13/cobra"
)

func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage service accounts",
	}
	cmd.AddCommand(newAccountCreateCmd())
	return cmd
}

func newAccountCreateCmd() *cobra.Command {
	var (
		username string
		pw       string
		role     string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a service account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if pw == "" {
				pw = os.Getenv("KEYPAIRD_ACCOUNT_PASSWORD")
			}
			if pw == "" {
				return fmt.Errorf("--password or KEYPAIRD_ACCOUNT_PASSWORD is required")
			}
			r := domain.Role(strings.ToLower(role))
			if !r.Valid() {
				return fmt.Errorf("unknown role %q", role)
			}

			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			b, err := openBackend(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = b.close() }()

			hasher, err := password.New(cfg.BcryptCost)
			if err != nil {
				return err
			}
			accounts := usecase.NewAccountService(b.accounts, hasher, nil)
			account, err := accounts.CreateAccount(cmd.Context(), username, pw, r)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created account %s (%s)\n", account.Username, account.Role)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "account username")
	cmd.Flags().StringVar(&pw, "password", "", "account password (falls back to KEYPAIRD_ACCOUNT_PASSWORD)")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleUser), "admin, user or readonly")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}
