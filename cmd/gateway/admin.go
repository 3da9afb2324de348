package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vnmchuo/llm-meter/internal/seeder"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the accounting tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, sh *storeHandle) error {
				if err := sh.migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			})
		},
	}
}

func newSeedCmd() *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create the local test account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, sh *storeHandle) error {
				if err := sh.migrate(ctx); err != nil {
					return err
				}
				acct, err := seeder.SeedTestAccount(ctx, sh.store, limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "account %s  key %s  limit %d\n", acct.ID, seeder.TestAPIKey, acct.TokenLimit)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", seeder.TestTokenLimit, "token limit for the test account")
	return cmd
}

func newResetCmd() *cobra.Command {
	var accountID string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Zero an account's token usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, sh *storeHandle) error {
				if err := sh.store.ResetUsage(ctx, accountID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "usage reset for %s\n", accountID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func withStore(ctx context.Context, fn func(ctx context.Context, sh *storeHandle) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sh, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer sh.close()
	return fn(ctx, sh)
}
