package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/claimflow/internal/repository"
)

type migrator interface {
	Migrate(ctx context.Context) error
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "migrate",
		SilenceUsage: true,
		Short:        "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := repository.New(opts.cfg.Repository)
			if err != nil {
				return fmt.Errorf("open repository: %w", err)
			}
			defer repo.Close()

			m, ok := repo.(migrator)
			if !ok {
				slog.Info("repository has no schema", "driver", opts.cfg.Repository.Driver)
				return nil
			}
			if err := m.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			slog.Info("schema applied", "driver", opts.cfg.Repository.Driver)
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", opts.cfg.Repository.Driver)
			return nil
		},
	}
}
