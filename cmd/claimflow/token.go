package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/claimflow/internal/api"
	"github.com/opensource-finance/claimflow/internal/domain"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		actorID string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:          "token",
		SilenceUsage: true,
		Short:        "Issue a signed bearer token for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				return fmt.Errorf("'actor' flag must be specified")
			}
			actor := domain.Actor{ID: actorID, Role: domain.Role(role)}

			auth, err := api.NewAuthenticator(opts.cfg.Auth)
			if err != nil {
				return err
			}
			token, err := auth.Issue(actor, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id placed in the token subject")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleAdjuster), "actor role")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
