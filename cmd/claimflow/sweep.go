package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "sweep",
		SilenceUsage: true,
		Short:        "Escalate overdue approvals and run the stale-claim automation once",
		Long: `Sweep runs one pass of the periodic jobs the serve worker runs on its
ticker: overdue approval requests are escalated, then stale claims are
evaluated by the automation rules. The result is printed as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.worker.RunOnce(cmd.Context())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(res); encErr != nil {
				return fmt.Errorf("write result: %w", encErr)
			}
			return err
		},
	}
}
