package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/claimflow/internal/config"
	"github.com/opensource-finance/claimflow/internal/domain"
)

// rootOptions is shared by every subcommand.
type rootOptions struct {
	configPath string
	cfg        *domain.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:                   "claimflow [command]",
		SilenceUsage:          true,
		DisableFlagsInUseLine: true,
		Short:                 "ClaimFlow orchestrates the insurance claim lifecycle.",
		Long: `ClaimFlow takes a claim from intake through document extraction, fraud
scoring, tiered approval and payment to closure.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			opts.cfg = cfg
			slog.SetDefault(newLogger(cfg.Logging, cmd.ErrOrStderr()))
			return nil
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("CLAIMFLOW_CONFIG"), "path to a YAML config file")

	root.AddCommand(
		newServeCmd(opts),
		newSweepCmd(opts),
		newMigrateCmd(opts),
		newTokenCmd(opts),
		newVersionCmd(),
	)
	return root
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg domain.LoggingConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(w, handlerOpts))
}
