package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/claimflow/internal/api"
	"github.com/opensource-finance/claimflow/internal/domain"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var noWorker bool

	cmd := &cobra.Command{
		Use:          "serve",
		SilenceUsage: true,
		Short:        "Run the HTTP API and the background worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts.cfg, !noWorker)
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "serve the API without consuming bus events")
	return cmd
}

func runServe(parent context.Context, cfg *domain.Config, withWorker bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting claimflow",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"storage", cfg.Storage.Driver,
	)

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	auth, err := api.NewAuthenticator(cfg.Auth)
	if err != nil {
		return fmt.Errorf("initialize authenticator: %w", err)
	}

	if withWorker {
		if err := a.worker.Start(); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
		stats := a.worker.GetStats()
		slog.Info("worker started", "subscriptions", stats.SubscriptionCount, "topics", stats.Topics)
	}

	srv := api.NewServer(cfg.Server, auth, a.services(), Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("claimflow is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"auth", cfg.Auth.Enabled,
	)

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}

	// Stop the worker first so no new events are picked up
	if withWorker {
		if err := a.worker.Stop(); err != nil {
			slog.Error("failed to stop worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("claimflow shutdown complete")
	return serveErr
}
