package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"session_billing/internal/httpapi"
	"session_billing/internal/logging"
)

func newServeCmd() *cobra.Command {
	var (
		port    string
		backend string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the billing engine and its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != "" {
				cfg.HTTPPort = port
			}
			if backend != "" {
				cfg.StoreBackend = backend
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			logger := logging.NewLogger("billingd")
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			deps, err := httpapi.BuildDependencies(ctx, cfg)
			if err != nil {
				return err
			}
			defer deps.Close()

			// Charges deferred by the previous process go in before sessions resume
			replayed, err := deps.Replay.Drain(ctx)
			if err != nil {
				logger.WithError(err).Error("Failed to replay pending charges")
			}
			resumed, err := deps.Engine.Recover(ctx)
			if err != nil {
				return err
			}
			logger.WithFields(logging.Fields{
				"replayed": replayed,
				"resumed":  resumed,
				"backend":  cfg.StoreBackend,
			}).Info("Billing engine started")

			deps.Replay.Start(context.WithoutCancel(ctx))

			server := &http.Server{
				Addr:         ":" + cfg.HTTPPort,
				Handler:      httpapi.NewRouter(deps),
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  120 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.WithField("addr", server.Addr).Info("HTTP API listening")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("Shutting down")

				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Billing.ShutdownTimeout)
				defer cancel()

				var errs []error
				if err := server.Shutdown(shutdownCtx); err != nil {
					errs = append(errs, err)
				}
				if err := deps.Engine.Shutdown(shutdownCtx); err != nil {
					errs = append(errs, err)
				}
				if err := deps.Replay.Stop(); err != nil {
					errs = append(errs, err)
				}
				return errors.Join(errs...)
			})

			if err := g.Wait(); err != nil {
				logger.WithError(err).Error("Billing daemon stopped with errors")
				return err
			}
			logger.Info("Billing daemon stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&port, "port", "", "HTTP port (overrides HTTP_PORT)")
	cmd.Flags().StringVar(&backend, "store", "", "store backend: memory, redis or postgres (overrides STORE_BACKEND)")
	return cmd
}
