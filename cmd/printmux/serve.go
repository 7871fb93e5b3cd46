package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/orrn/printmux/internal/api"
	"github.com/orrn/printmux/internal/api/middleware"
	"github.com/orrn/printmux/internal/core"
	"github.com/orrn/printmux/internal/db"
	"github.com/orrn/printmux/internal/retention"
	"github.com/orrn/printmux/internal/storage"
	"github.com/orrn/printmux/internal/webhook"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var flagPort int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the status poller and the retention job",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if flagPort > 0 {
				cfg.Server.Port = flagPort
			}
			if cfg.Logging.Level != "debug" {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx := context.Background()

			store, err := db.Open(db.Config{Path: cfg.Database.Path})
			if err != nil {
				return err
			}
			defer store.Close()

			files, err := storage.New(cfg.Storage.Dir)
			if err != nil {
				return err
			}

			auth, createdKey, err := middleware.NewAuth(ctx, store.Settings, cfg.Auth.APIKey, cfg.Auth.TokenTTL)
			if err != nil {
				return err
			}
			if createdKey != "" && cfg.Auth.APIKey == "" {
				logger.Warn().Str("api_key", createdKey).Msg("generated API key, it will not be shown again")
			}

			sender := webhook.NewSender(store.Webhooks, webhook.Config{
				RetryCount:  cfg.Webhooks.RetryCount,
				RetryDelay:  cfg.Webhooks.RetryDelay,
				Timeout:     cfg.Webhooks.Timeout,
				WorkerCount: cfg.Webhooks.WorkerCount,
				QueueSize:   cfg.Webhooks.QueueSize,
			}, logger)
			sender.Start()
			defer sender.Stop()

			pool := core.NewClientPool(&http.Client{}, cfg.Printers.RequestsPerSecond)
			coreStore := core.NewSQLStore(store)
			reconciler := core.NewReconciler(coreStore, core.NewTargetTable(), sender, logger)
			dispatcher := core.NewDispatcher(coreStore, files, pool.Device, reconciler, core.DispatcherConfig{
				UploadTimeout: cfg.Printers.UploadTimeout,
				PrintTimeout:  cfg.Printers.PrintTimeout,
			}, logger)

			recovered, err := dispatcher.Recover(ctx)
			if err != nil {
				return fmt.Errorf("failed to recover interrupted dispatches: %w", err)
			}
			if recovered > 0 {
				logger.Warn().Int("targets", recovered).Msg("failed targets left dispatching by the previous run")
			}

			webUIs := core.NewWebUIDiscoverer(&http.Client{}, cfg.Printers.WebUITimeout, 0)
			fleet := core.NewFleet(coreStore, pool.Device, webUIs, cfg.Printers.StatusTimeout, logger)
			poller := core.NewPoller(fleet, coreStore, sender, cfg.Printers.PollInterval, logger)
			if err := poller.Start(); err != nil {
				return err
			}
			defer poller.Stop()

			pruner := retention.NewPruner(store, files, cfg.Database.RetentionDays, logger)
			if err := pruner.Start(retention.DefaultSchedule); err != nil {
				return err
			}
			defer pruner.Stop()

			router, err := api.NewRouter(api.Deps{
				Config:     cfg,
				Store:      store,
				Files:      files,
				Auth:       auth,
				Dispatcher: dispatcher,
				Fleet:      fleet,
				Poller:     poller,
				Pool:       pool,
				Pruner:     pruner,
				Webhooks:   sender,
				Logger:     logger,
			})
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
				Handler:      router,
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info().Str("addr", srv.Addr).Msg("HTTP server starting")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			select {
			case sig := <-sigCh:
				logger.Info().Str("signal", sig.String()).Msg("shutting down")
			case err := <-errCh:
				return fmt.Errorf("server failed: %w", err)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("server shutdown failed")
			}
			dispatcher.Wait()
			return nil
		},
	}

	cmd.Flags().IntVarP(&flagPort, "port", "p", 0, "listen port, overrides server.port")
	return cmd
}
