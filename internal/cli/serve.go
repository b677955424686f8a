package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hub-sync-service/internal/api"
	"hub-sync-service/internal/entity"
	"hub-sync-service/internal/logger"
	"hub-sync-service/internal/sync"
)

const shutdownTimeout = 30 * time.Second

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the operations API",
		Long: `Run cycles on the configured cron schedule and serve the operations API.
With sync.realtime set and a mysql store, Store changes also trigger push
cycles through the binlog.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions) error {
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Log.Info("Starting hub sync service")

	if err := a.preflight(ctx); err != nil {
		return err
	}

	filter := a.cfg.Sync.EntityFilter()
	scheduler := sync.NewScheduler(a.cfg.Scheduler, filter, a.manager)
	if err := scheduler.Start(); err != nil {
		return WrapExitError(ExitFatal, "failed to start scheduler", err)
	}
	defer scheduler.Stop()

	if a.cfg.Sync.Realtime {
		watcher, err := sync.NewChangeWatcher(a.cfg.Store, a.cfg.Sync, a.registry, func(ctx context.Context, types []entity.EntityType) error {
			_, err := a.manager.RunCycle(ctx, sync.CycleOptions{Direction: entity.Push, EntityTypes: types})
			return err
		})
		if err != nil {
			return WrapExitError(ExitFatal, "failed to create change watcher", err)
		}
		if err := watcher.Start(); err != nil {
			return WrapExitError(ExitFatal, "failed to start change watcher", err)
		}
		defer watcher.Stop()
	}

	handler := api.NewHandler(ctx, a.manager, a.store, a.registry, a.cfg.Server)
	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      handler.Routes(),
		ReadTimeout:  a.cfg.Server.GetReadTimeout(),
		WriteTimeout: a.cfg.Server.GetWriteTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Log.Info("Server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return WrapExitError(ExitFatal, "server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Log.Info("Shutting down server...")
	a.manager.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn("Server shutdown incomplete", zap.Error(err))
	}
	return nil
}
