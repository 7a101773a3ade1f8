package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shakshuka-app/shakshuka/internal/server"
	"github.com/shakshuka-app/shakshuka/pkg/backup"
	"github.com/shakshuka-app/shakshuka/pkg/scheduler"
	"github.com/shakshuka-app/shakshuka/pkg/settings"
	"github.com/shakshuka-app/shakshuka/pkg/task"
	"github.com/shakshuka-app/shakshuka/pkg/vault"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Runs the local API server",
	Long: `Resolves a writable storage location, then serves the REST API on
the configured listen address until interrupted. The store starts
locked; clients unlock it through the API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := resolveDataDir()
		if err != nil {
			return err
		}
		slog.Info("storage resolved", "path", root)

		v := vault.New(root)
		repo := task.NewRepository(v)
		st := settings.NewStore(v)
		backups := backup.NewManager(v, repo, st)

		autosave := scheduler.NewAutoSave(st.AutosaveInterval(), repo, st)
		dailyReset := scheduler.NewDailyReset(repo, st.DailyResetTime)

		logger := slog.Default()
		handler := server.NewHandler(v, repo, st, backups, autosave, dailyReset, logger)
		mux := server.NewServeMux(handler, logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		go autosave.Start(ctx)
		go dailyReset.Start(ctx)

		srv := &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: mux,
		}

		errCh := make(chan error, 1)
		go func() {
			slog.Info("server listening", "addr", cfg.ListenAddr)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown failed", "error", err)
		}

		// Best-effort final flush; the store may already be locked.
		if !v.Locked() {
			if err := repo.Flush(); err != nil && !errors.Is(err, vault.ErrVaultLocked) {
				slog.Error("final task flush failed", "error", err)
			}
			if err := st.Flush(); err != nil && !errors.Is(err, vault.ErrVaultLocked) {
				slog.Error("final settings flush failed", "error", err)
			}
		}
		v.Relock()

		slog.Info("shutdown complete")
		return nil
	},
}
