package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oda-t/manga-scraper/internal/api"
	"github.com/oda-t/manga-scraper/internal/app"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scraper HTTP service",
		Long: `Starts the HTTP service exposing chapter scrapes, resilience
statistics, and Prometheus metrics.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Pipeline.RestoreSnapshot(ctx); err != nil {
		a.Logger.Warn("detector snapshot restore failed", zap.Error(err))
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(a.Pipeline, a.Breaker, a.Logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		a.Logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("server shutdown failed", zap.Error(err))
	}
	if err := a.Pipeline.SaveSnapshot(shutdownCtx); err != nil {
		a.Logger.Warn("detector snapshot save failed", zap.Error(err))
	}
	return nil
}
