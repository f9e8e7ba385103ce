package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/iocforge/internal/api"
	"github.com/lvonguyen/iocforge/internal/config"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the enrichment HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	logger := a.logger

	logger.Info("Starting IOCForge",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
	)

	a.telemetry.StartSystemMetricsCollector(ctx)

	router := api.NewServer(a.service, a.apiOptions()).Router()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal or a listener failure
	var listenErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, shutting down...")
	case listenErr = <-serverErr:
		if listenErr != nil {
			logger.Error("Server error", zap.Error(listenErr))
		}
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	shutdownErr := listenErr
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err, ok := <-serverErr; ok && err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}

	logger.Info("Server stopped")
	if err := a.Close(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	return shutdownErr
}
