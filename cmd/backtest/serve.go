package main

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/api"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the backtest HTTP and WebSocket API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := setup(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	serverCfg := a.cfg.Server
	server := api.NewServer(a.logger.Named("api"), &serverCfg, a.provider, a.registry).
		WithMetrics(a.collectors, a.metrics)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	a.logger.Info("Server started",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", serverCfg.Host, serverCfg.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d%s", serverCfg.Host, serverCfg.Port, serverCfg.WebSocketPath)),
		zap.Strings("strategies", a.registry.List()),
	)

	select {
	case err := <-errCh:
		return err
	case <-cmd.Context().Done():
		a.logger.Info("Shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		a.logger.Error("Error during server shutdown", zap.Error(err))
		return err
	}
	a.logger.Info("Server stopped")
	return nil
}
