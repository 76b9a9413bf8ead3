package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"eva/internal/orchestrator"
)

var orchestratorCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Run the Orchestrator daemon (UI WebSocket, detector link, speech)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := orchestrator.NewServer(cfg)
		srv.Run(ctx)

		logger.Info("orchestrator listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("detector_url", cfg.Server.DetectorURL),
			zap.String("executive_url", cfg.Server.ExecutiveURL))
		return serveHTTP(ctx, cfg.Server.Port, srv.Router())
	},
}
