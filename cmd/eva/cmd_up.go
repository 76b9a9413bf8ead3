package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"eva/internal/supervisor"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the configured children under one supervisor",
	Long: `Start every child in children.managed, in order, waiting for each
health endpoint before starting the next. On SIGINT or SIGTERM the children
are stopped in reverse order, SIGTERM first and SIGKILL after the shutdown
timeout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(cfg.Children.Managed) == 0 {
			return fmt.Errorf("no children configured under children.managed")
		}

		children := make([]supervisor.Child, 0, len(cfg.Children.Managed))
		for _, c := range cfg.Children.Managed {
			children = append(children, supervisor.Child{
				Name:            c.Name,
				Command:         c.Command,
				Cwd:             c.Cwd,
				HealthURL:       c.HealthURL,
				ReadyTimeout:    c.ChildReadyTimeout(),
				ShutdownTimeout: c.ChildShutdownTimeout(),
			})
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sup := supervisor.New()
		if err := sup.StartAll(ctx, children); err != nil {
			return err
		}
		logger.Info("all children healthy", zap.Int("count", len(children)))

		<-ctx.Done()
		sup.StopAll()
		return nil
	},
}
