// Command eva runs the EVA daemons: the Executive (memory and language),
// the Orchestrator (frame broker and speech), or both under a supervisor.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"eva/internal/config"
	"eva/internal/logging"
)

var (
	// Global flags
	configPath string
	portFlag   int
	verbose    bool

	// Loaded once in PersistentPreRunE, consumed by every subcommand.
	cfg    config.Config
	embCfg config.EmbeddingConfig

	// Process-level logger for daemon lifecycle messages.
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "eva",
	Short: "EVA - local perception and dialogue daemons",
	Long: `EVA is a local always-on perception and dialogue system.

The Orchestrator brokers camera frames between the browser UI and the
vision detector over WebSocket and proxies text and speech. The Executive
owns the memory directory and turns requests into tone-governed replies
through a tool-gated model boundary.

Run "eva up" to start the full stack under one supervisor, or run the
daemons individually with "eva executive" and "eva orchestrator".`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, embCfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if portFlag > 0 {
			cfg.Server.Port = portFlag
		}

		settings := logging.Settings{
			DebugMode:  cfg.Logging.DebugMode || verbose,
			Categories: cfg.Logging.Categories,
			Level:      cfg.Logging.Level,
			JSONFormat: cfg.Logging.JSONFormat,
		}
		if verbose {
			settings.Level = "debug"
		}
		if err := logging.Initialize(cfg.Memory.Dir, settings); err != nil {
			return err
		}

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to eva.yaml (defaults apply when omitted)")
	rootCmd.PersistentFlags().IntVarP(&portFlag, "port", "p", 0, "Override the configured listen port")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(executiveCmd)
	rootCmd.AddCommand(orchestratorCmd)
	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(jobCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
