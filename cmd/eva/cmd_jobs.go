package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"eva/internal/jobs"
)

// jobCmd runs one maintenance job to completion and prints its result.
// Useful for cron-free setups and for inspecting what a run would keep.
var jobCmd = &cobra.Command{
	Use:   "job <compaction|promotion>",
	Short: "Run a memory maintenance job once and print the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		srv, _, cleanup, err := buildExecutive()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		nowMs := time.Now().UnixMilli()

		var result interface{}
		switch args[0] {
		case jobs.JobCompaction:
			windowMs := cfg.Jobs.Compaction.WindowMs
			if windowMs <= 0 {
				windowMs = 60 * 60 * 1000
			}
			result, err = srv.Compactor.Run(ctx, nowMs, windowMs)
		case jobs.JobPromotion:
			result, err = srv.Promoter.Run(ctx, nowMs)
		default:
			return fmt.Errorf("unknown job %q (want %s or %s)", args[0], jobs.JobCompaction, jobs.JobPromotion)
		}
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}
