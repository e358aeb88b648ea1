package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/bookkeeper/internal/intake"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one intake sweep pass",
	Long:  "Enqueues records stranded in pending_queue and requeues stale processing claims, then exits.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initIntake(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		staleAfter := time.Duration(cfg.Pipeline.StaleAfterMins) * time.Minute
		sweeper := intake.NewSweeper(env.Store, env.Queue, 0, staleAfter)

		moved, err := sweeper.SweepOnce(ctx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]int{"moved": moved})
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
