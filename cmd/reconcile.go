package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/bookkeeper/internal/linker"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one invoice/receipt reconciliation sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initIntake(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		lk := linker.New(env.Store, linkerConfig())

		report, err := lk.Reconcile(ctx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}
