package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bookkeeper/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "bookkeeper",
	Short: "Financial document intake and extraction pipeline",
	Long:  "Ingests invoices and receipts from uploads and mailboxes, extracts structured records via tiered Claude models, and reconciles invoices against receipts.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
