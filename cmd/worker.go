package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	workerCount         int
	workerLinkInterval  time.Duration
	workerWithLinker    bool
	workerWithMonitoring bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run extraction workers, sweeps, and reconciliation",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		workers := workerCount
		if workers <= 0 {
			workers = cfg.Pipeline.Workers
		}

		zap.L().Info("starting worker",
			zap.Int("workers", workers),
			zap.Bool("linker", workerWithLinker),
		)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return env.Orchestrator.Run(gctx, workers)
		})
		g.Go(func() error {
			return env.Sweeper.Run(gctx)
		})
		if workerWithLinker {
			g.Go(func() error {
				return env.Linker.Run(gctx, workerLinkInterval)
			})
		}
		if workerWithMonitoring {
			g.Go(func() error {
				env.Checker.Run(gctx)
				return nil
			})
		}

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		zap.L().Info("worker stopped")
		return nil
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerCount, "workers", 0, "extraction worker count (default from config)")
	workerCmd.Flags().DurationVar(&workerLinkInterval, "link-interval", 5*time.Minute, "reconciliation sweep interval")
	workerCmd.Flags().BoolVar(&workerWithLinker, "linker", true, "run the invoice/receipt linker")
	workerCmd.Flags().BoolVar(&workerWithMonitoring, "monitoring", true, "run the monitoring checker")
	rootCmd.AddCommand(workerCmd)
}
